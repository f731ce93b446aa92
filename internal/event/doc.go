// Package event delivers debug session events to subscribers.
//
// Every published Event is stamped with a bus-wide sequence number and a
// timestamp. Each Subscription owns an unbounded queue drained by its own
// goroutine, so a slow subscriber never blocks the publisher or other
// subscribers, and events reach every subscriber in publish order.
//
// Basic usage:
//
//	bus := event.NewBus()
//	defer bus.Close()
//
//	sub, _ := bus.Subscribe(event.Filter{SessionID: id})
//	defer sub.Close()
//
//	for ev := range sub.Events() {
//		fmt.Println(ev.Type, ev.Payload)
//	}
package event

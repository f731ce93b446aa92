package event

import "sync"

// Subscription receives the events matching its filter in publish order.
type Subscription struct {
	id     string
	filter Filter
	bus    *Bus

	mu       sync.Mutex
	queue    []Event
	finished bool // no more events will be queued
	notify   chan struct{}

	out       chan Event
	cancel    chan struct{}
	closeOnce sync.Once
}

func newSubscription(id string, f Filter, b *Bus) *Subscription {
	s := &Subscription{
		id:     id,
		filter: f,
		bus:    b,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		cancel: make(chan struct{}),
	}
	go s.pump()
	return s
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Filter returns the filter the subscription was created with.
func (s *Subscription) Filter() Filter {
	return s.filter
}

// Events returns the delivery channel. It is closed after Close, or after the
// bus is closed and the queue has drained.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close cancels the subscription. Undelivered events are dropped.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.cancel)
		s.bus.remove(s.id)
	})
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if !s.finished {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.wake()
}

// finish marks the end of the stream; the pump exits once the queue drains.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			done := s.finished
			s.mu.Unlock()
			if done {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.cancel:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.cancel:
			return
		}
	}
}

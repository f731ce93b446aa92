package event

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dshills/debugd/internal/logflags"
)

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

// Bus fans events out to subscriptions.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[string]*Subscription
	closed bool

	now func() time.Time
	log *logrus.Entry
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]*Subscription),
		now:  time.Now,
		log:  logflags.EventLogger(),
	}
}

// Publish stamps ev with the next sequence number and, if unset, the current
// time, then queues it for every matching subscription. The stamped event is
// returned. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ev
	}
	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	delivered := 0
	for _, sub := range b.subs {
		if sub.filter.Match(ev) {
			sub.enqueue(ev)
			delivered++
		}
	}
	if logflags.Enabled(logflags.LayerEvent) {
		b.log.WithFields(logrus.Fields{
			"type":    ev.Type,
			"session": ev.SessionID,
			"seq":     ev.Seq,
			"subs":    delivered,
		}).Debug("publish")
	}
	return ev
}

// Subscribe registers a subscription for events matching f.
func (b *Bus) Subscribe(f Filter) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	sub := newSubscription("sub-"+strconv.FormatUint(b.nextID, 10), f, b)
	b.subs[sub.id] = sub
	return sub, nil
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Events already queued are still delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Package bus is the in-process publish/subscribe channel carrying incident
// pipeline transitions to observers.
//
// A Bus is constructed and injected by whoever wires the pipeline; there is no
// package-level instance. Publishing never blocks: a subscriber whose queue is
// full loses that event, and only that subscriber.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Bus fans events out to any number of subscribers.
type Bus struct {
	logger log.Logger

	// OnDrop, when set, is called for every event dropped because a
	// subscriber's queue was full. Set before the first Subscribe.
	OnDrop func(subscriber string, evType Type)

	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// New creates an empty Bus.
func New(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.Nop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]*Subscription),
	}
}

// Subscription is one observer's queue of events.
type Subscription struct {
	name string
	id   int
	ch   chan Event
	bus  *Bus
	once sync.Once
}

// Events returns the subscriber's receive channel. The channel is closed when
// the subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and closes the event channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
	})
}

// Subscribe registers an observer with a queue of the given capacity. The
// name labels drop logs and metrics only.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		name: name,
		id:   b.nextID,
		ch:   make(chan Event, buffer),
		bus:  b,
	}
	if b.closed {
		// Late subscriber on a closed bus gets an already-closed channel.
		close(sub.ch)
		return sub
	}
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers the event to every current subscriber without blocking.
// The emission timestamp is assigned here if unset.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			if b.OnDrop != nil {
				b.OnDrop(sub.name, ev.Type)
			}
			b.logger.Warn(context.Background(), "event dropped for slow subscriber",
				"subscriber", sub.name,
				"event_type", ev.Type,
			)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

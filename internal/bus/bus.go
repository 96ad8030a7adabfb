// Package bus implements the gateway's fan-out of typed events to external
// subscribers (shell, audit viewer, channel adapters).
//
// Publication never blocks: each subscriber owns a bounded buffer, and when
// it overflows the bus drops events for that subscriber and reports the drop
// so an EventDropped audit entry can be recorded. This is the only supported
// fan-out path from the runtime core.
package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/batchismo/batchismo/internal/ipc"
)

// DefaultBuffer is the per-subscriber buffer size.
const DefaultBuffer = 256

// Event is one bus delivery: the session it belongs to plus the protocol
// message the agent (or gateway) produced.
type Event struct {
	SessionID  uuid.UUID
	SessionKey string
	Message    ipc.Message
}

// DropFunc observes subscriber overflow. Called outside the bus lock with
// the subscriber's running drop total.
type DropFunc func(sessionKey string, dropped int)

// Bus is a bounded broadcast channel of events.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscriber
	nextID int
	onDrop DropFunc
	closed bool
}

// Subscriber receives a copy of every published event, up to its buffer.
type Subscriber struct {
	id      int
	ch      chan Event
	bus     *Bus
	mu      sync.Mutex
	dropped int
}

// New creates a bus. onDrop may be nil.
func New(onDrop DropFunc) *Bus {
	return &Bus{subs: make(map[int]*Subscriber), onDrop: onDrop}
}

// Subscribe registers a subscriber with the default buffer size.
func (b *Bus) Subscribe() *Subscriber {
	return b.SubscribeBuffered(DefaultBuffer)
}

// SubscribeBuffered registers a subscriber with an explicit buffer size.
func (b *Bus) SubscribeBuffered(n int) *Subscriber {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscriber{id: b.nextID, ch: make(chan Event, n), bus: b}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers the event to every current subscriber without blocking.
// Slow subscribers lose events; the publisher is never delayed.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	onDrop := b.onDrop
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			sub.mu.Lock()
			sub.dropped++
			n := sub.dropped
			sub.mu.Unlock()
			if onDrop != nil {
				onDrop(ev.SessionKey, n)
			}
		}
	}
}

// Close tears down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// C returns the subscriber's receive channel. It is closed when the
// subscriber unsubscribes or the bus shuts down.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber has lost to overflow.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Unsubscribe removes the subscriber and closes its channel.
func (s *Subscriber) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

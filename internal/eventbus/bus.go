// Package eventbus implements the typed publish/subscribe registry spec §4.2
// describes: synchronous, same-thread delivery to every handler registered
// for a topic, in registration order, with handler panics caught and logged
// rather than aborting delivery to the remaining handlers.
package eventbus

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Bus orchestrates topic-based publish/subscribe messaging over the closed
// set of Topics declared in types.go.
type Bus struct {
	logger *log.Logger

	// mu guards subscribers. Publish holds mu only while copying a topic's
	// subscriber list and delivers after releasing it, so a Publish that
	// copied the list before a concurrent Close may still deliver to the
	// closed handler once. Publishes that start after Close returns never
	// reach it.
	mu          sync.Mutex
	subscribers map[Topic][]*subscription
	nextID      uint64
}

// BusOption customises bus construction.
type BusOption func(*Bus)

// WithLogger overrides the logger used for handler-panic diagnostics.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New constructs an empty bus.
func New(opts ...BusOption) *Bus {
	b := &Bus{
		logger:      log.Default(),
		subscribers: make(map[Topic][]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type subscription struct {
	id      uint64
	topic   Topic
	handler func(Envelope)
}

// Registration is returned by Subscribe. Close unregisters the handler;
// it is idempotent and safe to call from any goroutine, including from
// within the handler itself.
type Registration struct {
	bus    *Bus
	topic  Topic
	id     uint64
	closed atomic.Bool
}

// Close unregisters the handler. Publish calls that start after Close
// returns do not deliver to it; a Publish already delivering on another
// goroutine may still deliver to it once.
func (r *Registration) Close() {
	if r == nil || !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.bus.unsubscribe(r.topic, r.id)
}

// Subscribe registers handler for every event published on topic. Delivery
// order across handlers on the same topic matches registration order
// (spec §4.2). If bus is nil, Subscribe returns a Registration whose Close
// is a harmless no-op.
func (b *Bus) Subscribe(topic Topic, handler func(Envelope)) *Registration {
	if b == nil || handler == nil {
		return &Registration{}
	}

	b.mu.Lock()
	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[topic] = append(b.subscribers[topic], &subscription{id: id, topic: topic, handler: handler})
	b.mu.Unlock()

	return &Registration{bus: b, topic: topic, id: id}
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers env to every handler currently registered for env.Topic,
// synchronously on the calling goroutine, in registration order. A handler
// panic is recovered, logged, and does not prevent delivery to the
// remaining handlers (spec §4.2).
func (b *Bus) Publish(env Envelope) {
	if b == nil || env.Topic == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}

	b.mu.Lock()
	// Copy the slice header under the lock so that a concurrent Subscribe
	// or Close mutating b.subscribers[topic] cannot race with the delivery
	// loop below, which runs unlocked (handlers must not be called while
	// holding mu — they may themselves call Subscribe/Close).
	subs := append([]*subscription(nil), b.subscribers[env.Topic]...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, env)
	}
}

func (b *Bus) deliver(sub *subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("[eventbus] handler for topic %s panicked: %v", env.Topic, r)
		}
	}()
	sub.handler(env)
}

// String renders an Envelope for log lines.
func (e Envelope) String() string {
	return fmt.Sprintf("%s@%s from=%s", e.Topic, e.Timestamp.Format(time.RFC3339Nano), e.Source)
}

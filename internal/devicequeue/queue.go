// Package devicequeue implements the Device Plug Orchestrator (spec §4.6):
// a thread-safe bounded FIFO of hotplug descriptors, produced by the input
// server and drained by the Runner.
package devicequeue

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Kind distinguishes a plug from an unplug descriptor.
type Kind int

const (
	Plug Kind = iota
	Unplug
)

func (k Kind) String() string {
	if k == Unplug {
		return "unplug"
	}
	return "plug"
}

// Item is one hotplug descriptor: a udev environment map plus
// hardware-database entries (spec §4.6). Re-applying the same Item must
// produce the same device node in the guest — that idempotence is the
// Runner's contract, not this queue's.
type Item struct {
	SessionID   uint64
	Kind        Kind
	UdevEvents  []map[string]string
	HwDBEntries map[string][]string
}

// Critical reports whether dropping this item on overflow would leave the
// guest without a hardware-database entry it needs (spec §8 "overflow
// drops the oldest non-critical event").
func (it Item) Critical() bool { return len(it.HwDBEntries) > 0 }

// Queue is a bounded FIFO of Items shared between one input server
// producer and one runner consumer per session.
type Queue struct {
	logger *log.Logger

	mu       sync.Mutex
	items    []Item
	capacity int
	closed   bool
	notify   chan struct{}

	dropped atomic.Uint64
}

// New creates a Queue holding at most capacity items.
func New(capacity int, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{capacity: capacity, logger: logger, notify: make(chan struct{})}
}

// TryPush enqueues item without blocking. If the queue is at capacity, the
// oldest non-critical item is dropped to make room (spec §4.6 "non-blocking
// try_push with overflow dropping the oldest non-critical event and
// logging"); if every queued item is critical, the oldest one is dropped
// regardless, since try_push must never block. Returns false if the queue
// has been closed.
func (q *Queue) TryPush(item Item) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if len(q.items) >= q.capacity {
		idx := 0
		for i, existing := range q.items {
			if !existing.Critical() {
				idx = i
				break
			}
		}
		dropped := q.items[idx]
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.dropped.Add(1)
		q.logger.Printf("[Devices] queue full for session %d, dropped %s event (critical=%v)", dropped.SessionID, dropped.Kind, dropped.Critical())
	}

	q.items = append(q.items, item)
	notify := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()

	close(notify)
	return true
}

// PopWithTimeout blocks until an item is available, the queue is closed,
// or timeout elapses. Returns ok=false in the latter two cases.
func (q *Queue) PopWithTimeout(timeout time.Duration) (Item, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return Item{}, false
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-notify:
			continue
		case <-deadline.C:
			return Item{}, false
		}
	}
}

// Dropped returns the number of items dropped for overflow so far.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Close marks the queue closed; blocked and future PopWithTimeout calls
// return immediately, and TryPush starts returning false.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	notify := q.notify
	q.mu.Unlock()
	close(notify)
}

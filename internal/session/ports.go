package session

import "sync"

// PortPool allocates UDP ports for video/audio streams from a fixed range
// (spec §4.4 step 5 "Allocate two UDP ports (video, audio) from a pool").
type PortPool struct {
	mu        sync.Mutex
	low, high int
	inUse     map[int]bool
	cursor    int
}

// NewPortPool creates a pool covering [low, high] inclusive.
func NewPortPool(low, high int) *PortPool {
	return &PortPool{low: low, high: high, inUse: make(map[int]bool), cursor: low}
}

// ResourceExhaustedError is returned when the pool has no free port left
// (spec §7 ResourceExhausted).
type ResourceExhaustedError struct{ Resource string }

func (e ResourceExhaustedError) Error() string {
	return "session: resource exhausted: " + e.Resource
}

// Acquire reserves and returns one free port.
func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := p.high - p.low + 1
	for i := 0; i < span; i++ {
		candidate := p.low + (p.cursor-p.low+i)%span
		if !p.inUse[candidate] {
			p.inUse[candidate] = true
			p.cursor = candidate + 1
			return candidate, nil
		}
	}
	return 0, ResourceExhaustedError{Resource: "udp port"}
}

// Release returns port to the pool.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

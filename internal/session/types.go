// Package session implements the Session Registry & Lifecycle (spec §4.4)
// and the StreamSession value it owns (spec §3): from launch() through
// RTSP parameter exchange, pause/resume/IDR, to Stop-triggered teardown.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/wolfstream/host/internal/config"
)

// writeOnceCell holds a value that may be set exactly once; subsequent
// Set calls are ignored (spec §5 "first writer wins; all other observers
// see the first-installed value").
type writeOnceCell[T any] struct {
	set   atomic.Bool
	mu    sync.Mutex
	value T
}

// Set installs value if no value has been installed yet. Returns true if
// this call won the race.
func (c *writeOnceCell[T]) Set(value T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set.Load() {
		return false
	}
	c.value = value
	c.set.Store(true)
	return true
}

// Get returns the installed value and whether one has been installed.
func (c *writeOnceCell[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set.Load()
}

// Joypad is the virtual controller state attached to one controller slot.
type Joypad struct {
	Type config.JoypadType
}

// joypadMap is an add/remove, last-writer-wins map keyed by controller
// number (spec §5 "Joypad map: ... add/remove are last-writer-wins per key").
type joypadMap struct {
	mu   sync.RWMutex
	pads map[int]Joypad
}

func newJoypadMap() *joypadMap {
	return &joypadMap{pads: make(map[int]Joypad)}
}

// Set installs or replaces the joypad at controller number n.
func (m *joypadMap) Set(n int, pad Joypad) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pads[n] = pad
}

// Remove deletes the joypad at controller number n, if present.
func (m *joypadMap) Remove(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pads, n)
}

// Snapshot returns a copy of the current controller-number → Joypad map.
func (m *joypadMap) Snapshot() map[int]Joypad {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]Joypad, len(m.pads))
	for k, v := range m.pads {
		out[k] = v
	}
	return out
}

// StreamSession is the live state for one launched application, from
// launch() through teardown (spec §3 StreamSession).
type StreamSession struct {
	sessionID        uint64
	clientIP         string
	app              config.App
	appStateFolder   string
	aesKey, aesIV    [16]byte
	videoStreamPort  int
	audioStreamPort  int
	audioChannelCount int

	waylandDisplay writeOnceCell[string]
	mouse          writeOnceCell[string]
	keyboard       writeOnceCell[string]
	pen            writeOnceCell[string]
	touch          writeOnceCell[string]
	joypads        *joypadMap

	stopped atomic.Bool
}

// ID satisfies eventbus.StreamSessionRef.
func (s *StreamSession) ID() uint64 { return s.sessionID }

// ClientIP satisfies eventbus.StreamSessionRef.
func (s *StreamSession) ClientIP() string { return s.clientIP }

// AppStateFolder satisfies eventbus.StreamSessionRef.
func (s *StreamSession) AppStateFolder() string { return s.appStateFolder }

// App returns the application this session is running.
func (s *StreamSession) App() config.App { return s.app }

// VideoPort and AudioPort return the allocated UDP ports (spec §4.4 step 5).
func (s *StreamSession) VideoPort() int { return s.videoStreamPort }
func (s *StreamSession) AudioPort() int { return s.audioStreamPort }

// AESKeyIV returns the GCM audio encryption key and IV (spec §4.4 step 4).
func (s *StreamSession) AESKeyIV() (key, iv [16]byte) { return s.aesKey, s.aesIV }

// SetWaylandDisplay installs the virtual display handle on first use.
func (s *StreamSession) SetWaylandDisplay(v string) bool { return s.waylandDisplay.Set(v) }

// WaylandDisplay returns the installed display handle, if any.
func (s *StreamSession) WaylandDisplay() (string, bool) { return s.waylandDisplay.Get() }

// SetMouse/SetKeyboard/SetPen/SetTouch install the virtual input device path
// on first use; later calls are no-ops (spec §5 write-once cells).
func (s *StreamSession) SetMouse(path string) bool    { return s.mouse.Set(path) }
func (s *StreamSession) SetKeyboard(path string) bool { return s.keyboard.Set(path) }
func (s *StreamSession) SetPen(path string) bool       { return s.pen.Set(path) }
func (s *StreamSession) SetTouch(path string) bool     { return s.touch.Set(path) }

func (s *StreamSession) Mouse() (string, bool)    { return s.mouse.Get() }
func (s *StreamSession) Keyboard() (string, bool) { return s.keyboard.Get() }
func (s *StreamSession) Pen() (string, bool)       { return s.pen.Get() }
func (s *StreamSession) Touch() (string, bool)     { return s.touch.Get() }

// SetJoypad installs or replaces the joypad at controller number n.
func (s *StreamSession) SetJoypad(n int, pad Joypad) { s.joypads.Set(n, pad) }

// RemoveJoypad deletes the joypad at controller number n.
func (s *StreamSession) RemoveJoypad(n int) { s.joypads.Remove(n) }

// Joypads returns a snapshot of the current controller map.
func (s *StreamSession) Joypads() map[int]Joypad { return s.joypads.Snapshot() }

// IsStopped reports whether Stop has already been observed for this
// session (spec §5 "Stop is a terminal event").
func (s *StreamSession) IsStopped() bool { return s.stopped.Load() }

package session

import (
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfstream/host/internal/config"
	"github.com/wolfstream/host/internal/eventbus"
)

// UnauthorizedError indicates no paired client matches the presented
// certificate (spec §7 Unauthorized).
type UnauthorizedError struct{}

func (UnauthorizedError) Error() string { return "session: no paired client matches certificate" }

// NotFoundError indicates an unknown app or session (spec §7 NotFound).
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("session: %s %q not found", e.Entity, e.Key)
}

// Store is the subset of config/store.Store the Registry needs to resolve
// a launch request.
type Store interface {
	GetClientViaSSL(cert *x509.Certificate) (config.PairedClient, bool)
	GetAppByID(id string) (config.App, error)
}

// defaultFrameInterval is the window used to coalesce IDRRequestEvent
// bursts for every session; the negotiated refresh rate is not consulted
// (spec §4.4 "coalesces duplicate requests arriving within one frame
// interval").
const defaultFrameInterval = 16 * time.Millisecond

// Registry maps session_id to StreamSession and owns the session lifecycle
// (spec §4.4).
type Registry struct {
	store Store
	bus   *eventbus.Bus
	ports *PortPool

	logger *log.Logger

	nextID atomic.Uint64

	mu       sync.RWMutex
	sessions map[uint64]*StreamSession

	idrMu   sync.Mutex
	lastIDR map[uint64]time.Time
}

// RegistryOption customises Registry construction.
type RegistryOption func(*Registry)

// WithLogger overrides the logger used for lifecycle diagnostics.
func WithLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry constructs a Registry allocating video/audio ports from
// [portLow, portHigh].
func NewRegistry(store Store, bus *eventbus.Bus, ports *PortPool, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:    store,
		bus:      bus,
		ports:    ports,
		logger:   log.Default(),
		sessions: make(map[uint64]*StreamSession),
		lastIDR:  make(map[uint64]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Launch implements spec §4.4 launch(app_id, client_cert). clientIP is the
// requesting client's address, carried onto the StreamSession for the RTP
// sinks and Runner environment that need the real destination address.
func (r *Registry) Launch(appID string, clientCert *x509.Certificate, clientIP string) (*StreamSession, error) {
	client, ok := r.store.GetClientViaSSL(clientCert)
	if !ok {
		return nil, UnauthorizedError{}
	}

	app, err := r.store.GetAppByID(appID)
	if err != nil {
		return nil, NotFoundError{Entity: "app", Key: appID}
	}

	videoPort, err := r.ports.Acquire()
	if err != nil {
		return nil, err
	}
	audioPort, err := r.ports.Acquire()
	if err != nil {
		r.ports.Release(videoPort)
		return nil, err
	}

	var aesKey, aesIV [16]byte
	if _, err := io.ReadFull(rand.Reader, aesKey[:]); err != nil {
		r.ports.Release(videoPort)
		r.ports.Release(audioPort)
		return nil, fmt.Errorf("session: generate audio key: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, aesIV[:]); err != nil {
		r.ports.Release(videoPort)
		r.ports.Release(audioPort)
		return nil, fmt.Errorf("session: generate audio iv: %w", err)
	}

	sessionID := r.nextID.Add(1)

	sess := &StreamSession{
		sessionID:       sessionID,
		clientIP:        clientIP,
		app:             app,
		appStateFolder:  client.AppStateFolder,
		aesKey:          aesKey,
		aesIV:           aesIV,
		videoStreamPort: videoPort,
		audioStreamPort: audioPort,
		joypads:         newJoypadMap(),
	}

	r.mu.Lock()
	r.sessions[sessionID] = sess
	r.mu.Unlock()

	r.logger.Printf("[Registry] session %d launched: app=%s video_port=%d audio_port=%d", sessionID, app.ID, videoPort, audioPort)

	r.bus.Publish(eventbus.Envelope{
		Topic:  eventbus.TopicStreamSession,
		Source: eventbus.SourceRegistry,
		Payload: eventbus.StreamSessionEvent{
			SessionID: sessionID,
			Session:   sess,
		},
	})

	return sess, nil
}

// Get returns the live session for sessionID, if any.
func (r *Registry) Get(sessionID uint64) (*StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Stop implements spec §4.4 termination: StopStreamEvent is published
// synchronously to every subscriber before the Registry drops its own
// entry, satisfying "the registry removes the session entry only after
// all subscribers acknowledge" — the bus's synchronous dispatch (spec
// §4.2) means every handler has already returned by the time Publish does.
func (r *Registry) Stop(sessionID uint64, reason string) error {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return NotFoundError{Entity: "session", Key: fmt.Sprint(sessionID)}
	}

	// Mark stopped before publishing so any Pause/Resume/IDR call that
	// races with this Stop on another goroutine observes it immediately
	// (spec §5 "Stop is a terminal event: no further Pause/Resume/IDR ...
	// may be delivered").
	sess.stopped.Store(true)

	r.bus.Publish(eventbus.Envelope{
		Topic:  eventbus.TopicStopStream,
		Source: eventbus.SourceRegistry,
		Payload: eventbus.StopStreamEvent{
			SessionID: sessionID,
			Reason:    reason,
		},
	})

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.ports.Release(sess.videoStreamPort)
	r.ports.Release(sess.audioStreamPort)

	r.idrMu.Lock()
	delete(r.lastIDR, sessionID)
	r.idrMu.Unlock()

	r.logger.Printf("[Registry] session %d stopped: %s", sessionID, reason)
	return nil
}

// Pause implements spec §4.4 PauseStreamEvent.
func (r *Registry) Pause(sessionID uint64) error {
	sess, ok := r.Get(sessionID)
	if !ok || sess.IsStopped() {
		return NotFoundError{Entity: "session", Key: fmt.Sprint(sessionID)}
	}
	r.bus.Publish(eventbus.Envelope{
		Topic:   eventbus.TopicPauseStream,
		Source:  eventbus.SourceRegistry,
		Payload: eventbus.PauseStreamEvent{SessionID: sessionID},
	})
	return nil
}

// Resume implements spec §4.4 ResumeStreamEvent.
func (r *Registry) Resume(sessionID uint64) error {
	sess, ok := r.Get(sessionID)
	if !ok || sess.IsStopped() {
		return NotFoundError{Entity: "session", Key: fmt.Sprint(sessionID)}
	}
	r.bus.Publish(eventbus.Envelope{
		Topic:   eventbus.TopicResumeStream,
		Source:  eventbus.SourceRegistry,
		Payload: eventbus.ResumeStreamEvent{SessionID: sessionID},
	})
	return nil
}

// RequestIDR implements spec §4.4 IDRRequestEvent with coalescing:
// duplicate requests for the same session arriving within one frame
// interval produce exactly one actual intra-frame request (spec §8
// testable property 5).
func (r *Registry) RequestIDR(sessionID uint64) error {
	sess, ok := r.Get(sessionID)
	if !ok || sess.IsStopped() {
		return NotFoundError{Entity: "session", Key: fmt.Sprint(sessionID)}
	}

	r.idrMu.Lock()
	last, seen := r.lastIDR[sessionID]
	now := time.Now()
	if seen && now.Sub(last) < defaultFrameInterval {
		r.idrMu.Unlock()
		return nil
	}
	r.lastIDR[sessionID] = now
	r.idrMu.Unlock()

	r.bus.Publish(eventbus.Envelope{
		Topic:   eventbus.TopicIDRRequest,
		Source:  eventbus.SourceRegistry,
		Payload: eventbus.IDRRequestEvent{SessionID: sessionID},
	})
	return nil
}

// Package daemon wires the Config Store, Event Bus, Pairing State Machine,
// Session Registry, RTSP Negotiator, Runner abstraction, Device Plug
// Orchestrator, HTTP wire, and Session History Store into one running
// process (spec §2 Architecture Overview).
package daemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wolfstream/host/internal/config"
	configstore "github.com/wolfstream/host/internal/config/store"
	"github.com/wolfstream/host/internal/devicequeue"
	"github.com/wolfstream/host/internal/eventbus"
	"github.com/wolfstream/host/internal/history"
	"github.com/wolfstream/host/internal/httpapi"
	"github.com/wolfstream/host/internal/pairingstate"
	"github.com/wolfstream/host/internal/rtsp"
	"github.com/wolfstream/host/internal/runner"
	"github.com/wolfstream/host/internal/runtime"
	"github.com/wolfstream/host/internal/session"
)

// defaultPortLow/defaultPortHigh bound the video/audio UDP port pool
// (spec §4.4 step 5), matching the GameStream/Moonlight convention of
// allocating from the 47998-48010 range.
const (
	defaultPortLow          = 47998
	defaultPortHigh         = 48010
	defaultDeviceQueueDepth = 64
	defaultHTTPAddr         = ":47984"
	defaultRTSPAddr         = ":48010"
)

// Options configures Daemon construction.
type Options struct {
	InstanceName string

	HTTPAddr     string
	RTSPAddr     string
	RTSPHostname string // advertised in the launch response's sessionUrl

	PortLow, PortHigh   int
	DeviceQueueCapacity int

	Logger *log.Logger
}

func (o *Options) setDefaults() {
	if o.HTTPAddr == "" {
		o.HTTPAddr = defaultHTTPAddr
	}
	if o.RTSPAddr == "" {
		o.RTSPAddr = defaultRTSPAddr
	}
	if o.RTSPHostname == "" {
		o.RTSPHostname = "127.0.0.1"
	}
	if o.PortLow == 0 {
		o.PortLow = defaultPortLow
	}
	if o.PortHigh == 0 {
		o.PortHigh = defaultPortHigh
	}
	if o.DeviceQueueCapacity <= 0 {
		o.DeviceQueueCapacity = defaultDeviceQueueDepth
	}
}

// Daemon owns every long-lived service and the per-session Runner/device
// queue pairs the Session Registry's events drive into existence.
type Daemon struct {
	store    *configstore.Store
	bus      *eventbus.Bus
	pairing  *pairingstate.Machine
	registry *session.Registry
	history  *history.Store

	rtspServer *rtsp.Server
	httpServer *httpapi.Server
	host       *runtime.ServiceHost

	logger              *log.Logger
	deviceQueueCapacity int

	mu       sync.Mutex
	sessions map[uint64]*sessionRuntime

	regs []*eventbus.Registration
}

// sessionRuntime is the Runner and Device Plug Orchestrator queue the
// daemon owns on behalf of one live StreamSession (spec §4.6).
type sessionRuntime struct {
	runner runner.Runner
	queue  *devicequeue.Queue
	ctx    context.Context
	cancel context.CancelFunc
}

// registryLookup adapts *session.Registry to rtsp.SessionLookup without
// either package importing the other.
type registryLookup struct{ reg *session.Registry }

func (l registryLookup) Get(sessionID uint64) (rtsp.SessionInfo, bool) {
	sess, ok := l.reg.Get(sessionID)
	if !ok {
		return nil, false
	}
	return sess, true
}

// New constructs every service and wires the event-bus subscriptions that
// drive session Runners and device queues, but starts nothing yet.
func New(opts Options) (*Daemon, error) {
	opts.setDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	paths, err := config.EnsureDirs(opts.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("daemon: prepare instance directories: %w", err)
	}

	store, err := configstore.Open(paths.StateFile)
	if err != nil {
		return nil, fmt.Errorf("daemon: open config store: %w", err)
	}

	bus := eventbus.New(eventbus.WithLogger(logger))

	pairing := pairingstate.New(store, bus, pairingstate.WithLogger(logger))

	ports := session.NewPortPool(opts.PortLow, opts.PortHigh)
	registry := session.NewRegistry(store, bus, ports, session.WithLogger(logger))

	negotiator := rtsp.NewNegotiator(registryLookup{reg: registry}, bus, logger)
	rtspServer := rtsp.NewServer(opts.RTSPAddr, negotiator, logger)

	historyStore, err := history.Open(paths.HistoryDB, logger)
	if err != nil {
		return nil, fmt.Errorf("daemon: open history store: %w", err)
	}
	historyStore.Subscribe(bus)

	tlsConfig, err := hostTLSConfig(store)
	if err != nil {
		historyStore.Close()
		return nil, fmt.Errorf("daemon: build host tls config: %w", err)
	}

	httpServer := httpapi.NewServer(httpapi.Options{
		Addr:         opts.HTTPAddr,
		Pairing:      pairing,
		Registry:     registry,
		RTSPHostname: opts.RTSPHostname,
		TLSConfig:    tlsConfig,
		Logger:       logger,
	})

	host := runtime.NewServiceHost()
	if err := host.Register("rtsp-server", func(context.Context) (runtime.Service, error) {
		return rtspServer, nil
	}); err != nil {
		historyStore.Close()
		return nil, fmt.Errorf("daemon: register rtsp service: %w", err)
	}
	if err := host.Register("http-server", func(context.Context) (runtime.Service, error) {
		return httpServer, nil
	}); err != nil {
		historyStore.Close()
		return nil, fmt.Errorf("daemon: register http service: %w", err)
	}

	d := &Daemon{
		store:               store,
		bus:                 bus,
		pairing:             pairing,
		registry:            registry,
		history:             historyStore,
		rtspServer:          rtspServer,
		httpServer:          httpServer,
		host:                host,
		logger:              logger,
		deviceQueueCapacity: opts.DeviceQueueCapacity,
		sessions:            make(map[uint64]*sessionRuntime),
	}

	d.regs = append(d.regs,
		bus.Subscribe(eventbus.TopicStreamSession, d.onStreamSession),
		bus.Subscribe(eventbus.TopicStopStream, d.onStopStream),
		bus.Subscribe(eventbus.TopicPlugDevice, d.onPlugDevice),
		bus.Subscribe(eventbus.TopicUnplugDevice, d.onUnplugDevice),
	)

	return d, nil
}

// hostTLSConfig builds the server-side TLS config the HTTP launch endpoint
// mutually authenticates clients against (spec §6 "TLS mutual auth using
// the paired cert"). The server requests a client certificate but does not
// validate it against a CA chain — identity is resolved against the
// paired-client set at the application layer (Registry.Launch), exactly as
// the Config Store's GetClientViaSSL does.
func hostTLSConfig(store *configstore.Store) (*tls.Config, error) {
	cfg := store.Snapshot()
	cert, err := tls.X509KeyPair([]byte(cfg.HostCert), []byte(cfg.HostKey))
	if err != nil {
		return nil, fmt.Errorf("parse host certificate/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
	}, nil
}

// Start begins serving RTSP and HTTP traffic through the service host,
// which starts them in registration order and rolls back cleanly if either
// fails to bind. It returns once both listeners are up; serving continues
// in background goroutines.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.host.Start(ctx); err != nil {
		return fmt.Errorf("daemon: start service host: %w", err)
	}
	d.logger.Printf("[Daemon] started")
	return nil
}

// Errors surfaces fatal errors reported by a running service (e.g. an
// RTSP or HTTP listener dying after Start already returned).
func (d *Daemon) Errors() <-chan error {
	return d.host.Errors()
}

// Shutdown stops both servers (reverse registration order via the service
// host), tears down every live session's Runner and device queue, and
// closes the History Store. The Config Store has nothing to close.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if err := d.host.Stop(ctx); err != nil {
		d.logger.Printf("[Daemon] service host stop: %v", err)
	}

	d.mu.Lock()
	sessionIDs := make([]uint64, 0, len(d.sessions))
	for id := range d.sessions {
		sessionIDs = append(sessionIDs, id)
	}
	d.mu.Unlock()

	for _, id := range sessionIDs {
		if err := d.registry.Stop(id, "daemon shutting down"); err != nil {
			d.logger.Printf("[Daemon] stop session %d: %v", id, err)
		}
	}

	for _, reg := range d.regs {
		reg.Close()
	}

	if err := d.history.Close(); err != nil {
		d.logger.Printf("[Daemon] history store close: %v", err)
	}

	d.logger.Printf("[Daemon] stopped")
	return nil
}

// Registry exposes the Session Registry, primarily for callers (e.g. an
// operator CLI) that need to drive Pause/Resume/Stop directly.
func (d *Daemon) Registry() *session.Registry { return d.registry }

// Pairing exposes the Pairing State Machine for operator introspection
// (spec supplement: pending-pair-request listing).
func (d *Daemon) Pairing() *pairingstate.Machine { return d.pairing }

// History exposes the Session History Store for operator introspection.
func (d *Daemon) History() *history.Store { return d.history }

func (d *Daemon) onStreamSession(env eventbus.Envelope) {
	payload, ok := env.Payload.(eventbus.StreamSessionEvent)
	if !ok {
		return
	}

	sess, ok := d.registry.Get(payload.SessionID)
	if !ok {
		return
	}
	app := sess.App()

	r, err := runner.New(app.Runner, d.logger)
	if err != nil {
		d.logger.Printf("[Daemon] session %d: build runner: %v", sess.ID(), err)
		return
	}

	runnerEnv := []string{
		fmt.Sprintf("SESSION_ID=%d", sess.ID()),
		fmt.Sprintf("CLIENT_IP=%s", sess.ClientIP()),
		fmt.Sprintf("APP_STATE_FOLDER=%s", sess.AppStateFolder()),
		fmt.Sprintf("VIDEO_PORT=%d", sess.VideoPort()),
		fmt.Sprintf("AUDIO_PORT=%d", sess.AudioPort()),
		fmt.Sprintf("RENDER_NODE=%s", app.RenderNode),
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx, runnerEnv); err != nil {
		d.logger.Printf("[Daemon] session %d: start runner: %v", sess.ID(), err)
		cancel()
		return
	}

	rt := &sessionRuntime{
		runner: r,
		queue:  devicequeue.New(d.deviceQueueCapacity, d.logger),
		ctx:    ctx,
		cancel: cancel,
	}

	d.mu.Lock()
	d.sessions[sess.ID()] = rt
	d.mu.Unlock()

	go d.consumeDeviceQueue(sess.ID(), rt)
	go d.watchRunnerExit(sess.ID(), rt)
}

func (d *Daemon) onStopStream(env eventbus.Envelope) {
	payload, ok := env.Payload.(eventbus.StopStreamEvent)
	if !ok {
		return
	}

	d.mu.Lock()
	rt, ok := d.sessions[payload.SessionID]
	delete(d.sessions, payload.SessionID)
	d.mu.Unlock()
	if !ok {
		return
	}

	rt.cancel()
	rt.queue.Close()
	if err := rt.runner.Stop(runner.DefaultGracePeriod); err != nil {
		d.logger.Printf("[Daemon] session %d: stop runner: %v", payload.SessionID, err)
	}
}

func (d *Daemon) onPlugDevice(env eventbus.Envelope) {
	payload, ok := env.Payload.(eventbus.PlugDeviceEvent)
	if !ok {
		return
	}
	d.enqueueDevice(payload.SessionID, devicequeue.Plug, payload.UdevEvents, payload.HwDBEntries)
}

func (d *Daemon) onUnplugDevice(env eventbus.Envelope) {
	payload, ok := env.Payload.(eventbus.UnplugDeviceEvent)
	if !ok {
		return
	}
	d.enqueueDevice(payload.SessionID, devicequeue.Unplug, payload.UdevEvents, payload.HwDBEntries)
}

func (d *Daemon) enqueueDevice(sessionID uint64, kind devicequeue.Kind, udevEvents []map[string]string, hwDBEntries map[string][]string) {
	d.mu.Lock()
	rt, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return
	}

	item := devicequeue.Item{
		SessionID:   sessionID,
		Kind:        kind,
		UdevEvents:  udevEvents,
		HwDBEntries: hwDBEntries,
	}
	if !rt.queue.TryPush(item) {
		d.logger.Printf("[Daemon] session %d: device queue closed, dropping %s event", sessionID, kind)
	}
}

// consumeDeviceQueue is the Runner side of the Device Plug Orchestrator
// contract (spec §4.6): it pops hotplug descriptors and applies them to
// the session's Runner until the session is torn down.
func (d *Daemon) consumeDeviceQueue(sessionID uint64, rt *sessionRuntime) {
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}

		item, ok := rt.queue.PopWithTimeout(time.Second)
		if !ok {
			continue
		}

		if err := rt.runner.ApplyDevice(runner.DeviceEvent{
			UdevEvents:  item.UdevEvents,
			HwDBEntries: item.HwDBEntries,
		}); err != nil {
			d.logger.Printf("[Daemon] session %d: apply device event: %v", sessionID, err)
		}
	}
}

// watchRunnerExit observes an unsolicited Runner exit (the launched process
// or container dying on its own) and tears down the session so subscribers
// see the same StopStreamEvent a client-requested Stop would produce.
func (d *Daemon) watchRunnerExit(sessionID uint64, rt *sessionRuntime) {
	select {
	case <-rt.ctx.Done():
		return
	case exit := <-rt.runner.Wait():
		select {
		case <-rt.ctx.Done():
			return
		default:
		}
		reason := fmt.Sprintf("runner exited: code=%d", exit.ExitCode)
		if exit.Err != nil {
			reason = fmt.Sprintf("%s err=%v", reason, exit.Err)
		}
		if err := d.registry.Stop(sessionID, reason); err != nil {
			d.logger.Printf("[Daemon] session %d: stop after runner exit: %v", sessionID, err)
		}
	}
}

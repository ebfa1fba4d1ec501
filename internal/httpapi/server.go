// Package httpapi implements the HTTP wire surface (spec §6): the
// query-string pairing RPCs and the mutual-TLS launch endpoint that
// creates a StreamSession.
package httpapi

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/wolfstream/host/internal/pairingstate"
	"github.com/wolfstream/host/internal/session"
)

// Server exposes the pairing and launch HTTP(S) endpoints (spec §6 "Wire —
// Pairing", "Wire — Launch").
type Server struct {
	httpServer *http.Server
	logger     *log.Logger
}

// Options configures Server construction.
type Options struct {
	Addr           string
	Pairing        *pairingstate.Machine
	Registry       *session.Registry
	RTSPHostname   string // hostname/IP advertised in sessionUrl
	TLSConfig      *tls.Config // nil disables TLS; launch requires client certs when set
	Logger         *log.Logger
}

// NewServer builds the mux and underlying *http.Server without binding a
// listener yet (spec §6, mirroring the daemon's other Start/Shutdown
// services).
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	h := &handlers{
		pairing:      opts.Pairing,
		registry:     opts.Registry,
		rtspHostname: opts.RTSPHostname,
		logger:       logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pair", h.handlePair)
	mux.HandleFunc("/launch", h.handleLaunch)

	return &Server{
		httpServer: &http.Server{
			Addr:      opts.Addr,
			Handler:   mux,
			TLSConfig: opts.TLSConfig,
		},
		logger: logger,
	}
}

// Start begins serving in the background. It uses TLS when the Server was
// constructed with a non-nil TLSConfig (spec §6 "Wire — Launch ... with
// TLS mutual auth using the paired cert").
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.httpServer.Addr, err)
	}
	if s.httpServer.TLSConfig != nil {
		listener = tls.NewListener(listener, s.httpServer.TLSConfig)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("[HTTPAPI] serve error: %v", err)
		}
	}()

	s.logger.Printf("[HTTPAPI] listening on %s", listener.Addr())
	return nil
}

// Shutdown gracefully stops accepting new connections and waits for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler, primarily so tests can
// drive the pairing/launch routes without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type handlers struct {
	pairing      *pairingstate.Machine
	registry     *session.Registry
	rtspHostname string
	logger       *log.Logger
}

// writePairingXML always answers HTTP 200 with the outcome carried in the
// root element's status_code attribute, matching how real Moonlight
// clients expect pairing RPCs to respond (spec §6 "Responses are XML with
// a root <root status_code=…>").
func writePairingXML(w http.ResponseWriter, xmlStatus int, body root) {
	body.Status = xmlStatus
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(body)
}

// writeLaunchXML is used only for a successful launch; failures use
// http.Error with a real numeric status instead (spec §6 "launch failures
// return an HTTP error with a numeric status (401/404/503)").
func writeLaunchXML(w http.ResponseWriter, body root) {
	body.Status = http.StatusOK
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(body)
}

func clientIPFromRequest(r *http.Request) string {
	return hostOnly(r.RemoteAddr)
}

// hostOnly strips a trailing ":port" if present; addr without a port is
// returned unchanged.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

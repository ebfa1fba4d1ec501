package httpapi_test

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wolfstream/host/internal/config"
	"github.com/wolfstream/host/internal/eventbus"
	"github.com/wolfstream/host/internal/httpapi"
	"github.com/wolfstream/host/internal/session"
)

type fakeStore struct {
	authorized bool
	app        config.App
	hasApp     bool
}

func (s fakeStore) GetClientViaSSL(cert *x509.Certificate) (config.PairedClient, bool) {
	if !s.authorized {
		return config.PairedClient{}, false
	}
	return config.PairedClient{ClientID: "client-1"}, true
}

func (s fakeStore) GetAppByID(id string) (config.App, error) {
	if !s.hasApp || id != s.app.ID {
		return config.App{}, session.NotFoundError{Entity: "app", Key: id}
	}
	return s.app, nil
}

func newRegistry(store fakeStore) *session.Registry {
	bus := eventbus.New()
	ports := session.NewPortPool(40000, 40010)
	return session.NewRegistry(store, bus, ports)
}

func decodeRoot(t *testing.T, body []byte) root {
	t.Helper()
	var r root
	if err := xml.Unmarshal(body, &r); err != nil {
		t.Fatalf("decode response xml: %v", err)
	}
	return r
}

// root mirrors the unexported wire envelope so tests can decode responses
// without reaching into the package internals.
type root struct {
	XMLName           xml.Name `xml:"root"`
	Status            int      `xml:"status_code,attr"`
	PlainCert         string   `xml:"plaincert"`
	ChallengeResponse string   `xml:"challengeresponse"`
	PairingSecret     string   `xml:"pairingsecret"`
	Paired            *int     `xml:"paired"`
	SessionURL        string   `xml:"sessionUrl"`
	GameSession       int      `xml:"gamesession"`
	VideoPort         int      `xml:"videoPort"`
	AudioPort         int      `xml:"audioPort"`
}

func TestHandlePairWithoutMachineReturns503(t *testing.T) {
	reg := newRegistry(fakeStore{authorized: true})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pair?phase=getservercert", nil)

	buildMux(reg, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no pairing machine configured, got %d", rec.Code)
	}
}

func TestHandleLaunchMissingAppID(t *testing.T) {
	reg := newRegistry(fakeStore{authorized: true})
	srv := httptest.NewServer(buildMux(reg, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/launch")
	if err != nil {
		t.Fatalf("GET /launch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleLaunchWithoutClientCertReturns401(t *testing.T) {
	reg := newRegistry(fakeStore{authorized: true})
	srv := httptest.NewServer(buildMux(reg, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/launch?appid=anything")
	if err != nil {
		t.Fatalf("GET /launch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandleLaunchUnauthorizedClientReturns401(t *testing.T) {
	reg := newRegistry(fakeStore{authorized: false})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/launch?appid=steam", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{}}}

	buildMux(reg, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleLaunchUnknownAppReturns404(t *testing.T) {
	reg := newRegistry(fakeStore{authorized: true})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/launch?appid=missing", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{}}}

	buildMux(reg, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleLaunchSuccessReturnsSessionURL(t *testing.T) {
	reg := newRegistry(fakeStore{authorized: true, hasApp: true, app: config.App{ID: "steam", Title: "Steam"}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/launch?appid=steam", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{}}}

	buildMux(reg, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeRoot(t, rec.Body.Bytes())
	if got.SessionURL == "" {
		t.Fatal("expected a non-empty sessionUrl")
	}
	if got.GameSession != 1 {
		t.Fatalf("expected gamesession=1, got %d", got.GameSession)
	}
}

func TestHandlePairUnknownPhaseReturnsBadStatusCode(t *testing.T) {
	reg := newRegistry(fakeStore{authorized: true})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pair?phase=bogus", nil)

	buildMux(reg, nil).ServeHTTP(rec, req)

	// Pairing RPCs always answer HTTP 200; the real outcome is carried in
	// the XML root's status_code attribute.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected HTTP 200 even on failure, got %d", rec.Code)
	}
	got := decodeRoot(t, rec.Body.Bytes())
	if got.Status != http.StatusBadRequest {
		t.Fatalf("expected status_code=400, got %d", got.Status)
	}
}

func TestHandleGetServerCertBadSaltReturnsBadStatusCode(t *testing.T) {
	reg := newRegistry(fakeStore{authorized: true})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pair?phase=getservercert&salt=not-hex", nil)

	buildMux(reg, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected HTTP 200, got %d", rec.Code)
	}
	got := decodeRoot(t, rec.Body.Bytes())
	if got.Status != http.StatusBadRequest {
		t.Fatalf("expected status_code=400, got %d", got.Status)
	}
}

// buildMux exercises the package's own routing by going through NewServer,
// then extracting the *http.Server's handler so tests can drive it without
// binding a real listener.
func buildMux(reg *session.Registry, tlsConf *tls.Config) http.Handler {
	srv := httpapi.NewServer(httpapi.Options{
		Addr:         "127.0.0.1:0",
		Registry:     reg,
		RTSPHostname: "10.0.0.5",
		TLSConfig:    tlsConf,
	})
	return srv.Handler()
}

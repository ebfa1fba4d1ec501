package pairingstate_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/wolfstream/host/internal/config"
	"github.com/wolfstream/host/internal/cryptoutil"
	"github.com/wolfstream/host/internal/eventbus"
	"github.com/wolfstream/host/internal/pairingstate"
)

// fakeStore is a minimal pairingstate.Store backed by an in-memory Config,
// standing in for internal/config/store.Store in these unit tests.
type fakeStore struct {
	mu  sync.Mutex
	cfg *config.Config
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	identity, err := cryptoutil.GenerateHostIdentity("wolfstream-host")
	if err != nil {
		t.Fatalf("generate host identity: %v", err)
	}
	return &fakeStore{cfg: &config.Config{
		HostCert: string(identity.CertPEM),
		HostKey:  string(identity.KeyPEM),
	}}
}

func (f *fakeStore) Snapshot() *config.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := *f.cfg
	return &cfg
}

func (f *fakeStore) Pair(client config.PairedClient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.PairedClients = append(f.cfg.PairedClients, client)
	return nil
}

// fakeClient holds an RSA key and self-signed certificate standing in for
// the Moonlight client's own identity during the handshake.
type fakeClient struct {
	key     *rsa.PrivateKey
	certPEM string
	cert    *x509.Certificate
}

func newFakeClient(t *testing.T) *fakeClient {
	t.Helper()
	identity, err := cryptoutil.GenerateHostIdentity("moonlight-client")
	if err != nil {
		t.Fatalf("generate client identity: %v", err)
	}
	block, _ := pem.Decode(identity.KeyPEM)
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("parse client key: %v", err)
	}
	return &fakeClient{key: key, certPEM: string(identity.CertPEM), cert: identity.Cert}
}

// runFullHandshake drives all four phases to completion with a
// cooperating client, returning the final paired result.
func runFullHandshake(t *testing.T, m *pairingstate.Machine, bus *eventbus.Bus, clientIP string) bool {
	t.Helper()
	client := newFakeClient(t)

	var resolve func(string)
	reg := bus.Subscribe(eventbus.TopicPairSignal, func(env eventbus.Envelope) {
		sig := env.Payload.(eventbus.PairSignalEvent)
		resolve = sig.Resolve
	})
	defer reg.Close()

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("generate salt: %v", err)
	}

	done := make(chan string, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hostCertPEM, err := m.HandleGetServerCert(ctx, clientIP, "127.0.0.1", salt, client.certPEM)
		if err != nil {
			t.Errorf("HandleGetServerCert: %v", err)
			return
		}
		done <- hostCertPEM
	}()

	deadline := time.Now().Add(time.Second)
	for resolve == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if resolve == nil {
		t.Fatal("expected a PairSignalEvent to be published")
	}
	resolve("0000")

	var hostCertPEM string
	select {
	case hostCertPEM = <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleGetServerCert did not return")
	}

	hostCert, err := cryptoutil.ParseCertificatePEM([]byte(hostCertPEM))
	if err != nil {
		t.Fatalf("parse host cert: %v", err)
	}

	aesKeyFull := sha256.Sum256(append(append([]byte{}, salt...), []byte("0000")...))
	aesKey := aesKeyFull[:16]

	challenge := make([]byte, 16)
	if _, err := rand.Read(challenge); err != nil {
		t.Fatalf("generate challenge: %v", err)
	}
	encChallenge, err := cryptoutil.EncryptECB(aesKey, challenge)
	if err != nil {
		t.Fatalf("encrypt challenge: %v", err)
	}

	respHex, err := m.HandleClientChallenge(clientIP, hex.EncodeToString(encChallenge))
	if err != nil {
		t.Fatalf("HandleClientChallenge: %v", err)
	}
	respRaw, err := hex.DecodeString(respHex)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	decrypted, err := cryptoutil.DecryptECB(aesKey, respRaw)
	if err != nil {
		t.Fatalf("decrypt response: %v", err)
	}
	serverChallenge := decrypted[32:48]

	clientSecret := make([]byte, 16)
	if _, err := rand.Read(clientSecret); err != nil {
		t.Fatalf("generate client secret: %v", err)
	}
	clientHash := sha256.Sum256(concatForTest(serverChallenge, client.cert.Signature, clientSecret))

	encPayload, err := cryptoutil.EncryptECB(aesKey, concatForTest(clientHash[:], clientSecret))
	if err != nil {
		t.Fatalf("encrypt server-challenge-resp payload: %v", err)
	}

	pairingSecretHex, err := m.HandleServerChallengeResp(clientIP, hex.EncodeToString(encPayload))
	if err != nil {
		t.Fatalf("HandleServerChallengeResp: %v", err)
	}
	_ = pairingSecretHex // server secret/signature: client would verify the host here

	secretHash := sha256.Sum256(clientSecret)
	signature, err := rsa.SignPKCS1v15(rand.Reader, client.key, 0, secretHash[:])
	if err != nil {
		t.Fatalf("sign client secret: %v", err)
	}

	finalPayload := hex.EncodeToString(concatForTest(clientSecret, signature))
	paired, err := m.HandleClientPairingSecret(clientIP, finalPayload)
	if err != nil {
		t.Fatalf("HandleClientPairingSecret: %v", err)
	}

	_ = hostCert
	return paired
}

func concatForTest(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestFullHandshakeSucceeds(t *testing.T) {
	store := newFakeStore(t)
	bus := eventbus.New()
	m := pairingstate.New(store, bus)

	if !runFullHandshake(t, m, bus, "10.0.0.5") {
		t.Fatal("expected handshake to succeed")
	}

	store.mu.Lock()
	count := len(store.cfg.PairedClients)
	store.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly 1 paired client, got %d", count)
	}
}

func TestClientChallengeOutOfOrderFails(t *testing.T) {
	store := newFakeStore(t)
	bus := eventbus.New()
	m := pairingstate.New(store, bus)

	if _, err := m.HandleClientChallenge("10.0.0.9", "00"); err == nil {
		t.Fatal("expected failure when CLIENT_CHALLENGE arrives with no prior GET_SERVER_CERT")
	}
}

func TestClientChallengeGarbagePayloadFails(t *testing.T) {
	store := newFakeStore(t)
	bus := eventbus.New()
	m := pairingstate.New(store, bus, pairingstate.WithPINTimeout(time.Second))

	client := newFakeClient(t)
	reg := bus.Subscribe(eventbus.TopicPairSignal, func(env eventbus.Envelope) {
		env.Payload.(eventbus.PairSignalEvent).Resolve("0000")
	})
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := m.HandleGetServerCert(ctx, "10.0.0.7", "127.0.0.1", []byte("saltsaltsaltsalt"), client.certPEM); err != nil {
		t.Fatalf("HandleGetServerCert: %v", err)
	}

	if _, err := m.HandleClientChallenge("10.0.0.7", "not-valid-hex"); err == nil {
		t.Fatal("expected failure for non-hex CLIENT_CHALLENGE payload")
	}

	// The failed attempt must have been evicted; a retry has nothing to
	// resume from.
	if _, err := m.HandleClientChallenge("10.0.0.7", "00112233445566778899aabbccddeeff"); err == nil {
		t.Fatal("expected the aborted exchange to no longer be resumable")
	}
}

func TestPINTimeoutFailsExchange(t *testing.T) {
	store := newFakeStore(t)
	bus := eventbus.New()
	m := pairingstate.New(store, bus, pairingstate.WithPINTimeout(10*time.Millisecond))

	client := newFakeClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := m.HandleGetServerCert(ctx, "10.0.0.8", "127.0.0.1", []byte("saltsaltsaltsalt"), client.certPEM)
	if err == nil {
		t.Fatal("expected a timeout error when no PIN is ever supplied")
	}
}

func TestPendingReflectsInFlightAttempt(t *testing.T) {
	store := newFakeStore(t)
	bus := eventbus.New()
	m := pairingstate.New(store, bus, pairingstate.WithPINTimeout(time.Second))

	client := newFakeClient(t)
	reg := bus.Subscribe(eventbus.TopicPairSignal, func(env eventbus.Envelope) {
		env.Payload.(eventbus.PairSignalEvent).Resolve("0000")
	})
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := m.HandleGetServerCert(ctx, "10.0.0.11", "127.0.0.1", []byte("saltsaltsaltsalt"), client.certPEM); err != nil {
		t.Fatalf("HandleGetServerCert: %v", err)
	}

	pending := m.Pending()
	if len(pending) != 1 || pending[0].ClientIP != "10.0.0.11" {
		t.Fatalf("expected 1 pending attempt for 10.0.0.11, got %+v", pending)
	}
}

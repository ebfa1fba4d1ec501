package pairingstate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfstream/host/internal/config"
	"github.com/wolfstream/host/internal/cryptoutil"
	"github.com/wolfstream/host/internal/eventbus"
)

// PairingFailedError is returned by the phase handlers for a request that
// matches no exchange in the expected phase, by phases 2 and 3 for a
// payload that does not decode or decrypt, and by phase 1 on a PIN wait
// timeout (spec §4.3 "Tie-breaks and errors"). Phase 4
// (HandleClientPairingSecret) reports a malformed payload, a failed
// signature check or a hash mismatch as paired=false with a nil error.
type PairingFailedError struct{ Reason string }

func (e PairingFailedError) Error() string { return "pairing failed: " + e.Reason }

// Store is the subset of config/store.Store the machine needs: reading the
// host identity to answer GET_SERVER_CERT, and committing a successful
// handshake.
type Store interface {
	Snapshot() *config.Config
	Pair(config.PairedClient) error
}

// MachineOption customises Machine construction.
type MachineOption func(*Machine)

// WithLogger overrides the logger used for handshake diagnostics.
func WithLogger(logger *log.Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTTL overrides DefaultTTL, primarily for tests.
func WithTTL(ttl time.Duration) MachineOption {
	return func(m *Machine) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithPINTimeout bounds how long GET_SERVER_CERT waits for the PIN promise
// before failing the exchange (spec §4.3 "The PIN promise has a bounded wait").
func WithPINTimeout(timeout time.Duration) MachineOption {
	return func(m *Machine) {
		if timeout > 0 {
			m.pinTimeout = timeout
		}
	}
}

// Machine runs the four-phase handshake against a Store and an event bus.
type Machine struct {
	store  Store
	bus    *eventbus.Bus
	logger *log.Logger

	ttl        time.Duration
	pinTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pending
}

// New constructs a Machine bound to store and bus.
func New(store Store, bus *eventbus.Bus, opts ...MachineOption) *Machine {
	m := &Machine{
		store:      store,
		bus:        bus,
		logger:     log.Default(),
		ttl:        DefaultTTL,
		pinTimeout: DefaultTTL,
		pending:    make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PendingSnapshot is the read-only view Pending() exposes per in-flight
// attempt (supplemented feature: operator introspection).
type PendingSnapshot struct {
	ClientIP      string
	Phase         Phase
	TimeRemaining time.Duration
}

// Pending lists every non-expired in-flight pairing attempt.
func (m *Machine) Pending() []PendingSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictExpiredLocked()

	out := make([]PendingSnapshot, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, PendingSnapshot{
			ClientIP:      p.clientIP,
			Phase:         p.phase,
			TimeRemaining: m.ttl - time.Since(p.createdAt),
		})
	}
	return out
}

// evictExpiredLocked drops any pending entry older than m.ttl. Caller must
// hold m.mu.
func (m *Machine) evictExpiredLocked() {
	now := time.Now()
	for key, p := range m.pending {
		if now.Sub(p.createdAt) > m.ttl {
			delete(m.pending, key)
		}
	}
}

// findByIPLocked returns the freshest pending entry for clientIP,
// regardless of cert hash. Only phase 1 (GET_SERVER_CERT) carries the
// client certificate on the wire; later phases identify the exchange by
// client_ip alone, so lookups from phase 2 onward can't re-derive the
// composite client_ip+cert_hash key spec §4.3 describes for storage.
// Caller must hold m.mu.
func (m *Machine) findByIPLocked(clientIP string) *pending {
	var newest *pending
	for _, p := range m.pending {
		if p.clientIP != clientIP {
			continue
		}
		if newest == nil || p.createdAt.After(newest.createdAt) {
			newest = p
		}
	}
	return newest
}

// HandleGetServerCert implements phase 1. It blocks until the PIN promise
// is resolved or WithPINTimeout elapses.
func (m *Machine) HandleGetServerCert(ctx context.Context, clientIP, hostIP string, salt []byte, clientCertPEM string) (hostCertPEM string, err error) {
	cfg := m.store.Snapshot()
	if cfg.HostCert == "" {
		return "", fmt.Errorf("pairingstate: host certificate not configured")
	}

	promise := newPINPromise()
	m.bus.Publish(eventbus.Envelope{
		Topic:  eventbus.TopicPairSignal,
		Source: eventbus.SourcePairing,
		Payload: eventbus.PairSignalEvent{
			ClientIP: clientIP,
			HostIP:   hostIP,
			Resolve:  promise.Resolve,
		},
	})

	waitCtx, cancel := context.WithTimeout(ctx, m.pinTimeout)
	defer cancel()

	pin, err := promise.Wait(waitCtx)
	if err != nil {
		return "", PairingFailedError{Reason: "timed out waiting for PIN"}
	}

	aesKey := sha256.Sum256(append(append([]byte{}, salt...), []byte(pin)...))

	entry := &pending{
		clientIP:       clientIP,
		clientCertPEM:  clientCertPEM,
		clientCertHash: certHash(clientCertPEM),
		phase:          PhaseAwaitingClientChallenge,
		createdAt:      time.Now(),
	}
	copy(entry.aesKey[:], aesKey[:16])

	m.mu.Lock()
	m.evictExpiredLocked()
	m.pending[pendingKey(clientIP, entry.clientCertHash)] = entry
	m.mu.Unlock()

	m.logger.Printf("[Pairing] %s: GET_SERVER_CERT complete, awaiting CLIENT_CHALLENGE", clientIP)
	return cfg.HostCert, nil
}

// HandleClientChallenge implements phase 2.
func (m *Machine) HandleClientChallenge(clientIP string, clientChallengeHex string) (challengeResponseHex string, err error) {
	m.mu.Lock()
	entry := m.findByIPLocked(clientIP)
	if entry == nil || entry.phase != PhaseAwaitingClientChallenge {
		m.mu.Unlock()
		return "", PairingFailedError{Reason: "no in-flight exchange awaiting CLIENT_CHALLENGE"}
	}
	m.mu.Unlock()

	challenge, err := decodeAndDecrypt(entry.aesKey, clientChallengeHex)
	if err != nil {
		m.abort(clientIP, entry.clientCertHash, "malformed CLIENT_CHALLENGE payload")
		return "", PairingFailedError{Reason: err.Error()}
	}

	hostCert, err := cryptoutil.ParseCertificatePEM([]byte(m.store.Snapshot().HostCert))
	if err != nil {
		return "", fmt.Errorf("pairingstate: parse host certificate: %w", err)
	}

	serverChallenge := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, serverChallenge); err != nil {
		return "", fmt.Errorf("pairingstate: generate server challenge: %w", err)
	}

	serverHash := sha256.Sum256(concat(challenge, hostCert.Signature, serverChallenge))

	response, err := cryptoutil.EncryptECB(entry.aesKey[:], concat(serverHash[:], serverChallenge))
	if err != nil {
		return "", fmt.Errorf("pairingstate: encrypt server challenge response: %w", err)
	}

	m.mu.Lock()
	entry.serverChallenge = serverChallenge
	entry.phase = PhaseAwaitingServerChallengeResp
	m.mu.Unlock()

	m.logger.Printf("[Pairing] %s: CLIENT_CHALLENGE complete, awaiting SERVER_CHALLENGE_RESP", clientIP)
	return hex.EncodeToString(response), nil
}

// HandleServerChallengeResp implements phase 3. The decrypted payload is
// client_hash (32 bytes, SHA-256) followed by client_secret (16 bytes).
func (m *Machine) HandleServerChallengeResp(clientIP string, serverChallengeRespHex string) (pairingSecretHex string, err error) {
	m.mu.Lock()
	entry := m.findByIPLocked(clientIP)
	if entry == nil || entry.phase != PhaseAwaitingServerChallengeResp {
		m.mu.Unlock()
		return "", PairingFailedError{Reason: "no in-flight exchange awaiting SERVER_CHALLENGE_RESP"}
	}
	m.mu.Unlock()

	decrypted, err := decodeAndDecrypt(entry.aesKey, serverChallengeRespHex)
	if err != nil || len(decrypted) < 48 {
		m.abort(clientIP, entry.clientCertHash, "malformed SERVER_CHALLENGE_RESP payload")
		return "", PairingFailedError{Reason: "malformed SERVER_CHALLENGE_RESP payload"}
	}
	clientHash := decrypted[:32]
	clientSecret := decrypted[32:48]

	hostKey, err := parseHostKey(m.store.Snapshot().HostKey)
	if err != nil {
		return "", fmt.Errorf("pairingstate: parse host key: %w", err)
	}

	serverSecret := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, serverSecret); err != nil {
		return "", fmt.Errorf("pairingstate: generate server secret: %w", err)
	}
	serverSecretHash := sha256.Sum256(serverSecret)
	serverSignature, err := rsa.SignPKCS1v15(rand.Reader, hostKey, 0, hashOID(serverSecretHash[:]))
	if err != nil {
		return "", fmt.Errorf("pairingstate: sign server secret: %w", err)
	}

	response, err := cryptoutil.EncryptECB(entry.aesKey[:], concat(serverSecret, serverSignature))
	if err != nil {
		return "", fmt.Errorf("pairingstate: encrypt server pairing secret: %w", err)
	}

	m.mu.Lock()
	entry.clientHash = clientHash
	entry.clientSecret = clientSecret
	entry.phase = PhaseAwaitingClientPairingSecret
	m.mu.Unlock()

	m.logger.Printf("[Pairing] %s: SERVER_CHALLENGE_RESP complete, awaiting CLIENT_PAIRING_SECRET", clientIP)
	return hex.EncodeToString(response), nil
}

// HandleClientPairingSecret implements phase 4 and, on success, commits
// the new PairedClient to the Store.
func (m *Machine) HandleClientPairingSecret(clientIP string, clientPairingSecretHex string) (paired bool, err error) {
	m.mu.Lock()
	entry := m.findByIPLocked(clientIP)
	if entry == nil || entry.phase != PhaseAwaitingClientPairingSecret {
		m.mu.Unlock()
		return false, PairingFailedError{Reason: "no in-flight exchange awaiting CLIENT_PAIRING_SECRET"}
	}
	m.mu.Unlock()

	raw, err := hex.DecodeString(clientPairingSecretHex)
	if err != nil || len(raw) <= 16 {
		m.abort(clientIP, entry.clientCertHash, "malformed CLIENT_PAIRING_SECRET payload")
		return false, nil
	}
	clientSecret, clientSignature := raw[:16], raw[16:]

	clientCert, err := cryptoutil.ParseCertificatePEM([]byte(entry.clientCertPEM))
	if err != nil {
		m.abort(clientIP, entry.clientCertHash, "unparsable client certificate")
		return false, nil
	}
	clientPubKey, ok := clientCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		m.abort(clientIP, entry.clientCertHash, "client certificate is not RSA")
		return false, nil
	}

	secretHash := sha256.Sum256(clientSecret)
	if err := rsa.VerifyPKCS1v15(clientPubKey, 0, hashOID(secretHash[:]), clientSignature); err != nil {
		m.abort(clientIP, entry.clientCertHash, "client signature verification failed")
		return false, nil
	}

	expectedHash := sha256.Sum256(concat(entry.serverChallenge, clientCert.Signature, clientSecret))
	if !hmacEqual(expectedHash[:], entry.clientHash) {
		m.abort(clientIP, entry.clientCertHash, "client hash mismatch")
		return false, nil
	}

	client := config.PairedClient{
		ClientID:   uuid.NewString(),
		ClientCert: entry.clientCertPEM,
	}
	if err := m.store.Pair(client); err != nil {
		m.abort(clientIP, entry.clientCertHash, "commit to store failed: "+err.Error())
		return false, err
	}

	m.mu.Lock()
	delete(m.pending, pendingKey(clientIP, entry.clientCertHash))
	m.mu.Unlock()

	m.logger.Printf("[Pairing] %s: CLIENT_PAIRING_SECRET complete, client %s paired", clientIP, client.ClientID)
	return true, nil
}

func (m *Machine) abort(clientIP, hash, reason string) {
	m.mu.Lock()
	delete(m.pending, pendingKey(clientIP, hash))
	m.mu.Unlock()
	m.logger.Printf("[Pairing] %s: pairing failed: %s", clientIP, reason)
}

func decodeAndDecrypt(key [16]byte, payloadHex string) ([]byte, error) {
	raw, err := hex.DecodeString(payloadHex)
	if err != nil {
		return nil, errors.New("payload is not valid hex")
	}
	decrypted, err := cryptoutil.DecryptECB(key[:], raw)
	if err != nil {
		return nil, errors.New("payload is not a valid ECB ciphertext")
	}
	return decrypted, nil
}

func parseHostKey(hostKeyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(hostKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func concat(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// hashOID wraps a raw SHA-256 digest for rsa.SignPKCS1v15/VerifyPKCS1v15
// called with hash=0 (crypto.Hash(0) — the digest is used verbatim rather
// than re-prefixed with a DigestInfo ASN.1 header), matching the wire
// protocol's plain SHA-256-then-sign construction rather than a standard
// PKCS#1 v1.5 signature over a named hash.
func hashOID(digest []byte) []byte { return digest }

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

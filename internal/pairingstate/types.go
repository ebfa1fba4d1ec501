// Package pairingstate implements the four-phase pairing handshake (spec
// §4.3): GET_SERVER_CERT, CLIENT_CHALLENGE, SERVER_CHALLENGE_RESP, and
// CLIENT_PAIRING_SECRET, each a separate HTTP(S) request against state
// keyed by client_ip+cert_hash and held for a short TTL.
package pairingstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Phase names the pairing handshake's position for a given in-flight
// exchange. A request arriving out of phase order is rejected with
// PairingFailedError; the in-flight exchange is not removed by it and
// stays until it completes, fails, or outlives the TTL.
type Phase int

const (
	PhaseAwaitingClientChallenge Phase = iota
	PhaseAwaitingServerChallengeResp
	PhaseAwaitingClientPairingSecret
)

// DefaultTTL is how long an in-flight pairing survives without progress
// before it is evicted (spec §4.3 "TTL ~30s").
const DefaultTTL = 30 * time.Second

// pending holds everything one in-flight handshake accumulates across its
// four phases.
type pending struct {
	clientIP       string
	clientCertPEM  string
	clientCertHash string
	aesKey         [16]byte

	phase           Phase
	serverChallenge []byte
	clientHash      []byte
	clientSecret    []byte

	createdAt time.Time
	pin       *pinPromise
}

func certHash(clientCertPEM string) string {
	sum := sha256.Sum256([]byte(clientCertPEM))
	return hex.EncodeToString(sum[:])
}

func pendingKey(clientIP, hash string) string {
	return clientIP + "|" + hash
}

// pinPromise is fulfilled exactly once by an out-of-band UI/CLI that reads
// the PIN off the user (spec §3 PairSignal, §9). Wait blocks the calling
// goroutine (the GET_SERVER_CERT handler) until Resolve is called or ctx
// expires.
type pinPromise struct {
	once   sync.Once
	result chan string
}

func newPINPromise() *pinPromise {
	return &pinPromise{result: make(chan string, 1)}
}

// Resolve delivers pin. Only the first call has any effect.
func (p *pinPromise) Resolve(pin string) {
	p.once.Do(func() {
		p.result <- pin
	})
}

// Wait blocks until Resolve is called or ctx is done, whichever comes first.
func (p *pinPromise) Wait(ctx context.Context) (string, error) {
	select {
	case pin := <-p.result:
		return pin, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Package store implements the Config Store (spec §4.1): a single JSON
// file rewritten atomically on every mutation, read through read-copy-update
// snapshots so readers never block on a writer and never observe a
// partially-applied mutation.
package store

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wolfstream/host/internal/config"
	"github.com/wolfstream/host/internal/cryptoutil"
)

// NotFoundError indicates a requested app does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("config: %s %q not found", e.Entity, e.Key)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// DuplicateClientError is returned by Pair when the certificate already
// verifies against a stored client (spec §4.1 "Duplicate certs are
// rejected").
type DuplicateClientError struct{ ClientID string }

func (e DuplicateClientError) Error() string {
	return fmt.Sprintf("config: client %q is already paired", e.ClientID)
}

// Store owns the atomically-swappable Config snapshot and its backing file.
type Store struct {
	path string

	// snapshot holds the current, immutable *config.Config. Readers load it
	// without ever taking persistLock (spec §4.1 "readers take a snapshot
	// reference and never block writers").
	snapshot atomic.Pointer[config.Config]

	// persistLock totally orders mutations and the disk writes they cause
	// (spec §5 "Config Store mutations are totally ordered by the
	// persistence lock").
	persistLock sync.Mutex
}

// Open loads the Config at path, creating a default one (fresh uuid, RSA
// key, self-signed certificate) if the file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	cfg, err := loadOrDefault(path)
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(cfg)

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if err := s.persistLocked(cfg); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func loadOrDefault(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig()
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

func defaultConfig() (*config.Config, error) {
	identity, err := cryptoutil.GenerateHostIdentity("wolfstream-host")
	if err != nil {
		return nil, fmt.Errorf("config: generate default host identity: %w", err)
	}

	return &config.Config{
		Hostname:      hostnameOrDefault(),
		UUID:          uuid.NewString(),
		HostCert:      string(identity.CertPEM),
		HostKey:       string(identity.KeyPEM),
		SupportHEVC:   true,
		SupportAV1:    false,
		PairedClients: []config.PairedClient{},
		Apps:          []config.App{},
	}, nil
}

func hostnameOrDefault() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "wolfstream-host"
	}
	return name
}

// Snapshot returns the current immutable Config. Safe to call concurrently
// with any mutation; the returned value never changes underneath the caller.
func (s *Store) Snapshot() *config.Config {
	return s.snapshot.Load()
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// GetAppByID performs a linear scan of the current snapshot's apps.
func (s *Store) GetAppByID(id string) (config.App, error) {
	cfg := s.Snapshot()
	for _, app := range cfg.Apps {
		if app.ID == id {
			return app, nil
		}
	}
	return config.App{}, NotFoundError{Entity: "app", Key: id}
}

// GetClientViaSSL returns the first stored client whose certificate
// verifies against cert (spec §4.1: X.509 verification, not byte equality).
func (s *Store) GetClientViaSSL(cert *x509.Certificate) (config.PairedClient, bool) {
	cfg := s.Snapshot()
	for _, client := range cfg.PairedClients {
		stored, err := cryptoutil.ParseCertificatePEM([]byte(client.ClientCert))
		if err != nil {
			continue
		}
		if certVerifiesAgainst(cert, stored) {
			return client, true
		}
	}
	return config.PairedClient{}, false
}

// certVerifiesAgainst reports whether candidate matches stored. The host's
// paired-client set has no external CA chain to walk, so "verifies" here
// means the identity comparison cryptoutil.CertificatesEqual defines —
// same subject common name, same public key, same serial — the host-issued analogue of
// an X.509 verification pass against a single trusted leaf.
func certVerifiesAgainst(candidate, stored *x509.Certificate) bool {
	return cryptoutil.CertificatesEqual(candidate, stored)
}

// Pair atomically inserts client into the paired-clients snapshot and
// persists. Rejects a certificate that already verifies against a stored
// client (spec §4.1).
func (s *Store) Pair(client config.PairedClient) error {
	s.persistLock.Lock()
	defer s.persistLock.Unlock()

	cert, err := cryptoutil.ParseCertificatePEM([]byte(client.ClientCert))
	if err != nil {
		return fmt.Errorf("config: pair: parse client certificate: %w", err)
	}
	if _, exists := s.GetClientViaSSL(cert); exists {
		return DuplicateClientError{ClientID: client.ClientID}
	}

	next := s.Snapshot().Clone()
	next.PairedClients = append(next.PairedClients, client)

	return s.commit(&next)
}

// Unpair atomically removes any stored client whose certificate matches
// client's by X.509 identity.
func (s *Store) Unpair(client config.PairedClient) error {
	s.persistLock.Lock()
	defer s.persistLock.Unlock()

	cert, err := cryptoutil.ParseCertificatePEM([]byte(client.ClientCert))
	if err != nil {
		return fmt.Errorf("config: unpair: parse client certificate: %w", err)
	}

	current := s.Snapshot()
	next := current.Clone()
	next.PairedClients = next.PairedClients[:0]
	for _, existing := range current.PairedClients {
		storedCert, err := cryptoutil.ParseCertificatePEM([]byte(existing.ClientCert))
		if err != nil || !cryptoutil.CertificatesEqual(cert, storedCert) {
			next.PairedClients = append(next.PairedClients, existing)
		}
	}

	return s.commit(&next)
}

// commit installs next as the current snapshot and persists it to disk.
// Must be called with persistLock held. On a persistence failure the
// in-memory snapshot is left unchanged and the caller receives the
// persistence error (spec §7 "Persistence failures ... are fatal to the
// mutation but not to the process; the in-memory snapshot remains unchanged").
func (s *Store) commit(next *config.Config) error {
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.snapshot.Store(next)
	return nil
}

// persistLocked atomically rewrites the state file (write-temp + rename),
// per spec §3 Config invariant. Caller must hold persistLock (or be Open,
// before any other goroutine can see the Store).
func (s *Store) persistLocked(cfg *config.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: ensure %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config.json.tmp.*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename temp file into place: %w", err)
	}

	return nil
}

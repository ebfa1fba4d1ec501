// Package history implements the session history store: a passive
// observer of the event bus that records every StreamSession's lifecycle
// (launch through stop) into a local SQLite database for operator
// introspection. It never influences session lifecycle decisions — it
// only watches.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wolfstream/host/internal/eventbus"
)

// Entry is one recorded session lifecycle, from launch to (optionally) stop.
type Entry struct {
	SessionID      uint64
	ClientIP       string
	AppStateFolder string
	LaunchedAt     time.Time
	StoppedAt      *time.Time
	StopReason     string
}

// Store owns the history.db connection and the bus subscriptions that
// keep it populated.
type Store struct {
	db     *sql.DB
	logger *log.Logger

	streamReg *eventbus.Registration
	stopReg   *eventbus.Registration
}

// Open creates or opens the history database at path and ensures its
// schema exists.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}

	ctx := context.Background()
	if err := s.applyPragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("history: apply pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS sessions (
		session_id       INTEGER PRIMARY KEY,
		client_ip        TEXT NOT NULL,
		app_state_folder TEXT NOT NULL,
		launched_at      TEXT NOT NULL,
		stopped_at       TEXT,
		stop_reason      TEXT NOT NULL DEFAULT ''
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("history: create sessions table: %w", err)
	}
	return nil
}

// Subscribe registers the store as a passive observer of session launch
// and stop events. Call once per Store, after Open.
func (s *Store) Subscribe(bus *eventbus.Bus) {
	s.streamReg = bus.Subscribe(eventbus.TopicStreamSession, s.onStreamSession)
	s.stopReg = bus.Subscribe(eventbus.TopicStopStream, s.onStopStream)
}

func (s *Store) onStreamSession(env eventbus.Envelope) {
	payload, ok := env.Payload.(eventbus.StreamSessionEvent)
	if !ok || payload.Session == nil {
		return
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions(session_id, client_ip, app_state_folder, launched_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		payload.SessionID, payload.Session.ClientIP(), payload.Session.AppStateFolder(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Printf("[History] record launch for session %d: %v", payload.SessionID, err)
	}
}

func (s *Store) onStopStream(env eventbus.Envelope) {
	payload, ok := env.Payload.(eventbus.StopStreamEvent)
	if !ok {
		return
	}

	_, err := s.db.Exec(
		`UPDATE sessions SET stopped_at = ?, stop_reason = ? WHERE session_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), payload.Reason, payload.SessionID,
	)
	if err != nil {
		s.logger.Printf("[History] record stop for session %d: %v", payload.SessionID, err)
	}
}

// Recent returns up to limit entries, most recently launched first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT session_id, client_ip, app_state_folder, launched_at, stopped_at, stop_reason
		 FROM sessions ORDER BY launched_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			launchedAt string
			stoppedAt  sql.NullString
		)
		if err := rows.Scan(&e.SessionID, &e.ClientIP, &e.AppStateFolder, &launchedAt, &stoppedAt, &e.StopReason); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, launchedAt); err == nil {
			e.LaunchedAt = t
		}
		if stoppedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, stoppedAt.String); err == nil {
				e.StoppedAt = &t
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close unsubscribes from the bus and closes the database connection.
func (s *Store) Close() error {
	if s.streamReg != nil {
		s.streamReg.Close()
	}
	if s.stopReg != nil {
		s.stopReg.Close()
	}
	return s.db.Close()
}

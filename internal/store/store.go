// Package store provides SQLite-backed persistence for the gateway: a
// generic key-value config table (used for OAuth tokens, setup flags, and
// pending-flow scratch state) and a session-history table.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Session is a persisted record of one Agent session.
type Session struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	Status    string // "running", "stopped", "error"
	TurnCount int
	CostUSD   float64
}

// Store provides persistent key-value and session-history state backed by
// SQLite in WAL mode.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0
		);
	`)
	return err
}

// Get returns the value for key, or (, false) if absent.
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts a key-value pair.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM config WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete config %s: %w", key, err)
	}
	return nil
}

// CreateSession inserts a new session-history record with status "running".
func (s *Store) CreateSession(id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO sessions (id, started_at, status, turn_count, cost_usd) VALUES (?, ?, 'running', 0, 0)",
		id, startedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSessionTurn sets turn_count and cost_usd to the given cumulative
// totals.
func (s *Store) UpdateSessionTurn(id string, turnCount int, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sessions SET turn_count = ?, cost_usd = ? WHERE id = ?", turnCount, costUSD, id)
	if err != nil {
		return fmt.Errorf("update session turn: %w", err)
	}
	return nil
}

// FinalizeSession sets ended_at and status on session end.
func (s *Store) FinalizeSession(id string, endedAt time.Time, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?", endedAt.UTC().Format(time.RFC3339), status, id)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	return nil
}

// GetSession returns a session record by id.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec          Session
		startedAt    string
		endedAt      sql.NullString
	)
	err := s.db.QueryRow(
		"SELECT id, started_at, ended_at, status, turn_count, cost_usd FROM sessions WHERE id = ?", id,
	).Scan(&rec.ID, &startedAt, &endedAt, &rec.Status, &rec.TurnCount, &rec.CostUSD)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	rec.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		rec.EndedAt = &t
	}
	return &rec, nil
}

// UsageAggregates summarizes session history across every recorded session,
// for the monitor endpoint's usage totals.
type UsageAggregates struct {
	SessionCount int
	TotalTurns   int
	TotalCostUSD float64
}

// UsageAggregates computes totals across all session records.
func (s *Store) UsageAggregates() (UsageAggregates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agg UsageAggregates
	err := s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(turn_count), 0), COALESCE(SUM(cost_usd), 0) FROM sessions",
	).Scan(&agg.SessionCount, &agg.TotalTurns, &agg.TotalCostUSD)
	if err != nil {
		return UsageAggregates{}, fmt.Errorf("usage aggregates: %w", err)
	}
	return agg, nil
}

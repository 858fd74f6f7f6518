// Package persistence provides the SQLite-backed task store: both queues, the
// session ledger, and the webhook delivery ledger live in one database.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"foreman/pkg/logx"
)

// TimeLayout matches the strftime('%Y-%m-%dT%H:%M:%fZ','now') defaults used in
// the schema, so Go-side cutoffs compare lexicographically against stored values.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Sentinel errors.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrSessionNotFound = errors.New("session not found")
)

// Store owns one database handle. Components receive a *Store at construction;
// tests open independent stores against temp files.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the database at dbPath and brings the schema
// up to the current version.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("Store opened: %s (schema v%d)", dbPath, CurrentSchemaVersion)

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection. Should be called during shutdown.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// DB exposes the raw handle for schema inspection in tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FormatTime renders t the way the schema's datetime defaults do.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// parseTime parses a stored datetime. Stored values always carry the Z suffix.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

// nullableTime converts an optional stored datetime into *time.Time.
func nullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

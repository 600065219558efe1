// Package store is the single source of truth for the latest state of
// tasks, phases, agents, reviews, findings, and handovers. It wraps a
// per-workspace embedded SQLite database; the append-only JSONL files and
// the legacy JSON registries beside it are derived data.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a per-workspace state store.
type Store struct {
	db   *sqlx.DB
	path string
}

// Path returns the on-disk location of the database file.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for health checks and read-side queries.
func (s *Store) DB() *sqlx.DB { return s.db }

// DBPath returns the state database path for a workspace base, creating the
// registry directory if needed.
func DBPath(workspaceBase string) (string, error) {
	dir := filepath.Join(workspaceBase, "registry")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create registry dir: %w", err)
	}
	return filepath.Join(dir, "state.sqlite3"), nil
}

// Open opens (creating if absent) the state store for a workspace base and
// initializes the schema. Schema initialization is idempotent and evolves
// existing databases by additive ALTER statements only.
func Open(ctx context.Context, workspaceBase string) (*Store, error) {
	path, err := DBPath(workspaceBase)
	if err != nil {
		return nil, err
	}
	return OpenPath(ctx, path)
}

// OpenPath opens the state store at an explicit database path.
func OpenPath(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock churn
	// between the RPC handlers and the daemon.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=10000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// inTx runs fn inside a single transaction. All multi-statement updates go
// through here.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Timestamps are stored as RFC3339 text, matching the JSONL audit trail.
func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalStrings(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// GlobalIndexDir is the well-known per-user directory holding the
// cross-workspace index.
const GlobalIndexDir = ".claude-orchestrator"

// GlobalIndexFile is the cross-workspace database file name.
const GlobalIndexFile = "global_registry.sqlite3"

// GlobalIndex maps task IDs to workspaces across all orchestrator
// workspaces on this host, for dashboard aggregation.
type GlobalIndex struct {
	db   *sqlx.DB
	path string
}

// GlobalIndexPath resolves the index location under the user home
// directory.
func GlobalIndexPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home dir: %w", err)
	}
	dir := filepath.Join(home, GlobalIndexDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create global index dir: %w", err)
	}
	return filepath.Join(dir, GlobalIndexFile), nil
}

// OpenGlobalIndex opens (creating if absent) the cross-workspace index at
// an explicit path. Pass the result of GlobalIndexPath for the standard
// location.
func OpenGlobalIndex(ctx context.Context, path string) (*GlobalIndex, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=10000")
	if err != nil {
		return nil, fmt.Errorf("failed to open global index: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=10000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS known_workspaces (
		  workspace_base TEXT PRIMARY KEY,
		  last_seen TEXT
		);
		CREATE TABLE IF NOT EXISTS task_index (
		  task_id TEXT PRIMARY KEY,
		  workspace_base TEXT,
		  workspace TEXT,
		  status TEXT,
		  created_at TEXT
		);
		CREATE TABLE IF NOT EXISTS global_counts (
		  key TEXT PRIMARY KEY,
		  value INTEGER
		);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize global index schema: %w", err)
	}
	return &GlobalIndex{db: db, path: path}, nil
}

// Close closes the index database.
func (g *GlobalIndex) Close() error { return g.db.Close() }

// RegisterWorkspace upserts a workspace base into the known set.
func (g *GlobalIndex) RegisterWorkspace(ctx context.Context, workspaceBase string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO known_workspaces (workspace_base, last_seen) VALUES (?, ?)
		ON CONFLICT (workspace_base) DO UPDATE SET last_seen = excluded.last_seen`,
		workspaceBase, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to register workspace: %w", err)
	}
	return nil
}

// KnownWorkspaces returns every workspace base ever registered.
func (g *GlobalIndex) KnownWorkspaces(ctx context.Context) ([]string, error) {
	var out []string
	if err := g.db.SelectContext(ctx, &out,
		`SELECT workspace_base FROM known_workspaces ORDER BY workspace_base`); err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	return out, nil
}

// IndexTask upserts a task into the cross-workspace index.
func (g *GlobalIndex) IndexTask(ctx context.Context, taskID, workspaceBase, workspace, status string, createdAt time.Time) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO task_index (task_id, workspace_base, workspace, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
		  status = excluded.status,
		  workspace = excluded.workspace`,
		taskID, workspaceBase, workspace, status, fmtTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to index task: %w", err)
	}
	return nil
}

// IndexedTask is one row of the cross-workspace task index.
type IndexedTask struct {
	TaskID        string `db:"task_id" json:"task_id"`
	WorkspaceBase string `db:"workspace_base" json:"workspace_base"`
	Workspace     string `db:"workspace" json:"workspace"`
	Status        string `db:"status" json:"status"`
	CreatedAt     string `db:"created_at" json:"created_at"`
}

// LookupTask resolves a task ID to its workspace, or ErrNotFound.
func (g *GlobalIndex) LookupTask(ctx context.Context, taskID string) (*IndexedTask, error) {
	var row IndexedTask
	err := g.db.GetContext(ctx, &row, `SELECT * FROM task_index WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up task: %w", err)
	}
	return &row, nil
}

// ListIndexedTasks returns indexed tasks newest first.
func (g *GlobalIndex) ListIndexedTasks(ctx context.Context, limit int) ([]IndexedTask, error) {
	q := `SELECT * FROM task_index ORDER BY task_id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []IndexedTask
	if err := g.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list indexed tasks: %w", err)
	}
	return rows, nil
}

// SetCount stores one global counter.
func (g *GlobalIndex) SetCount(ctx context.Context, key string, value int) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO global_counts (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set global count: %w", err)
	}
	return nil
}

// GetCount reads one global counter, defaulting to zero.
func (g *GlobalIndex) GetCount(ctx context.Context, key string) (int, error) {
	var v int
	err := g.db.GetContext(ctx, &v, `SELECT value FROM global_counts WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read global count: %w", err)
	}
	return v, nil
}

package store

import (
	"context"
	"fmt"
	"strings"
)

// Base schema. CREATE TABLE IF NOT EXISTS keeps initialization idempotent;
// columns added after a table first shipped are listed in columnMigrations
// and applied via additive ALTERs. Columns are never dropped or renamed.
const baseSchema = `
CREATE TABLE IF NOT EXISTS tasks (
  task_id TEXT PRIMARY KEY,
  workspace TEXT,
  workspace_base TEXT,
  description TEXT,
  status TEXT,
  priority TEXT,
  client_cwd TEXT,
  created_at TEXT,
  updated_at TEXT,
  current_phase_index INTEGER
);

CREATE TABLE IF NOT EXISTS phases (
  task_id TEXT NOT NULL,
  phase_index INTEGER NOT NULL,
  name TEXT,
  description TEXT,
  deliverables TEXT,
  success_criteria TEXT,
  status TEXT,
  created_at TEXT,
  started_at TEXT,
  completed_at TEXT,
  PRIMARY KEY (task_id, phase_index),
  FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS agents (
  agent_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  type TEXT,
  model TEXT,
  tmux_session TEXT,
  parent TEXT,
  depth INTEGER,
  phase_index INTEGER,
  claude_pid INTEGER,
  cursor_pid INTEGER,
  tracked_files TEXT,
  started_at TEXT,
  completed_at TEXT,
  status TEXT,
  progress INTEGER,
  last_update TEXT,
  prompt_preview TEXT,
  FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_agents_task ON agents(task_id);
CREATE INDEX IF NOT EXISTS idx_agents_task_phase ON agents(task_id, phase_index);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

CREATE TABLE IF NOT EXISTS agent_progress_latest (
  task_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  timestamp TEXT,
  status TEXT,
  progress INTEGER,
  message TEXT,
  PRIMARY KEY (task_id, agent_id),
  FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS reviews (
  review_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  phase_index INTEGER NOT NULL,
  status TEXT,
  final_verdict TEXT,
  num_reviewers INTEGER,
  auto_spawned INTEGER,
  reviewer_agent_ids TEXT,
  created_at TEXT,
  completed_at TEXT,
  FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_reviews_task ON reviews(task_id);
CREATE INDEX IF NOT EXISTS idx_reviews_phase ON reviews(task_id, phase_index);

CREATE TABLE IF NOT EXISTS review_verdicts (
  review_id TEXT NOT NULL,
  reviewer_agent_id TEXT NOT NULL,
  verdict TEXT,
  notes TEXT,
  findings TEXT,
  submitted_at TEXT,
  PRIMARY KEY (review_id, reviewer_agent_id),
  FOREIGN KEY (review_id) REFERENCES reviews(review_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS critique_submissions (
  review_id TEXT PRIMARY KEY,
  critique_agent_id TEXT,
  summary TEXT,
  details TEXT,
  submitted_at TEXT,
  FOREIGN KEY (review_id) REFERENCES reviews(review_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS agent_findings (
  task_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  phase_index INTEGER,
  timestamp TEXT,
  finding_type TEXT,
  severity TEXT,
  message TEXT,
  data TEXT,
  FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_findings_task ON agent_findings(task_id);
CREATE INDEX IF NOT EXISTS idx_findings_severity ON agent_findings(task_id, severity);

CREATE TABLE IF NOT EXISTS handovers (
  task_id TEXT NOT NULL,
  from_phase_index INTEGER NOT NULL,
  summary TEXT,
  key_findings TEXT,
  artifacts TEXT,
  blockers_resolved TEXT,
  recommendations TEXT,
  metrics TEXT,
  created_at TEXT,
  PRIMARY KEY (task_id, from_phase_index),
  FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS task_config (
  task_id TEXT PRIMARY KEY,
  max_agents INTEGER,
  max_concurrent INTEGER,
  max_depth INTEGER,
  context TEXT,
  FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS agent_hierarchy (
  task_id TEXT NOT NULL,
  parent TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  depth INTEGER,
  PRIMARY KEY (task_id, agent_id),
  FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);
`

// columnMigrations lists columns added after the base tables first shipped.
// Applied additively on every open; existing columns are skipped.
var columnMigrations = []struct {
	table  string
	column string
	ddl    string
}{
	{"tasks", "version", "ALTER TABLE tasks ADD COLUMN version INTEGER DEFAULT 0"},
	{"tasks", "active_count", "ALTER TABLE tasks ADD COLUMN active_count INTEGER DEFAULT 0"},
	{"tasks", "total_agents", "ALTER TABLE tasks ADD COLUMN total_agents INTEGER DEFAULT 0"},
	{"phases", "version", "ALTER TABLE phases ADD COLUMN version INTEGER DEFAULT 0"},
	{"phases", "auto_submitted_at", "ALTER TABLE phases ADD COLUMN auto_submitted_at TEXT"},
	{"phases", "auto_submitted_reason", "ALTER TABLE phases ADD COLUMN auto_submitted_reason TEXT"},
	{"phases", "escalation_reason", "ALTER TABLE phases ADD COLUMN escalation_reason TEXT"},
	{"agents", "failure_reason", "ALTER TABLE agents ADD COLUMN failure_reason TEXT"},
	{"agents", "cleanup", "ALTER TABLE agents ADD COLUMN cleanup TEXT"},
	{"agents", "completion_validation", "ALTER TABLE agents ADD COLUMN completion_validation TEXT"},
	{"reviews", "completion_reason", "ALTER TABLE reviews ADD COLUMN completion_reason TEXT"},
	{"reviews", "failure_reason", "ALTER TABLE reviews ADD COLUMN failure_reason TEXT"},
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	for _, m := range columnMigrations {
		has, err := s.hasColumn(ctx, m.table, m.column)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.ddl); err != nil {
			// Another opener may have added the column between the check
			// and the ALTER.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

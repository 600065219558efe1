package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentmux/agentmux/pkg/models"
)

type agentRow struct {
	AgentID              string         `db:"agent_id"`
	TaskID               string         `db:"task_id"`
	Type                 sql.NullString `db:"type"`
	Model                sql.NullString `db:"model"`
	TmuxSession          sql.NullString `db:"tmux_session"`
	Parent               sql.NullString `db:"parent"`
	Depth                sql.NullInt64  `db:"depth"`
	PhaseIndex           sql.NullInt64  `db:"phase_index"`
	ClaudePID            sql.NullInt64  `db:"claude_pid"`
	CursorPID            sql.NullInt64  `db:"cursor_pid"`
	TrackedFiles         sql.NullString `db:"tracked_files"`
	StartedAt            sql.NullString `db:"started_at"`
	CompletedAt          sql.NullString `db:"completed_at"`
	Status               sql.NullString `db:"status"`
	Progress             sql.NullInt64  `db:"progress"`
	LastUpdate           sql.NullString `db:"last_update"`
	PromptPreview        sql.NullString `db:"prompt_preview"`
	FailureReason        sql.NullString `db:"failure_reason"`
	Cleanup              sql.NullString `db:"cleanup"`
	CompletionValidation sql.NullString `db:"completion_validation"`
}

func (r agentRow) toModel() *models.Agent {
	a := &models.Agent{
		AgentID:       r.AgentID,
		TaskID:        r.TaskID,
		Type:          r.Type.String,
		Model:         r.Model.String,
		TmuxSession:   r.TmuxSession.String,
		Parent:        r.Parent.String,
		Depth:         int(r.Depth.Int64),
		PhaseIndex:    int(r.PhaseIndex.Int64),
		ClaudePID:     int(r.ClaudePID.Int64),
		CursorPID:     int(r.CursorPID.Int64),
		Status:        models.AgentStatus(r.Status.String),
		Progress:      int(r.Progress.Int64),
		StartedAt:     parseTime(r.StartedAt.String),
		LastUpdate:    parseTimePtr(r.LastUpdate),
		CompletedAt:   parseTimePtr(r.CompletedAt),
		PromptPreview: r.PromptPreview.String,
		FailureReason: r.FailureReason.String,
	}
	if r.TrackedFiles.Valid && r.TrackedFiles.String != "" {
		_ = json.Unmarshal([]byte(r.TrackedFiles.String), &a.Tracked)
	}
	if r.Cleanup.Valid && r.Cleanup.String != "" {
		var c models.CleanupResult
		if json.Unmarshal([]byte(r.Cleanup.String), &c) == nil {
			a.Cleanup = &c
		}
	}
	if r.CompletionValidation.Valid && r.CompletionValidation.String != "" {
		var v models.CompletionValidation
		if json.Unmarshal([]byte(r.CompletionValidation.String), &v) == nil {
			a.Validation = &v
		}
	}
	return a
}

// RegisterAgent inserts an agent bound to its phase, records the hierarchy
// edge, and bumps the task counters, all in one transaction. The task moves
// INITIALIZED → ACTIVE on its first agent. On any failure no partial state
// remains.
func (s *Store) RegisterAgent(ctx context.Context, agent *models.Agent) error {
	if agent.AgentID == "" {
		return NewValidationError("agent_id", "required")
	}
	if agent.TaskID == "" {
		return NewValidationError("task_id", "required")
	}
	now := time.Now()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO agents
			  (agent_id, task_id, type, model, tmux_session, parent, depth,
			   phase_index, claude_pid, cursor_pid, tracked_files, started_at,
			   status, progress, last_update, prompt_preview)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			agent.AgentID, agent.TaskID, agent.Type, agent.Model,
			agent.TmuxSession, agent.Parent, agent.Depth, agent.PhaseIndex,
			agent.ClaudePID, agent.CursorPID, marshalJSON(agent.Tracked),
			fmtTime(agent.StartedAt), string(agent.Status), fmtTime(now),
			agent.PromptPreview)
		if err != nil {
			return fmt.Errorf("failed to insert agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyExists
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO agent_hierarchy (task_id, parent, agent_id, depth)
			VALUES (?, ?, ?, ?)`,
			agent.TaskID, agent.Parent, agent.AgentID, agent.Depth)
		if err != nil {
			return fmt.Errorf("failed to insert hierarchy edge: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET
			  active_count = active_count + 1,
			  total_agents = total_agents + 1,
			  status = CASE WHEN status = ? THEN ? ELSE status END,
			  updated_at = ?,
			  version = version + 1
			WHERE task_id = ?`,
			string(models.TaskInitialized), string(models.TaskActive),
			fmtTime(now), agent.TaskID)
		if err != nil {
			return fmt.Errorf("failed to bump task counters: %w", err)
		}
		return nil
	})
}

// GetAgent returns one agent row.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agents WHERE agent_id = ?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return row.toModel(), nil
}

// ListAgents returns all agents of a task.
func (s *Store) ListAgents(ctx context.Context, taskID string) ([]*models.Agent, error) {
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM agents WHERE task_id = ? ORDER BY started_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	out := make([]*models.Agent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ListPhaseAgents returns agents bound to one phase of a task. Reviewers
// (phase_index = -1) are excluded unless asked for explicitly.
func (s *Store) ListPhaseAgents(ctx context.Context, taskID string, phaseIndex int) ([]*models.Agent, error) {
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM agents WHERE task_id = ? AND phase_index = ? ORDER BY started_at`,
		taskID, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to list phase agents: %w", err)
	}
	out := make([]*models.Agent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ListActiveAgents returns every agent in an active status, across tasks.
func (s *Store) ListActiveAgents(ctx context.Context) ([]*models.Agent, error) {
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM agents WHERE status IN ('running','working','blocked','reviewing')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active agents: %w", err)
	}
	out := make([]*models.Agent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// RecordProgress writes the latest-per-agent progress row and updates the
// agent's status, progress, and timestamps. The active counter is
// decremented exactly once: the decrement is gated on the prior status read
// in the same transaction, so repeated terminal reports cannot
// double-decrement. Returns the prior status and whether this call was the
// active→terminal edge.
func (s *Store) RecordProgress(ctx context.Context, ev models.ProgressEvent, taskID string) (prior models.AgentStatus, terminalEdge bool, err error) {
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		var priorRaw sql.NullString
		e := tx.GetContext(ctx, &priorRaw, `SELECT status FROM agents WHERE agent_id = ?`, ev.AgentID)
		if errors.Is(e, sql.ErrNoRows) {
			return ErrNotFound
		}
		if e != nil {
			return fmt.Errorf("failed to read prior status: %w", e)
		}
		prior = models.AgentStatus(priorRaw.String)

		if prior.IsTerminal() && ev.Status.IsTerminal() {
			// Late duplicate terminal report. Keep the audit append (done by
			// the caller) but leave the materialized state untouched.
			return nil
		}

		terminalEdge = prior.IsActive() && ev.Status.IsTerminal()

		q := `UPDATE agents SET status = ?, progress = ?, last_update = ?`
		args := []any{string(ev.Status), ev.Progress, fmtTime(ev.Timestamp)}
		if terminalEdge {
			q += `, completed_at = ?`
			args = append(args, fmtTime(ev.Timestamp))
		}
		q += ` WHERE agent_id = ?`
		args = append(args, ev.AgentID)
		if _, e := tx.ExecContext(ctx, q, args...); e != nil {
			return fmt.Errorf("failed to update agent: %w", e)
		}

		_, e = tx.ExecContext(ctx, `
			INSERT INTO agent_progress_latest (task_id, agent_id, timestamp, status, progress, message)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (task_id, agent_id) DO UPDATE SET
			  timestamp = excluded.timestamp,
			  status = excluded.status,
			  progress = excluded.progress,
			  message = excluded.message`,
			taskID, ev.AgentID, fmtTime(ev.Timestamp), string(ev.Status), ev.Progress, ev.Message)
		if e != nil {
			return fmt.Errorf("failed to upsert latest progress: %w", e)
		}

		if terminalEdge {
			_, e = tx.ExecContext(ctx, `
				UPDATE tasks SET
				  active_count = CASE WHEN active_count > 0 THEN active_count - 1 ELSE 0 END,
				  updated_at = ?,
				  version = version + 1
				WHERE task_id = ?`,
				fmtTime(ev.Timestamp), taskID)
			if e != nil {
				return fmt.Errorf("failed to decrement active count: %w", e)
			}
		}
		return nil
	})
	return prior, terminalEdge, err
}

// MarkAgentTerminal sets a terminal status with a reason, performing the
// same exactly-once counter bookkeeping as a self-reported transition. If
// autoRollup is set and the terminal transition leaves the task with no
// active agents and all agents terminal, the task moves to COMPLETED.
func (s *Store) MarkAgentTerminal(ctx context.Context, agentID string, status models.AgentStatus, reason string, autoRollup bool) (terminalEdge bool, err error) {
	if !status.IsTerminal() {
		return false, NewValidationError("status", "must be terminal")
	}
	now := time.Now()
	var taskID string

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			TaskID string         `db:"task_id"`
			Status sql.NullString `db:"status"`
		}
		e := tx.GetContext(ctx, &row, `SELECT task_id, status FROM agents WHERE agent_id = ?`, agentID)
		if errors.Is(e, sql.ErrNoRows) {
			return ErrNotFound
		}
		if e != nil {
			return fmt.Errorf("failed to read agent: %w", e)
		}
		taskID = row.TaskID
		prior := models.AgentStatus(row.Status.String)
		if prior.IsTerminal() {
			return nil
		}
		terminalEdge = true

		_, e = tx.ExecContext(ctx, `
			UPDATE agents SET status = ?, failure_reason = ?, completed_at = ?, last_update = ?
			WHERE agent_id = ?`,
			string(status), reason, fmtTime(now), fmtTime(now), agentID)
		if e != nil {
			return fmt.Errorf("failed to mark agent terminal: %w", e)
		}

		_, e = tx.ExecContext(ctx, `
			UPDATE agent_progress_latest SET timestamp = ?, status = ?, message = ?
			WHERE agent_id = ?`,
			fmtTime(now), string(status), reason, agentID)
		if e != nil {
			return fmt.Errorf("failed to update latest progress: %w", e)
		}

		_, e = tx.ExecContext(ctx, `
			UPDATE tasks SET
			  active_count = CASE WHEN active_count > 0 THEN active_count - 1 ELSE 0 END,
			  updated_at = ?,
			  version = version + 1
			WHERE task_id = ?`,
			fmtTime(now), taskID)
		if e != nil {
			return fmt.Errorf("failed to decrement active count: %w", e)
		}
		return nil
	})
	if err != nil || !terminalEdge || !autoRollup {
		return terminalEdge, err
	}

	// Rollup outside the transition transaction: best effort, retried on
	// version conflicts by the next terminal event.
	task, e := s.GetTask(ctx, taskID)
	if e != nil {
		return terminalEdge, nil
	}
	agents, e := s.ListAgents(ctx, taskID)
	if e != nil || len(agents) == 0 {
		return terminalEdge, nil
	}
	for _, a := range agents {
		if !a.Status.IsTerminal() {
			return terminalEdge, nil
		}
	}
	if task.Status == models.TaskActive {
		_ = s.TransitionTaskToCompleted(ctx, taskID, task.Version)
	}
	return terminalEdge, nil
}

// SetAgentCleanup stores the structured cleanup record on the agent row.
func (s *Store) SetAgentCleanup(ctx context.Context, agentID string, res *models.CleanupResult) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET cleanup = ? WHERE agent_id = ?`, marshalJSON(res), agentID)
	if err != nil {
		return fmt.Errorf("failed to store cleanup record: %w", err)
	}
	return nil
}

// SetAgentValidation stores the completion validation record on the agent row.
func (s *Store) SetAgentValidation(ctx context.Context, agentID string, v *models.CompletionValidation) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET completion_validation = ? WHERE agent_id = ?`, marshalJSON(v), agentID)
	if err != nil {
		return fmt.Errorf("failed to store completion validation: %w", err)
	}
	return nil
}

// LatestProgress returns the latest-per-agent progress row, if any.
func (s *Store) LatestProgress(ctx context.Context, taskID, agentID string) (*models.ProgressEvent, error) {
	var row struct {
		Timestamp sql.NullString `db:"timestamp"`
		Status    sql.NullString `db:"status"`
		Progress  sql.NullInt64  `db:"progress"`
		Message   sql.NullString `db:"message"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT timestamp, status, progress, message
		FROM agent_progress_latest WHERE task_id = ? AND agent_id = ?`, taskID, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest progress: %w", err)
	}
	return &models.ProgressEvent{
		Timestamp: parseTime(row.Timestamp.String),
		AgentID:   agentID,
		Status:    models.AgentStatus(row.Status.String),
		Progress:  int(row.Progress.Int64),
		Message:   row.Message.String,
	}, nil
}

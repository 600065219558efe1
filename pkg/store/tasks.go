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

type taskRow struct {
	TaskID            string         `db:"task_id"`
	Workspace         sql.NullString `db:"workspace"`
	WorkspaceBase     sql.NullString `db:"workspace_base"`
	Description       sql.NullString `db:"description"`
	Status            sql.NullString `db:"status"`
	Priority          sql.NullString `db:"priority"`
	ClientCwd         sql.NullString `db:"client_cwd"`
	CreatedAt         sql.NullString `db:"created_at"`
	UpdatedAt         sql.NullString `db:"updated_at"`
	CurrentPhaseIndex sql.NullInt64  `db:"current_phase_index"`
	Version           sql.NullInt64  `db:"version"`
	ActiveCount       sql.NullInt64  `db:"active_count"`
	TotalAgents       sql.NullInt64  `db:"total_agents"`
}

func (r taskRow) toModel() *models.Task {
	return &models.Task{
		TaskID:            r.TaskID,
		Workspace:         r.Workspace.String,
		WorkspaceBase:     r.WorkspaceBase.String,
		Description:       r.Description.String,
		Status:            models.TaskStatus(r.Status.String),
		Priority:          models.Priority(r.Priority.String),
		ClientCwd:         r.ClientCwd.String,
		CurrentPhaseIndex: int(r.CurrentPhaseIndex.Int64),
		ActiveCount:       int(r.ActiveCount.Int64),
		TotalAgents:       int(r.TotalAgents.Int64),
		Version:           r.Version.Int64,
		CreatedAt:         parseTime(r.CreatedAt.String),
		UpdatedAt:         parseTime(r.UpdatedAt.String),
	}
}

// CreateTask inserts the task row, its configuration, and all phase rows in
// one transaction. Phase 0 starts ACTIVE; later phases start PENDING.
func (s *Store) CreateTask(ctx context.Context, task *models.Task, phases []models.PhaseSpec, taskCtx *models.TaskContext) error {
	if task.TaskID == "" {
		return NewValidationError("task_id", "required")
	}
	if len(phases) == 0 {
		return NewValidationError("phases", "at least one phase required")
	}
	now := time.Now()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tasks
			  (task_id, workspace, workspace_base, description, status, priority,
			   client_cwd, created_at, updated_at, current_phase_index,
			   version, active_count, total_agents)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0)`,
			task.TaskID, task.Workspace, task.WorkspaceBase, task.Description,
			string(models.TaskInitialized), string(task.Priority),
			task.ClientCwd, fmtTime(task.CreatedAt), fmtTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyExists
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_config (task_id, max_agents, max_concurrent, max_depth, context)
			VALUES (?, ?, ?, ?, ?)`,
			task.TaskID, task.Limits.MaxAgents, task.Limits.MaxConcurrent,
			task.Limits.MaxDepth, marshalJSON(taskCtx))
		if err != nil {
			return fmt.Errorf("failed to insert task config: %w", err)
		}

		for i, p := range phases {
			status := models.PhasePending
			var startedAt any
			if i == 0 {
				status = models.PhaseActive
				startedAt = fmtTime(now)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO phases
				  (task_id, phase_index, name, description, deliverables,
				   success_criteria, status, created_at, started_at, version)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
				task.TaskID, i, p.Name, p.Description,
				marshalJSON(p.Deliverables), marshalJSON(p.SuccessCriteria),
				string(status), fmtTime(now), startedAt)
			if err != nil {
				return fmt.Errorf("failed to insert phase %d: %w", i, err)
			}
		}
		return nil
	})
}

// GetTask returns the task row with its limits.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	task := row.toModel()

	var cfg struct {
		MaxAgents     sql.NullInt64  `db:"max_agents"`
		MaxConcurrent sql.NullInt64  `db:"max_concurrent"`
		MaxDepth      sql.NullInt64  `db:"max_depth"`
		Context       sql.NullString `db:"context"`
	}
	err = s.db.GetContext(ctx, &cfg,
		`SELECT max_agents, max_concurrent, max_depth, context FROM task_config WHERE task_id = ?`, taskID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load task config: %w", err)
	}
	task.Limits = models.TaskLimits{
		MaxAgents:     intOrDefault(cfg.MaxAgents, models.DefaultMaxAgents),
		MaxConcurrent: intOrDefault(cfg.MaxConcurrent, models.DefaultMaxConcurrent),
		MaxDepth:      intOrDefault(cfg.MaxDepth, models.DefaultMaxDepth),
	}
	return task, nil
}

// GetTaskContext returns the structured context captured at creation, or nil.
func (s *Store) GetTaskContext(ctx context.Context, taskID string) (*models.TaskContext, error) {
	var raw sql.NullString
	err := s.db.GetContext(ctx, &raw, `SELECT context FROM task_config WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task context: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var tc models.TaskContext
	if err := json.Unmarshal([]byte(raw.String), &tc); err != nil {
		return nil, nil
	}
	return &tc, nil
}

// TaskFilters narrows ListTasks results.
type TaskFilters struct {
	Since  *time.Time
	Until  *time.Time
	Status models.TaskStatus
	Limit  int
	Offset int
}

// ListTasks returns tasks sorted newest first. Task IDs encode creation
// time, so ordering by task_id descending is chronological.
func (s *Store) ListTasks(ctx context.Context, f TaskFilters) ([]*models.Task, error) {
	q := `SELECT * FROM tasks WHERE 1=1`
	var args []any
	if f.Since != nil {
		q += ` AND created_at >= ?`
		args = append(args, fmtTime(*f.Since))
	}
	if f.Until != nil {
		q += ` AND created_at <= ?`
		args = append(args, fmtTime(*f.Until))
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY task_id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		q += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	out := make([]*models.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// TransitionTaskToActive moves INITIALIZED → ACTIVE. Guarded on the version
// read by the caller; refused when the precondition does not hold.
func (s *Store) TransitionTaskToActive(ctx context.Context, taskID string, version int64) error {
	return s.transitionTask(ctx, taskID, models.TaskInitialized, models.TaskActive, version)
}

// TransitionTaskToCompleted moves ACTIVE → COMPLETED.
func (s *Store) TransitionTaskToCompleted(ctx context.Context, taskID string, version int64) error {
	return s.transitionTask(ctx, taskID, models.TaskActive, models.TaskCompleted, version)
}

// TransitionTaskToFailed moves any non-terminal task to FAILED.
func (s *Store) TransitionTaskToFailed(ctx context.Context, taskID string, version int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?, version = version + 1
		WHERE task_id = ? AND version = ? AND status IN (?, ?)`,
		string(models.TaskFailed), fmtTime(time.Now()), taskID, version,
		string(models.TaskInitialized), string(models.TaskActive))
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	return s.checkGuardedUpdate(ctx, res, taskID)
}

func (s *Store) transitionTask(ctx context.Context, taskID string, from, to models.TaskStatus, version int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?, version = version + 1
		WHERE task_id = ? AND version = ? AND status = ?`,
		string(to), fmtTime(time.Now()), taskID, version, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition task: %w", err)
	}
	return s.checkGuardedUpdate(ctx, res, taskID)
}

// checkGuardedUpdate distinguishes a missing row from a lost version race.
func (s *Store) checkGuardedUpdate(ctx context.Context, res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM tasks WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrStaleVersion
}

// SetCurrentPhaseIndex advances the task's current-phase pointer.
func (s *Store) SetCurrentPhaseIndex(ctx context.Context, taskID string, index int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET current_phase_index = ?, updated_at = ?, version = version + 1
		WHERE task_id = ?`,
		index, fmtTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("failed to set current phase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func intOrDefault(v sql.NullInt64, def int) int {
	if v.Valid && v.Int64 > 0 {
		return int(v.Int64)
	}
	return def
}

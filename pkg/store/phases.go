package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentmux/agentmux/pkg/models"
)

type phaseRow struct {
	TaskID              string         `db:"task_id"`
	PhaseIndex          int            `db:"phase_index"`
	Name                sql.NullString `db:"name"`
	Description         sql.NullString `db:"description"`
	Deliverables        sql.NullString `db:"deliverables"`
	SuccessCriteria     sql.NullString `db:"success_criteria"`
	Status              sql.NullString `db:"status"`
	CreatedAt           sql.NullString `db:"created_at"`
	StartedAt           sql.NullString `db:"started_at"`
	CompletedAt         sql.NullString `db:"completed_at"`
	Version             sql.NullInt64  `db:"version"`
	AutoSubmittedAt     sql.NullString `db:"auto_submitted_at"`
	AutoSubmittedReason sql.NullString `db:"auto_submitted_reason"`
	EscalationReason    sql.NullString `db:"escalation_reason"`
}

func (r phaseRow) toModel() *models.Phase {
	return &models.Phase{
		TaskID:              r.TaskID,
		PhaseIndex:          r.PhaseIndex,
		Name:                r.Name.String,
		Description:         r.Description.String,
		Deliverables:        unmarshalStrings(r.Deliverables),
		SuccessCriteria:     unmarshalStrings(r.SuccessCriteria),
		Status:              models.PhaseStatus(r.Status.String),
		Version:             r.Version.Int64,
		CreatedAt:           parseTime(r.CreatedAt.String),
		StartedAt:           parseTimePtr(r.StartedAt),
		CompletedAt:         parseTimePtr(r.CompletedAt),
		AutoSubmittedAt:     parseTimePtr(r.AutoSubmittedAt),
		AutoSubmittedReason: r.AutoSubmittedReason.String,
		EscalationReason:    r.EscalationReason.String,
	}
}

// GetPhase returns one phase.
func (s *Store) GetPhase(ctx context.Context, taskID string, phaseIndex int) (*models.Phase, error) {
	var row phaseRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM phases WHERE task_id = ? AND phase_index = ?`, taskID, phaseIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load phase: %w", err)
	}
	return row.toModel(), nil
}

// ListPhases returns all phases of a task ordered by index.
func (s *Store) ListPhases(ctx context.Context, taskID string) ([]*models.Phase, error) {
	var rows []phaseRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM phases WHERE task_id = ? ORDER BY phase_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list phases: %w", err)
	}
	out := make([]*models.Phase, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// PhaseUpdate carries the optional extra columns written with a guarded
// phase transition.
type PhaseUpdate struct {
	StartedAt           *time.Time
	CompletedAt         *time.Time
	AutoSubmittedAt     *time.Time
	AutoSubmittedReason string
	EscalationReason    string
}

// TransitionPhaseGuarded commits a phase status change conditional on both
// the current status and the version read by the caller. The phase engine
// validates the edge before calling; the store enforces only the
// compare-and-swap.
func (s *Store) TransitionPhaseGuarded(ctx context.Context, taskID string, phaseIndex int, from, to models.PhaseStatus, version int64, upd PhaseUpdate) error {
	q := `UPDATE phases SET status = ?, version = version + 1`
	args := []any{string(to)}
	if upd.StartedAt != nil {
		q += `, started_at = ?`
		args = append(args, fmtTime(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		q += `, completed_at = ?`
		args = append(args, fmtTime(*upd.CompletedAt))
	}
	if upd.AutoSubmittedAt != nil {
		q += `, auto_submitted_at = ?, auto_submitted_reason = ?`
		args = append(args, fmtTime(*upd.AutoSubmittedAt), upd.AutoSubmittedReason)
	}
	if upd.EscalationReason != "" {
		q += `, escalation_reason = ?`
		args = append(args, upd.EscalationReason)
	}
	q += ` WHERE task_id = ? AND phase_index = ? AND status = ? AND version = ?`
	args = append(args, taskID, phaseIndex, string(from), version)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to transition phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.GetContext(ctx, &exists,
		`SELECT COUNT(*) FROM phases WHERE task_id = ? AND phase_index = ?`, taskID, phaseIndex)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrStaleVersion
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentmux/agentmux/pkg/models"
)

// SaveHandover stores (or replaces) the handover for a phase.
func (s *Store) SaveHandover(ctx context.Context, h *models.Handover) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO handovers
		  (task_id, from_phase_index, summary, key_findings, artifacts,
		   blockers_resolved, recommendations, metrics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.TaskID, h.FromPhaseIndex, h.Summary,
		marshalJSON(h.KeyFindings), marshalJSON(h.Artifacts),
		marshalJSON(h.BlockersResolved), marshalJSON(h.Recommendations),
		marshalJSON(h.Metrics), fmtTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save handover: %w", err)
	}
	return nil
}

// GetHandover returns the handover written for a phase, or ErrNotFound.
func (s *Store) GetHandover(ctx context.Context, taskID string, fromPhase int) (*models.Handover, error) {
	var row struct {
		TaskID           string         `db:"task_id"`
		FromPhaseIndex   int            `db:"from_phase_index"`
		Summary          sql.NullString `db:"summary"`
		KeyFindings      sql.NullString `db:"key_findings"`
		Artifacts        sql.NullString `db:"artifacts"`
		BlockersResolved sql.NullString `db:"blockers_resolved"`
		Recommendations  sql.NullString `db:"recommendations"`
		Metrics          sql.NullString `db:"metrics"`
		CreatedAt        sql.NullString `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM handovers WHERE task_id = ? AND from_phase_index = ?`, taskID, fromPhase)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load handover: %w", err)
	}
	h := &models.Handover{
		TaskID:           row.TaskID,
		FromPhaseIndex:   row.FromPhaseIndex,
		Summary:          row.Summary.String,
		KeyFindings:      unmarshalStrings(row.KeyFindings),
		Artifacts:        unmarshalStrings(row.Artifacts),
		BlockersResolved: unmarshalStrings(row.BlockersResolved),
		Recommendations:  unmarshalStrings(row.Recommendations),
		CreatedAt:        parseTime(row.CreatedAt.String),
	}
	if row.Metrics.Valid && row.Metrics.String != "" {
		_ = json.Unmarshal([]byte(row.Metrics.String), &h.Metrics)
	}
	return h, nil
}

// ListHandovers returns all handovers of a task ordered by phase.
func (s *Store) ListHandovers(ctx context.Context, taskID string) ([]*models.Handover, error) {
	var indexes []int
	err := s.db.SelectContext(ctx, &indexes,
		`SELECT from_phase_index FROM handovers WHERE task_id = ? ORDER BY from_phase_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list handovers: %w", err)
	}
	out := make([]*models.Handover, 0, len(indexes))
	for _, i := range indexes {
		h, err := s.GetHandover(ctx, taskID, i)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

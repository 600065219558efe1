package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentmux/agentmux/pkg/models"
)

type findingRow struct {
	TaskID      string         `db:"task_id"`
	AgentID     string         `db:"agent_id"`
	PhaseIndex  sql.NullInt64  `db:"phase_index"`
	Timestamp   sql.NullString `db:"timestamp"`
	FindingType sql.NullString `db:"finding_type"`
	Severity    sql.NullString `db:"severity"`
	Message     sql.NullString `db:"message"`
	Data        sql.NullString `db:"data"`
}

func (r findingRow) toModel() models.FindingEvent {
	f := models.FindingEvent{
		Timestamp:  parseTime(r.Timestamp.String),
		AgentID:    r.AgentID,
		PhaseIndex: int(r.PhaseIndex.Int64),
		Type:       models.FindingType(r.FindingType.String),
		Severity:   models.Severity(r.Severity.String),
		Message:    r.Message.String,
	}
	if r.Data.Valid && r.Data.String != "" {
		_ = json.Unmarshal([]byte(r.Data.String), &f.Data)
	}
	return f
}

// InsertFinding records one finding event into the findings table.
func (s *Store) InsertFinding(ctx context.Context, taskID string, f models.FindingEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_findings
		  (task_id, agent_id, phase_index, timestamp, finding_type, severity, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, f.AgentID, f.PhaseIndex, fmtTime(f.Timestamp),
		string(f.Type), string(f.Severity), f.Message, marshalJSON(f.Data))
	if err != nil {
		return fmt.Errorf("failed to insert finding: %w", err)
	}
	return nil
}

// ListFindings returns a task's findings, newest first.
func (s *Store) ListFindings(ctx context.Context, taskID string, limit int) ([]models.FindingEvent, error) {
	q := `SELECT * FROM agent_findings WHERE task_id = ? ORDER BY timestamp DESC`
	args := []any{taskID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []findingRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	out := make([]models.FindingEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ListAgentFindings returns one agent's findings in append order.
func (s *Store) ListAgentFindings(ctx context.Context, taskID, agentID string) ([]models.FindingEvent, error) {
	var rows []findingRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM agent_findings WHERE task_id = ? AND agent_id = ? ORDER BY timestamp`,
		taskID, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent findings: %w", err)
	}
	out := make([]models.FindingEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ListPhaseFindings returns all findings reported in one phase.
func (s *Store) ListPhaseFindings(ctx context.Context, taskID string, phaseIndex int) ([]models.FindingEvent, error) {
	var rows []findingRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM agent_findings WHERE task_id = ? AND phase_index = ? ORDER BY timestamp`,
		taskID, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to list phase findings: %w", err)
	}
	out := make([]models.FindingEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// TopPriorityFindings returns critical and high findings from phases before
// the given index, critical first, most recent phase first, capped at limit.
func (s *Store) TopPriorityFindings(ctx context.Context, taskID string, beforePhase, limit int) ([]models.FindingEvent, error) {
	var rows []findingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM agent_findings
		WHERE task_id = ? AND phase_index < ? AND phase_index >= 0
		  AND severity IN ('critical', 'high')
		ORDER BY CASE severity WHEN 'critical' THEN 0 ELSE 1 END,
		         phase_index DESC, timestamp DESC
		LIMIT ?`,
		taskID, beforePhase, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query priority findings: %w", err)
	}
	out := make([]models.FindingEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ActiveBlockers returns the messages of blocker findings not yet resolved
// by a solution finding with the same message.
func (s *Store) ActiveBlockers(ctx context.Context, taskID string) ([]string, error) {
	var rows []findingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM agent_findings
		WHERE task_id = ? AND finding_type = 'blocker'
		  AND message NOT IN (
		    SELECT message FROM agent_findings
		    WHERE task_id = ? AND finding_type = 'solution')
		ORDER BY timestamp DESC`,
		taskID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query blockers: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Message.String)
	}
	return out, nil
}

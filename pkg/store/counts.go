package store

import (
	"context"
	"fmt"

	"github.com/agentmux/agentmux/pkg/models"
)

// ActiveCounts is a point-in-time view of workspace-wide activity.
type ActiveCounts struct {
	ActiveTasks  int `json:"active_tasks"`
	ActiveAgents int `json:"active_agents"`
	TotalTasks   int `json:"total_tasks"`
	TotalAgents  int `json:"total_agents"`
}

// TaskCounts is a point-in-time view of one task's agents.
type TaskCounts struct {
	Active   int `json:"active"`
	Terminal int `json:"terminal"`
	Total    int `json:"total"`
}

// PhaseAgentCounts splits one phase's agents by terminality.
type PhaseAgentCounts struct {
	Active   int `json:"active"`
	Terminal int `json:"terminal"`
	Total    int `json:"total"`
}

const activeStatusList = `('running','working','blocked','reviewing')`

// GetActiveCounts returns workspace-wide aggregates.
func (s *Store) GetActiveCounts(ctx context.Context) (*ActiveCounts, error) {
	var c ActiveCounts
	err := s.db.GetContext(ctx, &c.TotalTasks, `SELECT COUNT(*) FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	err = s.db.GetContext(ctx, &c.ActiveTasks,
		`SELECT COUNT(*) FROM tasks WHERE status IN ('INITIALIZED','ACTIVE')`)
	if err != nil {
		return nil, fmt.Errorf("failed to count active tasks: %w", err)
	}
	err = s.db.GetContext(ctx, &c.TotalAgents, `SELECT COUNT(*) FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}
	err = s.db.GetContext(ctx, &c.ActiveAgents,
		`SELECT COUNT(*) FROM agents WHERE status IN `+activeStatusList)
	if err != nil {
		return nil, fmt.Errorf("failed to count active agents: %w", err)
	}
	return &c, nil
}

// GetTaskCounts returns one task's agent aggregates.
func (s *Store) GetTaskCounts(ctx context.Context, taskID string) (*TaskCounts, error) {
	var c TaskCounts
	err := s.db.GetContext(ctx, &c.Total,
		`SELECT COUNT(*) FROM agents WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to count task agents: %w", err)
	}
	err = s.db.GetContext(ctx, &c.Active,
		`SELECT COUNT(*) FROM agents WHERE task_id = ? AND status IN `+activeStatusList, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active task agents: %w", err)
	}
	c.Terminal = c.Total - c.Active
	return &c, nil
}

// GetPhaseAgentCounts returns the agent aggregates of one phase.
func (s *Store) GetPhaseAgentCounts(ctx context.Context, taskID string, phaseIndex int) (*PhaseAgentCounts, error) {
	var c PhaseAgentCounts
	err := s.db.GetContext(ctx, &c.Total,
		`SELECT COUNT(*) FROM agents WHERE task_id = ? AND phase_index = ?`, taskID, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to count phase agents: %w", err)
	}
	err = s.db.GetContext(ctx, &c.Active,
		`SELECT COUNT(*) FROM agents WHERE task_id = ? AND phase_index = ? AND status IN `+activeStatusList,
		taskID, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to count active phase agents: %w", err)
	}
	c.Terminal = c.Total - c.Active
	return &c, nil
}

// StatusDistribution maps canonical agent statuses to counts across the
// workspace, with raw values normalized first.
func (s *Store) StatusDistribution(ctx context.Context) (map[models.AgentStatus]int, error) {
	var rows []struct {
		Status   string `db:"status"`
		Progress *int   `db:"progress"`
		N        int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT status, progress, COUNT(*) AS n FROM agents GROUP BY status, progress`)
	if err != nil {
		return nil, fmt.Errorf("failed to query status distribution: %w", err)
	}
	dist := make(map[models.AgentStatus]int)
	for _, r := range rows {
		dist[models.DisplayStatus(models.NormalizeAgentStatus(r.Status, r.Progress))] += r.N
	}
	return dist, nil
}

package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/output"
	"github.com/agentmux/agentmux/pkg/store"
)

// TaskSnapshot is the get_task_status response: the task with its phases,
// agents (statuses normalized from the latest progress rows), and reviews.
type TaskSnapshot struct {
	Task    *models.Task        `json:"task"`
	Phases  []*models.Phase     `json:"phases"`
	Agents  []*models.Agent     `json:"agents"`
	Reviews []*ReviewStatus     `json:"reviews,omitempty"`
	Context *models.TaskContext `json:"context,omitempty"`
}

// GetTaskStatus assembles the full task snapshot.
func (o *Orchestrator) GetTaskStatus(ctx context.Context, taskID string) (*TaskSnapshot, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	phases, err := o.store.ListPhases(ctx, taskID)
	if err != nil {
		return nil, err
	}
	agents, err := o.store.ListAgents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		a.Status = o.normalizedStatus(ctx, taskID, a)
	}

	snap := &TaskSnapshot{Task: task, Phases: phases, Agents: agents}

	if tc, err := o.store.GetTaskContext(ctx, taskID); err == nil {
		snap.Context = tc
	}
	for _, p := range phases {
		review, err := o.store.LatestReviewForPhase(ctx, taskID, p.PhaseIndex)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		verdicts, err := o.store.ListVerdicts(ctx, review.ReviewID)
		if err != nil {
			return nil, err
		}
		snap.Reviews = append(snap.Reviews, &ReviewStatus{Review: review, Verdicts: verdicts})
	}
	return snap, nil
}

// normalizedStatus reconciles the agent row with the latest progress row,
// mapping raw writer values onto the canonical status set.
func (o *Orchestrator) normalizedStatus(ctx context.Context, taskID string, a *models.Agent) models.AgentStatus {
	latest, err := o.store.LatestProgress(ctx, taskID, a.AgentID)
	if err != nil {
		return models.DisplayStatus(models.NormalizeAgentStatus(string(a.Status), &a.Progress))
	}
	return models.DisplayStatus(models.NormalizeAgentStatus(string(latest.Status), &latest.Progress))
}

// ListTasks merges the per-workspace store with the global index and
// returns tasks sorted by creation time.
func (o *Orchestrator) ListTasks(ctx context.Context, f store.TaskFilters) ([]*models.Task, error) {
	tasks, err := o.store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	if o.global == nil {
		return tasks, nil
	}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		seen[t.TaskID] = true
	}
	indexed, err := o.global.ListIndexedTasks(ctx, 0)
	if err != nil {
		return tasks, nil
	}
	for _, it := range indexed {
		if seen[it.TaskID] || it.WorkspaceBase == o.cfg.WorkspaceBase {
			continue
		}
		if f.Status != "" && string(f.Status) != it.Status {
			continue
		}
		tasks = append(tasks, &models.Task{
			TaskID:        it.TaskID,
			Status:        models.TaskStatus(it.Status),
			Workspace:     it.Workspace,
			WorkspaceBase: it.WorkspaceBase,
		})
	}
	// Task IDs encode creation time; newest first.
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].TaskID > tasks[j-1].TaskID; j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
	if f.Limit > 0 && len(tasks) > f.Limit {
		tasks = tasks[:f.Limit]
	}
	return tasks, nil
}

// GetPhase returns one phase.
func (o *Orchestrator) GetPhase(ctx context.Context, taskID string, phaseIndex int) (*models.Phase, error) {
	return o.store.GetPhase(ctx, taskID, phaseIndex)
}

// GetPhaseAgentCounts returns one phase's agent aggregates.
func (o *Orchestrator) GetPhaseAgentCounts(ctx context.Context, taskID string, phaseIndex int) (*store.PhaseAgentCounts, error) {
	return o.store.GetPhaseAgentCounts(ctx, taskID, phaseIndex)
}

// GetAgent returns one agent with normalized status.
func (o *Orchestrator) GetAgent(ctx context.Context, taskID, agentID string) (*models.Agent, error) {
	a, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.TaskID != taskID {
		return nil, store.ErrNotFound
	}
	a.Status = o.normalizedStatus(ctx, taskID, a)
	return a, nil
}

// GetAgentProgress reads the agent's progress history from the JSONL
// audit trail, falling back to the latest materialized row when the file
// is gone (archived after cleanup).
func (o *Orchestrator) GetAgentProgress(ctx context.Context, taskID, agentID string) ([]models.ProgressEvent, error) {
	a, err := o.GetAgent(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	if a.Tracked.Progress != "" {
		if history, err := readProgressHistory(a.Tracked.Progress); err == nil && len(history) > 0 {
			return history, nil
		}
	}
	latest, err := o.store.LatestProgress(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	return []models.ProgressEvent{*latest}, nil
}

func readProgressHistory(path string) ([]models.ProgressEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []models.ProgressEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev models.ProgressEvent
		if json.Unmarshal([]byte(line), &ev) == nil {
			out = append(out, ev)
		}
	}
	return out, sc.Err()
}

// GetAgentFindings returns the agent's findings.
func (o *Orchestrator) GetAgentFindings(ctx context.Context, taskID, agentID string) ([]models.FindingEvent, error) {
	if _, err := o.GetAgent(ctx, taskID, agentID); err != nil {
		return nil, err
	}
	return o.store.ListAgentFindings(ctx, taskID, agentID)
}

// GetAgentOutput reads the agent's stream log with smart truncation.
func (o *Orchestrator) GetAgentOutput(ctx context.Context, taskID, agentID string, opts output.Options) (*output.Result, error) {
	a, err := o.GetAgent(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	if a.Tracked.StreamLog == "" {
		return nil, store.ErrNotFound
	}
	res, err := output.Read(a.Tracked.StreamLog, opts)
	if err != nil {
		return nil, store.ErrNotFound
	}
	return res, nil
}

// DashboardSummary is the get_dashboard_summary response.
type DashboardSummary struct {
	Counts             *store.ActiveCounts            `json:"counts"`
	RecentTasks        []*models.Task                 `json:"recent_tasks"`
	ActiveAgents       []*models.Agent                `json:"active_agents"`
	StatusDistribution map[models.AgentStatus]int     `json:"status_distribution"`
}

// GetDashboardSummary aggregates global counts, recent tasks, active
// agents, and the status distribution.
func (o *Orchestrator) GetDashboardSummary(ctx context.Context) (*DashboardSummary, error) {
	counts, err := o.store.GetActiveCounts(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := o.store.ListTasks(ctx, store.TaskFilters{Limit: 10})
	if err != nil {
		return nil, err
	}
	active, err := o.store.ListActiveAgents(ctx)
	if err != nil {
		return nil, err
	}
	dist, err := o.store.StatusDistribution(ctx)
	if err != nil {
		return nil, err
	}
	return &DashboardSummary{
		Counts:             counts,
		RecentTasks:        recent,
		ActiveAgents:       active,
		StatusDistribution: dist,
	}, nil
}

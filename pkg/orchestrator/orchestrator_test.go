package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/handover"
	"github.com/agentmux/agentmux/pkg/lifecycle"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/phase"
	"github.com/agentmux/agentmux/pkg/proc"
	"github.com/agentmux/agentmux/pkg/registry"
	"github.com/agentmux/agentmux/pkg/review"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/tmux"
)

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := config.Defaults()
	cfg.WorkspaceBase = t.TempDir()
	cfg.Cleanup.StabilityWait = 0

	s, err := store.Open(context.Background(), cfg.WorkspaceBase)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	global, err := store.OpenGlobalIndex(context.Background(),
		filepath.Join(t.TempDir(), "global_registry.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = global.Close() })

	bus := events.NewBus()
	reg := &registry.Store{}
	engine := phase.NewEngine(s)
	agents := lifecycle.NewManager(cfg, s, reg, tmux.NewFake(), proc.NewFakeProber(), engine, bus)
	reviews := review.NewService(cfg, s, agents, engine, handover.NewGenerator(s), bus)
	agents.SetPhaseReviewHook(reviews.TriggerAutoReview)

	return New(cfg, s, global, reg, agents, engine, reviews, bus)
}

func TestCreateTask_Validation(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()

	_, err := o.CreateTask(ctx, CreateTaskRequest{Description: "too short"})
	assert.True(t, store.IsValidationError(err))

	_, err = o.CreateTask(ctx, CreateTaskRequest{
		Description: strings.Repeat("x", maxDescriptionLen+1),
	})
	assert.True(t, store.IsValidationError(err))

	_, err = o.CreateTask(ctx, CreateTaskRequest{
		Description: "a perfectly reasonable task description",
		Priority:    "P9",
	})
	assert.True(t, store.IsValidationError(err))
}

func TestCreateTask_DefaultsAndLayout(t *testing.T) {
	o := newOrchestrator(t)
	task, err := o.CreateTask(context.Background(), CreateTaskRequest{
		Description: "investigate the flaky login tests",
	})
	require.NoError(t, err)

	assert.True(t, models.ValidTaskID(task.TaskID))
	assert.Equal(t, models.PriorityP2, task.Priority)
	assert.Equal(t, models.TaskInitialized, task.Status)
	assert.Equal(t, models.DefaultMaxAgents, task.Limits.MaxAgents)

	snap, err := o.GetTaskStatus(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Len(t, snap.Phases, 1)
	assert.Equal(t, models.PhaseActive, snap.Phases[0].Status)
}

// Scenario: while auto-review owns the phase, approve_phase and
// reject_phase return manual_approval_blocked without mutating state.
func TestManualApprovalBlocked(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, CreateTaskRequest{
		Description: "two phase task for manual gate testing",
		Phases:      []models.PhaseSpec{{Name: "P0"}, {Name: "P1"}},
	})
	require.NoError(t, err)

	res, err := o.DeployAgent(ctx, task.TaskID, "worker", "do the thing", "")
	require.NoError(t, err)
	require.NoError(t, o.UpdateAgentProgress(ctx, task.TaskID, res.AgentID,
		models.AgentCompleted, "work finished and verified", 100))

	// The phase is now UNDER_REVIEW with an auto-spawned review.
	err = o.ApprovePhase(ctx, task.TaskID)
	assert.ErrorIs(t, err, store.ErrManualApprovalBlocked)
	err = o.RejectPhase(ctx, task.TaskID)
	assert.ErrorIs(t, err, store.ErrManualApprovalBlocked)

	p, err := o.GetPhase(ctx, task.TaskID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseUnderReview, p.Status)
}

func TestGetTaskStatus_NormalizesAgentStatus(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, CreateTaskRequest{
		Description: "normalization check task description",
	})
	require.NoError(t, err)
	res, err := o.DeployAgent(ctx, task.TaskID, "worker", "work", "")
	require.NoError(t, err)

	snap, err := o.GetTaskStatus(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, res.AgentID, snap.Agents[0].AgentID)
	assert.Equal(t, models.AgentRunning, snap.Agents[0].Status)
}

func TestGetHandoverContext_RendersPreamble(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, CreateTaskRequest{
		Description: "context rendering task description",
		Phases: []models.PhaseSpec{{
			Name:         "Investigation",
			Deliverables: []string{"root cause report"},
		}},
	})
	require.NoError(t, err)

	rendered, err := o.GetHandoverContext(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Contains(t, rendered, "context rendering task description")
	assert.Contains(t, rendered, "root cause report")
}

func TestSubmitPhaseHandover_Validation(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()

	err := o.SubmitPhaseHandover(ctx, &models.Handover{FromPhaseIndex: 0})
	assert.True(t, store.IsValidationError(err))

	err = o.SubmitPhaseHandover(ctx, &models.Handover{
		TaskID:  "TASK-20250101-000000-deadbeef",
		Summary: "handwritten summary",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListTasks_NewestFirst(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := o.CreateTask(ctx, CreateTaskRequest{
			Description: "one of several ordering test tasks",
		})
		require.NoError(t, err)
	}
	tasks, err := o.ListTasks(ctx, store.TaskFilters{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i := 1; i < len(tasks); i++ {
		assert.GreaterOrEqual(t, tasks[i-1].TaskID, tasks[i].TaskID)
	}
}

func TestDashboardSummary(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, CreateTaskRequest{
		Description: "dashboard summary coverage task",
	})
	require.NoError(t, err)
	_, err = o.DeployAgent(ctx, task.TaskID, "worker", "work", "")
	require.NoError(t, err)

	summary, err := o.GetDashboardSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts.ActiveAgents)
	assert.Len(t, summary.RecentTasks, 1)
	assert.Equal(t, 1, summary.StatusDistribution[models.AgentRunning])
}

package lifecycle

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/phase"
	"github.com/agentmux/agentmux/pkg/proc"
	"github.com/agentmux/agentmux/pkg/registry"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/tmux"
	"github.com/agentmux/agentmux/pkg/workspace"
)

type harness struct {
	cfg    *config.Config
	store  *store.Store
	mux    *tmux.Fake
	prober *proc.FakeProber
	mgr    *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.WorkspaceBase = t.TempDir()
	cfg.Cleanup.StabilityWait = 0

	s, err := store.Open(context.Background(), cfg.WorkspaceBase)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mux := tmux.NewFake()
	prober := proc.NewFakeProber()
	engine := phase.NewEngine(s)
	mgr := NewManager(cfg, s, &registry.Store{}, mux, prober, engine, events.NewBus())

	return &harness{cfg: cfg, store: s, mux: mux, prober: prober, mgr: mgr}
}

func (h *harness) createTask(t *testing.T, limits models.TaskLimits, phases ...string) string {
	t.Helper()
	if len(phases) == 0 {
		phases = []string{"Execution"}
	}
	specs := make([]models.PhaseSpec, len(phases))
	for i, name := range phases {
		specs[i] = models.PhaseSpec{Name: name}
	}
	taskID := models.NewTaskID(time.Now())
	ws, err := workspace.CreateTaskDirs(h.cfg.WorkspaceBase, taskID)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateTask(context.Background(), &models.Task{
		TaskID:        taskID,
		Description:   "lifecycle test task",
		Workspace:     ws,
		WorkspaceBase: h.cfg.WorkspaceBase,
		Limits:        limits,
		CreatedAt:     time.Now(),
	}, specs, nil))
	return taskID
}

func defaultLimits() models.TaskLimits {
	return models.TaskLimits{MaxAgents: 10, MaxConcurrent: 5, MaxDepth: 3}
}

func TestSpawn_RegistersAgentAndSession(t *testing.T) {
	h := newHarness(t)
	taskID := h.createTask(t, defaultLimits())

	res, err := h.mgr.Spawn(context.Background(), SpawnRequest{
		TaskID:       taskID,
		AgentType:    "investigator",
		Instructions: "find the bug",
	})
	require.NoError(t, err)
	assert.True(t, models.ValidAgentID(res.AgentID))
	assert.Equal(t, 0, res.PhaseIndex)
	assert.Equal(t, 1, h.mux.Count())

	agent, err := h.store.GetAgent(context.Background(), res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentRunning, agent.Status)
	assert.Equal(t, models.ParentOrchestrator, agent.Parent)
	assert.Equal(t, 1, agent.Depth)

	// The prompt file exists and embeds the reporting protocol.
	data, err := os.ReadFile(agent.Tracked.PromptFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "update_agent_progress")
	assert.Contains(t, string(data), "find the bug")

	task, err := h.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskActive, task.Status)
}

func TestSpawn_MaxConcurrentEnforced(t *testing.T) {
	h := newHarness(t)
	limits := defaultLimits()
	limits.MaxConcurrent = 2
	taskID := h.createTask(t, limits)

	for i := 0; i < 2; i++ {
		_, err := h.mgr.Spawn(context.Background(), SpawnRequest{
			TaskID: taskID, AgentType: "builder",
		})
		require.NoError(t, err)
	}

	_, err := h.mgr.Spawn(context.Background(), SpawnRequest{
		TaskID: taskID, AgentType: "builder",
	})
	assert.ErrorIs(t, err, store.ErrLimitExceeded)

	// No partial state: still exactly 2 agents and 2 sessions.
	counts, err := h.store.GetTaskCounts(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Total)
	assert.Equal(t, 2, h.mux.Count())
}

func TestSpawn_DepthLimit(t *testing.T) {
	h := newHarness(t)
	limits := defaultLimits()
	limits.MaxDepth = 1
	taskID := h.createTask(t, limits)

	parent, err := h.mgr.Spawn(context.Background(), SpawnRequest{
		TaskID: taskID, AgentType: "builder",
	})
	require.NoError(t, err)

	_, err = h.mgr.Spawn(context.Background(), SpawnRequest{
		TaskID: taskID, AgentType: "helper", Parent: parent.AgentID,
	})
	assert.ErrorIs(t, err, store.ErrLimitExceeded)
}

func TestSpawn_RollbackOnSessionFailure(t *testing.T) {
	h := newHarness(t)
	taskID := h.createTask(t, defaultLimits())
	h.mux.FailCreate = errors.New("tmux exploded")

	_, err := h.mgr.Spawn(context.Background(), SpawnRequest{
		TaskID: taskID, AgentType: "builder",
	})
	require.Error(t, err)

	counts, err := h.store.GetTaskCounts(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total)
}

func TestSpawn_RequiresActivePhase(t *testing.T) {
	h := newHarness(t)
	taskID := h.createTask(t, defaultLimits())

	// Drive phase 0 out of ACTIVE.
	res, err := h.mgr.Spawn(context.Background(), SpawnRequest{TaskID: taskID, AgentType: "w"})
	require.NoError(t, err)
	require.NoError(t, h.mgr.UpdateProgress(context.Background(), taskID, res.AgentID,
		models.AgentCompleted, "done with everything here", 100))

	_, err = h.mgr.Spawn(context.Background(), SpawnRequest{TaskID: taskID, AgentType: "w2"})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	// Reviewers bypass the precondition.
	_, err = h.mgr.Spawn(context.Background(), SpawnRequest{
		TaskID: taskID, AgentType: "reviewer", Reviewer: true,
	})
	assert.NoError(t, err)
}

func TestUpdateProgress_TerminalTriggersPhaseHook(t *testing.T) {
	h := newHarness(t)
	taskID := h.createTask(t, defaultLimits())

	var hookTask string
	var hookPhase int
	h.mgr.SetPhaseReviewHook(func(_ context.Context, taskID string, phaseIndex int) {
		hookTask = taskID
		hookPhase = phaseIndex
	})

	res, err := h.mgr.Spawn(context.Background(), SpawnRequest{TaskID: taskID, AgentType: "w"})
	require.NoError(t, err)

	require.NoError(t, h.mgr.UpdateProgress(context.Background(), taskID, res.AgentID,
		models.AgentWorking, "halfway", 50))
	assert.Empty(t, hookTask)

	require.NoError(t, h.mgr.UpdateProgress(context.Background(), taskID, res.AgentID,
		models.AgentCompleted, "verified the fix end to end", 100))
	assert.Equal(t, taskID, hookTask)
	assert.Equal(t, 0, hookPhase)

	p, err := h.store.GetPhase(context.Background(), taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseAwaitingReview, p.Status)
}

func TestUpdateProgress_AppendsJSONL(t *testing.T) {
	h := newHarness(t)
	taskID := h.createTask(t, defaultLimits())

	res, err := h.mgr.Spawn(context.Background(), SpawnRequest{TaskID: taskID, AgentType: "w"})
	require.NoError(t, err)
	require.NoError(t, h.mgr.UpdateProgress(context.Background(), taskID, res.AgentID,
		models.AgentWorking, "first", 10))
	require.NoError(t, h.mgr.UpdateProgress(context.Background(), taskID, res.AgentID,
		models.AgentWorking, "second", 20))

	agent, err := h.store.GetAgent(context.Background(), res.AgentID)
	require.NoError(t, err)
	data, err := os.ReadFile(agent.Tracked.Progress)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"first"`)
	assert.Contains(t, string(data), `"second"`)
}

func TestUpdateProgress_UnknownAgent(t *testing.T) {
	h := newHarness(t)
	taskID := h.createTask(t, defaultLimits())

	err := h.mgr.UpdateProgress(context.Background(), taskID, "ghost-000000-abcdef",
		models.AgentWorking, "hello", 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReportFinding_Validation(t *testing.T) {
	h := newHarness(t)
	taskID := h.createTask(t, defaultLimits())
	res, err := h.mgr.Spawn(context.Background(), SpawnRequest{TaskID: taskID, AgentType: "w"})
	require.NoError(t, err)

	err = h.mgr.ReportFinding(context.Background(), taskID, res.AgentID,
		"bogus", models.SeverityHigh, "whatever", nil)
	assert.True(t, store.IsValidationError(err))

	err = h.mgr.ReportFinding(context.Background(), taskID, res.AgentID,
		models.FindingBlocker, models.SeverityCritical, "db unreachable", nil)
	require.NoError(t, err)

	findings, err := h.store.ListAgentFindings(context.Background(), taskID, res.AgentID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, 0, findings[0].PhaseIndex)
}

func TestKill_CleansUpAndCounts(t *testing.T) {
	h := newHarness(t)
	taskID := h.createTask(t, defaultLimits())
	res, err := h.mgr.Spawn(context.Background(), SpawnRequest{TaskID: taskID, AgentType: "w"})
	require.NoError(t, err)

	require.NoError(t, h.mgr.Kill(context.Background(), taskID, res.AgentID, "operator request"))

	agent, err := h.store.GetAgent(context.Background(), res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentTerminated, agent.Status)
	assert.Equal(t, 0, h.mux.Count())

	// Prompt file removed during cleanup.
	_, statErr := os.Stat(agent.Tracked.PromptFile)
	assert.True(t, os.IsNotExist(statErr))

	task, err := h.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, 0, task.ActiveCount)
}

func TestCleanup_EscalatesToSigkill(t *testing.T) {
	h := newHarness(t)
	taskID := h.createTask(t, defaultLimits())
	res, err := h.mgr.Spawn(context.Background(), SpawnRequest{TaskID: taskID, AgentType: "w"})
	require.NoError(t, err)

	agent, err := h.store.GetAgent(context.Background(), res.AgentID)
	require.NoError(t, err)

	// A stubborn process carries the agent id and the LLM binary name.
	h.prober.SetCmdline(4242, "claude -p "+res.AgentID)

	task, err := h.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	cleanup := h.mgr.CleanupResources(context.Background(), task, agent)

	assert.True(t, cleanup.EscalatedToSigkill)
	assert.Contains(t, h.prober.Killed(), 4242)
}

func TestCompletionValidation_RecordsWarnings(t *testing.T) {
	h := newHarness(t)
	taskID := h.createTask(t, defaultLimits())
	res, err := h.mgr.Spawn(context.Background(), SpawnRequest{TaskID: taskID, AgentType: "w"})
	require.NoError(t, err)

	// Immediate completion with a suspicious message: low confidence,
	// but the completion itself is accepted.
	require.NoError(t, h.mgr.UpdateProgress(context.Background(), taskID, res.AgentID,
		models.AgentCompleted, "should work, untested", 100))

	agent, err := h.store.GetAgent(context.Background(), res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentCompleted, agent.Status)
	require.NotNil(t, agent.Validation)
	assert.Less(t, agent.Validation.Confidence, 1.0)
	assert.NotEmpty(t, agent.Validation.Warnings)
}

package review

import (
	"context"
	"os"
	"testing"
	"time"

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
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/tmux"
	"github.com/agentmux/agentmux/pkg/workspace"
)

type harness struct {
	cfg    *config.Config
	store  *store.Store
	mux    *tmux.Fake
	agents *lifecycle.Manager
	svc    *Service
	taskID string
}

// newHarness builds the full loop: lifecycle manager wired to the review
// service through the phase hook, as in production.
func newHarness(t *testing.T, phases ...string) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.WorkspaceBase = t.TempDir()
	cfg.Cleanup.StabilityWait = 0

	s, err := store.Open(context.Background(), cfg.WorkspaceBase)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mux := tmux.NewFake()
	engine := phase.NewEngine(s)
	bus := events.NewBus()
	agents := lifecycle.NewManager(cfg, s, &registry.Store{}, mux, proc.NewFakeProber(), engine, bus)
	gen := handover.NewGenerator(s)
	svc := NewService(cfg, s, agents, engine, gen, bus)
	agents.SetPhaseReviewHook(svc.TriggerAutoReview)

	if len(phases) == 0 {
		phases = []string{"Investigation", "Build"}
	}
	specs := make([]models.PhaseSpec, len(phases))
	for i, name := range phases {
		specs[i] = models.PhaseSpec{Name: name, Deliverables: []string{name + " output"}}
	}
	taskID := models.NewTaskID(time.Now())
	ws, err := workspace.CreateTaskDirs(cfg.WorkspaceBase, taskID)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(context.Background(), &models.Task{
		TaskID:        taskID,
		Description:   "review subsystem test task",
		Workspace:     ws,
		WorkspaceBase: cfg.WorkspaceBase,
		Limits:        models.TaskLimits{MaxAgents: 20, MaxConcurrent: 10, MaxDepth: 3},
		CreatedAt:     time.Now(),
	}, specs, nil))

	return &harness{cfg: cfg, store: s, mux: mux, agents: agents, svc: svc, taskID: taskID}
}

// runPhaseToReview spawns n workers and completes them, driving the phase
// into UNDER_REVIEW with reviewers spawned. Returns the active review.
func (h *harness) runPhaseToReview(t *testing.T, n int) *models.Review {
	t.Helper()
	ctx := context.Background()
	var workers []string
	for i := 0; i < n; i++ {
		res, err := h.agents.Spawn(ctx, lifecycle.SpawnRequest{
			TaskID: h.taskID, AgentType: "investigator",
		})
		require.NoError(t, err)
		workers = append(workers, res.AgentID)
	}
	for _, id := range workers {
		require.NoError(t, h.agents.UpdateProgress(ctx, h.taskID, id,
			models.AgentCompleted, "investigation finished with evidence", 100))
	}

	task, err := h.store.GetTask(ctx, h.taskID)
	require.NoError(t, err)
	review, err := h.store.LatestReviewForPhase(ctx, h.taskID, task.CurrentPhaseIndex)
	require.NoError(t, err)
	return review
}

func TestAutoReview_SpawnsReviewersAtMinusOne(t *testing.T) {
	h := newHarness(t)
	review := h.runPhaseToReview(t, 2)

	assert.Equal(t, models.ReviewInProgress, review.Status)
	assert.True(t, review.AutoSpawned)
	assert.Len(t, review.ReviewerAgentIDs, 2)

	p, err := h.store.GetPhase(context.Background(), h.taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseUnderReview, p.Status)

	for _, id := range review.ReviewerAgentIDs {
		reviewer, err := h.store.GetAgent(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.ReviewerPhaseIndex, reviewer.PhaseIndex)
	}
}

// Scenario: two reviewers approve; the phase advances and a handover is
// generated.
func TestTwoPhaseApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	review := h.runPhaseToReview(t, 2)

	for _, id := range review.ReviewerAgentIDs {
		require.NoError(t, h.svc.SubmitVerdict(ctx, review.ReviewID, id,
			models.VerdictApproved, nil, "looks solid"))
	}

	p0, err := h.store.GetPhase(ctx, h.taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseApproved, p0.Status)

	p1, err := h.store.GetPhase(ctx, h.taskID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseActive, p1.Status)

	task, err := h.store.GetTask(ctx, h.taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.CurrentPhaseIndex)

	// Handover persisted in the store and on disk.
	hand, err := h.store.GetHandover(ctx, h.taskID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, hand.Summary)
	_, statErr := os.Stat(workspace.HandoverPath(
		workspace.TaskDir(h.cfg.WorkspaceBase, h.taskID), 0))
	assert.NoError(t, statErr)
}

// Scenario: rejection moves the phase into revision and the blocker
// surfaces in the next agent's accumulated context.
func TestRejectionAndRevision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	review := h.runPhaseToReview(t, 2)

	blocker := []models.FindingEvent{{
		Type:     models.FindingBlocker,
		Severity: models.SeverityCritical,
		Message:  "tests fail",
	}}
	require.NoError(t, h.svc.SubmitVerdict(ctx, review.ReviewID,
		review.ReviewerAgentIDs[0], models.VerdictRejected, blocker, "cannot ship"))
	require.NoError(t, h.svc.SubmitVerdict(ctx, review.ReviewID,
		review.ReviewerAgentIDs[1], models.VerdictRejected, nil, ""))

	p0, err := h.store.GetPhase(ctx, h.taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRevising, p0.Status)

	// A fix agent spawned into the revising phase sees the rejection.
	res, err := h.agents.Spawn(ctx, lifecycle.SpawnRequest{
		TaskID: h.taskID, AgentType: "fixer",
	})
	require.NoError(t, err)
	agent, err := h.store.GetAgent(ctx, res.AgentID)
	require.NoError(t, err)
	data, err := os.ReadFile(agent.Tracked.PromptFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "PHASE WAS REJECTED")
	assert.Contains(t, string(data), "tests fail")
}

func TestNeedsRevision_TreatedAsRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	review := h.runPhaseToReview(t, 1)

	require.NoError(t, h.svc.SubmitVerdict(ctx, review.ReviewID,
		review.ReviewerAgentIDs[0], models.VerdictApproved, nil, ""))
	require.NoError(t, h.svc.SubmitVerdict(ctx, review.ReviewID,
		review.ReviewerAgentIDs[1], models.VerdictNeedsRevision, nil, "polish needed"))

	loaded, _, err := h.store.GetReview(ctx, review.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictRejected, loaded.FinalVerdict)

	p0, err := h.store.GetPhase(ctx, h.taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRevising, p0.Status)
}

// Scenario: one verdict in, the other reviewer dies; partial finalization
// completes the review on the submitted set.
func TestPartialFinalization_WithVerdict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	review := h.runPhaseToReview(t, 1)

	require.NoError(t, h.svc.SubmitVerdict(ctx, review.ReviewID,
		review.ReviewerAgentIDs[0], models.VerdictApproved, nil, "fine by me"))

	// Reviewer 2 dies before submitting.
	_, err := h.store.MarkAgentTerminal(ctx, review.ReviewerAgentIDs[1],
		models.AgentFailed, "tmux_session_dead", false)
	require.NoError(t, err)

	require.NoError(t, h.svc.FinalizePartial(ctx, review.ReviewID, review.ReviewerAgentIDs[1]))

	loaded, _, err := h.store.GetReview(ctx, review.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewCompleted, loaded.Status)
	assert.Equal(t, models.VerdictApproved, loaded.FinalVerdict)

	p0, err := h.store.GetPhase(ctx, h.taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseApproved, p0.Status)
}

func TestPartialFinalization_AllDeadEscalates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	review := h.runPhaseToReview(t, 1)

	for _, id := range review.ReviewerAgentIDs {
		_, err := h.store.MarkAgentTerminal(ctx, id, models.AgentFailed, "tmux_session_dead", false)
		require.NoError(t, err)
	}
	require.NoError(t, h.svc.FinalizePartial(ctx, review.ReviewID, review.ReviewerAgentIDs[0]))

	loaded, _, err := h.store.GetReview(ctx, review.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewFailed, loaded.Status)

	p0, err := h.store.GetPhase(ctx, h.taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEscalated, p0.Status)
	assert.NotEmpty(t, p0.EscalationReason)
}

func TestPartialFinalization_NoVerdictLiveReviewerWaits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	review := h.runPhaseToReview(t, 1)

	// Only one reviewer dies; the other is still working, so nothing
	// finalizes.
	_, err := h.store.MarkAgentTerminal(ctx, review.ReviewerAgentIDs[0],
		models.AgentFailed, "tmux_session_dead", false)
	require.NoError(t, err)
	require.NoError(t, h.svc.FinalizePartial(ctx, review.ReviewID, review.ReviewerAgentIDs[0]))

	loaded, _, err := h.store.GetReview(ctx, review.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewInProgress, loaded.Status)
}

func TestSubmitVerdict_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	review := h.runPhaseToReview(t, 1)

	err := h.svc.SubmitVerdict(ctx, review.ReviewID, "stranger-000000-abcdef",
		models.VerdictApproved, nil, "")
	assert.True(t, store.IsValidationError(err))

	err = h.svc.SubmitVerdict(ctx, review.ReviewID, review.ReviewerAgentIDs[0],
		"maybe", nil, "")
	assert.True(t, store.IsValidationError(err))

	require.NoError(t, h.svc.SubmitVerdict(ctx, review.ReviewID,
		review.ReviewerAgentIDs[0], models.VerdictApproved, nil, ""))
	err = h.svc.SubmitVerdict(ctx, review.ReviewID, review.ReviewerAgentIDs[0],
		models.VerdictApproved, nil, "")
	assert.True(t, store.IsValidationError(err))
}

func TestManualApprovalAllowed_BlockedDuringAutoReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	review := h.runPhaseToReview(t, 1)

	allowed, reviewID, err := h.svc.ManualApprovalAllowed(ctx, h.taskID, 0)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, review.ReviewID, reviewID)

	// Once the review completes, manual control returns.
	for _, id := range review.ReviewerAgentIDs {
		require.NoError(t, h.svc.SubmitVerdict(ctx, review.ReviewID, id,
			models.VerdictApproved, nil, ""))
	}
	allowed, _, err = h.svc.ManualApprovalAllowed(ctx, h.taskID, 0)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestApproval_LastPhaseCompletesTask(t *testing.T) {
	h := newHarness(t, "OnlyPhase")
	ctx := context.Background()
	review := h.runPhaseToReview(t, 1)

	for _, id := range review.ReviewerAgentIDs {
		require.NoError(t, h.svc.SubmitVerdict(ctx, review.ReviewID, id,
			models.VerdictApproved, nil, ""))
	}

	task, err := h.store.GetTask(ctx, h.taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
}

package phase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/store"
)

func setup(t *testing.T, phases ...string) (*Engine, *store.Store, string) {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	if len(phases) == 0 {
		phases = []string{"P0"}
	}
	specs := make([]models.PhaseSpec, len(phases))
	for i, name := range phases {
		specs[i] = models.PhaseSpec{Name: name}
	}
	taskID := models.NewTaskID(time.Now())
	require.NoError(t, s.CreateTask(context.Background(), &models.Task{
		TaskID:      taskID,
		Description: "phase engine test task",
		CreatedAt:   time.Now(),
	}, specs, nil))
	return NewEngine(s), s, taskID
}

func addAgent(t *testing.T, s *store.Store, taskID string, phaseIndex int, status models.AgentStatus) string {
	t.Helper()
	a := &models.Agent{
		AgentID:    models.NewAgentID("worker", time.Now()),
		TaskID:     taskID,
		Type:       "worker",
		Parent:     models.ParentOrchestrator,
		Depth:      1,
		PhaseIndex: phaseIndex,
		Status:     models.AgentRunning,
		StartedAt:  time.Now(),
	}
	require.NoError(t, s.RegisterAgent(context.Background(), a))
	if status.IsTerminal() {
		_, _, err := s.RecordProgress(context.Background(), models.ProgressEvent{
			Timestamp: time.Now(),
			AgentID:   a.AgentID,
			Status:    status,
			Progress:  100,
		}, taskID)
		require.NoError(t, err)
	}
	return a.AgentID
}

func TestCanTransition_Graph(t *testing.T) {
	valid := [][2]models.PhaseStatus{
		{models.PhasePending, models.PhaseActive},
		{models.PhaseActive, models.PhaseAwaitingReview},
		{models.PhaseAwaitingReview, models.PhaseUnderReview},
		{models.PhaseUnderReview, models.PhaseApproved},
		{models.PhaseUnderReview, models.PhaseRejected},
		{models.PhaseUnderReview, models.PhaseEscalated},
		{models.PhaseRejected, models.PhaseRevising},
		{models.PhaseRevising, models.PhaseAwaitingReview},
	}
	for _, edge := range valid {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	invalid := [][2]models.PhaseStatus{
		{models.PhaseApproved, models.PhaseActive},
		{models.PhasePending, models.PhaseApproved},
		{models.PhaseActive, models.PhaseApproved},
		{models.PhaseEscalated, models.PhaseActive},
		{models.PhaseRejected, models.PhaseApproved},
	}
	for _, edge := range invalid {
		assert.False(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestTransition_RejectsInvalidEdge(t *testing.T) {
	e, _, taskID := setup(t)

	_, err := e.Transition(context.Background(), taskID, 0, models.PhaseApproved, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	var te *store.TransitionError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, "ACTIVE", te.From)
}

func TestCheckPhaseCompletion_AdvancesWhenAllTerminal(t *testing.T) {
	e, s, taskID := setup(t)
	ctx := context.Background()

	addAgent(t, s, taskID, 0, models.AgentCompleted)
	addAgent(t, s, taskID, 0, models.AgentCompleted)

	advanced, err := e.CheckPhaseCompletion(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, advanced)

	p, err := s.GetPhase(ctx, taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseAwaitingReview, p.Status)
	assert.NotNil(t, p.AutoSubmittedAt)
	assert.NotEmpty(t, p.AutoSubmittedReason)
}

func TestCheckPhaseCompletion_NoOpWithActiveAgent(t *testing.T) {
	e, s, taskID := setup(t)
	ctx := context.Background()

	addAgent(t, s, taskID, 0, models.AgentCompleted)
	addAgent(t, s, taskID, 0, models.AgentWorking)

	advanced, err := e.CheckPhaseCompletion(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestCheckPhaseCompletion_NoAgents(t *testing.T) {
	e, _, taskID := setup(t)
	advanced, err := e.CheckPhaseCompletion(context.Background(), taskID)
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestCheckPhaseCompletion_ReviewersExcluded(t *testing.T) {
	e, s, taskID := setup(t)
	ctx := context.Background()

	addAgent(t, s, taskID, 0, models.AgentCompleted)
	// An active reviewer must not block phase completion.
	addAgent(t, s, taskID, models.ReviewerPhaseIndex, models.AgentReviewing)

	advanced, err := e.CheckPhaseCompletion(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, advanced)
}

func TestAdvance_ActivatesNextPhase(t *testing.T) {
	e, s, taskID := setup(t, "Investigation", "Build")
	ctx := context.Background()

	addAgent(t, s, taskID, 0, models.AgentCompleted)
	_, err := e.CheckPhaseCompletion(ctx, taskID)
	require.NoError(t, err)
	_, err = e.Transition(ctx, taskID, 0, models.PhaseUnderReview, "")
	require.NoError(t, err)

	next, err := e.Advance(ctx, taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	p0, _ := s.GetPhase(ctx, taskID, 0)
	p1, _ := s.GetPhase(ctx, taskID, 1)
	assert.Equal(t, models.PhaseApproved, p0.Status)
	assert.NotNil(t, p0.CompletedAt)
	assert.Equal(t, models.PhaseActive, p1.Status)

	task, _ := s.GetTask(ctx, taskID)
	assert.Equal(t, 1, task.CurrentPhaseIndex)
}

func TestAdvance_TerminalPhase(t *testing.T) {
	e, s, taskID := setup(t)
	ctx := context.Background()

	addAgent(t, s, taskID, 0, models.AgentCompleted)
	_, err := e.CheckPhaseCompletion(ctx, taskID)
	require.NoError(t, err)
	_, err = e.Transition(ctx, taskID, 0, models.PhaseUnderReview, "")
	require.NoError(t, err)

	next, err := e.Advance(ctx, taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, -1, next)

	task, _ := s.GetTask(ctx, taskID)
	assert.Equal(t, 0, task.CurrentPhaseIndex)
}

func TestBeginRevision_ThenReReview(t *testing.T) {
	e, s, taskID := setup(t)
	ctx := context.Background()

	addAgent(t, s, taskID, 0, models.AgentCompleted)
	_, err := e.CheckPhaseCompletion(ctx, taskID)
	require.NoError(t, err)
	_, err = e.Transition(ctx, taskID, 0, models.PhaseUnderReview, "")
	require.NoError(t, err)

	require.NoError(t, e.BeginRevision(ctx, taskID, 0))
	p, _ := s.GetPhase(ctx, taskID, 0)
	assert.Equal(t, models.PhaseRevising, p.Status)

	// A fix agent completing in the revising phase re-enters review.
	addAgent(t, s, taskID, 0, models.AgentCompleted)
	advanced, err := e.CheckPhaseCompletion(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, advanced)

	p, _ = s.GetPhase(ctx, taskID, 0)
	assert.Equal(t, models.PhaseAwaitingReview, p.Status)
}

func TestEscalate_RecordsReason(t *testing.T) {
	e, s, taskID := setup(t)
	ctx := context.Background()

	addAgent(t, s, taskID, 0, models.AgentCompleted)
	_, err := e.CheckPhaseCompletion(ctx, taskID)
	require.NoError(t, err)
	_, err = e.Transition(ctx, taskID, 0, models.PhaseUnderReview, "")
	require.NoError(t, err)

	require.NoError(t, e.Escalate(ctx, taskID, 0, "all reviewers crashed - manual review required"))
	p, _ := s.GetPhase(ctx, taskID, 0)
	assert.Equal(t, models.PhaseEscalated, p.Status)
	assert.Equal(t, "all reviewers crashed - manual review required", p.EscalationReason)
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestTask(t *testing.T, s *Store, phases ...string) *models.Task {
	t.Helper()
	if len(phases) == 0 {
		phases = []string{"Execution"}
	}
	specs := make([]models.PhaseSpec, len(phases))
	for i, name := range phases {
		specs[i] = models.PhaseSpec{Name: name, Deliverables: []string{name + " done"}}
	}
	task := &models.Task{
		TaskID:      models.NewTaskID(time.Now()),
		Description: "test task with sufficient description",
		Priority:    models.PriorityP2,
		Limits: models.TaskLimits{
			MaxAgents:     10,
			MaxConcurrent: 5,
			MaxDepth:      3,
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateTask(context.Background(), task, specs, nil))
	loaded, err := s.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	return loaded
}

func registerTestAgent(t *testing.T, s *Store, taskID, agentType string, phaseIndex int) *models.Agent {
	t.Helper()
	a := &models.Agent{
		AgentID:    models.NewAgentID(agentType, time.Now()),
		TaskID:     taskID,
		Type:       agentType,
		Parent:     models.ParentOrchestrator,
		Depth:      1,
		PhaseIndex: phaseIndex,
		Status:     models.AgentRunning,
		StartedAt:  time.Now(),
	}
	require.NoError(t, s.RegisterAgent(context.Background(), a))
	return a
}

func TestOpen_SchemaIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Reopening applies the same DDL and migrations again without error.
	s2, err := Open(ctx, dir)
	require.NoError(t, err)
	defer s2.Close()

	has, err := s2.hasColumn(ctx, "tasks", "version")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCreateTask_PhaseZeroActive(t *testing.T) {
	s := openTestStore(t)
	task := createTestTask(t, s, "Investigation", "Build")

	assert.Equal(t, models.TaskInitialized, task.Status)
	assert.Equal(t, 0, task.CurrentPhaseIndex)

	p0, err := s.GetPhase(context.Background(), task.TaskID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseActive, p0.Status)
	assert.NotNil(t, p0.StartedAt)

	p1, err := s.GetPhase(context.Background(), task.TaskID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePending, p1.Status)
}

func TestCreateTask_Duplicate(t *testing.T) {
	s := openTestStore(t)
	task := createTestTask(t, s)

	err := s.CreateTask(context.Background(), &models.Task{
		TaskID:    task.TaskID,
		CreatedAt: time.Now(),
	}, []models.PhaseSpec{{Name: "P"}}, nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegisterAgent_CountersAndActivation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	registerTestAgent(t, s, task.TaskID, "investigator", 0)

	loaded, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskActive, loaded.Status)
	assert.Equal(t, 1, loaded.ActiveCount)
	assert.Equal(t, 1, loaded.TotalAgents)
}

func TestRecordProgress_ExactlyOnceDecrement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)
	agent := registerTestAgent(t, s, task.TaskID, "builder", 0)

	ev := models.ProgressEvent{
		Timestamp: time.Now(),
		AgentID:   agent.AgentID,
		Status:    models.AgentCompleted,
		Message:   "done",
		Progress:  100,
	}
	prior, edge, err := s.RecordProgress(ctx, ev, task.TaskID)
	require.NoError(t, err)
	assert.True(t, edge)
	assert.Equal(t, models.AgentRunning, prior)

	// A duplicate terminal report must not decrement again.
	_, edge, err = s.RecordProgress(ctx, ev, task.TaskID)
	require.NoError(t, err)
	assert.False(t, edge)

	loaded, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.ActiveCount)
}

func TestMarkAgentTerminal_RacesWithSelfReport(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)
	agent := registerTestAgent(t, s, task.TaskID, "builder", 0)

	// Daemon marks failed first.
	edge, err := s.MarkAgentTerminal(ctx, agent.AgentID, models.AgentFailed, "tmux_session_dead", false)
	require.NoError(t, err)
	assert.True(t, edge)

	// A late self-reported completion is a no-op for the counters.
	_, edge, err = s.RecordProgress(ctx, models.ProgressEvent{
		Timestamp: time.Now(),
		AgentID:   agent.AgentID,
		Status:    models.AgentCompleted,
		Progress:  100,
	}, task.TaskID)
	require.NoError(t, err)
	assert.False(t, edge)

	loaded, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.ActiveCount)
}

// Active-counter invariant: after arbitrary interleavings of spawn,
// progress, and daemon-failure operations, active_count equals the number
// of agents in an active status.
func TestActiveCounterInvariant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	checkInvariant := func() {
		loaded, err := s.GetTask(ctx, task.TaskID)
		require.NoError(t, err)
		counts, err := s.GetTaskCounts(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, counts.Active, loaded.ActiveCount,
			"active_count must match agents in active statuses")
	}

	var ids []string
	for i := 0; i < 4; i++ {
		a := registerTestAgent(t, s, task.TaskID, "worker", 0)
		ids = append(ids, a.AgentID)
		checkInvariant()
	}

	// Interleave self-reports and daemon failures, with duplicates.
	_, _, err := s.RecordProgress(ctx, models.ProgressEvent{
		Timestamp: time.Now(), AgentID: ids[0], Status: models.AgentCompleted, Progress: 100,
	}, task.TaskID)
	require.NoError(t, err)
	checkInvariant()

	_, err = s.MarkAgentTerminal(ctx, ids[1], models.AgentFailed, "dead", false)
	require.NoError(t, err)
	checkInvariant()

	_, err = s.MarkAgentTerminal(ctx, ids[0], models.AgentFailed, "late daemon", false)
	require.NoError(t, err)
	checkInvariant()

	_, _, err = s.RecordProgress(ctx, models.ProgressEvent{
		Timestamp: time.Now(), AgentID: ids[2], Status: models.AgentWorking, Progress: 50,
	}, task.TaskID)
	require.NoError(t, err)
	checkInvariant()

	_, _, err = s.RecordProgress(ctx, models.ProgressEvent{
		Timestamp: time.Now(), AgentID: ids[2], Status: models.AgentKilled, Progress: 50,
	}, task.TaskID)
	require.NoError(t, err)
	checkInvariant()
}

func TestTaskTransitions_VersionGuard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	require.NoError(t, s.TransitionTaskToActive(ctx, task.TaskID, task.Version))

	// Stale version is rejected.
	err := s.TransitionTaskToCompleted(ctx, task.TaskID, task.Version)
	assert.ErrorIs(t, err, ErrStaleVersion)

	loaded, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.NoError(t, s.TransitionTaskToCompleted(ctx, loaded.TaskID, loaded.Version))

	final, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, final.Status)
}

func TestMarkAgentTerminal_AutoRollup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)
	a := registerTestAgent(t, s, task.TaskID, "solo", 0)

	_, err := s.MarkAgentTerminal(ctx, a.AgentID, models.AgentCompleted, "", true)
	require.NoError(t, err)

	loaded, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, loaded.Status)
}

func TestFindings_PrioritySelection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s, "P0", "P1", "P2")

	insert := func(phase int, sev models.Severity, msg string) {
		require.NoError(t, s.InsertFinding(ctx, task.TaskID, models.FindingEvent{
			Timestamp:  time.Now(),
			AgentID:    "a-000000-abcdef",
			PhaseIndex: phase,
			Type:       models.FindingIssue,
			Severity:   sev,
			Message:    msg,
		}))
	}
	insert(0, models.SeverityHigh, "high in p0")
	insert(1, models.SeverityCritical, "critical in p1")
	insert(1, models.SeverityLow, "low noise")
	insert(2, models.SeverityCritical, "current phase, excluded")

	got, err := s.TopPriorityFindings(ctx, task.TaskID, 2, 15)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "critical in p1", got[0].Message)
	assert.Equal(t, "high in p0", got[1].Message)
}

func TestActiveBlockers_SolvedExcluded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	add := func(ftype models.FindingType, msg string) {
		require.NoError(t, s.InsertFinding(ctx, task.TaskID, models.FindingEvent{
			Timestamp: time.Now(),
			AgentID:   "a-000000-abcdef",
			Type:      ftype,
			Severity:  models.SeverityHigh,
			Message:   msg,
		}))
	}
	add(models.FindingBlocker, "db is down")
	add(models.FindingBlocker, "missing API key")
	add(models.FindingSolution, "db is down")

	blockers, err := s.ActiveBlockers(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, []string{"missing API key"}, blockers)
}

func TestReviews_VerdictUniquePerReviewer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	review := &models.Review{
		ReviewID:         "rev-1",
		TaskID:           task.TaskID,
		PhaseIndex:       0,
		NumReviewers:     2,
		AutoSpawned:      true,
		ReviewerAgentIDs: []string{"r1", "r2"},
		CreatedAt:        time.Now(),
	}
	require.NoError(t, s.CreateReview(ctx, review))

	v := models.ReviewVerdict{
		ReviewID:        "rev-1",
		ReviewerAgentID: "r1",
		Verdict:         models.VerdictApproved,
		SubmittedAt:     time.Now(),
	}
	require.NoError(t, s.AddVerdict(ctx, v))
	assert.ErrorIs(t, s.AddVerdict(ctx, v), ErrAlreadyExists)
}

func TestCompleteReview_GuardedAgainstDoubleFinalize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	review := &models.Review{
		ReviewID:     "rev-2",
		TaskID:       task.TaskID,
		PhaseIndex:   0,
		NumReviewers: 1,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateReview(ctx, review))

	require.NoError(t, s.CompleteReview(ctx, "rev-2", models.VerdictApproved, "all submitted"))
	assert.ErrorIs(t, s.CompleteReview(ctx, "rev-2", models.VerdictRejected, "second finalizer"),
		ErrStaleVersion)

	loaded, _, err := s.GetReview(ctx, "rev-2")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApproved, loaded.FinalVerdict)
}

func TestHandovers_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, s)

	h := &models.Handover{
		TaskID:         task.TaskID,
		FromPhaseIndex: 0,
		Summary:        "phase zero finished",
		KeyFindings:    []string{"one", "two"},
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.SaveHandover(ctx, h))

	loaded, err := s.GetHandover(ctx, task.TaskID, 0)
	require.NoError(t, err)
	assert.Equal(t, "phase zero finished", loaded.Summary)
	assert.Equal(t, []string{"one", "two"}, loaded.KeyFindings)

	_, err = s.GetHandover(ctx, task.TaskID, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

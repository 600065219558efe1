package handover

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/workspace"
)

func setup(t *testing.T) (*Generator, *store.Store, string, string) {
	t.Helper()
	base := t.TempDir()
	s, err := store.Open(context.Background(), base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	taskID := models.NewTaskID(time.Now())
	ws, err := workspace.CreateTaskDirs(base, taskID)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(context.Background(), &models.Task{
		TaskID:      taskID,
		Description: "handover test task",
		CreatedAt:   time.Now(),
	}, []models.PhaseSpec{{Name: "Investigation"}, {Name: "Build"}}, nil))
	return NewGenerator(s), s, taskID, ws
}

func seedPhase(t *testing.T, s *store.Store, taskID string, findings int) {
	t.Helper()
	ctx := context.Background()
	a := &models.Agent{
		AgentID:    models.NewAgentID("investigator", time.Now()),
		TaskID:     taskID,
		Type:       "investigator",
		Parent:     models.ParentOrchestrator,
		Depth:      1,
		PhaseIndex: 0,
		Status:     models.AgentRunning,
		StartedAt:  time.Now(),
	}
	require.NoError(t, s.RegisterAgent(ctx, a))
	_, _, err := s.RecordProgress(ctx, models.ProgressEvent{
		Timestamp: time.Now(), AgentID: a.AgentID,
		Status: models.AgentCompleted, Message: "root cause identified", Progress: 100,
	}, taskID)
	require.NoError(t, err)

	for i := 0; i < findings; i++ {
		require.NoError(t, s.InsertFinding(ctx, taskID, models.FindingEvent{
			Timestamp:  time.Now(),
			AgentID:    a.AgentID,
			PhaseIndex: 0,
			Type:       models.FindingIssue,
			Severity:   models.SeverityHigh,
			Message:    strings.Repeat("long finding text ", 20),
		}))
	}
}

func TestGenerate_PersistsStoreAndFile(t *testing.T) {
	gen, s, taskID, ws := setup(t)
	seedPhase(t, s, taskID, 3)

	h, err := gen.Generate(context.Background(), taskID, 0, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Metrics.AgentsCompleted)
	assert.Equal(t, 3, h.Metrics.FindingsTotal)
	assert.NotEmpty(t, h.Summary)

	loaded, err := s.GetHandover(context.Background(), taskID, 0)
	require.NoError(t, err)
	assert.Equal(t, h.Summary, loaded.Summary)

	md := RenderMarkdown(loaded)
	assert.Contains(t, md, "# Phase 0 Handover")
	assert.Contains(t, md, "## Metrics")
}

func TestGenerate_KeyFindingsCappedByCount(t *testing.T) {
	gen, s, taskID, ws := setup(t)
	seedPhase(t, s, taskID, 25)

	h, err := gen.Generate(context.Background(), taskID, 0, ws)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(h.KeyFindings), 10)

	// Element-count truncation: every surviving bullet is whole.
	for _, f := range h.KeyFindings {
		assert.True(t, strings.HasPrefix(f, "[high]"), f)
	}
}

// Token-budget property: rendered length never exceeds MaxTokens * 4.
func TestGenerate_TokenCeiling(t *testing.T) {
	gen, s, taskID, ws := setup(t)
	seedPhase(t, s, taskID, 40)
	gen.MaxTokens = 300

	h, err := gen.Generate(context.Background(), taskID, 0, ws)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(RenderMarkdown(h)), 300*4)
}

func TestBudget_TrimsLowestPriorityFirst(t *testing.T) {
	gen := &Generator{MaxTokens: 120}
	h := &models.Handover{
		Summary:          strings.Repeat("s", 200),
		KeyFindings:      []string{"kf one", "kf two"},
		Artifacts:        []string{strings.Repeat("artifact ", 30)},
		Recommendations:  []string{strings.Repeat("rec ", 30)},
		BlockersResolved: []string{"resolved blocker"},
	}
	gen.budget(h)

	rendered := RenderMarkdown(h)
	assert.LessOrEqual(t, len(rendered), 120*4)
	// Artifacts go before key findings do.
	assert.Empty(t, h.Artifacts)
	assert.NotEmpty(t, h.KeyFindings)
}

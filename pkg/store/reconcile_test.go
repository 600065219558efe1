package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/registry"
)

func writeTestWorkspace(t *testing.T, base string) string {
	t.Helper()
	ws := filepath.Join(base, "TASK-20251018-223118-21f53815")
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "progress"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "findings"), 0o755))

	reg := registry.TaskRegistry{
		TaskID:            "TASK-20251018-223118-21f53815",
		Description:       "reconcile fixture task",
		Status:            "ACTIVE",
		Priority:          "P1",
		CurrentPhaseIndex: 0,
		Phases: []registry.PhaseEntry{
			{PhaseIndex: 0, Name: "Investigation", Status: "ACTIVE", Deliverables: []string{"root cause"}},
		},
		Agents: []registry.AgentEntry{
			{ID: "investigator-223118-abc123", Type: "investigator", PhaseIndex: 0,
				Status: "working", Progress: 40, StartedAt: "2025-10-18T22:31:20Z"},
		},
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws, registry.TaskRegistryFile), data, 0o644))

	progress := `{"timestamp":"2025-10-18T22:40:00Z","agent_id":"investigator-223118-abc123","status":"working","message":"digging","progress":40}
{"timestamp":"2025-10-18T22:45:00Z","agent_id":"investigator-223118-abc123","status":"working","message":"found the config drift","progress":70}
`
	require.NoError(t, os.WriteFile(
		filepath.Join(ws, "progress", "investigator-223118-abc123_progress.jsonl"),
		[]byte(progress), 0o644))

	findings := `{"timestamp":"2025-10-18T22:44:00Z","agent_id":"investigator-223118-abc123","phase_index":0,"finding_type":"issue","severity":"high","message":"config drift on node 3"}
`
	require.NoError(t, os.WriteFile(
		filepath.Join(ws, "findings", "investigator-223118-abc123_findings.jsonl"),
		[]byte(findings), 0o644))
	return ws
}

func snapshotState(t *testing.T, s *Store, taskID string) map[string]any {
	t.Helper()
	ctx := context.Background()
	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	agents, err := s.ListAgents(ctx, taskID)
	require.NoError(t, err)
	findings, err := s.ListFindings(ctx, taskID, 0)
	require.NoError(t, err)
	latest, err := s.LatestProgress(ctx, taskID, "investigator-223118-abc123")
	require.NoError(t, err)
	return map[string]any{
		"task":     task,
		"agents":   agents,
		"findings": findings,
		"latest":   latest,
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	base := t.TempDir()
	ws := writeTestWorkspace(t, base)

	s, err := Open(context.Background(), base)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Reconcile(ctx, ws))
	first := snapshotState(t, s, "TASK-20251018-223118-21f53815")

	// Repeated reconciliation on unchanged files must not change the
	// snapshot.
	require.NoError(t, s.Reconcile(ctx, ws))
	require.NoError(t, s.Reconcile(ctx, ws))
	second := snapshotState(t, s, "TASK-20251018-223118-21f53815")

	assert.Equal(t, first, second)
}

func TestReconcile_AbsorbsTails(t *testing.T) {
	base := t.TempDir()
	ws := writeTestWorkspace(t, base)

	s, err := Open(context.Background(), base)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Reconcile(ctx, ws))

	latest, err := s.LatestProgress(ctx, "TASK-20251018-223118-21f53815", "investigator-223118-abc123")
	require.NoError(t, err)
	assert.Equal(t, 70, latest.Progress)
	assert.Equal(t, "found the config drift", latest.Message)

	findings, err := s.ListFindings(ctx, "TASK-20251018-223118-21f53815", 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.SeverityHigh, findings[0].Severity)
}

func TestReconcile_EmptyWorkspace(t *testing.T) {
	base := t.TempDir()
	s, err := Open(context.Background(), base)
	require.NoError(t, err)
	defer s.Close()

	// A workspace with no registry is not an error.
	assert.NoError(t, s.Reconcile(context.Background(), filepath.Join(base, "TASK-nothing")))
}

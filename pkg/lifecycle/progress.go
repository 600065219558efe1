package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/registry"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/workspace"
)

// UpdateProgress ingests one self-reported progress event: append to the
// progress JSONL first (the audit trail is primary), then update the
// materialized state, then run the post-commit hooks (cleanup, completion
// validation, phase-completion check).
func (m *Manager) UpdateProgress(ctx context.Context, taskID, agentID string, status models.AgentStatus, message string, progress int) error {
	if !status.Known() {
		p := progress
		status = models.NormalizeAgentStatus(string(status), &p)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.TaskID != taskID {
		return store.ErrNotFound
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	// Phase-binding validation: accepted with a warning for backward
	// compatibility, except appends against an already-approved phase,
	// which are refused here before anything is written.
	if !agent.IsReviewer() && agent.PhaseIndex != task.CurrentPhaseIndex {
		p, err := m.store.GetPhase(ctx, taskID, agent.PhaseIndex)
		if err == nil && p.Status == models.PhaseApproved {
			return store.NewValidationError("agent_id",
				"agent is bound to an approved phase; progress is closed")
		}
		slog.Warn("Agent reporting against non-current phase",
			"agent_id", agentID, "agent_phase", agent.PhaseIndex,
			"current_phase", task.CurrentPhaseIndex)
	}

	ev := models.ProgressEvent{
		Timestamp: time.Now(),
		AgentID:   agentID,
		Status:    status,
		Message:   message,
		Progress:  progress,
	}
	if agent.Tracked.Progress != "" {
		if err := appendJSONL(agent.Tracked.Progress, ev); err != nil {
			slog.Error("Failed to append progress event", "agent_id", agentID, "error", err)
			// The append failing must not lose the state update too.
		}
	}

	prior, terminalEdge, err := m.store.RecordProgress(ctx, ev, taskID)
	if err != nil {
		return err
	}

	if m.bus != nil {
		m.bus.PublishTask(taskID, events.EventTypeAgentProgress, events.AgentProgressPayload{
			TaskID:   taskID,
			AgentID:  agentID,
			Status:   string(status),
			Progress: progress,
			Message:  message,
		})
	}

	if terminalEdge {
		m.onTerminal(ctx, task, agent, status, message, prior)
	}
	return nil
}

// onTerminal runs the post-commit bookkeeping of an active→terminal edge.
func (m *Manager) onTerminal(ctx context.Context, task *models.Task, agent *models.Agent, status models.AgentStatus, message string, prior models.AgentStatus) {
	slog.Info("Agent reached terminal status",
		"agent_id", agent.AgentID, "status", status, "prior", prior)

	m.recordTerminal(string(status))

	if status == models.AgentCompleted {
		ws := workspace.TaskDir(task.WorkspaceBase, task.TaskID)
		validation := m.validateCompletion(ctx, ws, agent, message)
		if err := m.store.SetAgentValidation(ctx, agent.AgentID, validation); err != nil {
			slog.Warn("Failed to store completion validation",
				"agent_id", agent.AgentID, "error", err)
		}
	}

	m.mirrorTerminal(task, agent.AgentID, status, "")

	// Cleanup runs detached; partial failures land on the agent row and
	// never mask the transition.
	go func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		m.CleanupResources(cleanupCtx, task, agent)
	}()

	m.CheckPhaseCompletion(ctx, task.TaskID)
}

// ReportFinding ingests one finding event: JSONL append first, then the
// findings table.
func (m *Manager) ReportFinding(ctx context.Context, taskID, agentID string, ftype models.FindingType, severity models.Severity, message string, data map[string]any) error {
	if !models.ValidFindingType(ftype) {
		return store.NewValidationError("type", "unknown finding type")
	}
	if !models.ValidSeverity(severity) {
		return store.NewValidationError("severity", "unknown severity")
	}
	if message == "" {
		return store.NewValidationError("message", "required")
	}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.TaskID != taskID {
		return store.ErrNotFound
	}

	f := models.FindingEvent{
		Timestamp:  time.Now(),
		AgentID:    agentID,
		PhaseIndex: agent.PhaseIndex,
		Type:       ftype,
		Severity:   severity,
		Message:    message,
		Data:       data,
	}
	if agent.Tracked.Findings != "" {
		if err := appendJSONL(agent.Tracked.Findings, f); err != nil {
			slog.Error("Failed to append finding event", "agent_id", agentID, "error", err)
		}
	}
	if err := m.store.InsertFinding(ctx, taskID, f); err != nil {
		return err
	}

	if m.bus != nil {
		m.bus.PublishTask(taskID, events.EventTypeAgentFinding, events.AgentFindingPayload{
			TaskID:      taskID,
			AgentID:     agentID,
			FindingType: string(ftype),
			Severity:    string(severity),
			Message:     message,
		})
	}
	return nil
}

// mirrorTerminal reflects a terminal transition into the JSON registries.
func (m *Manager) mirrorTerminal(task *models.Task, agentID string, status models.AgentStatus, reason string) {
	ws := workspace.TaskDir(task.WorkspaceBase, task.TaskID)
	_, err := m.registry.UpdateTask(ws, -1, func(reg *registry.TaskRegistry) error {
		for i := range reg.Agents {
			if reg.Agents[i].ID == agentID {
				reg.Agents[i].Status = string(status)
				reg.Agents[i].CompletedAt = time.Now().UTC().Format(time.RFC3339)
				reg.Agents[i].FailureReason = reason
				break
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("Failed to mirror terminal status into task registry",
			"agent_id", agentID, "error", err)
	}

	_, err = m.registry.UpdateGlobal(task.WorkspaceBase, func(reg *registry.GlobalRegistry) error {
		entry, ok := reg.Agents[agentID]
		if !ok {
			return nil
		}
		wasActive := models.AgentStatus(entry.Status).IsActive()
		entry.Status = string(status)
		entry.FailureReason = reason
		reg.Agents[agentID] = entry
		if wasActive && reg.Counts.ActiveAgents > 0 {
			reg.Counts.ActiveAgents--
		}
		return nil
	})
	if err != nil {
		slog.Warn("Failed to mirror terminal status into global registry",
			"agent_id", agentID, "error", err)
	}
}

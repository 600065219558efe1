package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/agentmux/agentmux/pkg/contextacc"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/prompt"
	"github.com/agentmux/agentmux/pkg/registry"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/tmux"
	"github.com/agentmux/agentmux/pkg/workspace"
)

// SpawnRequest describes one agent to spawn.
type SpawnRequest struct {
	TaskID       string
	AgentType    string
	Instructions string
	// Parent is another agent ID, or empty for orchestrator-spawned.
	Parent string
	// Reviewer binds the agent to phase_index -1, bypassing the
	// phase-ACTIVE precondition and the phase-completion check.
	Reviewer bool
	// TypeRequirements customizes the prompt per agent type.
	TypeRequirements string
}

// SpawnResult reports a successful spawn.
type SpawnResult struct {
	AgentID     string `json:"agent_id"`
	PID         int    `json:"pid"`
	TmuxSession string `json:"tmux_session"`
	PhaseIndex  int    `json:"phase_index"`
}

// Spawn validates the request, materializes the prompt, creates the
// multiplexer session, and registers the agent. Any failure rolls back the
// partial state: no half-registered agent survives.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if strings.TrimSpace(req.AgentType) == "" {
		return nil, store.NewValidationError("agent_type", "required")
	}

	task, err := m.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	phaseIndex := task.CurrentPhaseIndex
	if req.Reviewer {
		phaseIndex = models.ReviewerPhaseIndex
	} else {
		p, err := m.store.GetPhase(ctx, req.TaskID, task.CurrentPhaseIndex)
		if err != nil {
			return nil, err
		}
		if p.Status != models.PhaseActive && p.Status != models.PhaseRevising {
			return nil, fmt.Errorf("%w: phase %d is %s",
				store.ErrInvalidTransition, task.CurrentPhaseIndex, p.Status)
		}
	}

	depth := 1
	if req.Parent != "" && req.Parent != models.ParentOrchestrator {
		parent, err := m.store.GetAgent(ctx, req.Parent)
		if err != nil {
			return nil, fmt.Errorf("parent agent: %w", err)
		}
		depth = parent.Depth + 1
	}

	if err := m.checkLimits(ctx, task, depth); err != nil {
		return nil, err
	}

	agentID, err := m.allocateAgentID(ctx, req.TaskID, req.AgentType)
	if err != nil {
		return nil, err
	}

	ws := workspace.FindTaskDir(task.WorkspaceBase, req.TaskID)
	if ws == "" {
		ws, err = workspace.CreateTaskDirs(task.WorkspaceBase, req.TaskID)
		if err != nil {
			return nil, err
		}
	}

	tracked := models.TrackedFiles{
		StreamLog:  workspace.StreamLogPath(ws, agentID),
		Progress:   workspace.ProgressPath(ws, agentID),
		Findings:   workspace.FindingsPath(ws, agentID),
		PromptFile: workspace.PromptPath(ws, agentID),
	}

	fullPrompt, err := m.buildPrompt(ctx, task, agentID, req, phaseIndex)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(tracked.PromptFile, []byte(fullPrompt), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write prompt file: %w", err)
	}

	session := tmux.SessionName(agentID)
	command := strings.NewReplacer(
		"%PROMPT%", tracked.PromptFile,
		"%STREAM%", tracked.StreamLog,
	).Replace(m.cfg.LLMCommand)

	pid, err := m.mux.CreateSession(ctx, session, ws, command)
	if err != nil {
		_ = os.Remove(tracked.PromptFile)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	parent := req.Parent
	if parent == "" {
		parent = models.ParentOrchestrator
	}
	agent := &models.Agent{
		AgentID:       agentID,
		TaskID:        req.TaskID,
		Type:          strings.ToLower(req.AgentType),
		Parent:        parent,
		Depth:         depth,
		PhaseIndex:    phaseIndex,
		TmuxSession:   session,
		ClaudePID:     pid,
		Status:        models.AgentRunning,
		Tracked:       tracked,
		StartedAt:     time.Now(),
		PromptPreview: prompt.Preview(fullPrompt, 500),
	}

	if err := m.store.RegisterAgent(ctx, agent); err != nil {
		// Roll back the external side effects; the store rejected the
		// registration atomically.
		_ = m.mux.KillSession(ctx, session)
		_ = os.Remove(tracked.PromptFile)
		return nil, err
	}

	m.mirrorSpawn(task, agent)

	if m.metrics != nil {
		m.metrics.AgentsSpawned.Inc()
		m.metrics.ActiveAgents.Inc()
	}

	slog.Info("Agent spawned",
		"agent_id", agentID, "task_id", req.TaskID, "type", agent.Type,
		"phase_index", phaseIndex, "pid", pid, "depth", depth)

	return &SpawnResult{
		AgentID:     agentID,
		PID:         pid,
		TmuxSession: session,
		PhaseIndex:  phaseIndex,
	}, nil
}

func (m *Manager) checkLimits(ctx context.Context, task *models.Task, depth int) error {
	if depth > task.Limits.MaxDepth {
		return fmt.Errorf("%w: depth %d exceeds max_depth %d",
			store.ErrLimitExceeded, depth, task.Limits.MaxDepth)
	}
	counts, err := m.store.GetTaskCounts(ctx, task.TaskID)
	if err != nil {
		return err
	}
	if counts.Total >= task.Limits.MaxAgents {
		return fmt.Errorf("%w: task already has %d agents (max_agents %d)",
			store.ErrLimitExceeded, counts.Total, task.Limits.MaxAgents)
	}
	if counts.Active >= task.Limits.MaxConcurrent {
		return fmt.Errorf("%w: %d agents active (max_concurrent %d)",
			store.ErrLimitExceeded, counts.Active, task.Limits.MaxConcurrent)
	}
	return nil
}

// allocateAgentID allocates an ID and verifies uniqueness against the
// task's agent set. Collisions are vanishingly rare; one retry round
// absorbs them.
func (m *Manager) allocateAgentID(ctx context.Context, taskID, agentType string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := models.NewAgentID(agentType, time.Now())
		_, err := m.store.GetAgent(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("failed to allocate unique agent id for task %s", taskID)
}

func (m *Manager) buildPrompt(ctx context.Context, task *models.Task, agentID string, req SpawnRequest, phaseIndex int) (string, error) {
	spec := prompt.Spec{
		AgentID:          agentID,
		AgentType:        strings.ToLower(req.AgentType),
		TaskID:           task.TaskID,
		PhaseIndex:       phaseIndex,
		Instructions:     req.Instructions,
		TypeRequirements: req.TypeRequirements,
	}

	if tc, err := m.store.GetTaskContext(ctx, task.TaskID); err == nil {
		spec.TaskContext = tc
	}

	ctxPhase := phaseIndex
	if req.Reviewer {
		ctxPhase = task.CurrentPhaseIndex
	}
	if acc, err := m.ctxBuild.Build(ctx, task.TaskID, ctxPhase); err == nil {
		spec.Accumulated = contextacc.Render(acc, m.cfg.Context.MaxTokens)
	}

	if ctxPhase > 0 {
		if h, err := m.store.GetHandover(ctx, task.TaskID, ctxPhase-1); err == nil {
			spec.HandoverTail = h.Summary
		}
	}
	return prompt.Render(spec), nil
}

// mirrorSpawn writes the agent into the legacy JSON registries. Best
// effort: the state store already committed.
func (m *Manager) mirrorSpawn(task *models.Task, agent *models.Agent) {
	ws := workspace.TaskDir(task.WorkspaceBase, task.TaskID)
	_, err := m.registry.UpdateTask(ws, -1, func(reg *registry.TaskRegistry) error {
		if reg.TaskID == "" {
			reg.TaskID = task.TaskID
			reg.Description = task.Description
			reg.Priority = string(task.Priority)
		}
		reg.Status = string(models.TaskActive)
		reg.CurrentPhaseIndex = task.CurrentPhaseIndex
		reg.Agents = append(reg.Agents, registry.AgentEntry{
			ID:          agent.AgentID,
			Type:        agent.Type,
			Parent:      agent.Parent,
			Depth:       agent.Depth,
			PhaseIndex:  agent.PhaseIndex,
			TmuxSession: agent.TmuxSession,
			ClaudePID:   agent.ClaudePID,
			Status:      string(agent.Status),
			StartedAt:   agent.StartedAt.UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		slog.Warn("Failed to mirror spawn into task registry",
			"agent_id", agent.AgentID, "error", err)
	}

	_, err = m.registry.UpdateGlobal(task.WorkspaceBase, func(reg *registry.GlobalRegistry) error {
		reg.Agents[agent.AgentID] = registry.GlobalAgentEntry{
			TaskID:      agent.TaskID,
			Type:        agent.Type,
			TmuxSession: agent.TmuxSession,
			Status:      string(agent.Status),
		}
		reg.Counts.ActiveAgents++
		reg.Counts.TotalAgents++
		return nil
	})
	if err != nil {
		slog.Warn("Failed to mirror spawn into global registry",
			"agent_id", agent.AgentID, "error", err)
	}
}

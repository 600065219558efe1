// Package orchestrator is the operation facade: it implements the RPC
// surface (create_task through get_handover_context) over the state store,
// phase engine, lifecycle manager, and review subsystem.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/lifecycle"
	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/phase"
	"github.com/agentmux/agentmux/pkg/registry"
	"github.com/agentmux/agentmux/pkg/review"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/workspace"
)

// Description length bounds for create_task.
const (
	minDescriptionLen = 10
	maxDescriptionLen = 500
)

// TaskRegistrar receives task registrations for background monitoring.
// Implemented by the health daemon.
type TaskRegistrar interface {
	RegisterTask(taskID string)
	UnregisterTask(taskID string)
}

// Orchestrator ties the subsystems together behind the RPC operations.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	global   *store.GlobalIndex
	registry *registry.Store
	agents   *lifecycle.Manager
	phases   *phase.Engine
	reviews  *review.Service
	bus      *events.Bus

	registrar TaskRegistrar
	metrics   *metrics.Metrics
}

// New wires an orchestrator facade.
func New(cfg *config.Config, s *store.Store, global *store.GlobalIndex, reg *registry.Store, agents *lifecycle.Manager, engine *phase.Engine, reviews *review.Service, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    s,
		global:   global,
		registry: reg,
		agents:   agents,
		phases:   engine,
		reviews:  reviews,
		bus:      bus,
	}
}

// SetTaskRegistrar wires the health daemon's registration surface.
func (o *Orchestrator) SetTaskRegistrar(r TaskRegistrar) { o.registrar = r }

// SetMetrics attaches the process instrument set. Nil leaves
// instrumentation off.
func (o *Orchestrator) SetMetrics(mx *metrics.Metrics) { o.metrics = mx }

// CreateTaskRequest is the create_task input.
type CreateTaskRequest struct {
	Description string              `json:"description"`
	Priority    models.Priority     `json:"priority"`
	Phases      []models.PhaseSpec  `json:"phases,omitempty"`
	Context     *models.TaskContext `json:"context,omitempty"`
	ClientCwd   string              `json:"client_cwd,omitempty"`
	Limits      *models.TaskLimits  `json:"limits,omitempty"`
}

// CreateTask validates the request, creates the workspace and state rows
// with phase 0 active, mirrors the registries, indexes the task globally,
// and registers it for health monitoring.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	desc := strings.TrimSpace(req.Description)
	if len(desc) < minDescriptionLen {
		return nil, store.NewValidationError("description",
			fmt.Sprintf("must be at least %d characters", minDescriptionLen))
	}
	if len(desc) > maxDescriptionLen {
		return nil, store.NewValidationError("description",
			fmt.Sprintf("must be at most %d characters", maxDescriptionLen))
	}
	if req.Priority == "" {
		req.Priority = models.PriorityP2
	}
	if !models.ValidPriority(req.Priority) {
		return nil, store.NewValidationError("priority", "must be P0, P1, P2, or P3")
	}

	phases := req.Phases
	if len(phases) == 0 {
		phases = []models.PhaseSpec{{Name: "Execution"}}
	}

	limits := models.TaskLimits{
		MaxAgents:     o.cfg.Limits.MaxAgents,
		MaxConcurrent: o.cfg.Limits.MaxConcurrent,
		MaxDepth:      o.cfg.Limits.MaxDepth,
	}
	if req.Limits != nil {
		if req.Limits.MaxAgents > 0 {
			limits.MaxAgents = req.Limits.MaxAgents
		}
		if req.Limits.MaxConcurrent > 0 {
			limits.MaxConcurrent = req.Limits.MaxConcurrent
		}
		if req.Limits.MaxDepth > 0 {
			limits.MaxDepth = req.Limits.MaxDepth
		}
	}

	if req.Context != nil {
		req.Context.ConversationHistory = models.TruncateConversation(req.Context.ConversationHistory)
	}

	now := time.Now()
	taskID := models.NewTaskID(now)

	ws, err := workspace.CreateTaskDirs(o.cfg.WorkspaceBase, taskID)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		TaskID:        taskID,
		Description:   desc,
		Priority:      req.Priority,
		Status:        models.TaskInitialized,
		Workspace:     ws,
		WorkspaceBase: o.cfg.WorkspaceBase,
		ClientCwd:     req.ClientCwd,
		Limits:        limits,
		CreatedAt:     now,
	}
	if err := o.store.CreateTask(ctx, task, phases, req.Context); err != nil {
		return nil, err
	}

	o.mirrorCreate(ws, task, phases)

	if o.global != nil {
		if err := o.global.RegisterWorkspace(ctx, o.cfg.WorkspaceBase); err != nil {
			slog.Warn("Failed to register workspace in global index", "error", err)
		}
		if err := o.global.IndexTask(ctx, taskID, o.cfg.WorkspaceBase, ws,
			string(models.TaskInitialized), now); err != nil {
			slog.Warn("Failed to index task globally", "task_id", taskID, "error", err)
		}
	}

	if o.registrar != nil {
		o.registrar.RegisterTask(taskID)
	}
	if o.bus != nil {
		o.bus.PublishTask(taskID, events.EventTypeTaskStatus, events.TaskStatusPayload{
			TaskID: taskID,
			Status: string(models.TaskInitialized),
		})
	}

	if o.metrics != nil {
		o.metrics.TasksCreated.Inc()
	}

	slog.Info("Task created",
		"task_id", taskID, "priority", req.Priority, "phases", len(phases))
	return o.store.GetTask(ctx, taskID)
}

func (o *Orchestrator) mirrorCreate(ws string, task *models.Task, phases []models.PhaseSpec) {
	_, err := o.registry.UpdateTask(ws, -1, func(reg *registry.TaskRegistry) error {
		reg.TaskID = task.TaskID
		reg.Description = task.Description
		reg.Priority = string(task.Priority)
		reg.Status = string(task.Status)
		reg.CurrentPhaseIndex = 0
		for i, p := range phases {
			status := models.PhasePending
			if i == 0 {
				status = models.PhaseActive
			}
			reg.Phases = append(reg.Phases, registry.PhaseEntry{
				PhaseIndex:      i,
				Name:            p.Name,
				Status:          string(status),
				Deliverables:    p.Deliverables,
				SuccessCriteria: p.SuccessCriteria,
			})
		}
		return nil
	})
	if err != nil {
		slog.Warn("Failed to mirror task creation", "task_id", task.TaskID, "error", err)
	}
}

// DeployAgent spawns an agent bound to the task's current phase.
func (o *Orchestrator) DeployAgent(ctx context.Context, taskID, agentType, instructions, parent string) (*lifecycle.SpawnResult, error) {
	return o.agents.Spawn(ctx, lifecycle.SpawnRequest{
		TaskID:       taskID,
		AgentType:    agentType,
		Instructions: instructions,
		Parent:       parent,
	})
}

// SpawnChildAgent is deploy_agent on behalf of a parent agent; depth
// accounting happens in the lifecycle manager.
func (o *Orchestrator) SpawnChildAgent(ctx context.Context, taskID, parentAgentID, agentType, instructions string) (*lifecycle.SpawnResult, error) {
	if parentAgentID == "" {
		return nil, store.NewValidationError("parent_agent_id", "required")
	}
	return o.agents.Spawn(ctx, lifecycle.SpawnRequest{
		TaskID:       taskID,
		AgentType:    agentType,
		Instructions: instructions,
		Parent:       parentAgentID,
	})
}

// UpdateAgentProgress ingests a progress event and may trigger the
// phase-completion check.
func (o *Orchestrator) UpdateAgentProgress(ctx context.Context, taskID, agentID string, status models.AgentStatus, message string, progress int) error {
	return o.agents.UpdateProgress(ctx, taskID, agentID, status, message, progress)
}

// ReportAgentFinding ingests a finding event.
func (o *Orchestrator) ReportAgentFinding(ctx context.Context, taskID, agentID string, ftype models.FindingType, severity models.Severity, message string, data map[string]any) error {
	return o.agents.ReportFinding(ctx, taskID, agentID, ftype, severity, message, data)
}

// KillAgent terminates an agent and cleans up its resources.
func (o *Orchestrator) KillAgent(ctx context.Context, taskID, agentID, reason string) error {
	return o.agents.Kill(ctx, taskID, agentID, reason)
}

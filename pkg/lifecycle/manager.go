// Package lifecycle manages agents from spawn to cleanup: unique-ID
// allocation, prompt materialization, session creation, progress and
// finding ingestion, termination, and resource cleanup with process-tree
// verification.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/contextacc"
	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/phase"
	"github.com/agentmux/agentmux/pkg/proc"
	"github.com/agentmux/agentmux/pkg/registry"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/tmux"
)

// PhaseReviewHook is invoked after a phase auto-advances to
// AWAITING_REVIEW so the review subsystem can spawn reviewers. Wired by
// the orchestrator; lifecycle does not depend on the review package.
type PhaseReviewHook func(ctx context.Context, taskID string, phaseIndex int)

// Manager owns agent lifecycles for one workspace.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Store
	mux      tmux.Multiplexer
	prober   proc.Prober
	phases   *phase.Engine
	ctxBuild *contextacc.Builder
	bus      *events.Bus

	metrics *metrics.Metrics

	onAwaitingReview PhaseReviewHook
}

// NewManager wires an agent lifecycle manager.
func NewManager(cfg *config.Config, s *store.Store, reg *registry.Store, mux tmux.Multiplexer, prober proc.Prober, engine *phase.Engine, bus *events.Bus) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    s,
		registry: reg,
		mux:      mux,
		prober:   prober,
		phases:   engine,
		ctxBuild: contextacc.NewBuilder(s),
		bus:      bus,
	}
}

// SetPhaseReviewHook registers the auto-review trigger. Called once during
// startup.
func (m *Manager) SetPhaseReviewHook(h PhaseReviewHook) { m.onAwaitingReview = h }

// SetMetrics attaches the process instrument set. Called once during
// startup; nil leaves instrumentation off.
func (m *Manager) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// recordTerminal updates the instruments for one active→terminal edge.
func (m *Manager) recordTerminal(status string) {
	if m.metrics == nil {
		return
	}
	m.metrics.AgentsTerminal.WithLabelValues(status).Inc()
	m.metrics.ActiveAgents.Dec()
}

// Store exposes the state store for collaborators built on the manager.
func (m *Manager) Store() *store.Store { return m.store }

// Multiplexer exposes the session capability.
func (m *Manager) Multiplexer() tmux.Multiplexer { return m.mux }

// Prober exposes the process prober.
func (m *Manager) Prober() proc.Prober { return m.prober }

// CheckPhaseCompletion runs the phase-completion check and fires the
// review hook when the phase advanced. Safe to call after any terminal
// transition.
func (m *Manager) CheckPhaseCompletion(ctx context.Context, taskID string) {
	advanced, err := m.phases.CheckPhaseCompletion(ctx, taskID)
	if err != nil || !advanced {
		return
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	m.publishPhaseStatus(taskID, task.CurrentPhaseIndex, "AWAITING_REVIEW", "all phase agents terminal")
	if m.onAwaitingReview != nil {
		m.onAwaitingReview(ctx, taskID, task.CurrentPhaseIndex)
	}
}

func (m *Manager) publishPhaseStatus(taskID string, phaseIndex int, status, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.PublishTask(taskID, events.EventTypePhaseStatus, events.PhaseStatusPayload{
		TaskID:     taskID,
		PhaseIndex: phaseIndex,
		Status:     status,
		Reason:     reason,
	})
}

// appendJSONL appends one JSON object line to an audit file. The audit
// trail is primary: callers append before touching the state store so an
// ingestion failure never loses the event.
func appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}

package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/store"
)

// staleRetries bounds how many times a transition re-reads after losing a
// version race.
const staleRetries = 3

// Engine drives phase transitions over the state store.
type Engine struct {
	store   *store.Store
	metrics *metrics.Metrics
}

// NewEngine creates a phase engine.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s}
}

// SetMetrics attaches the process instrument set. Nil leaves
// instrumentation off.
func (e *Engine) SetMetrics(mx *metrics.Metrics) { e.metrics = mx }

func (e *Engine) recordTransition(to models.PhaseStatus) {
	if e.metrics != nil {
		e.metrics.PhaseTransitions.WithLabelValues(string(to)).Inc()
	}
}

// Transition moves a phase along one validated edge, retrying version
// conflicts. Extra columns written with specific edges (started_at,
// completed_at, escalation_reason) are derived from the target status.
func (e *Engine) Transition(ctx context.Context, taskID string, phaseIndex int, to models.PhaseStatus, reason string) (*models.Phase, error) {
	var lastErr error
	for attempt := 0; attempt <= staleRetries; attempt++ {
		p, err := e.store.GetPhase(ctx, taskID, phaseIndex)
		if err != nil {
			return nil, err
		}
		if !CanTransition(p.Status, to) {
			return nil, &store.TransitionError{
				Entity: "phase",
				From:   string(p.Status),
				To:     string(to),
			}
		}

		now := time.Now()
		upd := store.PhaseUpdate{}
		switch to {
		case models.PhaseActive:
			upd.StartedAt = &now
		case models.PhaseApproved:
			upd.CompletedAt = &now
		case models.PhaseEscalated:
			upd.CompletedAt = &now
			upd.EscalationReason = reason
		}

		err = e.store.TransitionPhaseGuarded(ctx, taskID, phaseIndex, p.Status, to, p.Version, upd)
		if err == nil {
			p.Status = to
			e.recordTransition(to)
			return p, nil
		}
		if !errors.Is(err, store.ErrStaleVersion) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("phase transition did not settle: %w", lastErr)
}

// CheckPhaseCompletion inspects the task's current phase after an agent
// reached terminal status. When the phase is ACTIVE, has at least one bound
// agent, and every bound agent is terminal, the phase moves to
// AWAITING_REVIEW with an auto-submission record. Returns true when the
// phase advanced on this call.
//
// Invoked after the commit of the terminal transition that triggered it,
// from progress ingestion and from the health daemon.
func (e *Engine) CheckPhaseCompletion(ctx context.Context, taskID string) (bool, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	p, err := e.store.GetPhase(ctx, taskID, task.CurrentPhaseIndex)
	if err != nil {
		return false, err
	}
	// A phase in revision re-enters review the same way: REVISING →
	// AWAITING_REVIEW once every fix agent is terminal.
	if p.Status != models.PhaseActive && p.Status != models.PhaseRevising {
		return false, nil
	}

	agents, err := e.store.ListPhaseAgents(ctx, taskID, task.CurrentPhaseIndex)
	if err != nil {
		return false, err
	}
	if len(agents) == 0 {
		return false, nil
	}
	for _, a := range agents {
		if !a.Status.IsTerminal() {
			return false, nil
		}
	}

	now := time.Now()
	reason := fmt.Sprintf("all %d phase agents reached terminal status", len(agents))
	err = e.store.TransitionPhaseGuarded(ctx, taskID, task.CurrentPhaseIndex,
		p.Status, models.PhaseAwaitingReview, p.Version,
		store.PhaseUpdate{AutoSubmittedAt: &now, AutoSubmittedReason: reason})
	if errors.Is(err, store.ErrStaleVersion) {
		// Someone else advanced the phase between our read and the swap.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.recordTransition(models.PhaseAwaitingReview)
	slog.Info("Phase auto-submitted for review",
		"task_id", taskID, "phase_index", task.CurrentPhaseIndex, "reason", reason)
	return true, nil
}

// Advance approves the current phase and, when a next phase exists,
// activates it and moves the task's current-phase pointer. Returns the
// index of the newly active phase, or -1 when the approved phase was the
// last one.
func (e *Engine) Advance(ctx context.Context, taskID string, phaseIndex int) (int, error) {
	if _, err := e.Transition(ctx, taskID, phaseIndex, models.PhaseApproved, ""); err != nil {
		return -1, err
	}

	next := phaseIndex + 1
	if _, err := e.store.GetPhase(ctx, taskID, next); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return -1, nil
		}
		return -1, err
	}
	if _, err := e.Transition(ctx, taskID, next, models.PhaseActive, ""); err != nil {
		return -1, err
	}
	if err := e.store.SetCurrentPhaseIndex(ctx, taskID, next); err != nil {
		return -1, err
	}
	slog.Info("Phase advanced", "task_id", taskID, "from", phaseIndex, "to", next)
	return next, nil
}

// BeginRevision rejects the phase and immediately moves it to REVISING so
// fix agents can be spawned against it.
func (e *Engine) BeginRevision(ctx context.Context, taskID string, phaseIndex int) error {
	if _, err := e.Transition(ctx, taskID, phaseIndex, models.PhaseRejected, ""); err != nil {
		return err
	}
	_, err := e.Transition(ctx, taskID, phaseIndex, models.PhaseRevising, "")
	return err
}

// Escalate marks the phase ESCALATED; resolution is out of band.
func (e *Engine) Escalate(ctx context.Context, taskID string, phaseIndex int, reason string) error {
	_, err := e.Transition(ctx, taskID, phaseIndex, models.PhaseEscalated, reason)
	return err
}

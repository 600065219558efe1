package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentmux/agentmux/pkg/contextacc"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/store"
)

// RequestPhaseReview manually submits the current phase for review: the
// same AWAITING_REVIEW transition the auto path takes, followed by
// auto-review.
func (o *Orchestrator) RequestPhaseReview(ctx context.Context, taskID string) (int, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if _, err := o.phases.Transition(ctx, taskID, task.CurrentPhaseIndex, models.PhaseAwaitingReview, ""); err != nil {
		return 0, err
	}
	o.reviews.TriggerAutoReview(ctx, taskID, task.CurrentPhaseIndex)
	return task.CurrentPhaseIndex, nil
}

// SubmitReview records a reviewer verdict.
func (o *Orchestrator) SubmitReview(ctx context.Context, reviewID, reviewerAgentID string, verdict models.Verdict, findings []models.FindingEvent, notes string) error {
	return o.reviews.SubmitVerdict(ctx, reviewID, reviewerAgentID, verdict, findings, notes)
}

// ApprovePhase manually approves the current phase. Refused while an
// auto-spawned review owns it.
func (o *Orchestrator) ApprovePhase(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := o.checkManualGate(ctx, taskID, task.CurrentPhaseIndex); err != nil {
		return err
	}
	_, err = o.phases.Advance(ctx, taskID, task.CurrentPhaseIndex)
	return err
}

// RejectPhase manually rejects the current phase into revision. Refused
// while an auto-spawned review owns it.
func (o *Orchestrator) RejectPhase(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := o.checkManualGate(ctx, taskID, task.CurrentPhaseIndex); err != nil {
		return err
	}
	return o.phases.BeginRevision(ctx, taskID, task.CurrentPhaseIndex)
}

func (o *Orchestrator) checkManualGate(ctx context.Context, taskID string, phaseIndex int) error {
	allowed, reviewID, err := o.reviews.ManualApprovalAllowed(ctx, taskID, phaseIndex)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: auto-review %s owns phase %d",
			store.ErrManualApprovalBlocked, reviewID, phaseIndex)
	}
	return nil
}

// ReviewStatus is the get_review_status response.
type ReviewStatus struct {
	Review   *models.Review         `json:"review"`
	Verdicts []models.ReviewVerdict `json:"verdicts"`
	Critique *models.Critique       `json:"critique,omitempty"`
}

// GetReviewStatus returns a review with its verdicts and optional
// critique.
func (o *Orchestrator) GetReviewStatus(ctx context.Context, reviewID string) (*ReviewStatus, error) {
	r, verdicts, err := o.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	out := &ReviewStatus{Review: r, Verdicts: verdicts}
	if c, err := o.store.GetCritique(ctx, reviewID); err == nil {
		out.Critique = c
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return out, nil
}

// GetPhaseHandover returns the persisted handover of a phase.
func (o *Orchestrator) GetPhaseHandover(ctx context.Context, taskID string, phaseIndex int) (*models.Handover, error) {
	return o.store.GetHandover(ctx, taskID, phaseIndex)
}

// SubmitPhaseHandover stores a manually-authored handover, replacing the
// auto-generated one.
func (o *Orchestrator) SubmitPhaseHandover(ctx context.Context, h *models.Handover) error {
	if h.TaskID == "" {
		return store.NewValidationError("task_id", "required")
	}
	if h.Summary == "" {
		return store.NewValidationError("summary", "required")
	}
	if _, err := o.store.GetTask(ctx, h.TaskID); err != nil {
		return err
	}
	return o.store.SaveHandover(ctx, h)
}

// GetHandoverContext returns the rendered context-accumulator output for
// the task's current phase, as a new agent would see it.
func (o *Orchestrator) GetHandoverContext(ctx context.Context, taskID string) (string, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	builder := contextacc.NewBuilder(o.store)
	acc, err := builder.Build(ctx, taskID, task.CurrentPhaseIndex)
	if err != nil {
		return "", err
	}
	return contextacc.Render(acc, o.cfg.Context.MaxTokens), nil
}

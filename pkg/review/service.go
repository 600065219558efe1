// Package review gates phase advancement: it spawns reviewer agents when a
// phase finishes, collects verdicts, aggregates them to a final outcome,
// and finalizes partially when reviewers die.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/handover"
	"github.com/agentmux/agentmux/pkg/lifecycle"
	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/phase"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/workspace"
)

// reviewerRequirements is the type-specific prompt section for auto-spawned
// reviewers.
const reviewerRequirements = `Review the phase output against its deliverables and success criteria.
Submit exactly one verdict with submit_review(review_id, reviewer_agent_id, verdict, findings, notes).
Verdicts: approved, rejected, needs_revision. Attach a finding for every concrete defect.`

// Service drives phase reviews.
type Service struct {
	cfg       *config.Config
	store     *store.Store
	agents    *lifecycle.Manager
	phases    *phase.Engine
	handovers *handover.Generator
	bus       *events.Bus
	metrics   *metrics.Metrics
}

// NewService wires the review subsystem.
func NewService(cfg *config.Config, s *store.Store, agents *lifecycle.Manager, engine *phase.Engine, gen *handover.Generator, bus *events.Bus) *Service {
	return &Service{
		cfg:       cfg,
		store:     s,
		agents:    agents,
		phases:    engine,
		handovers: gen,
		bus:       bus,
	}
}

// SetMetrics attaches the process instrument set. Nil leaves
// instrumentation off.
func (s *Service) SetMetrics(mx *metrics.Metrics) { s.metrics = mx }

// TriggerAutoReview moves the phase AWAITING_REVIEW → UNDER_REVIEW, creates
// the review record, and spawns the configured number of reviewer agents
// bound to phase_index -1. Used as the lifecycle manager's review hook.
func (s *Service) TriggerAutoReview(ctx context.Context, taskID string, phaseIndex int) {
	if err := s.triggerAutoReview(ctx, taskID, phaseIndex); err != nil {
		slog.Error("Auto-review trigger failed",
			"task_id", taskID, "phase_index", phaseIndex, "error", err)
	}
}

func (s *Service) triggerAutoReview(ctx context.Context, taskID string, phaseIndex int) error {
	if _, err := s.phases.Transition(ctx, taskID, phaseIndex, models.PhaseUnderReview, ""); err != nil {
		return err
	}

	n := s.cfg.Review.NumReviewers
	if n <= 0 {
		n = 2
	}

	review := &models.Review{
		ReviewID:     uuid.New().String(),
		TaskID:       taskID,
		PhaseIndex:   phaseIndex,
		Status:       models.ReviewInProgress,
		NumReviewers: n,
		AutoSpawned:  true,
		CreatedAt:    time.Now(),
	}

	instructions := fmt.Sprintf(
		"Review phase %d of task %s. Your review_id is %s. Use your own agent id as reviewer_agent_id.",
		phaseIndex, taskID, review.ReviewID)

	for i := 0; i < n; i++ {
		res, err := s.agents.Spawn(ctx, lifecycle.SpawnRequest{
			TaskID:           taskID,
			AgentType:        s.cfg.Review.ReviewerType,
			Instructions:     instructions,
			Reviewer:         true,
			TypeRequirements: reviewerRequirements,
		})
		if err != nil {
			slog.Error("Failed to spawn reviewer",
				"task_id", taskID, "phase_index", phaseIndex, "error", err)
			continue
		}
		review.ReviewerAgentIDs = append(review.ReviewerAgentIDs, res.AgentID)
	}

	if len(review.ReviewerAgentIDs) == 0 {
		// No reviewer could start; the phase cannot be gated automatically.
		if err := s.phases.Escalate(ctx, taskID, phaseIndex, "no reviewer agents could be spawned"); err != nil {
			return err
		}
		return fmt.Errorf("no reviewers spawned for task %s phase %d", taskID, phaseIndex)
	}
	review.NumReviewers = len(review.ReviewerAgentIDs)

	if err := s.store.CreateReview(ctx, review); err != nil {
		return err
	}

	s.publishStatus(review, "")
	slog.Info("Auto-review started",
		"task_id", taskID, "phase_index", phaseIndex,
		"review_id", review.ReviewID, "reviewers", review.NumReviewers)
	return nil
}

// SubmitVerdict records one reviewer's verdict and finalizes the review
// when every expected reviewer has submitted.
func (s *Service) SubmitVerdict(ctx context.Context, reviewID, reviewerAgentID string, verdict models.Verdict, findings []models.FindingEvent, notes string) error {
	if !models.ValidVerdict(verdict) {
		return store.NewValidationError("verdict", "must be approved, rejected, or needs_revision")
	}

	review, _, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if review.Status != models.ReviewInProgress {
		return fmt.Errorf("%w: review is %s", store.ErrInvalidTransition, review.Status)
	}

	assigned := false
	for _, id := range review.ReviewerAgentIDs {
		if id == reviewerAgentID {
			assigned = true
			break
		}
	}
	if !assigned {
		return store.NewValidationError("reviewer_agent_id", "not a reviewer of this review")
	}

	err = s.store.AddVerdict(ctx, models.ReviewVerdict{
		ReviewID:        reviewID,
		ReviewerAgentID: reviewerAgentID,
		Verdict:         verdict,
		Notes:           notes,
		Findings:        findings,
		SubmittedAt:     time.Now(),
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return store.NewValidationError("reviewer_agent_id", "verdict already submitted")
	}
	if err != nil {
		return err
	}

	verdicts, err := s.store.ListVerdicts(ctx, reviewID)
	if err != nil {
		return err
	}
	if len(verdicts) >= review.NumReviewers {
		return s.finalize(ctx, review, verdicts, "all reviewers submitted")
	}
	return nil
}

// FinalizePartial applies the partial-finalization rule after deadAgentID
// was marked failed: with at least one verdict submitted by another
// reviewer the review completes on the submitted set; with none, and every
// reviewer dead, the review fails and the phase escalates.
func (s *Service) FinalizePartial(ctx context.Context, reviewID, deadAgentID string) error {
	review, verdicts, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if review.Status != models.ReviewInProgress {
		return nil
	}

	if len(verdicts) > 0 {
		return s.finalize(ctx, review, verdicts,
			"partial verdict finalization - remaining reviewers dead")
	}

	// No verdicts. Only escalate when no reviewer is still alive.
	for _, id := range review.ReviewerAgentIDs {
		agent, err := s.store.GetAgent(ctx, id)
		if err != nil {
			continue
		}
		if agent.Status.IsActive() {
			return nil
		}
	}

	if err := s.store.FailReview(ctx, reviewID, "all reviewers died without submitting verdicts"); err != nil {
		return err
	}
	if err := s.phases.Escalate(ctx, review.TaskID, review.PhaseIndex,
		"all reviewers crashed - manual review required"); err != nil {
		return err
	}
	review.Status = models.ReviewFailed
	if s.metrics != nil {
		s.metrics.ReviewsFinalized.WithLabelValues("failed").Inc()
	}
	s.publishStatus(review, "")
	slog.Warn("Review failed, phase escalated",
		"review_id", reviewID, "task_id", review.TaskID, "phase_index", review.PhaseIndex)
	return nil
}

// finalize aggregates verdicts and advances or rejects the phase. The
// review completion is committed first and guarded, so two finalizers
// cannot both drive the phase.
func (s *Service) finalize(ctx context.Context, review *models.Review, verdicts []models.ReviewVerdict, reason string) error {
	final := models.AggregateVerdicts(verdicts)

	err := s.store.CompleteReview(ctx, review.ReviewID, final, reason)
	if errors.Is(err, store.ErrStaleVersion) {
		return nil
	}
	if err != nil {
		return err
	}

	review.Status = models.ReviewCompleted
	if s.metrics != nil {
		s.metrics.ReviewsFinalized.WithLabelValues(string(final)).Inc()
	}
	s.publishStatus(review, string(final))
	slog.Info("Review finalized",
		"review_id", review.ReviewID, "task_id", review.TaskID,
		"phase_index", review.PhaseIndex, "verdict", final, "reason", reason)

	// Terminate reviewer sessions; their work is done.
	for _, id := range review.ReviewerAgentIDs {
		if agent, err := s.store.GetAgent(ctx, id); err == nil && agent.Status.IsActive() {
			if err := s.agents.Kill(ctx, review.TaskID, id, "review finalized"); err != nil {
				slog.Warn("Failed to terminate reviewer", "agent_id", id, "error", err)
			}
		}
	}

	if final == models.VerdictApproved {
		return s.onApproved(ctx, review)
	}
	return s.onRejected(ctx, review)
}

func (s *Service) onApproved(ctx context.Context, review *models.Review) error {
	task, err := s.store.GetTask(ctx, review.TaskID)
	if err != nil {
		return err
	}

	next, err := s.phases.Advance(ctx, review.TaskID, review.PhaseIndex)
	if err != nil {
		return err
	}

	ws := workspace.FindTaskDir(task.WorkspaceBase, review.TaskID)
	if _, err := s.handovers.Generate(ctx, review.TaskID, review.PhaseIndex, ws); err != nil {
		slog.Warn("Handover generation failed",
			"task_id", review.TaskID, "phase_index", review.PhaseIndex, "error", err)
	} else if s.bus != nil {
		s.bus.PublishTask(review.TaskID, events.EventTypeHandoverCreated, events.HandoverCreatedPayload{
			TaskID:         review.TaskID,
			FromPhaseIndex: review.PhaseIndex,
		})
	}

	if next < 0 {
		// Terminal phase approved: the task is done.
		if task.Status == models.TaskActive {
			if err := s.store.TransitionTaskToCompleted(ctx, review.TaskID, task.Version); err != nil &&
				!errors.Is(err, store.ErrStaleVersion) {
				return err
			}
			if s.bus != nil {
				s.bus.PublishTask(review.TaskID, events.EventTypeTaskStatus, events.TaskStatusPayload{
					TaskID: review.TaskID,
					Status: string(models.TaskCompleted),
				})
			}
		}
	}
	return nil
}

func (s *Service) onRejected(ctx context.Context, review *models.Review) error {
	return s.phases.BeginRevision(ctx, review.TaskID, review.PhaseIndex)
}

func (s *Service) publishStatus(review *models.Review, finalVerdict string) {
	if s.bus == nil {
		return
	}
	s.bus.PublishTask(review.TaskID, events.EventTypeReviewStatus, events.ReviewStatusPayload{
		TaskID:       review.TaskID,
		ReviewID:     review.ReviewID,
		PhaseIndex:   review.PhaseIndex,
		Status:       string(review.Status),
		FinalVerdict: finalVerdict,
	})
}

// ManualApprovalAllowed reports whether a client may approve or reject the
// phase directly. While an auto-spawned review is in progress the phase
// belongs to it.
func (s *Service) ManualApprovalAllowed(ctx context.Context, taskID string, phaseIndex int) (bool, string, error) {
	p, err := s.store.GetPhase(ctx, taskID, phaseIndex)
	if err != nil {
		return false, "", err
	}
	if p.Status != models.PhaseUnderReview {
		return true, "", nil
	}
	review, err := s.store.LatestReviewForPhase(ctx, taskID, phaseIndex)
	if errors.Is(err, store.ErrNotFound) {
		return true, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if review.AutoSpawned && review.Status == models.ReviewInProgress {
		return false, review.ReviewID, nil
	}
	return true, "", nil
}

// Package contextacc builds the token-budgeted prompt preamble each agent
// inherits: the original task, prior phase outcomes, priority findings,
// blockers, and rejection notes when the phase is in revision. It reads
// only from the state store.
package contextacc

import (
	"context"
	"errors"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/store"
)

// DefaultMaxTokens is the rendering budget when none is configured.
const DefaultMaxTokens = 2500

// findingLimit caps the priority findings included.
const findingLimit = 15

// Accumulated is the structured context computed for one agent spawn.
type Accumulated struct {
	TaskID            string
	CurrentPhaseIndex int

	OriginalDescription string
	BackgroundContext   string

	CurrentPhaseName            string
	CurrentPhaseDescription     string
	CurrentPhaseDeliverables    []string
	CurrentPhaseSuccessCriteria []string

	PhaseSummaries   []PhaseSummary
	CriticalFindings []models.FindingEvent
	ActiveBlockers   []string
	ProjectContext   map[string]string

	WasRejected       bool
	RejectionFindings []models.FindingEvent
	RejectionNotes    string
}

// PhaseSummary condenses one prior phase's outcome.
type PhaseSummary struct {
	PhaseIndex int
	PhaseName  string
	Verdict    models.Verdict
	Handover   *models.Handover
}

// Builder computes accumulated context from the state store.
type Builder struct {
	store *store.Store
	// ProjectContext, when set, supplies detected project tags (framework,
	// ports) included at low priority.
	ProjectContext map[string]string
}

// NewBuilder creates a context builder over a store.
func NewBuilder(s *store.Store) *Builder {
	return &Builder{store: s}
}

// Build assembles the accumulated context for an agent about to spawn into
// the task's current phase.
func (b *Builder) Build(ctx context.Context, taskID string, currentPhase int) (*Accumulated, error) {
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	acc := &Accumulated{
		TaskID:              taskID,
		CurrentPhaseIndex:   currentPhase,
		OriginalDescription: task.Description,
		ProjectContext:      b.ProjectContext,
	}

	if tc, err := b.store.GetTaskContext(ctx, taskID); err == nil && tc != nil {
		acc.BackgroundContext = tc.Background
	}

	phase, err := b.store.GetPhase(ctx, taskID, currentPhase)
	if err != nil {
		return nil, err
	}
	acc.CurrentPhaseName = phase.Name
	acc.CurrentPhaseDescription = phase.Description
	acc.CurrentPhaseDeliverables = phase.Deliverables
	acc.CurrentPhaseSuccessCriteria = phase.SuccessCriteria

	if err := b.loadPhaseOutcomes(ctx, acc); err != nil {
		return nil, err
	}

	findings, err := b.store.TopPriorityFindings(ctx, taskID, currentPhase, findingLimit)
	if err != nil {
		return nil, err
	}
	acc.CriticalFindings = findings

	blockers, err := b.store.ActiveBlockers(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(blockers) > 5 {
		blockers = blockers[:5]
	}
	acc.ActiveBlockers = blockers

	if phase.Status == models.PhaseRevising {
		b.loadRejectionContext(ctx, acc)
	}
	return acc, nil
}

func (b *Builder) loadPhaseOutcomes(ctx context.Context, acc *Accumulated) error {
	phases, err := b.store.ListPhases(ctx, acc.TaskID)
	if err != nil {
		return err
	}
	for _, p := range phases {
		if p.PhaseIndex >= acc.CurrentPhaseIndex {
			break
		}
		summary := PhaseSummary{PhaseIndex: p.PhaseIndex, PhaseName: p.Name}
		if review, err := b.store.LatestReviewForPhase(ctx, acc.TaskID, p.PhaseIndex); err == nil {
			summary.Verdict = review.FinalVerdict
		}
		if h, err := b.store.GetHandover(ctx, acc.TaskID, p.PhaseIndex); err == nil {
			summary.Handover = h
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		acc.PhaseSummaries = append(acc.PhaseSummaries, summary)
	}
	return nil
}

// loadRejectionContext pulls the rejecting review's blocker-grade findings
// and reviewer notes. Best effort: a phase can be REVISING with the review
// rows still settling.
func (b *Builder) loadRejectionContext(ctx context.Context, acc *Accumulated) {
	review, err := b.store.LatestReviewForPhase(ctx, acc.TaskID, acc.CurrentPhaseIndex)
	if err != nil {
		return
	}
	if review.FinalVerdict != models.VerdictRejected {
		return
	}
	verdicts, err := b.store.ListVerdicts(ctx, review.ReviewID)
	if err != nil {
		return
	}
	acc.WasRejected = true
	acc.RejectionFindings = models.RejectionFindings(verdicts)
	for _, v := range verdicts {
		if v.Verdict != models.VerdictApproved && v.Notes != "" {
			if acc.RejectionNotes != "" {
				acc.RejectionNotes += " | "
			}
			acc.RejectionNotes += v.Notes
		}
	}
}

// Package phase implements the phase state machine: the valid transition
// graph, version-guarded transitions, and the automatic advancement check
// that moves a fully-terminal phase into review.
package phase

import "github.com/agentmux/agentmux/pkg/models"

// validTransitions is the closed edge set. Any attempted transition outside
// it fails with ErrInvalidTransition.
var validTransitions = map[models.PhaseStatus][]models.PhaseStatus{
	models.PhasePending:        {models.PhaseActive},
	models.PhaseActive:         {models.PhaseAwaitingReview},
	models.PhaseAwaitingReview: {models.PhaseUnderReview},
	models.PhaseUnderReview:    {models.PhaseApproved, models.PhaseRejected, models.PhaseEscalated},
	models.PhaseRejected:       {models.PhaseRevising},
	models.PhaseRevising:       {models.PhaseAwaitingReview},
	// APPROVED and ESCALATED are terminal for the phase.
	models.PhaseApproved:  nil,
	models.PhaseEscalated: nil,
}

// CanTransition reports whether from → to is a valid edge.
func CanTransition(from, to models.PhaseStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is terminal for the phase.
func Terminal(s models.PhaseStatus) bool {
	return s == models.PhaseApproved || s == models.PhaseEscalated
}

package models

import "time"

// Review tracks one review round of a phase.
type Review struct {
	ReviewID         string       `json:"review_id" db:"review_id"`
	TaskID           string       `json:"task_id" db:"task_id"`
	PhaseIndex       int          `json:"phase_index" db:"phase_index"`
	Status           ReviewStatus `json:"status" db:"status"`
	FinalVerdict     Verdict      `json:"final_verdict,omitempty" db:"final_verdict"`
	NumReviewers     int          `json:"num_reviewers" db:"num_reviewers"`
	AutoSpawned      bool         `json:"auto_spawned" db:"auto_spawned"`
	ReviewerAgentIDs []string     `json:"reviewer_agent_ids"`
	CompletionReason string       `json:"completion_reason,omitempty" db:"completion_reason"`
	FailureReason    string       `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt        time.Time    `json:"created_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// ReviewVerdict is one reviewer's submission. At most one per reviewer
// agent within a review.
type ReviewVerdict struct {
	ReviewID        string         `json:"review_id" db:"review_id"`
	ReviewerAgentID string         `json:"reviewer_agent_id" db:"reviewer_agent_id"`
	Verdict         Verdict        `json:"verdict" db:"verdict"`
	Notes           string         `json:"notes,omitempty" db:"notes"`
	Findings        []FindingEvent `json:"findings,omitempty"`
	SubmittedAt     time.Time      `json:"submitted_at"`
}

// Critique is an optional deeper critique attached to a review.
type Critique struct {
	ReviewID      string    `json:"review_id" db:"review_id"`
	CritiqueAgent string    `json:"critique_agent_id" db:"critique_agent_id"`
	Summary       string    `json:"summary" db:"summary"`
	Details       string    `json:"details,omitempty" db:"details"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// AggregateVerdicts folds submitted verdicts into a final outcome. Any
// rejection wins; needs_revision is treated as rejection for phase
// advancement; otherwise all approvals yield approval.
func AggregateVerdicts(verdicts []ReviewVerdict) Verdict {
	sawRevision := false
	for _, v := range verdicts {
		switch v.Verdict {
		case VerdictRejected:
			return VerdictRejected
		case VerdictNeedsRevision:
			sawRevision = true
		}
	}
	if sawRevision {
		return VerdictRejected
	}
	return VerdictApproved
}

// RejectionFindings filters a verdict set down to the findings that must be
// surfaced to fix agents: blockers and critical/high severity.
func RejectionFindings(verdicts []ReviewVerdict) []FindingEvent {
	var out []FindingEvent
	for _, v := range verdicts {
		for _, f := range v.Findings {
			if f.Type == FindingBlocker || f.Severity == SeverityCritical || f.Severity == SeverityHigh {
				out = append(out, f)
			}
		}
	}
	return out
}

// Handover is the structured between-phase summary generated on approval.
type Handover struct {
	TaskID           string          `json:"task_id" db:"task_id"`
	FromPhaseIndex   int             `json:"from_phase_index" db:"from_phase_index"`
	Summary          string          `json:"summary" db:"summary"`
	KeyFindings      []string        `json:"key_findings,omitempty"`
	Artifacts        []string        `json:"artifacts,omitempty"`
	BlockersResolved []string        `json:"blockers_resolved,omitempty"`
	Recommendations  []string        `json:"recommendations,omitempty"`
	Metrics          HandoverMetrics `json:"metrics"`
	CreatedAt        time.Time       `json:"created_at"`
}

// HandoverMetrics summarizes the completed phase numerically.
type HandoverMetrics struct {
	AgentsCompleted int `json:"agents_completed"`
	AgentsFailed    int `json:"agents_failed"`
	FindingsTotal   int `json:"findings_total"`
	ReviewVerdicts  int `json:"review_verdicts"`
}

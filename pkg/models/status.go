// Package models defines the domain types shared across the orchestrator:
// tasks, phases, agents, reviews, findings, and handovers.
package models

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

// Task statuses.
const (
	TaskInitialized TaskStatus = "INITIALIZED"
	TaskActive      TaskStatus = "ACTIVE"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskFailed      TaskStatus = "FAILED"
	TaskCancelled   TaskStatus = "CANCELLED"
)

// Priority is the task priority level.
type Priority string

// Priorities.
const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
		return true
	}
	return false
}

// AgentStatus is the closed set of agent statuses. Raw values written by
// disparate writers are mapped into this set by NormalizeAgentStatus.
type AgentStatus string

// Active agent statuses.
const (
	AgentRunning   AgentStatus = "running"
	AgentWorking   AgentStatus = "working"
	AgentBlocked   AgentStatus = "blocked"
	AgentReviewing AgentStatus = "reviewing"
)

// Terminal agent statuses. No transitions occur out of these.
const (
	AgentCompleted      AgentStatus = "completed"
	AgentFailed         AgentStatus = "failed"
	AgentError          AgentStatus = "error"
	AgentTerminated     AgentStatus = "terminated"
	AgentKilled         AgentStatus = "killed"
	AgentPhaseCompleted AgentStatus = "phase_completed"
)

var activeAgentStatuses = map[AgentStatus]bool{
	AgentRunning:   true,
	AgentWorking:   true,
	AgentBlocked:   true,
	AgentReviewing: true,
}

var terminalAgentStatuses = map[AgentStatus]bool{
	AgentCompleted:      true,
	AgentFailed:         true,
	AgentError:          true,
	AgentTerminated:     true,
	AgentKilled:         true,
	AgentPhaseCompleted: true,
}

// IsActive reports whether s is an active (non-terminal) status.
func (s AgentStatus) IsActive() bool { return activeAgentStatuses[s] }

// IsTerminal reports whether s is a terminal status.
func (s AgentStatus) IsTerminal() bool { return terminalAgentStatuses[s] }

// Known reports whether s belongs to the closed status set.
func (s AgentStatus) Known() bool { return s.IsActive() || s.IsTerminal() }

// NormalizeAgentStatus maps raw status strings from legacy writers to the
// canonical set. Unknown values fall back on the reported progress:
// 100 means completed, 0 means just started, anything else is working.
func NormalizeAgentStatus(raw string, progress *int) AgentStatus {
	if raw == "" {
		return AgentWorking
	}
	s := AgentStatus(lower(raw))
	if s.Known() {
		return s
	}
	switch s {
	case "pending", "starting":
		return AgentRunning
	}
	if progress != nil {
		switch *progress {
		case 100:
			return AgentCompleted
		case 0:
			return AgentRunning
		}
	}
	return AgentWorking
}

// DisplayStatus collapses phase_completed into completed for read-side
// presentation; the two are not distinguished by consumers.
func DisplayStatus(s AgentStatus) AgentStatus {
	if s == AgentPhaseCompleted {
		return AgentCompleted
	}
	return s
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// PhaseStatus is the lifecycle status of a phase. Valid transitions are
// defined by the phase engine.
type PhaseStatus string

// Phase statuses.
const (
	PhasePending        PhaseStatus = "PENDING"
	PhaseActive         PhaseStatus = "ACTIVE"
	PhaseAwaitingReview PhaseStatus = "AWAITING_REVIEW"
	PhaseUnderReview    PhaseStatus = "UNDER_REVIEW"
	PhaseApproved       PhaseStatus = "APPROVED"
	PhaseRejected       PhaseStatus = "REJECTED"
	PhaseRevising       PhaseStatus = "REVISING"
	PhaseEscalated      PhaseStatus = "ESCALATED"
)

// ReviewStatus is the lifecycle status of a phase review.
type ReviewStatus string

// Review statuses.
const (
	ReviewInProgress ReviewStatus = "in_progress"
	ReviewCompleted  ReviewStatus = "completed"
	ReviewAborted    ReviewStatus = "aborted"
	ReviewFailed     ReviewStatus = "failed"
)

// Verdict is a reviewer's judgment of a phase.
type Verdict string

// Verdicts.
const (
	VerdictApproved      Verdict = "approved"
	VerdictRejected      Verdict = "rejected"
	VerdictNeedsRevision Verdict = "needs_revision"
)

// ValidVerdict reports whether v is a known verdict.
func ValidVerdict(v Verdict) bool {
	switch v {
	case VerdictApproved, VerdictRejected, VerdictNeedsRevision:
		return true
	}
	return false
}

// FindingType classifies a finding event.
type FindingType string

// Finding types.
const (
	FindingIssue          FindingType = "issue"
	FindingSolution       FindingType = "solution"
	FindingInsight        FindingType = "insight"
	FindingRecommendation FindingType = "recommendation"
	FindingBlocker        FindingType = "blocker"
)

// ValidFindingType reports whether t is a known finding type.
func ValidFindingType(t FindingType) bool {
	switch t {
	case FindingIssue, FindingSolution, FindingInsight, FindingRecommendation, FindingBlocker:
		return true
	}
	return false
}

// Severity grades a finding.
type Severity string

// Severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// HealthReason is attached to daemon-initiated failures.
type HealthReason string

// Health failure reason codes.
const (
	ReasonTmuxSessionDead   HealthReason = "tmux_session_dead"
	ReasonClaudeProcessDead HealthReason = "claude_process_dead"
	ReasonCursorProcessDead HealthReason = "cursor_process_dead"
	ReasonAgentStuck        HealthReason = "agent_stuck"
)

package models

import "time"

// ReviewerPhaseIndex is the phase binding of reviewer agents. Reviewers do
// not count toward phase completion, so they are bound outside the valid
// phase index range.
const ReviewerPhaseIndex = -1

// ParentOrchestrator is the parent value for agents spawned directly by the
// orchestrator rather than by another agent.
const ParentOrchestrator = "orchestrator"

// TrackedFiles are the per-agent file paths the orchestrator manages.
type TrackedFiles struct {
	StreamLog  string `json:"stream_log,omitempty"`
	Progress   string `json:"progress,omitempty"`
	Findings   string `json:"findings,omitempty"`
	PromptFile string `json:"prompt_file,omitempty"`
}

// Agent is one external LLM process instance hosted in a multiplexer
// session.
type Agent struct {
	AgentID       string       `json:"agent_id" db:"agent_id"`
	TaskID        string       `json:"task_id" db:"task_id"`
	Type          string       `json:"type" db:"type"`
	Model         string       `json:"model,omitempty" db:"model"`
	Parent        string       `json:"parent" db:"parent"`
	Depth         int          `json:"depth" db:"depth"`
	PhaseIndex    int          `json:"phase_index" db:"phase_index"`
	TmuxSession   string       `json:"tmux_session" db:"tmux_session"`
	ClaudePID     int          `json:"claude_pid" db:"claude_pid"`
	CursorPID     int          `json:"cursor_pid,omitempty" db:"cursor_pid"`
	Status        AgentStatus  `json:"status" db:"status"`
	Progress      int          `json:"progress" db:"progress"`
	Tracked       TrackedFiles `json:"tracked_files"`
	StartedAt     time.Time    `json:"started_at"`
	LastUpdate    *time.Time   `json:"last_update,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty" db:"failure_reason"`
	PromptPreview string       `json:"prompt_preview,omitempty" db:"prompt_preview"`

	// Cleanup holds the structured outcome of resource cleanup after a
	// terminal transition. Partial failures are recorded here and never
	// mask the transition itself.
	Cleanup *CleanupResult `json:"cleanup,omitempty"`

	// Validation holds the non-blocking completion validation outcome.
	Validation *CompletionValidation `json:"completion_validation,omitempty"`
}

// IsReviewer reports whether the agent is a reviewer (bound outside the
// phase index range).
func (a *Agent) IsReviewer() bool { return a.PhaseIndex == ReviewerPhaseIndex }

// CleanupResult records the outcome of each cleanup step for an agent.
type CleanupResult struct {
	Success            bool     `json:"success"`
	SessionKilled      bool     `json:"tmux_session_killed"`
	PromptFileDeleted  bool     `json:"prompt_file_deleted"`
	LogFilesArchived   bool     `json:"log_files_archived"`
	VerifiedNoOrphans  bool     `json:"verified_no_orphans"`
	EscalatedToSigkill bool     `json:"escalated_to_sigkill,omitempty"`
	ArchivedFiles      []string `json:"archived_files,omitempty"`
	SurvivorPIDs       []int    `json:"survivor_pids,omitempty"`
	Errors             []string `json:"errors,omitempty"`
}

// CompletionValidation is the advisory result of validating an agent's
// completion claim. It never blocks the completion.
type CompletionValidation struct {
	Confidence float64            `json:"confidence"`
	Warnings   []string           `json:"warnings,omitempty"`
	Evidence   CompletionEvidence `json:"evidence"`
}

// CompletionEvidence summarizes the workspace evidence inspected.
type CompletionEvidence struct {
	ModifiedFiles   int `json:"modified_files_count"`
	ProgressEntries int `json:"progress_entries_count"`
	Findings        int `json:"findings_count"`
}

// ProgressEvent is one append-only progress record for an agent.
type ProgressEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	AgentID   string      `json:"agent_id"`
	Status    AgentStatus `json:"status"`
	Message   string      `json:"message"`
	Progress  int         `json:"progress"`
}

// FindingEvent is one append-only finding record for an agent.
type FindingEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	AgentID    string         `json:"agent_id"`
	PhaseIndex int            `json:"phase_index"`
	Type       FindingType    `json:"finding_type"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
}

// HierarchyEdge is one parent→child edge of the agent graph. The graph is
// stored as an edge list; traversals are on demand.
type HierarchyEdge struct {
	TaskID  string `json:"task_id" db:"task_id"`
	Parent  string `json:"parent" db:"parent"`
	AgentID string `json:"agent_id" db:"agent_id"`
	Depth   int    `json:"depth" db:"depth"`
}

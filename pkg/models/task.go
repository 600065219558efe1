package models

import "time"

// Default task limits applied when a create request leaves them unset.
const (
	DefaultMaxAgents     = 10
	DefaultMaxConcurrent = 5
	DefaultMaxDepth      = 3
)

// TaskLimits bounds how many agents a task may spawn.
type TaskLimits struct {
	MaxAgents     int `json:"max_agents" db:"max_agents"`
	MaxConcurrent int `json:"max_concurrent" db:"max_concurrent"`
	MaxDepth      int `json:"max_depth" db:"max_depth"`
}

// Task is the top-level unit of work. It owns its phases, agents,
// handovers, findings, and reviews.
type Task struct {
	TaskID            string     `json:"task_id" db:"task_id"`
	Description       string     `json:"description" db:"description"`
	Priority          Priority   `json:"priority" db:"priority"`
	Status            TaskStatus `json:"status" db:"status"`
	Workspace         string     `json:"workspace" db:"workspace"`
	WorkspaceBase     string     `json:"workspace_base" db:"workspace_base"`
	ClientCwd         string     `json:"client_cwd" db:"client_cwd"`
	CurrentPhaseIndex int        `json:"current_phase_index" db:"current_phase_index"`
	ActiveCount       int        `json:"active_count" db:"active_count"`
	TotalAgents       int        `json:"total_agents" db:"total_agents"`
	Limits            TaskLimits `json:"limits"`
	Version           int64      `json:"version" db:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TaskContext carries the optional structured context supplied at task
// creation and surfaced to every agent of the task.
type TaskContext struct {
	Background          string              `json:"background,omitempty"`
	Deliverables        []string            `json:"deliverables,omitempty"`
	SuccessCriteria     []string            `json:"success_criteria,omitempty"`
	Constraints         []string            `json:"constraints,omitempty"`
	RelevantFiles       []string            `json:"relevant_files,omitempty"`
	RelatedDocs         []string            `json:"related_docs,omitempty"`
	ConversationHistory []ConversationEntry `json:"conversation_history,omitempty"`
}

// ConversationEntry is one turn of upstream conversation history attached
// to a task. User messages are preserved up to 8KB; assistant messages are
// hard-capped at 150 characters at ingestion.
type ConversationEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation history truncation bounds.
const (
	ConversationUserMaxBytes      = 8 * 1024
	ConversationAssistantMaxRunes = 150
)

// TruncateConversation applies the per-role truncation rules in place and
// returns the entries.
func TruncateConversation(entries []ConversationEntry) []ConversationEntry {
	for i, e := range entries {
		switch e.Role {
		case "assistant":
			r := []rune(e.Content)
			if len(r) > ConversationAssistantMaxRunes {
				entries[i].Content = string(r[:ConversationAssistantMaxRunes])
			}
		default:
			if len(e.Content) > ConversationUserMaxBytes {
				entries[i].Content = e.Content[:ConversationUserMaxBytes]
			}
		}
	}
	return entries
}

// Phase is one ordered unit of work within a task.
type Phase struct {
	TaskID          string      `json:"task_id" db:"task_id"`
	PhaseIndex      int         `json:"phase_index" db:"phase_index"`
	Name            string      `json:"name" db:"name"`
	Description     string      `json:"description" db:"description"`
	Deliverables    []string    `json:"deliverables"`
	SuccessCriteria []string    `json:"success_criteria"`
	Status          PhaseStatus `json:"status" db:"status"`
	Version         int64       `json:"version" db:"version"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	// Set when the phase auto-transitioned to AWAITING_REVIEW.
	AutoSubmittedAt     *time.Time `json:"auto_submitted_at,omitempty"`
	AutoSubmittedReason string     `json:"auto_submitted_reason,omitempty"`
	// Set when the phase was escalated.
	EscalationReason string `json:"escalation_reason,omitempty"`
}

// PhaseSpec describes a phase at task-creation time.
type PhaseSpec struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Deliverables    []string `json:"deliverables,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

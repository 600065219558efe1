// Package events provides real-time event delivery to dashboard clients:
// an in-process pub-sub bus and a WebSocket connection manager. The
// orchestrator is single-host, so the bus is the only distribution
// mechanism; a bounded per-channel ring buffer backs catchup for late
// subscribers.
package events

// Event type constants.
const (
	EventTypeTaskStatus      = "task.status"
	EventTypePhaseStatus     = "phase.status"
	EventTypeAgentProgress   = "agent.progress"
	EventTypeAgentFinding    = "agent.finding"
	EventTypeReviewStatus    = "review.status"
	EventTypeHandoverCreated = "handover.created"
)

// GlobalTasksChannel receives every task-level event for the dashboard
// task-list page.
const GlobalTasksChannel = "tasks"

// TaskChannel is the per-task channel name.
func TaskChannel(taskID string) string { return "task:" + taskID }

// Event is one published event.
type Event struct {
	// ID is assigned by the bus per channel, monotonically increasing.
	ID      int            `json:"id"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// TaskStatusPayload announces a task status change.
type TaskStatusPayload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// PhaseStatusPayload announces a phase status change.
type PhaseStatusPayload struct {
	TaskID     string `json:"task_id"`
	PhaseIndex int    `json:"phase_index"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// AgentProgressPayload announces a progress event.
type AgentProgressPayload struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// AgentFindingPayload announces a finding event.
type AgentFindingPayload struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	FindingType string `json:"finding_type"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
}

// ReviewStatusPayload announces review lifecycle changes.
type ReviewStatusPayload struct {
	TaskID       string `json:"task_id"`
	ReviewID     string `json:"review_id"`
	PhaseIndex   int    `json:"phase_index"`
	Status       string `json:"status"`
	FinalVerdict string `json:"final_verdict,omitempty"`
}

// HandoverCreatedPayload announces a persisted handover.
type HandoverCreatedPayload struct {
	TaskID         string `json:"task_id"`
	FromPhaseIndex int    `json:"from_phase_index"`
}

// ClientMessage is a message from a WebSocket client.
type ClientMessage struct {
	Action      string `json:"action"`
	Channel     string `json:"channel,omitempty"`
	LastEventID *int   `json:"last_event_id,omitempty"`
}

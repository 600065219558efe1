// Package prompt renders agent prompt files. A Spec collects the pieces
// (protocol, type requirements, task context, accumulated context) and is
// rendered once at spawn time; there is no ad-hoc string interpolation
// elsewhere.
package prompt

import (
	"fmt"
	"strings"

	"github.com/agentmux/agentmux/pkg/models"
)

// Spec is the structured input to prompt rendering.
type Spec struct {
	AgentID    string
	AgentType  string
	TaskID     string
	PhaseIndex int

	// Instructions is the caller-supplied work order.
	Instructions string

	// TypeRequirements is appended verbatim after the universal protocol;
	// callers customize per agent type.
	TypeRequirements string

	// TaskContext carries the structured context captured at task
	// creation.
	TaskContext *models.TaskContext

	// Accumulated is the rendered context-accumulator preamble.
	Accumulated string

	// HandoverTail is the rendered handover of the previous phase, when
	// one exists.
	HandoverTail string
}

// universalProtocol instructs every agent how to report back. The wording
// is deliberately minimal; the reporting contract matters, not the prose.
const universalProtocol = `You are a headless coding agent managed by an orchestrator.

Reporting protocol:
- Report progress with update_agent_progress(task_id, agent_id, status, message, progress).
- Report discoveries with report_agent_finding(task_id, agent_id, type, severity, message).
- Statuses: running, working, blocked, reviewing, completed, failed.
- When your work is done, send a final completed update with progress=100.`

// Render produces the full prompt file contents.
func Render(s Spec) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "AGENT_ID: %s\nTASK_ID: %s\nAGENT_TYPE: %s\nPHASE_INDEX: %d\n\n",
		s.AgentID, s.TaskID, s.AgentType, s.PhaseIndex)
	sb.WriteString(universalProtocol)
	sb.WriteString("\n")

	if s.TypeRequirements != "" {
		fmt.Fprintf(&sb, "\n## Role: %s\n%s\n", s.AgentType, s.TypeRequirements)
	}

	if s.TaskContext != nil {
		renderTaskContext(&sb, s.TaskContext)
	}

	if s.Accumulated != "" {
		sb.WriteString("\n")
		sb.WriteString(s.Accumulated)
	}

	if s.HandoverTail != "" {
		sb.WriteString("\n## Previous Phase Handover\n")
		sb.WriteString(s.HandoverTail)
		sb.WriteString("\n")
	}

	if s.Instructions != "" {
		sb.WriteString("\n## Your Assignment\n")
		sb.WriteString(s.Instructions)
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderTaskContext(sb *strings.Builder, tc *models.TaskContext) {
	writeList := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(sb, "\n**%s:**\n", title)
		for _, it := range items {
			fmt.Fprintf(sb, "- %s\n", it)
		}
	}
	writeList("Constraints", tc.Constraints)
	writeList("Relevant Files", tc.RelevantFiles)
	writeList("Related Docs", tc.RelatedDocs)

	if len(tc.ConversationHistory) > 0 {
		sb.WriteString("\n**Conversation History:**\n")
		for _, e := range tc.ConversationHistory {
			fmt.Fprintf(sb, "[%s] %s\n", e.Role, e.Content)
		}
	}
}

// Preview returns the first n characters of a prompt for the agent row.
func Preview(full string, n int) string {
	r := []rune(full)
	if len(r) <= n {
		return full
	}
	return string(r[:n])
}

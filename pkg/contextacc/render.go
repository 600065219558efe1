package contextacc

import (
	"fmt"
	"strings"
)

// CharsPerToken is the estimation ratio used for budgeting.
const CharsPerToken = 4

// Per-section budgets in tokens.
const (
	taskDescriptionBudget = 500
	rejectionNotesBudget  = 100
)

// EstimateTokens estimates the token count of text at 4 chars/token.
func EstimateTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// truncateToTokens cuts text to a token budget without splitting the final
// word boundary awkwardly mid-rune.
func truncateToTokens(text string, maxTokens int) string {
	limit := maxTokens * CharsPerToken
	if len(text) <= limit {
		return text
	}
	r := []rune(text)
	if len(r) > limit {
		r = r[:limit]
	}
	return string(r) + "..."
}

const renderHeader = `===============================================================================
TASK CONTEXT ACCUMULATOR - READ CAREFULLY BEFORE STARTING
===============================================================================
`

const renderFooter = `===============================================================================
BUILD ON THIS CONTEXT - DO NOT DUPLICATE OR IGNORE PREVIOUS WORK
===============================================================================
`

// Render produces the Markdown preamble appended to the agent's prompt.
// The output never exceeds maxTokens * CharsPerToken characters.
//
// Priority order (never dropped): original task, current-phase
// deliverables/criteria, rejection findings. Drop order when over budget:
// active blockers, project context, phase summaries, generic critical
// findings.
func Render(acc *Accumulated, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	mandatory := []string{
		renderHeader,
		renderOriginalTask(acc),
		renderCurrentPhase(acc),
		renderRejection(acc),
	}
	// Optional sections listed lowest priority first so the truncation
	// loop drops from the front.
	optional := []string{
		renderBlockers(acc),
		renderProjectContext(acc),
		renderPhaseSummaries(acc),
		renderCriticalFindings(acc),
	}

	assemble := func(opt []string) string {
		var sb strings.Builder
		for _, s := range mandatory {
			if s != "" {
				sb.WriteString(s)
				sb.WriteString("\n")
			}
		}
		// Optional sections render highest priority first.
		for i := len(opt) - 1; i >= 0; i-- {
			if opt[i] != "" {
				sb.WriteString(opt[i])
				sb.WriteString("\n")
			}
		}
		sb.WriteString(renderFooter)
		return sb.String()
	}

	out := assemble(optional)
	for len(out) > maxTokens*CharsPerToken && len(optional) > 0 {
		optional = optional[1:]
		out = assemble(optional)
	}
	if limit := maxTokens * CharsPerToken; len(out) > limit {
		// Mandatory sections alone exceed the budget; hard-cut at the
		// last whole rune under the limit.
		r := []rune(out)
		for len(r) > 0 && len(string(r)) > limit {
			r = r[:len(r)-1]
		}
		out = string(r)
	}
	return out
}

func renderOriginalTask(acc *Accumulated) string {
	desc := truncateToTokens(acc.OriginalDescription, taskDescriptionBudget)
	s := fmt.Sprintf("## Original Task\n%s\n", desc)
	if acc.BackgroundContext != "" {
		s += fmt.Sprintf("\n**Background:** %s\n", truncateToTokens(acc.BackgroundContext, taskDescriptionBudget))
	}
	return s
}

func renderCurrentPhase(acc *Accumulated) string {
	if len(acc.CurrentPhaseDeliverables) == 0 && len(acc.CurrentPhaseSuccessCriteria) == 0 &&
		acc.CurrentPhaseName == "" {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Current Phase: %s\n", acc.CurrentPhaseName)
	if acc.CurrentPhaseDescription != "" {
		desc := acc.CurrentPhaseDescription
		if len(desc) > 200 {
			desc = desc[:200]
		}
		sb.WriteString(desc)
		sb.WriteString("\n")
	}
	if len(acc.CurrentPhaseDeliverables) > 0 {
		sb.WriteString("\n**Deliverables:**\n")
		for _, d := range capList(acc.CurrentPhaseDeliverables, 10) {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
	}
	if len(acc.CurrentPhaseSuccessCriteria) > 0 {
		sb.WriteString("\n**Success Criteria:**\n")
		for _, c := range capList(acc.CurrentPhaseSuccessCriteria, 10) {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	return sb.String()
}

func renderRejection(acc *Accumulated) string {
	if !acc.WasRejected || len(acc.RejectionFindings) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## PHASE WAS REJECTED - FIX REQUIRED\n")
	sb.WriteString("**YOU MUST FIX THESE ISSUES:**\n")
	for i, f := range acc.RejectionFindings {
		if i == 10 {
			break
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", strings.ToUpper(string(f.Severity)), f.Message)
	}
	if acc.RejectionNotes != "" {
		fmt.Fprintf(&sb, "\n**Reviewer Notes:** %s\n",
			truncateToTokens(acc.RejectionNotes, rejectionNotesBudget))
	}
	return sb.String()
}

func renderCriticalFindings(acc *Accumulated) string {
	if len(acc.CriticalFindings) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Critical Findings from Previous Phases\n")
	for _, f := range acc.CriticalFindings {
		fmt.Fprintf(&sb, "- [P%d][%s] %s: %s\n",
			f.PhaseIndex+1, strings.ToUpper(string(f.Severity)), f.Type, f.Message)
	}
	return sb.String()
}

func renderPhaseSummaries(acc *Accumulated) string {
	if len(acc.PhaseSummaries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Previous Phase Outcomes\n")
	for _, s := range acc.PhaseSummaries {
		verdict := "?"
		switch s.Verdict {
		case "approved":
			verdict = "APPROVED"
		case "rejected":
			verdict = "REJECTED"
		case "needs_revision":
			verdict = "REVISION"
		}
		name := s.PhaseName
		if name == "" {
			name = fmt.Sprintf("Phase %d", s.PhaseIndex)
		}
		if s.Handover != nil && s.Handover.Summary != "" {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", verdict, name, s.Handover.Summary)
		} else {
			fmt.Fprintf(&sb, "- [%s] %s\n", verdict, name)
		}
	}
	return sb.String()
}

func renderBlockers(acc *Accumulated) string {
	if len(acc.ActiveBlockers) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Active Blockers\n")
	for _, b := range acc.ActiveBlockers {
		fmt.Fprintf(&sb, "- %s\n", b)
	}
	return sb.String()
}

func renderProjectContext(acc *Accumulated) string {
	if len(acc.ProjectContext) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Project Context\n")
	for _, key := range []string{"framework", "dev_server_port", "test_url"} {
		if v, ok := acc.ProjectContext[key]; ok && v != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", strings.ReplaceAll(key, "_", " "), v)
		}
	}
	if sb.Len() == len("## Project Context\n") {
		return ""
	}
	return sb.String()
}

func capList(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

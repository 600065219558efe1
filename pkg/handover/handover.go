// Package handover assembles the structured between-phase summary written
// when a phase is approved. Documents are token-budgeted: lists truncate by
// element count, never mid-bullet.
package handover

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/workspace"
)

// DefaultMaxTokens is the rendering ceiling when none is configured.
const DefaultMaxTokens = 3000

// charsPerToken is the estimation ratio shared with the context
// accumulator.
const charsPerToken = 4

// Field caps.
const (
	summaryTokenCap  = 300
	keyFindingsCap   = 10
	recommendsCap    = 10
)

// Generator assembles handovers from the state store.
type Generator struct {
	store     *store.Store
	MaxTokens int
}

// NewGenerator creates a handover generator.
func NewGenerator(s *store.Store) *Generator {
	return &Generator{store: s, MaxTokens: DefaultMaxTokens}
}

// Generate assembles the handover for an approved phase from that phase's
// findings, the review's verdicts, and each phase agent's last progress
// message, then persists it to the store and as Markdown under the task
// workspace.
func (g *Generator) Generate(ctx context.Context, taskID string, phaseIndex int, taskWorkspace string) (*models.Handover, error) {
	findings, err := g.store.ListPhaseFindings(ctx, taskID, phaseIndex)
	if err != nil {
		return nil, err
	}
	agents, err := g.store.ListPhaseAgents(ctx, taskID, phaseIndex)
	if err != nil {
		return nil, err
	}

	var verdicts []models.ReviewVerdict
	if review, err := g.store.LatestReviewForPhase(ctx, taskID, phaseIndex); err == nil {
		verdicts, _ = g.store.ListVerdicts(ctx, review.ReviewID)
	}

	lastMessages := make(map[string]string, len(agents))
	for _, a := range agents {
		if p, err := g.store.LatestProgress(ctx, taskID, a.AgentID); err == nil {
			lastMessages[a.AgentID] = p.Message
		}
	}

	h := g.assemble(taskID, phaseIndex, findings, agents, verdicts, lastMessages)
	g.budget(h)

	if err := g.store.SaveHandover(ctx, h); err != nil {
		return nil, err
	}
	if taskWorkspace != "" {
		path := workspace.HandoverPath(taskWorkspace, phaseIndex)
		if err := os.WriteFile(path, []byte(RenderMarkdown(h)), 0o644); err != nil {
			// The store row is authoritative; the file is for humans.
			return h, nil
		}
	}
	return h, nil
}

func (g *Generator) assemble(taskID string, phaseIndex int, findings []models.FindingEvent, agents []*models.Agent, verdicts []models.ReviewVerdict, lastMessages map[string]string) *models.Handover {
	h := &models.Handover{
		TaskID:         taskID,
		FromPhaseIndex: phaseIndex,
		CreatedAt:      time.Now(),
	}

	// Severity-ranked findings feed key_findings; solutions against
	// blockers feed blockers_resolved; recommendations pass through.
	ranked := make([]models.FindingEvent, len(findings))
	copy(ranked, findings)
	sort.SliceStable(ranked, func(i, j int) bool {
		return severityRank(ranked[i].Severity) < severityRank(ranked[j].Severity)
	})

	blockers := map[string]bool{}
	for _, f := range ranked {
		switch f.Type {
		case models.FindingBlocker:
			blockers[f.Message] = true
			h.KeyFindings = append(h.KeyFindings, fmt.Sprintf("[%s] %s", f.Severity, f.Message))
		case models.FindingRecommendation:
			h.Recommendations = append(h.Recommendations, f.Message)
		case models.FindingSolution:
			if blockers[f.Message] {
				h.BlockersResolved = append(h.BlockersResolved, f.Message)
			} else {
				h.KeyFindings = append(h.KeyFindings, fmt.Sprintf("[%s] %s", f.Severity, f.Message))
			}
		default:
			h.KeyFindings = append(h.KeyFindings, fmt.Sprintf("[%s] %s", f.Severity, f.Message))
		}
		if data, ok := f.Data["artifacts"]; ok {
			if list, ok := data.([]any); ok {
				for _, a := range list {
					if s, ok := a.(string); ok {
						h.Artifacts = append(h.Artifacts, s)
					}
				}
			}
		}
	}

	var summaries []string
	for _, a := range agents {
		switch a.Status {
		case models.AgentCompleted, models.AgentPhaseCompleted:
			h.Metrics.AgentsCompleted++
		case models.AgentFailed, models.AgentError, models.AgentKilled:
			h.Metrics.AgentsFailed++
		}
	}
	h.Metrics.FindingsTotal = len(findings)
	h.Metrics.ReviewVerdicts = len(verdicts)

	// The summary leads with agent outcomes and each agent's last progress
	// message, and closes with reviewer notes.
	summaries = append(summaries, fmt.Sprintf(
		"Phase %d finished with %d/%d agents completed and %d findings reported.",
		phaseIndex, h.Metrics.AgentsCompleted, len(agents), len(findings)))
	for _, a := range agents {
		if msg := lastMessages[a.AgentID]; msg != "" {
			summaries = append(summaries, fmt.Sprintf("%s: %s", a.AgentID, msg))
		}
	}
	for _, v := range verdicts {
		if v.Notes != "" {
			summaries = append(summaries, fmt.Sprintf("Reviewer %s (%s): %s", v.ReviewerAgentID, v.Verdict, v.Notes))
		}
	}
	h.Summary = strings.Join(summaries, " ")
	return h
}

// budget enforces the field caps and the overall token ceiling. Sections
// are trimmed lowest priority first: artifacts, recommendations,
// blockers_resolved, key_findings; the summary is truncated last.
func (g *Generator) budget(h *models.Handover) {
	maxTokens := g.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	if len(h.KeyFindings) > keyFindingsCap {
		h.KeyFindings = h.KeyFindings[:keyFindingsCap]
	}
	if len(h.Recommendations) > recommendsCap {
		h.Recommendations = h.Recommendations[:recommendsCap]
	}
	if t := summaryTokenCap * charsPerToken; len(h.Summary) > t {
		h.Summary = h.Summary[:t]
	}

	over := func() bool {
		return len(RenderMarkdown(h)) > maxTokens*charsPerToken
	}
	trim := func(list *[]string) {
		for over() && len(*list) > 0 {
			*list = (*list)[:len(*list)-1]
		}
	}
	trim(&h.Artifacts)
	trim(&h.Recommendations)
	trim(&h.BlockersResolved)
	trim(&h.KeyFindings)
	for over() && len(h.Summary) > charsPerToken {
		h.Summary = h.Summary[:len(h.Summary)-len(h.Summary)/4]
	}
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 0
	case models.SeverityHigh:
		return 1
	case models.SeverityMedium:
		return 2
	default:
		return 3
	}
}

// RenderMarkdown renders the handover for human inspection.
func RenderMarkdown(h *models.Handover) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Phase %d Handover\n\n", h.FromPhaseIndex)
	fmt.Fprintf(&sb, "## Summary\n%s\n", h.Summary)

	writeList := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&sb, "\n## %s\n", title)
		for _, it := range items {
			fmt.Fprintf(&sb, "- %s\n", it)
		}
	}
	writeList("Key Findings", h.KeyFindings)
	writeList("Artifacts", h.Artifacts)
	writeList("Blockers Resolved", h.BlockersResolved)
	writeList("Recommendations", h.Recommendations)

	fmt.Fprintf(&sb, "\n## Metrics\n- Agents completed: %d\n- Agents failed: %d\n- Findings: %d\n- Review verdicts: %d\n",
		h.Metrics.AgentsCompleted, h.Metrics.AgentsFailed,
		h.Metrics.FindingsTotal, h.Metrics.ReviewVerdicts)
	return sb.String()
}

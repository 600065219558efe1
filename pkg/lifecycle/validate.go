package lifecycle

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentmux/agentmux/pkg/models"
)

// suspiciousPhrases in a completion message lower confidence; they
// correlate with agents declaring victory without evidence.
var suspiciousPhrases = []string{
	"should work",
	"probably works",
	"i assume",
	"untested",
	"did not test",
	"didn't test",
}

// minProgressEntries is the expected floor of progress updates for a
// completed agent.
const minProgressEntries = 3

// suspiciousSpeed flags completions implausibly soon after spawn.
const suspiciousSpeed = 60 * time.Second

// validateCompletion scores an agent's completion claim from workspace
// evidence. Advisory only: the result is stored on the agent row and the
// completion is never refused.
func (m *Manager) validateCompletion(_ context.Context, taskWorkspace string, agent *models.Agent, message string) *models.CompletionValidation {
	v := &models.CompletionValidation{Confidence: 1.0}

	v.Evidence.ModifiedFiles = countFilesModifiedSince(taskWorkspace, agent.StartedAt)
	if v.Evidence.ModifiedFiles == 0 {
		v.Warnings = append(v.Warnings,
			"no files created or modified in workspace - limited evidence of work")
		v.Confidence -= 0.2
	}

	v.Evidence.ProgressEntries = countLines(agent.Tracked.Progress)
	if v.Evidence.ProgressEntries < minProgressEntries {
		v.Warnings = append(v.Warnings, "fewer progress updates than expected")
		v.Confidence -= 0.15
	}

	v.Evidence.Findings = countLines(agent.Tracked.Findings)

	lowerMsg := strings.ToLower(message)
	for _, phrase := range suspiciousPhrases {
		if strings.Contains(lowerMsg, phrase) {
			v.Warnings = append(v.Warnings, "completion message contains suspicious phrase: "+phrase)
			v.Confidence -= 0.15
			break
		}
	}
	if len(message) < 20 {
		v.Warnings = append(v.Warnings, "completion message is very short")
		v.Confidence -= 0.1
	}

	if time.Since(agent.StartedAt) < suspiciousSpeed {
		v.Warnings = append(v.Warnings, "agent completed suspiciously quickly")
		v.Confidence -= 0.2
	}

	if v.Confidence < 0 {
		v.Confidence = 0
	}
	return v
}

// countFilesModifiedSince walks the task workspace counting files whose
// mtime postdates the agent's start. Archive and registry files are
// skipped; they churn from orchestrator bookkeeping, not agent work.
func countFilesModifiedSince(root string, since time.Time) int {
	if root == "" {
		return 0
	}
	count := 0
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == "archive" || name == "registry" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(since) {
			count++
		}
		return nil
	})
	return count
}

func countLines(path string) int {
	if path == "" {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n
}

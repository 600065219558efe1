// Package workspace resolves the on-disk layout of task workspaces. The
// layout is a cache over the state store; these helpers only compute paths
// and create directories.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout is the directory structure under one task workspace.
const (
	LogsDir      = "logs"
	ProgressDir  = "progress"
	FindingsDir  = "findings"
	HandoversDir = "handovers"
	ArchiveDir   = "archive"
	OutputDir    = "output"
)

// TaskDir returns the workspace path for a task.
func TaskDir(workspaceBase, taskID string) string {
	return filepath.Join(workspaceBase, taskID)
}

// CreateTaskDirs creates the full directory skeleton of a task workspace.
func CreateTaskDirs(workspaceBase, taskID string) (string, error) {
	ws := TaskDir(workspaceBase, taskID)
	for _, d := range []string{"", LogsDir, ProgressDir, FindingsDir, HandoversDir, ArchiveDir, OutputDir} {
		if err := os.MkdirAll(filepath.Join(ws, d), 0o755); err != nil {
			return "", fmt.Errorf("failed to create workspace dir %q: %w", d, err)
		}
	}
	return ws, nil
}

// FindTaskDir locates the workspace of a task under a base, or "" when it
// does not exist on disk.
func FindTaskDir(workspaceBase, taskID string) string {
	ws := TaskDir(workspaceBase, taskID)
	if info, err := os.Stat(ws); err == nil && info.IsDir() {
		return ws
	}
	return ""
}

// ListTaskDirs returns the task IDs present under a workspace base.
func ListTaskDirs(workspaceBase string) ([]string, error) {
	entries, err := os.ReadDir(workspaceBase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workspace base: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "TASK-") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// StreamLogPath returns the agent's stream log location.
func StreamLogPath(taskWorkspace, agentID string) string {
	return filepath.Join(taskWorkspace, LogsDir, agentID+"_stream.jsonl")
}

// ProgressPath returns the agent's progress JSONL location.
func ProgressPath(taskWorkspace, agentID string) string {
	return filepath.Join(taskWorkspace, ProgressDir, agentID+"_progress.jsonl")
}

// FindingsPath returns the agent's findings JSONL location.
func FindingsPath(taskWorkspace, agentID string) string {
	return filepath.Join(taskWorkspace, FindingsDir, agentID+"_findings.jsonl")
}

// PromptPath returns the agent's ephemeral prompt file location.
func PromptPath(taskWorkspace, agentID string) string {
	return filepath.Join(taskWorkspace, fmt.Sprintf("agent_prompt_%s.txt", agentID))
}

// HandoverPath returns the human-readable handover document location.
func HandoverPath(taskWorkspace string, phaseIndex int) string {
	return filepath.Join(taskWorkspace, HandoversDir, fmt.Sprintf("phase_%d.md", phaseIndex))
}

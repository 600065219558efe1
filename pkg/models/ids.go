package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task IDs encode creation time so lexicographic order approximates
// chronological order: TASK-YYYYMMDD-HHMMSS-<8 hex>.
var taskIDPattern = regexp.MustCompile(`^TASK-\d{8}-\d{6}-[0-9a-f]{8}$`)

// Agent IDs are <type>-HHMMSS-<6 hex>, globally unique across workspaces.
var agentIDPattern = regexp.MustCompile(`^[a-z0-9_-]+-\d{6}-[0-9a-f]{6}$`)

// NewTaskID allocates a task ID for the given creation time.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("TASK-%s-%s", now.Format("20060102-150405"), hexSuffix(8))
}

// NewAgentID allocates an agent ID for the given type and spawn time.
func NewAgentID(agentType string, now time.Time) string {
	t := strings.ToLower(strings.TrimSpace(agentType))
	return fmt.Sprintf("%s-%s-%s", t, now.Format("150405"), hexSuffix(6))
}

// ValidTaskID reports whether id matches the task ID format.
func ValidTaskID(id string) bool { return taskIDPattern.MatchString(id) }

// ValidAgentID reports whether id matches the agent ID format.
func ValidAgentID(id string) bool { return agentIDPattern.MatchString(id) }

func hexSuffix(n int) string {
	s := strings.ReplaceAll(uuid.New().String(), "-", "")
	return s[:n]
}

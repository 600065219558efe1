package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TaskRegistryFile is the per-task legacy cache name.
const TaskRegistryFile = "AGENT_REGISTRY.json"

// GlobalRegistryFile is the per-workspace legacy cache name.
const GlobalRegistryFile = "GLOBAL_REGISTRY.json"

// TaskRegistry mirrors one task's state as JSON. Field names are the wire
// contract regardless of writer.
type TaskRegistry struct {
	TaskID            string          `json:"task_id"`
	Description       string          `json:"description,omitempty"`
	Status            string          `json:"status,omitempty"`
	Priority          string          `json:"priority,omitempty"`
	CurrentPhaseIndex int             `json:"current_phase_index"`
	Phases            []PhaseEntry    `json:"phases,omitempty"`
	Agents            []AgentEntry    `json:"agents,omitempty"`
	Version           int64           `json:"version"`
	UpdatedAt         string          `json:"updated_at,omitempty"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

// PhaseEntry is one phase in the registry mirror.
type PhaseEntry struct {
	PhaseIndex          int      `json:"phase_index"`
	Name                string   `json:"name,omitempty"`
	Status              string   `json:"status,omitempty"`
	Deliverables        []string `json:"deliverables,omitempty"`
	SuccessCriteria     []string `json:"success_criteria,omitempty"`
	AutoSubmittedAt     string   `json:"auto_submitted_at,omitempty"`
	AutoSubmittedReason string   `json:"auto_submitted_reason,omitempty"`
}

// AgentEntry is one agent in the registry mirror.
type AgentEntry struct {
	ID            string `json:"id"`
	Type          string `json:"type,omitempty"`
	Parent        string `json:"parent,omitempty"`
	Depth         int    `json:"depth,omitempty"`
	PhaseIndex    int    `json:"phase_index"`
	TmuxSession   string `json:"tmux_session,omitempty"`
	ClaudePID     int    `json:"claude_pid,omitempty"`
	CursorPID     int    `json:"cursor_pid,omitempty"`
	Status        string `json:"status,omitempty"`
	Progress      int    `json:"progress,omitempty"`
	StartedAt     string `json:"started_at,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Store reads and writes registry files under advisory locks.
type Store struct {
	// LockTimeout bounds every lock acquisition. Zero means DefaultLockTimeout.
	LockTimeout time.Duration
}

func (s *Store) timeout() time.Duration {
	if s.LockTimeout > 0 {
		return s.LockTimeout
	}
	return DefaultLockTimeout
}

// ReadTask loads a task registry under a shared lock. A missing file yields
// an empty registry, not an error.
func (s *Store) ReadTask(workspace string) (*TaskRegistry, error) {
	path := filepath.Join(workspace, TaskRegistryFile)
	if _, err := os.Stat(workspace); errors.Is(err, os.ErrNotExist) {
		// No workspace directory means no registry and nowhere to lock.
		return &TaskRegistry{}, nil
	}
	lock, err := acquireLock(path, false, s.timeout())
	if err != nil {
		return nil, err
	}
	defer lock.release()
	return readTaskLocked(path)
}

// WriteTask replaces a task registry under an exclusive lock. The write is
// atomic: temp file then rename.
func (s *Store) WriteTask(workspace string, reg *TaskRegistry) error {
	path := filepath.Join(workspace, TaskRegistryFile)
	lock, err := acquireLock(path, true, s.timeout())
	if err != nil {
		return err
	}
	defer lock.release()
	return writeTaskLocked(path, reg)
}

// UpdateTask performs a read-modify-write cycle under one exclusive lock.
// fn receives the current registry and mutates it; the version counter is
// bumped on commit. expectedVersion < 0 skips the compare-and-swap.
func (s *Store) UpdateTask(workspace string, expectedVersion int64, fn func(*TaskRegistry) error) (*TaskRegistry, error) {
	path := filepath.Join(workspace, TaskRegistryFile)
	lock, err := acquireLock(path, true, s.timeout())
	if err != nil {
		return nil, err
	}
	defer lock.release()

	reg, err := readTaskLocked(path)
	if err != nil {
		return nil, err
	}
	if expectedVersion >= 0 && reg.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if err := fn(reg); err != nil {
		return nil, err
	}
	reg.Version++
	reg.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := writeTaskLocked(path, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// ErrVersionConflict is returned by UpdateTask when the registry version
// moved between the caller's read and its compare-and-swap.
var ErrVersionConflict = errors.New("registry version conflict")

func readTaskLocked(path string) (*TaskRegistry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &TaskRegistry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	var reg TaskRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	return &reg, nil
}

func writeTaskLocked(path string, reg *TaskRegistry) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}

// GlobalRegistry mirrors workspace-wide agent bookkeeping.
type GlobalRegistry struct {
	Agents    map[string]GlobalAgentEntry `json:"agents,omitempty"`
	Counts    GlobalCounts                `json:"counts"`
	Version   int64                       `json:"version"`
	UpdatedAt string                      `json:"updated_at,omitempty"`
}

// GlobalAgentEntry is one agent in the workspace-wide mirror.
type GlobalAgentEntry struct {
	TaskID        string `json:"task_id"`
	Type          string `json:"type,omitempty"`
	TmuxSession   string `json:"tmux_session,omitempty"`
	Status        string `json:"status,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// GlobalCounts tracks workspace-wide totals.
type GlobalCounts struct {
	ActiveAgents int `json:"active_agents"`
	TotalAgents  int `json:"total_agents"`
}

// UpdateGlobal performs a read-modify-write on the workspace global
// registry under one exclusive lock.
func (s *Store) UpdateGlobal(workspaceBase string, fn func(*GlobalRegistry) error) (*GlobalRegistry, error) {
	dir := filepath.Join(workspaceBase, "registry")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry dir: %w", err)
	}
	path := filepath.Join(dir, GlobalRegistryFile)
	lock, err := acquireLock(path, true, s.timeout())
	if err != nil {
		return nil, err
	}
	defer lock.release()

	var reg GlobalRegistry
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &reg); err != nil {
			return nil, fmt.Errorf("failed to parse global registry: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read global registry: %w", err)
	}
	if reg.Agents == nil {
		reg.Agents = make(map[string]GlobalAgentEntry)
	}

	if err := fn(&reg); err != nil {
		return nil, err
	}
	reg.Version++
	reg.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	out, err := json.MarshalIndent(&reg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal global registry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write global registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("failed to replace global registry: %w", err)
	}
	return &reg, nil
}

// ReadGlobal loads the workspace global registry under a shared lock.
func (s *Store) ReadGlobal(workspaceBase string) (*GlobalRegistry, error) {
	path := filepath.Join(workspaceBase, "registry", GlobalRegistryFile)
	lock, err := acquireLock(path, false, s.timeout())
	if err != nil {
		return nil, err
	}
	defer lock.release()

	var reg GlobalRegistry
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		reg.Agents = make(map[string]GlobalAgentEntry)
		return &reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read global registry: %w", err)
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse global registry: %w", err)
	}
	if reg.Agents == nil {
		reg.Agents = make(map[string]GlobalAgentEntry)
	}
	return &reg, nil
}

package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/registry"
)

// Reconcile rebuilds derived state for one task workspace from its JSON
// registry and JSONL tails. Registry rows and latest progress are upserted
// and each agent's findings are replaced wholesale from its JSONL, so
// running it any number of times on unchanged files produces an identical
// snapshot. Used on startup after
// a lost database and periodically to absorb rows written by legacy tools.
func (s *Store) Reconcile(ctx context.Context, taskWorkspace string) error {
	regStore := &registry.Store{}
	reg, err := regStore.ReadTask(taskWorkspace)
	if err != nil {
		return fmt.Errorf("failed to read task registry: %w", err)
	}
	if reg.TaskID == "" {
		// Nothing on disk; not an error.
		return nil
	}

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, e := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, workspace, description, status, priority, current_phase_index, version)
			VALUES (?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT (task_id) DO UPDATE SET
			  workspace = excluded.workspace,
			  description = excluded.description,
			  status = excluded.status,
			  priority = excluded.priority,
			  current_phase_index = excluded.current_phase_index`,
			reg.TaskID, taskWorkspace, reg.Description, reg.Status, reg.Priority,
			reg.CurrentPhaseIndex)
		if e != nil {
			return fmt.Errorf("failed to upsert task: %w", e)
		}

		for _, p := range reg.Phases {
			_, e = tx.ExecContext(ctx, `
				INSERT INTO phases (task_id, phase_index, name, status, deliverables, success_criteria, version)
				VALUES (?, ?, ?, ?, ?, ?, 0)
				ON CONFLICT (task_id, phase_index) DO UPDATE SET
				  name = excluded.name,
				  status = excluded.status,
				  deliverables = excluded.deliverables,
				  success_criteria = excluded.success_criteria`,
				reg.TaskID, p.PhaseIndex, p.Name, p.Status,
				marshalJSON(p.Deliverables), marshalJSON(p.SuccessCriteria))
			if e != nil {
				return fmt.Errorf("failed to upsert phase %d: %w", p.PhaseIndex, e)
			}
		}

		for _, a := range reg.Agents {
			progress := a.Progress
			status := models.NormalizeAgentStatus(a.Status, &progress)
			_, e = tx.ExecContext(ctx, `
				INSERT INTO agents
				  (agent_id, task_id, type, parent, depth, phase_index, tmux_session,
				   claude_pid, cursor_pid, status, progress, started_at, completed_at, failure_reason)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (agent_id) DO UPDATE SET
				  status = excluded.status,
				  progress = excluded.progress,
				  completed_at = excluded.completed_at,
				  failure_reason = excluded.failure_reason`,
				a.ID, reg.TaskID, a.Type, a.Parent, a.Depth, a.PhaseIndex,
				a.TmuxSession, a.ClaudePID, a.CursorPID, string(status),
				a.Progress, a.StartedAt, nullIfEmpty(a.CompletedAt), a.FailureReason)
			if e != nil {
				return fmt.Errorf("failed to upsert agent %s: %w", a.ID, e)
			}

			_, e = tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO agent_hierarchy (task_id, parent, agent_id, depth)
				VALUES (?, ?, ?, ?)`,
				reg.TaskID, a.Parent, a.ID, a.Depth)
			if e != nil {
				return fmt.Errorf("failed to upsert hierarchy edge for %s: %w", a.ID, e)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Absorb JSONL tails outside the registry transaction; each upsert is
	// individually idempotent.
	s.reconcileProgressTails(ctx, reg.TaskID, taskWorkspace)
	s.reconcileFindingTails(ctx, reg.TaskID, taskWorkspace)
	return nil
}

func (s *Store) reconcileProgressTails(ctx context.Context, taskID, workspace string) {
	dir := filepath.Join(workspace, "progress")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_progress.jsonl") {
			continue
		}
		last, err := lastJSONLLine(filepath.Join(dir, e.Name()))
		if err != nil || last == nil {
			continue
		}
		var ev struct {
			Timestamp string `json:"timestamp"`
			AgentID   string `json:"agent_id"`
			Status    string `json:"status"`
			Message   string `json:"message"`
			Progress  int    `json:"progress"`
		}
		if json.Unmarshal(last, &ev) != nil || ev.AgentID == "" {
			continue
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO agent_progress_latest (task_id, agent_id, timestamp, status, progress, message)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (task_id, agent_id) DO UPDATE SET
			  timestamp = excluded.timestamp,
			  status = excluded.status,
			  progress = excluded.progress,
			  message = excluded.message`,
			taskID, ev.AgentID, ev.Timestamp,
			string(models.NormalizeAgentStatus(ev.Status, &ev.Progress)),
			ev.Progress, ev.Message)
		if err != nil {
			slog.Warn("Reconcile: failed to upsert progress tail",
				"agent_id", ev.AgentID, "error", err)
		}
	}
}

func (s *Store) reconcileFindingTails(ctx context.Context, taskID, workspace string) {
	dir := filepath.Join(workspace, "findings")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_findings.jsonl") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		// Findings have no natural key; replace the agent's rows wholesale
		// so repeated reconciliation stays idempotent.
		agentID := strings.TrimSuffix(e.Name(), "_findings.jsonl")
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM agent_findings WHERE task_id = ? AND agent_id = ?`, taskID, agentID); err != nil {
			_ = f.Close()
			continue
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var fe models.FindingEvent
			if json.Unmarshal([]byte(line), &fe) != nil || fe.AgentID == "" {
				continue
			}
			if err := s.InsertFinding(ctx, taskID, fe); err != nil {
				slog.Warn("Reconcile: failed to insert finding",
					"agent_id", fe.AgentID, "error", err)
			}
		}
		_ = f.Close()
	}
}

// lastJSONLLine returns the last non-empty line of a JSONL file.
func lastJSONLLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var last []byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			last = append(last[:0], line...)
		}
	}
	return last, sc.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/workspace"
)

// Escalating waits between process-termination verification attempts.
var cleanupRetryDelays = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// CleanupResources releases everything a terminal agent held: the
// multiplexer session, surviving child processes, the prompt file, and the
// log files (archived or deleted per configuration). Every step's outcome
// is recorded on the agent row; partial failures never mask the terminal
// status transition.
func (m *Manager) CleanupResources(ctx context.Context, task *models.Task, agent *models.Agent) *models.CleanupResult {
	res := &models.CleanupResult{Success: true}
	log := slog.With("agent_id", agent.AgentID)

	m.killSessionAndVerify(ctx, agent, res, log)

	// 2. Delete the ephemeral prompt file.
	if agent.Tracked.PromptFile != "" {
		err := os.Remove(agent.Tracked.PromptFile)
		if err == nil || os.IsNotExist(err) {
			res.PromptFileDeleted = true
		} else {
			res.Errors = append(res.Errors, fmt.Sprintf("prompt file: %v", err))
			res.Success = false
		}
	}

	// 3. Archive or delete the log files.
	m.archiveLogs(task, agent, res, log)

	// 4. Orphan scan: processes whose command line carries both the agent
	// id and the LLM binary name escaped the session tree.
	orphans, err := m.prober.FindByCmdline(ctx, agent.AgentID, m.cfg.LLMBinaryName)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("orphan scan: %v", err))
	} else if len(orphans) > 0 {
		res.SurvivorPIDs = orphans
		res.Success = false
		log.Warn("Cleanup found surviving orphan processes", "pids", orphans)
	} else {
		res.VerifiedNoOrphans = true
	}

	if err := m.store.SetAgentCleanup(ctx, agent.AgentID, res); err != nil {
		log.Warn("Failed to store cleanup record", "error", err)
	}
	return res
}

// killSessionAndVerify kills the session then verifies with escalating
// delays that no agent processes survive, sending SIGKILL to stragglers on
// the final attempt.
func (m *Manager) killSessionAndVerify(ctx context.Context, agent *models.Agent, res *models.CleanupResult, log *slog.Logger) {
	if agent.TmuxSession == "" {
		return
	}
	exists, err := m.mux.SessionExists(ctx, agent.TmuxSession)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("session probe: %v", err))
		return
	}
	if exists {
		if err := m.mux.KillSession(ctx, agent.TmuxSession); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("kill session: %v", err))
			res.Success = false
			return
		}
	}

	for attempt, delay := range cleanupRetryDelays {
		select {
		case <-ctx.Done():
			res.Errors = append(res.Errors, "cleanup cancelled during verification")
			return
		case <-time.After(delay):
		}

		survivors, err := m.prober.FindByCmdline(ctx, agent.AgentID, m.cfg.LLMBinaryName)
		if err != nil {
			log.Warn("Process verification failed", "attempt", attempt+1, "error", err)
			continue
		}
		if len(survivors) == 0 {
			res.SessionKilled = true
			return
		}
		if attempt < len(cleanupRetryDelays)-1 {
			log.Warn("Agent processes still alive after session kill",
				"count", len(survivors), "attempt", attempt+1)
			continue
		}

		// Final attempt: escalate.
		log.Error("Agent processes won't die gracefully, escalating to SIGKILL",
			"pids", survivors)
		killed := 0
		for _, pid := range survivors {
			if err := m.prober.Kill(pid); err != nil {
				log.Warn("SIGKILL failed", "pid", pid, "error", err)
				continue
			}
			killed++
		}
		if killed > 0 {
			time.Sleep(500 * time.Millisecond)
			res.SessionKilled = true
			res.EscalatedToSigkill = true
		}
	}
}

// archiveLogs moves (or deletes) the stream, progress, and findings files.
// Before archiving, each file's size must hold still briefly to avoid
// racing a writer; a file whose move fails stays where it is, nothing is
// copied, and the error is recorded.
func (m *Manager) archiveLogs(task *models.Task, agent *models.Agent, res *models.CleanupResult, log *slog.Logger) {
	paths := []string{
		agent.Tracked.StreamLog,
		agent.Tracked.Progress,
		agent.Tracked.Findings,
	}
	ws := workspace.TaskDir(task.WorkspaceBase, task.TaskID)
	archiveDir := filepath.Join(ws, workspace.ArchiveDir)

	allOK := true
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}

		if !m.cfg.Cleanup.KeepLogs {
			if err := os.Remove(p); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("delete %s: %v", filepath.Base(p), err))
				allOK = false
			}
			continue
		}

		m.waitForSizeStability(p)

		dest := filepath.Join(archiveDir, filepath.Base(p))
		if err := os.Rename(p, dest); err != nil {
			// Tolerant move: a cross-device or permission failure leaves
			// the file in place rather than losing audit data.
			res.Errors = append(res.Errors, fmt.Sprintf("archive %s: %v", filepath.Base(p), err))
			allOK = false
			continue
		}
		res.ArchivedFiles = append(res.ArchivedFiles, dest)
	}
	if allOK {
		res.LogFilesArchived = true
	} else {
		res.Success = false
		log.Warn("Log archival completed with errors", "errors", res.Errors)
	}
}

// waitForSizeStability waits until the file size holds across one
// stability window, bounded to a few rounds.
func (m *Manager) waitForSizeStability(path string) {
	wait := m.cfg.Cleanup.StabilityWait
	if wait <= 0 {
		return
	}
	var lastSize int64 = -1
	for i := 0; i < 4; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.Size() == lastSize {
			return
		}
		lastSize = info.Size()
		time.Sleep(wait)
	}
}

// Kill terminates an agent on user request: the same cleanup as any
// terminal transition plus the status moving to terminated.
func (m *Manager) Kill(ctx context.Context, taskID, agentID, reason string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.TaskID != taskID {
		return store.ErrNotFound
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if reason == "" {
		reason = "terminated by user request"
	}
	terminalEdge, err := m.store.MarkAgentTerminal(ctx, agentID, models.AgentTerminated, reason, false)
	if err != nil {
		return err
	}

	m.CleanupResources(ctx, task, agent)

	if terminalEdge {
		m.recordTerminal(string(models.AgentTerminated))
		m.mirrorTerminal(task, agentID, models.AgentTerminated, reason)
		m.CheckPhaseCompletion(ctx, taskID)
	}
	return nil
}

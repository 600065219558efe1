// Package health runs the background scanner that keeps agent state
// honest: it detects dead multiplexer sessions, dead LLM processes, and
// stuck agents, escalates them to failed, and re-runs the phase and review
// checks so a crashed agent cannot wedge a phase.
package health

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/lifecycle"
	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/proc"
	"github.com/agentmux/agentmux/pkg/registry"
	"github.com/agentmux/agentmux/pkg/review"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/tmux"
	"github.com/agentmux/agentmux/pkg/workspace"
)

// Status is the daemon's control-surface snapshot.
type Status struct {
	Running         bool      `json:"running"`
	RegisteredTasks []string  `json:"registered_tasks"`
	ScanCount       int       `json:"scan_count"`
	LastScan        time.Time `json:"last_scan"`
	AgentsFailed    int       `json:"agents_failed"`
}

// Daemon is the single background health scanner of an orchestrator
// process. It is an explicitly-owned handle with Start/Stop, not a
// module-level global.
type Daemon struct {
	cfg           config.HealthConfig
	workspaceBase string
	store         *store.Store
	global        *store.GlobalIndex
	agents        *lifecycle.Manager
	reviews       *review.Service
	registry      *registry.Store
	mux           tmux.Multiplexer
	prober        proc.Prober
	clock         clockwork.Clock
	metrics       *metrics.Metrics

	mu           sync.Mutex
	tasks        map[string]bool
	running      bool
	scanCount    int
	lastScan     time.Time
	agentsFailed int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDaemon wires a health daemon. global may be nil (no cross-workspace
// pass); clock may be a fake in tests.
func NewDaemon(cfg config.HealthConfig, workspaceBase string, s *store.Store, global *store.GlobalIndex, agents *lifecycle.Manager, reviews *review.Service, reg *registry.Store, mux tmux.Multiplexer, prober proc.Prober, clock clockwork.Clock) *Daemon {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Daemon{
		cfg:           cfg,
		workspaceBase: workspaceBase,
		store:         s,
		global:        global,
		agents:        agents,
		reviews:       reviews,
		registry:      reg,
		mux:           mux,
		prober:        prober,
		clock:         clock,
		tasks:         make(map[string]bool),
	}
}

// SetMetrics attaches the process instrument set. Nil leaves
// instrumentation off.
func (d *Daemon) SetMetrics(mx *metrics.Metrics) { d.metrics = mx }

// Start launches the scan loop. Starting a running daemon is a no-op.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	slog.Info("Health daemon started",
		"scan_interval", d.cfg.ScanInterval,
		"stuck_threshold", d.cfg.StuckThreshold)
}

// Stop signals the loop to exit between scans and waits for it.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done
	slog.Info("Health daemon stopped")
}

// RegisterTask adds a task to the scan set.
func (d *Daemon) RegisterTask(taskID string) {
	d.mu.Lock()
	d.tasks[taskID] = true
	d.mu.Unlock()
}

// UnregisterTask removes a task from the scan set.
func (d *Daemon) UnregisterTask(taskID string) {
	d.mu.Lock()
	delete(d.tasks, taskID)
	d.mu.Unlock()
}

// TriggerScan runs one synchronous scan, outside the loop cadence.
func (d *Daemon) TriggerScan(ctx context.Context) {
	d.scan(ctx)
}

// GetStatus returns the control-surface snapshot.
func (d *Daemon) GetStatus() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	tasks := make([]string, 0, len(d.tasks))
	for id := range d.tasks {
		tasks = append(tasks, id)
	}
	return Status{
		Running:         d.running,
		RegisteredTasks: tasks,
		ScanCount:       d.scanCount,
		LastScan:        d.lastScan,
		AgentsFailed:    d.agentsFailed,
	}
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	ticker := d.clock.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.scan(ctx)
		}
	}
}

// scan iterates registered tasks; every GlobalScanEvery-th scan also runs
// the cross-workspace pass. A scan failure never takes down the loop.
func (d *Daemon) scan(ctx context.Context) {
	d.mu.Lock()
	d.scanCount++
	count := d.scanCount
	d.lastScan = d.clock.Now()
	tasks := make([]string, 0, len(d.tasks))
	for id := range d.tasks {
		tasks = append(tasks, id)
	}
	every := d.cfg.GlobalScanEvery
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.HealthScans.Inc()
	}

	for _, taskID := range tasks {
		d.scanTaskHealth(ctx, taskID)
	}

	if every > 0 && count%every == 0 {
		d.globalPass(ctx)
	}
}

func (d *Daemon) scanTaskHealth(ctx context.Context, taskID string) {
	agents, err := d.store.ListAgents(ctx, taskID)
	if err != nil {
		slog.Error("Health scan: failed to list agents", "task_id", taskID, "error", err)
		return
	}

	var failed []failedAgent
	for _, a := range agents {
		if !a.Status.IsActive() {
			continue
		}
		if reason, healthy := d.checkAgentHealth(ctx, a); !healthy {
			failed = append(failed, failedAgent{agent: a, reason: reason})
		}
	}
	if len(failed) == 0 {
		return
	}
	d.markAgentsFailed(ctx, taskID, failed)
}

type failedAgent struct {
	agent  *models.Agent
	reason models.HealthReason
}

// checkAgentHealth applies the three probes in order: session existence,
// process liveness, and stream-log activity.
func (d *Daemon) checkAgentHealth(ctx context.Context, a *models.Agent) (models.HealthReason, bool) {
	if a.TmuxSession != "" {
		exists, err := d.mux.SessionExists(ctx, a.TmuxSession)
		if err == nil && !exists {
			return models.ReasonTmuxSessionDead, false
		}
	}

	if a.ClaudePID > 0 && !d.prober.Alive(a.ClaudePID) {
		return models.ReasonClaudeProcessDead, false
	}
	if a.CursorPID > 0 && !d.prober.Alive(a.CursorPID) {
		return models.ReasonCursorProcessDead, false
	}

	if a.Tracked.StreamLog != "" {
		if info, err := os.Stat(a.Tracked.StreamLog); err == nil {
			if d.clock.Now().Sub(info.ModTime()) > d.cfg.StuckThreshold {
				return models.ReasonAgentStuck, false
			}
		}
	}
	return "", true
}

// markAgentsFailed escalates unhealthy agents through the same
// terminal-transition bookkeeping as a self-reported failure, then re-runs
// the phase and review checks.
func (d *Daemon) markAgentsFailed(ctx context.Context, taskID string, failed []failedAgent) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		slog.Error("Health scan: failed to load task", "task_id", taskID, "error", err)
		return
	}

	anyWorker := false
	var deadReviewers []string
	for _, f := range failed {
		reason := "Health check failed: " + string(f.reason)
		slog.Warn("Agent unhealthy",
			"agent_id", f.agent.AgentID, "task_id", taskID, "reason", f.reason)

		edge, err := d.store.MarkAgentTerminal(ctx, f.agent.AgentID, models.AgentFailed, reason, false)
		if err != nil {
			slog.Error("Health scan: failed to mark agent failed",
				"agent_id", f.agent.AgentID, "error", err)
			continue
		}
		if !edge {
			// A self-report won the race; counters are already settled.
			continue
		}

		d.mu.Lock()
		d.agentsFailed++
		d.mu.Unlock()
		d.recordFailure(f.reason)

		d.mirrorFailure(task, f.agent.AgentID, reason)

		cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		d.agents.CleanupResources(cleanupCtx, task, f.agent)
		cancel()

		if f.agent.IsReviewer() {
			deadReviewers = append(deadReviewers, f.agent.AgentID)
		} else {
			anyWorker = true
		}
	}

	if anyWorker {
		d.agents.CheckPhaseCompletion(ctx, taskID)
	}
	for _, reviewerID := range deadReviewers {
		d.checkStalledReviews(ctx, reviewerID)
	}
}

// checkStalledReviews applies partial finalization to every in-progress
// review the dead reviewer belonged to.
func (d *Daemon) checkStalledReviews(ctx context.Context, reviewerID string) {
	reviews, err := d.store.ListInProgressReviewsWithReviewer(ctx, reviewerID)
	if err != nil {
		slog.Error("Health scan: failed to list reviews", "reviewer", reviewerID, "error", err)
		return
	}
	for _, r := range reviews {
		if err := d.reviews.FinalizePartial(ctx, r.ReviewID, reviewerID); err != nil {
			slog.Error("Partial finalization failed",
				"review_id", r.ReviewID, "reviewer", reviewerID, "error", err)
		}
	}
}

func (d *Daemon) mirrorFailure(task *models.Task, agentID, reason string) {
	ws := workspace.TaskDir(task.WorkspaceBase, task.TaskID)
	_, err := d.registry.UpdateTask(ws, -1, func(reg *registry.TaskRegistry) error {
		for i := range reg.Agents {
			if reg.Agents[i].ID == agentID {
				reg.Agents[i].Status = string(models.AgentFailed)
				reg.Agents[i].FailureReason = reason
				reg.Agents[i].CompletedAt = time.Now().UTC().Format(time.RFC3339)
				break
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("Health scan: failed to mirror failure", "agent_id", agentID, "error", err)
	}
}

func (d *Daemon) recordFailure(reason models.HealthReason) {
	if d.metrics == nil {
		return
	}
	d.metrics.AgentsTerminal.WithLabelValues(string(models.AgentFailed)).Inc()
	d.metrics.ActiveAgents.Dec()
	if reason == models.ReasonTmuxSessionDead {
		d.metrics.DeadSessionsFound.Inc()
	}
}

// globalPass walks the cross-workspace index: every known workspace's
// store is scanned for active agents whose session no longer exists, each
// marked failed with its own workspace's counters decremented. All
// workspaces share this host's tmux namespace, so the session probes are
// valid everywhere. The daemon's own workspace is scanned through its
// already-open store, with the full review/phase follow-up; foreign
// workspaces get the counter-consistency sweep only.
func (d *Daemon) globalPass(ctx context.Context) {
	d.scanWorkspaceStore(ctx, d.store, d.workspaceBase, true)

	if d.global == nil {
		return
	}
	bases, err := d.global.KnownWorkspaces(ctx)
	if err != nil {
		slog.Error("Global health pass: failed to list workspaces", "error", err)
		return
	}
	for _, base := range bases {
		if base == d.workspaceBase {
			continue
		}
		st, err := store.Open(ctx, base)
		if err != nil {
			slog.Warn("Global health pass: failed to open workspace store",
				"workspace_base", base, "error", err)
			continue
		}
		d.scanWorkspaceStore(ctx, st, base, false)
		if err := st.Close(); err != nil {
			slog.Warn("Global health pass: failed to close workspace store",
				"workspace_base", base, "error", err)
		}
	}
}

// scanWorkspaceStore fails any active agent of one workspace whose
// session no longer exists. own selects the stalled-review and
// phase-completion follow-up, which needs the daemon's wired services and
// only applies to its own workspace.
func (d *Daemon) scanWorkspaceStore(ctx context.Context, st *store.Store, workspaceBase string, own bool) {
	agents, err := st.ListActiveAgents(ctx)
	if err != nil {
		slog.Error("Global health pass: failed to list active agents",
			"workspace_base", workspaceBase, "error", err)
		return
	}

	for _, a := range agents {
		if a.TmuxSession == "" {
			continue
		}
		exists, err := d.mux.SessionExists(ctx, a.TmuxSession)
		if err != nil || exists {
			continue
		}
		reason := "Health daemon: tmux session dead (" + a.TmuxSession + ")"
		edge, err := st.MarkAgentTerminal(ctx, a.AgentID, models.AgentFailed, reason, false)
		if err != nil || !edge {
			continue
		}

		d.mu.Lock()
		d.agentsFailed++
		d.mu.Unlock()
		d.recordFailure(models.ReasonTmuxSessionDead)
		slog.Warn("Global health pass: agent session dead",
			"agent_id", a.AgentID, "workspace_base", workspaceBase)

		_, regErr := d.registry.UpdateGlobal(workspaceBase, func(reg *registry.GlobalRegistry) error {
			entry, ok := reg.Agents[a.AgentID]
			if !ok {
				return nil
			}
			wasActive := models.AgentStatus(entry.Status).IsActive()
			entry.Status = string(models.AgentFailed)
			entry.FailureReason = reason
			reg.Agents[a.AgentID] = entry
			if wasActive && reg.Counts.ActiveAgents > 0 {
				reg.Counts.ActiveAgents--
			}
			return nil
		})
		if regErr != nil {
			slog.Warn("Global health pass: failed to update global registry",
				"agent_id", a.AgentID, "error", regErr)
		}

		if !own {
			continue
		}
		if a.IsReviewer() {
			d.checkStalledReviews(ctx, a.AgentID)
		} else {
			d.agents.CheckPhaseCompletion(ctx, a.TaskID)
		}
	}
}

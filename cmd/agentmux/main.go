// agentmux orchestrator server - manages headless LLM-coding agents in
// multiplexer sessions and serves the RPC/dashboard API.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentmux/agentmux/pkg/api"
	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/handover"
	"github.com/agentmux/agentmux/pkg/health"
	"github.com/agentmux/agentmux/pkg/lifecycle"
	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/orchestrator"
	"github.com/agentmux/agentmux/pkg/phase"
	"github.com/agentmux/agentmux/pkg/proc"
	"github.com/agentmux/agentmux/pkg/registry"
	"github.com/agentmux/agentmux/pkg/review"
	"github.com/agentmux/agentmux/pkg/store"
	"github.com/agentmux/agentmux/pkg/tmux"
	"github.com/agentmux/agentmux/pkg/version"
	"github.com/agentmux/agentmux/pkg/watch"
	"github.com/agentmux/agentmux/pkg/workspace"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("Warning: Could not load %s file: %v", *envFile, err)
		log.Printf("Continuing with existing environment variables...")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	slog.Info("Starting agentmux",
		"version", version.Full(),
		"workspace", cfg.WorkspaceBase,
		"http_port", cfg.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// State store and global index.
	st, err := store.Open(ctx, cfg.WorkspaceBase)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing state store", "error", err)
		}
	}()

	globalPath, err := store.GlobalIndexPath()
	if err != nil {
		log.Fatalf("Failed to resolve global index path: %v", err)
	}
	global, err := store.OpenGlobalIndex(ctx, globalPath)
	if err != nil {
		log.Fatalf("Failed to open global index: %v", err)
	}
	defer func() {
		if err := global.Close(); err != nil {
			slog.Error("Error closing global index", "error", err)
		}
	}()
	slog.Info("State store ready", "path", st.Path(), "global_index", globalPath)

	// Rebuild derived state from any task workspaces already on disk.
	if taskDirs, err := workspace.ListTaskDirs(cfg.WorkspaceBase); err == nil {
		for _, taskID := range taskDirs {
			ws := workspace.TaskDir(cfg.WorkspaceBase, taskID)
			if err := st.Reconcile(ctx, ws); err != nil {
				slog.Warn("Startup reconcile failed", "task_id", taskID, "error", err)
			}
		}
	}

	instruments := metrics.New(prometheus.DefaultRegisterer)

	bus := events.NewBus()
	conns := events.NewConnectionManager(bus, 10*time.Second)

	reg := &registry.Store{}
	mux := &tmux.Tmux{}
	prober := proc.SystemProber{}

	engine := phase.NewEngine(st)
	engine.SetMetrics(instruments)
	agents := lifecycle.NewManager(cfg, st, reg, mux, prober, engine, bus)
	agents.SetMetrics(instruments)
	handovers := handover.NewGenerator(st)
	handovers.MaxTokens = cfg.Handover.MaxTokens
	reviews := review.NewService(cfg, st, agents, engine, handovers, bus)
	reviews.SetMetrics(instruments)
	agents.SetPhaseReviewHook(reviews.TriggerAutoReview)

	daemon := health.NewDaemon(cfg.Health, cfg.WorkspaceBase, st, global, agents, reviews,
		reg, mux, prober, clockwork.NewRealClock())
	daemon.SetMetrics(instruments)
	daemon.Start(ctx)
	defer daemon.Stop()

	// Re-register existing non-terminal tasks for monitoring.
	if tasks, err := st.ListTasks(ctx, store.TaskFilters{}); err == nil {
		for _, t := range tasks {
			if t.Status == "INITIALIZED" || t.Status == "ACTIVE" {
				daemon.RegisterTask(t.TaskID)
			}
		}
	}

	watcher := watch.NewWatcher(cfg.WorkspaceBase, bus)
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("Workspace watcher disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	orch := orchestrator.New(cfg, st, global, reg, agents, engine, reviews, bus)
	orch.SetTaskRegistrar(daemon)
	orch.SetMetrics(instruments)

	server := api.NewServer(orch, conns, daemon)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.HTTPPort) }()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("Server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
}

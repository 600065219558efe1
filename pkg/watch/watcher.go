// Package watch feeds filesystem activity into the event bus: an fsnotify
// watcher over the workspace tree for registry and JSONL changes, and
// per-agent stream-log tailers for live output streaming.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/agentmux/agentmux/pkg/events"
)

// Watcher observes the workspace tree and publishes change events. New
// task directories are picked up as they appear.
type Watcher struct {
	base string
	bus  *events.Bus

	fw     *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a workspace watcher.
func NewWatcher(workspaceBase string, bus *events.Bus) *Watcher {
	return &Watcher{base: workspaceBase, bus: bus}
}

// Start begins watching. Directories added later (new tasks) are watched
// on their create events.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fw = fw

	if err := w.addTree(w.base); err != nil {
		_ = fw.Close()
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
	slog.Info("Workspace watcher started", "base", w.base)
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	_ = w.fw.Close()
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "archive" {
				return filepath.SkipDir
			}
			return w.fw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("Workspace watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addTree(ev.Name)
			return
		}
	}
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}

	taskID := taskIDFromPath(w.base, ev.Name)
	if taskID == "" {
		return
	}

	name := filepath.Base(ev.Name)
	var eventType string
	switch {
	case strings.HasSuffix(name, "_progress.jsonl"):
		eventType = "file.progress"
	case strings.HasSuffix(name, "_findings.jsonl"):
		eventType = "file.findings"
	case strings.HasSuffix(name, "_stream.jsonl"):
		eventType = "file.stream"
	case name == "AGENT_REGISTRY.json":
		eventType = "file.registry"
	default:
		return
	}

	w.bus.Publish(events.TaskChannel(taskID), events.Event{
		Type:   eventType,
		TaskID: taskID,
		Payload: map[string]any{
			"path": ev.Name,
		},
	})
}

// taskIDFromPath extracts the TASK-... directory segment under base.
func taskIDFromPath(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "TASK-") {
		return ""
	}
	return parts[0]
}

package watch

import (
	"log/slog"
	"sync"

	"github.com/nxadm/tail"

	"github.com/agentmux/agentmux/pkg/events"
)

// Tailer follows agent stream logs and publishes each appended line to the
// task channel for live dashboard streaming. One tail goroutine per
// followed file; truncation of live logs is forbidden, so ReOpen is off.
type Tailer struct {
	bus *events.Bus

	mu    sync.Mutex
	tails map[string]*tail.Tail
}

// NewTailer creates a stream-log tailer.
func NewTailer(bus *events.Bus) *Tailer {
	return &Tailer{bus: bus, tails: make(map[string]*tail.Tail)}
}

// Follow starts tailing one agent's stream log. Following an
// already-followed path is a no-op.
func (t *Tailer) Follow(taskID, agentID, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tails[path]; ok {
		return nil
	}

	tl, err := tail.TailFile(path, tail.Config{
		Follow:        true,
		MustExist:     false,
		CompleteLines: true,
		Logger:        tail.DiscardingLogger,
	})
	if err != nil {
		return err
	}
	t.tails[path] = tl

	go func() {
		for line := range tl.Lines {
			if line.Err != nil {
				slog.Warn("Stream tail error", "agent_id", agentID, "error", line.Err)
				continue
			}
			t.bus.Publish(events.TaskChannel(taskID), events.Event{
				Type:   "stream.line",
				TaskID: taskID,
				Payload: map[string]any{
					"agent_id": agentID,
					"line":     line.Text,
				},
			})
		}
	}()
	return nil
}

// Unfollow stops tailing one path.
func (t *Tailer) Unfollow(path string) {
	t.mu.Lock()
	tl, ok := t.tails[path]
	if ok {
		delete(t.tails, path)
	}
	t.mu.Unlock()
	if ok {
		_ = tl.Stop()
	}
}

// Close stops every tail.
func (t *Tailer) Close() {
	t.mu.Lock()
	tails := t.tails
	t.tails = make(map[string]*tail.Tail)
	t.mu.Unlock()
	for _, tl := range tails {
		_ = tl.Stop()
	}
}

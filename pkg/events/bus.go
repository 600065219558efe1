package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// catchupLimit is the maximum number of buffered events returned in a
// catchup response. If more events were missed, an overflow message tells
// the client to do a full REST reload.
const catchupLimit = 200

// ringSize bounds the per-channel replay buffer.
const ringSize = 256

// Sink receives the serialized form of every published event for a
// channel. Implemented by ConnectionManager.
type Sink interface {
	Broadcast(channel string, event []byte)
}

// Bus is the in-process pub-sub hub. Publishers are the orchestrator's
// subsystems; the single subscriber is the WebSocket connection manager.
type Bus struct {
	mu     sync.Mutex
	nextID map[string]int
	rings  map[string][]Event
	sink   Sink
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		nextID: make(map[string]int),
		rings:  make(map[string][]Event),
	}
}

// SetSink attaches the delivery sink. Called once during startup.
func (b *Bus) SetSink(s Sink) {
	b.mu.Lock()
	b.sink = s
	b.mu.Unlock()
}

// Publish assigns the event a per-channel ID, appends it to the replay
// ring, and forwards it to the sink. Publishing never fails; delivery to
// slow clients is the sink's problem.
func (b *Bus) Publish(channel string, ev Event) {
	b.mu.Lock()
	b.nextID[channel]++
	ev.ID = b.nextID[channel]
	ring := append(b.rings[channel], ev)
	if len(ring) > ringSize {
		ring = ring[len(ring)-ringSize:]
	}
	b.rings[channel] = ring
	sink := b.sink
	b.mu.Unlock()

	if sink == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	sink.Broadcast(channel, data)
}

// PublishTask publishes to both the task channel and the global channel.
func (b *Bus) PublishTask(taskID, eventType string, payload any) {
	var m map[string]any
	if data, err := json.Marshal(payload); err == nil {
		_ = json.Unmarshal(data, &m)
	}
	ev := Event{Type: eventType, TaskID: taskID, Payload: m}
	b.Publish(TaskChannel(taskID), ev)
	b.Publish(GlobalTasksChannel, ev)
}

// Catchup returns buffered events on channel with ID > sinceID, capped at
// catchupLimit. overflow is true when the ring no longer holds every
// missed event.
func (b *Bus) Catchup(channel string, sinceID int) (evs []Event, overflow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring := b.rings[channel]
	for _, ev := range ring {
		if ev.ID > sinceID {
			evs = append(evs, ev)
		}
	}
	if len(evs) > catchupLimit {
		evs = evs[len(evs)-catchupLimit:]
		overflow = true
	}
	// Events older than the ring are unrecoverable here.
	if len(ring) > 0 && sinceID > 0 && ring[0].ID > sinceID+1 {
		overflow = true
	}
	return evs, overflow
}

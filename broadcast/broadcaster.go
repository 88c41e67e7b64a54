// Package broadcast fans serialized messages out to connected overlay and
// control-panel clients. Messages are serialized once per broadcast; a sink
// whose delivery fails is removed without affecting the others.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/kremstream/overlayd/telemetry"
)

// Envelope is the outbound wire format shared by events and control toggles.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Sink delivers one serialized message to a client. Deliver must not block;
// an error marks the sink dead.
type Sink interface {
	Deliver(msg []byte) error
	Close()
}

// Broadcaster is the fan-out point for all outbound messages.
type Broadcaster struct {
	mu    sync.Mutex
	sinks map[Sink]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{sinks: make(map[Sink]struct{})}
}

// Add registers a sink.
func (b *Broadcaster) Add(s Sink) {
	b.mu.Lock()
	b.sinks[s] = struct{}{}
	n := len(b.sinks)
	b.mu.Unlock()
	telemetry.SetConnectedClients(n)
	slog.Info("client connected", slog.Int("clients", n))
}

// Remove unregisters and closes a sink. Removing an unknown sink is a no-op.
func (b *Broadcaster) Remove(s Sink) {
	b.mu.Lock()
	_, ok := b.sinks[s]
	delete(b.sinks, s)
	n := len(b.sinks)
	b.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	telemetry.SetConnectedClients(n)
	slog.Info("client disconnected", slog.Int("clients", n))
}

// Count returns the number of registered sinks.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

// Broadcast serializes v once and delivers it to every sink. Sinks that fail
// are dropped; delivery to the rest proceeds.
func (b *Broadcaster) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("broadcast marshal failed", slog.Any("err", err))
		return
	}

	b.mu.Lock()
	sinks := make([]Sink, 0, len(b.sinks))
	for s := range b.sinks {
		sinks = append(sinks, s)
	}
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Deliver(data); err != nil {
			slog.Warn("dropping client after failed delivery", slog.Any("err", err))
			telemetry.CountSinkDropped()
			b.Remove(s)
		}
	}
}

package broadcast

import (
	"encoding/json"
	"errors"
	"testing"
)

type fakeSink struct {
	msgs   [][]byte
	err    error
	closed bool
}

func (f *fakeSink) Deliver(msg []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSink) Close() { f.closed = true }

func TestBroadcastDeliversToAllSinks(t *testing.T) {
	b := NewBroadcaster()
	a := &fakeSink{}
	c := &fakeSink{}
	b.Add(a)
	b.Add(c)

	b.Broadcast(Envelope{Type: "chat", Data: map[string]string{"text": "hi"}})

	for i, s := range []*fakeSink{a, c} {
		if len(s.msgs) != 1 {
			t.Fatalf("sink %d received %d messages, want 1", i, len(s.msgs))
		}
		var env Envelope
		if err := json.Unmarshal(s.msgs[0], &env); err != nil {
			t.Fatalf("sink %d payload not JSON: %v", i, err)
		}
		if env.Type != "chat" {
			t.Errorf("sink %d envelope type = %q, want chat", i, env.Type)
		}
	}
}

func TestBroadcastDropsFailedSink(t *testing.T) {
	b := NewBroadcaster()
	healthy := &fakeSink{}
	dead := &fakeSink{err: errors.New("gone")}
	b.Add(healthy)
	b.Add(dead)

	b.Broadcast(Envelope{Type: "follow"})

	if len(healthy.msgs) != 1 {
		t.Errorf("healthy sink received %d messages, want 1", len(healthy.msgs))
	}
	if !dead.closed {
		t.Error("failed sink should be closed")
	}
	if b.Count() != 1 {
		t.Errorf("Count() = %d, want 1 after dropping the dead sink", b.Count())
	}

	// The dropped sink gets nothing further.
	b.Broadcast(Envelope{Type: "chat"})
	if len(healthy.msgs) != 2 {
		t.Errorf("healthy sink received %d messages, want 2", len(healthy.msgs))
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	b := NewBroadcaster()
	s := &fakeSink{}
	b.Add(s)

	b.Remove(s)
	b.Remove(s)

	if !s.closed {
		t.Error("removed sink should be closed")
	}
	if b.Count() != 0 {
		t.Errorf("Count() = %d, want 0", b.Count())
	}
}

func TestBroadcastWithNoSinks(t *testing.T) {
	b := NewBroadcaster()
	// Must not panic.
	b.Broadcast(Envelope{Type: "chat"})
}

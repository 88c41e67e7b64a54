package integration

import (
	"context"
	"errors"
	"testing"
)

type fakeIntegration struct {
	name     string
	active   bool
	startErr error
	starts   int
	stops    int
}

func (f *fakeIntegration) Name() string { return f.name }
func (f *fakeIntegration) Active() bool { return f.active }

func (f *fakeIntegration) Start(ctx context.Context) error {
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.active = true
	return nil
}

func (f *fakeIntegration) Stop() error {
	f.stops++
	f.active = false
	return nil
}

func TestStartIsNoOpWhenActive(t *testing.T) {
	mgr := NewManager()
	in := &fakeIntegration{name: "twitch"}
	mgr.Register(in)

	if err := mgr.Start(context.Background(), "twitch"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := mgr.Start(context.Background(), "twitch"); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if in.starts != 1 {
		t.Errorf("adapter started %d times, want 1", in.starts)
	}
}

func TestStartUnknownIntegration(t *testing.T) {
	mgr := NewManager()
	err := mgr.Start(context.Background(), "discord")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Start(discord) error = %v, want ErrNotFound", err)
	}
	if err := mgr.Stop("discord"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stop(discord) error = %v, want ErrNotFound", err)
	}
}

func TestStartAllAvailablePartialFailure(t *testing.T) {
	mgr := NewManager()
	good := &fakeIntegration{name: "twitch"}
	bad := &fakeIntegration{name: "youtube", startErr: ErrNoCredentials}
	mgr.Register(good)
	mgr.Register(bad)

	started, err := mgr.StartAllAvailable(context.Background())
	if err == nil {
		t.Fatal("StartAllAvailable() error = nil, want the youtube failure")
	}
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("error = %v, want wrapped ErrNoCredentials", err)
	}
	if len(started) != 1 || started[0] != "twitch" {
		t.Errorf("started = %v, want [twitch]", started)
	}
	if !good.active {
		t.Error("the healthy adapter should be active despite its sibling failing")
	}
}

func TestStartAllAvailableAllHealthy(t *testing.T) {
	mgr := NewManager()
	mgr.Register(&fakeIntegration{name: "twitch"})
	mgr.Register(&fakeIntegration{name: "youtube"})

	started, err := mgr.StartAllAvailable(context.Background())
	if err != nil {
		t.Fatalf("StartAllAvailable() error = %v", err)
	}
	if len(started) != 2 || started[0] != "twitch" || started[1] != "youtube" {
		t.Errorf("started = %v, want registration order [twitch youtube]", started)
	}
}

func TestActiveCountAndStatus(t *testing.T) {
	mgr := NewManager()
	twitch := &fakeIntegration{name: "twitch"}
	youtube := &fakeIntegration{name: "youtube"}
	mgr.Register(twitch)
	mgr.Register(youtube)

	if n := mgr.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount() = %d, want 0", n)
	}

	if err := mgr.Start(context.Background(), "twitch"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n := mgr.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount() = %d, want 1", n)
	}

	status := mgr.Status()
	if !status["twitch"] || status["youtube"] {
		t.Errorf("Status() = %v, want twitch active only", status)
	}
}

func TestStopAllSkipsInactive(t *testing.T) {
	mgr := NewManager()
	running := &fakeIntegration{name: "twitch", active: true}
	stopped := &fakeIntegration{name: "youtube"}
	mgr.Register(running)
	mgr.Register(stopped)

	mgr.StopAll()

	if running.stops != 1 {
		t.Errorf("active adapter stopped %d times, want 1", running.stops)
	}
	if stopped.stops != 0 {
		t.Errorf("inactive adapter stopped %d times, want 0", stopped.stops)
	}
}

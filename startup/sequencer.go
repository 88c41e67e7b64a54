// Package startup drives the boot sequence: check configured integrations,
// wait for any missing authentications, then start everything that is ready.
package startup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kremstream/overlayd/integration"
	"github.com/kremstream/overlayd/telemetry"
	"github.com/kremstream/overlayd/tokens"
)

// State is the sequencer's externally visible phase.
type State string

const (
	StateChecking             State = "checking"
	StateNeedsAuth            State = "needs_auth"
	StateStartingIntegrations State = "starting_integrations"
	StateReady                State = "ready"
	StateError                State = "error"
)

const authPollInterval = time.Second

// Sequencer owns the startup state machine. Initialize runs it once;
// HandleNewAuthentication reacts to OAuth completions both during the
// needs_auth wait and after the system is ready.
type Sequencer struct {
	Tokens       *tokens.Manager
	Integrations *integration.Manager
	Enabled      []string
	BaseURL      string

	mu    sync.Mutex
	state State
	once  sync.Once
}

func NewSequencer(tm *tokens.Manager, im *integration.Manager, enabled []string, baseURL string) *Sequencer {
	return &Sequencer{
		Tokens:       tm,
		Integrations: im,
		Enabled:      enabled,
		BaseURL:      baseURL,
		state:        StateChecking,
	}
}

// GetState returns the current startup phase.
func (s *Sequencer) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sequencer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	slog.Info("startup state", slog.String("state", string(st)))
}

// IsReady reports whether startup completed successfully.
func (s *Sequencer) IsReady() bool { return s.GetState() == StateReady }

// Initialize runs the startup sequence. It blocks through the needs_auth wait,
// so callers run it on its own goroutine. Repeated calls are no-ops.
func (s *Sequencer) Initialize(ctx context.Context) {
	s.once.Do(func() { s.run(ctx) })
}

func (s *Sequencer) run(ctx context.Context) {
	s.setState(StateChecking)

	if len(s.Enabled) == 0 {
		slog.Error("no integrations enabled; set TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET or YOUTUBE_CLIENT_ID/YOUTUBE_CLIENT_SECRET")
		s.setState(StateError)
		return
	}
	slog.Info("enabled integrations", slog.Any("integrations", s.Enabled))

	for _, st := range s.Tokens.CheckAll(ctx, s.Enabled) {
		slog.Info("token state",
			slog.String("integration", st.Integration),
			slog.String("status", string(st.Status)))
	}

	if len(s.Tokens.NeedingAuth()) > 0 {
		s.setState(StateNeedsAuth)
		for _, msg := range s.Tokens.AuthPrompt(s.BaseURL) {
			slog.Info(msg)
		}
		if !s.waitForAuthentications(ctx) {
			return
		}
	}

	s.setState(StateStartingIntegrations)
	started, err := s.startReady(ctx)
	if err != nil {
		slog.Warn("some integrations did not start", slog.Any("err", err))
	}
	if len(started) == 0 {
		slog.Error("no integrations could be started")
		s.setState(StateError)
		return
	}

	s.setState(StateReady)
	active := s.Integrations.ActiveCount()
	telemetry.SetActiveIntegrations(active)
	slog.Info("startup complete",
		slog.Any("started", started),
		slog.Bool("sourceMarking", active > 1))
}

// waitForAuthentications polls token readiness once per second until every
// enabled integration has valid credentials. Returns false when ctx ends.
func (s *Sequencer) waitForAuthentications(ctx context.Context) bool {
	ticker := time.NewTicker(authPollInterval)
	defer ticker.Stop()
	for {
		if s.Tokens.AllReady(s.Enabled) {
			slog.Info("all required authentications complete")
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Sequencer) startReady(ctx context.Context) ([]string, error) {
	var started []string
	var firstErr error
	for _, name := range s.Tokens.ReadyIntegrations() {
		if err := s.Integrations.Start(ctx, name); err != nil {
			slog.Error("integration start failed", slog.String("integration", name), slog.Any("err", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		started = append(started, name)
		slog.Info("integration started", slog.String("integration", name))
	}
	return started, firstErr
}

// HandleNewAuthentication re-checks one integration after an OAuth completion
// and, when the system is already ready, starts it immediately.
func (s *Sequencer) HandleNewAuthentication(ctx context.Context, name string) {
	slog.Info("authentication received", slog.String("integration", name))

	states := s.Tokens.CheckAll(ctx, []string{name})
	if len(states) == 0 || states[0].Status != tokens.StatusValid {
		slog.Warn("authentication did not yield valid tokens", slog.String("integration", name))
		return
	}

	if s.GetState() != StateReady {
		// The needs_auth poll loop picks this up.
		return
	}
	if err := s.Integrations.Start(ctx, name); err != nil {
		slog.Error("integration start failed", slog.String("integration", name), slog.Any("err", err))
		return
	}
	active := s.Integrations.ActiveCount()
	telemetry.SetActiveIntegrations(active)
	slog.Info("integration started", slog.String("integration", name), slog.Bool("sourceMarking", active > 1))
}

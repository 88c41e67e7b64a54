package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status classifies a platform's credential record.
type Status string

const (
	StatusMissing Status = "missing"
	StatusInvalid Status = "invalid"
	StatusExpired Status = "expired"
	StatusValid   Status = "valid"
)

// State is the derived token state for one integration. Recomputed on demand,
// never persisted.
type State struct {
	Integration string  `json:"integration"`
	Status      Status  `json:"status"`
	NeedsAuth   bool    `json:"needsAuth"`
	Record      *Record `json:"-"`
}

// Manager evaluates and caches token states for all enabled integrations and
// signals token readiness to whoever is waiting (the startup sequencer).
type Manager struct {
	store   *Store
	refresh map[string]RefreshFunc

	mu     sync.Mutex
	states map[string]State

	readyCh chan string
}

// NewManager creates a token manager. refresh maps platform name to its
// refresh grant implementation; platforms without an entry are never refreshed.
func NewManager(store *Store, refresh map[string]RefreshFunc) *Manager {
	return &Manager{
		store:   store,
		refresh: refresh,
		states:  make(map[string]State),
		readyCh: make(chan string, 8),
	}
}

// TokenReady delivers the platform name whenever a credential becomes valid
// through refresh or a completed OAuth flow.
func (m *Manager) TokenReady() <-chan string { return m.readyCh }

func (m *Manager) signalReady(platform string) {
	select {
	case m.readyCh <- platform:
	default:
		// a pending signal for this startup cycle is enough
	}
}

// CheckAll evaluates the token state of every enabled integration, refreshing
// expired-but-refreshable records along the way. Failures degrade to a
// needs-auth state; they never propagate.
func (m *Manager) CheckAll(ctx context.Context, enabled []string) []State {
	states := make([]State, 0, len(enabled))
	for _, name := range enabled {
		st := m.check(ctx, name)
		m.mu.Lock()
		m.states[name] = st
		m.mu.Unlock()
		states = append(states, st)
	}
	return states
}

func (m *Manager) check(ctx context.Context, name string) State {
	st := State{Integration: name, Status: StatusMissing, NeedsAuth: true}

	rec, err := m.store.Load(ctx, name)
	if err != nil {
		slog.Warn("token load failed", slog.String("integration", name), slog.Any("err", err))
		st.Status = StatusInvalid
		return st
	}
	if rec == nil {
		return st
	}

	now := time.Now()
	if Valid(rec, now) {
		return State{Integration: name, Status: StatusValid, NeedsAuth: false, Record: rec}
	}

	if CanRefresh(rec) {
		if fn, ok := m.refresh[name]; ok {
			fresh, err := m.store.Refresh(ctx, rec, fn)
			if err != nil {
				slog.Warn("token refresh persist failed", slog.String("integration", name), slog.Any("err", err))
			}
			if fresh != nil {
				return State{Integration: name, Status: StatusValid, NeedsAuth: false, Record: fresh}
			}
		}
		st.Status = StatusInvalid
		return st
	}

	st.Status = StatusExpired
	return st
}

// UpdateState marks an integration's credentials valid after an out-of-band
// OAuth completion or refresh and emits the token-ready signal.
func (m *Manager) UpdateState(name string, rec *Record) {
	m.mu.Lock()
	m.states[name] = State{Integration: name, Status: StatusValid, NeedsAuth: false, Record: rec}
	m.mu.Unlock()
	m.signalReady(name)
}

// GetState returns the last computed state for an integration.
func (m *Manager) GetState(name string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	return st, ok
}

// AllStates returns a snapshot of every computed state.
func (m *Manager) AllStates() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	return out
}

// NeedingAuth lists the integrations whose credentials require user consent.
func (m *Manager) NeedingAuth() []string {
	var names []string
	for _, st := range m.AllStates() {
		if st.NeedsAuth {
			names = append(names, st.Integration)
		}
	}
	return names
}

// ReadyIntegrations lists the integrations with valid credentials.
func (m *Manager) ReadyIntegrations() []string {
	var names []string
	for _, st := range m.AllStates() {
		if st.Status == StatusValid && !st.NeedsAuth {
			names = append(names, st.Integration)
		}
	}
	return names
}

// AllReady reports whether every enabled integration has valid credentials.
func (m *Manager) AllReady(enabled []string) bool {
	ready := make(map[string]bool)
	for _, name := range m.ReadyIntegrations() {
		ready[name] = true
	}
	for _, name := range enabled {
		if !ready[name] {
			return false
		}
	}
	return true
}

// AuthPrompt renders the authorization URLs for every integration that still
// needs consent. Surfaced in logs, never as an error page.
func (m *Manager) AuthPrompt(baseURL string) []string {
	needing := m.NeedingAuth()
	if len(needing) == 0 {
		return []string{"all integrations are authenticated"}
	}
	msgs := []string{"authentication required:"}
	for _, name := range needing {
		msgs = append(msgs, fmt.Sprintf("  %s: %s/auth/%s", name, baseURL, name))
	}
	return msgs
}

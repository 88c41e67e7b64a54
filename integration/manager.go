// Package integration defines the platform adapter contract and the registry
// that owns adapter lifecycles. The manager enforces at-most-one active
// instance per named adapter and isolates start failures so one platform's
// auth problem never blocks another.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/kremstream/overlayd/telemetry"
)

var (
	// ErrNotFound is returned when an operation names an unregistered adapter.
	ErrNotFound = errors.New("integration not found")
	// ErrNoCredentials is returned by adapters whose Start finds no usable
	// credential record.
	ErrNoCredentials = errors.New("no valid credentials")
)

// Integration is a platform adapter. Start transitions stopped -> starting ->
// active and returns once the transport is established; Stop is idempotent and
// must be observable by the adapter's own loops within one iteration.
type Integration interface {
	Name() string
	Active() bool
	Start(ctx context.Context) error
	Stop() error
}

// Manager is the integration registry and lifecycle owner.
type Manager struct {
	mu           sync.Mutex
	integrations map[string]Integration
	order        []string
}

func NewManager() *Manager {
	return &Manager{integrations: make(map[string]Integration)}
}

// Register adds an adapter to the registry. Later registrations under the same
// name replace earlier ones.
func (m *Manager) Register(in Integration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.integrations[in.Name()]; !exists {
		m.order = append(m.order, in.Name())
	}
	m.integrations[in.Name()] = in
}

func (m *Manager) get(name string) (Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.integrations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return in, nil
}

// Start starts a registered adapter. Starting an already-active adapter is a
// no-op, preserving the single-active-instance invariant.
func (m *Manager) Start(ctx context.Context, name string) error {
	in, err := m.get(name)
	if err != nil {
		return err
	}
	if in.Active() {
		slog.Debug("integration already active", slog.String("integration", name))
		return nil
	}
	ctx, span := telemetry.StartSpan(ctx, "integration.start", telemetry.IntegrationAttr(name))
	defer span.End()
	err = in.Start(ctx)
	telemetry.RecordError(span, err)
	return err
}

// Stop stops a registered adapter.
func (m *Manager) Stop(name string) error {
	in, err := m.get(name)
	if err != nil {
		return err
	}
	return in.Stop()
}

// StartAllAvailable attempts to start every registered adapter. Per-adapter
// failures are collected and returned together with the names that did start;
// siblings are unaffected.
func (m *Manager) StartAllAvailable(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	var started []string
	var errs *multierror.Error
	for _, name := range names {
		if err := m.Start(ctx, name); err != nil {
			slog.Info("could not start integration", slog.String("integration", name), slog.Any("err", err))
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		started = append(started, name)
	}
	return started, errs.ErrorOrNil()
}

// StopAll stops every active adapter.
func (m *Manager) StopAll() {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()
	for _, name := range names {
		in, err := m.get(name)
		if err != nil || !in.Active() {
			continue
		}
		if err := in.Stop(); err != nil {
			slog.Warn("integration stop failed", slog.String("integration", name), slog.Any("err", err))
		}
	}
}

// Status maps each registered adapter name to whether it is active.
func (m *Manager) Status() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := make(map[string]bool, len(m.integrations))
	for name, in := range m.integrations {
		status[name] = in.Active()
	}
	return status
}

// ActiveCount returns the number of active adapters. The enrichment pipeline
// uses it to decide whether events carry their source platform tag.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, active := range m.Status() {
		if active {
			n++
		}
	}
	return n
}

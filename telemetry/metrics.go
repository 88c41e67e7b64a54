// Package telemetry provides Prometheus metrics, correlation-id aware logging
// helpers, and optional OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsPublished *prometheus.CounterVec
	ProfileLookups  prometheus.Counter
	EmoteRefreshes  prometheus.Counter
	SinksDropped    prometheus.Counter
	Reconnects      *prometheus.CounterVec

	// Gauges
	ConnectedClients   prometheus.Gauge
	ActiveIntegrations prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_events_published_total",
			Help: "Normalized events published on the bus, by source and kind",
		}, []string{"source", "kind"})
		ProfileLookups = promauto.NewCounter(prometheus.CounterOpts{
			Name: "overlay_profile_lookups_total",
			Help: "Profile picture lookups that missed the cache and hit the platform API",
		})
		EmoteRefreshes = promauto.NewCounter(prometheus.CounterOpts{
			Name: "overlay_emote_refreshes_total",
			Help: "Emote provider cache refreshes",
		})
		SinksDropped = promauto.NewCounter(prometheus.CounterOpts{
			Name: "overlay_sinks_dropped_total",
			Help: "Broadcast sinks removed after a delivery failure",
		})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_adapter_reconnects_total",
			Help: "Adapter transport reconnect attempts, by integration",
		}, []string{"integration"})
		ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_connected_clients",
			Help: "Currently connected overlay/control-panel clients",
		})
		ActiveIntegrations = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_active_integrations",
			Help: "Currently active platform integrations",
		})
	})
}

// The Count/Set helpers below are nil-safe so library code can record metrics
// without caring whether Init ran (it doesn't in most tests).

func CountEvent(source, kind string) {
	if EventsPublished != nil {
		EventsPublished.WithLabelValues(source, kind).Inc()
	}
}

func CountProfileLookup() {
	if ProfileLookups != nil {
		ProfileLookups.Inc()
	}
}

func CountEmoteRefresh() {
	if EmoteRefreshes != nil {
		EmoteRefreshes.Inc()
	}
}

func CountSinkDropped() {
	if SinksDropped != nil {
		SinksDropped.Inc()
	}
}

func CountReconnect(integration string) {
	if Reconnects != nil {
		Reconnects.WithLabelValues(integration).Inc()
	}
}

func SetConnectedClients(n int) {
	if ConnectedClients != nil {
		ConnectedClients.Set(float64(n))
	}
}

func SetActiveIntegrations(n int) {
	if ActiveIntegrations != nil {
		ActiveIntegrations.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger carrying the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

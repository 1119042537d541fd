// Package telemetry provides Prometheus metrics, correlation-id aware
// logging helpers, and OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	AppendsTotal   prometheus.Counter
	AppendFailures prometheus.Counter
	ReplayedEvents prometheus.Counter
	FanoutDropped  prometheus.Counter
	LaggedNotices  prometheus.Counter
	AuditFailures  prometheus.Counter
	TrimmedEvents  prometheus.Counter
	CommandsTotal  prometheus.Counter
	AuthFailures   prometheus.Counter

	// Histograms (seconds)
	AppendDuration prometheus.Observer

	// Gauges
	ActiveSubscribers prometheus.Gauge
	OpenSessions      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		AppendsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_appends_total", Help: "Number of events appended to the replay log"})
		AppendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_append_failures_total", Help: "Number of appends rejected by storage"})
		ReplayedEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_replayed_events_total", Help: "Number of events served from replay scans"})
		FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_fanout_dropped_total", Help: "Number of live deliveries dropped on full subscriber buffers"})
		LaggedNotices = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_lagged_notices_total", Help: "Number of lag notices delivered to slow subscribers"})
		AuditFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_audit_failures_total", Help: "Number of command audit writes that failed"})
		TrimmedEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_trimmed_events_total", Help: "Number of events removed by retention"})
		CommandsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_commands_total", Help: "Number of moderation commands accepted"})
		AuthFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_auth_failures_total", Help: "Number of rejected bearer tokens"})
		AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_append_duration_seconds", Help: "Append latency seconds", Buckets: prometheus.DefBuckets})
		ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_subscribers", Help: "Current number of live stream subscribers"})
		OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_open_sessions", Help: "Current number of open connection sessions"})
	})
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
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
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/telemetry"
)

// RetentionPolicy defines which replay events the periodic sweep removes.
// The capacity trim after each append is separate and configured on the
// engine; this job handles the age window.
type RetentionPolicy struct {
	// MaxAge: events older than this are removed (0 = disabled)
	MaxAge time.Duration
	// Interval: how often to run the sweep
	Interval time.Duration
}

// LoadRetentionPolicy loads the retention policy from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		Interval: time.Hour,
	}
	if s := os.Getenv("REPLAY_RETENTION"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.MaxAge = d
		}
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// StartRetentionJob runs a background job that periodically removes replay
// events older than the configured age window. Cursor rows are never
// touched, so trimmed pairs keep assigning fresh cursors.
func StartRetentionJob(ctx context.Context, d *db.DB, policy RetentionPolicy) {
	if policy.MaxAge <= 0 {
		slog.Info("retention job disabled (no age window configured)", slog.String("component", "retention"))
		return
	}

	slog.Info("retention job starting",
		slog.Duration("max_age", policy.MaxAge),
		slog.Duration("interval", policy.Interval),
		slog.String("component", "retention"))

	if err := runRetentionSweep(ctx, d, policy); err != nil {
		slog.Warn("retention sweep failed", slog.Any("err", err), slog.String("component", "retention"))
	}

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped", slog.String("component", "retention"))
			return
		case <-ticker.C:
			if err := runRetentionSweep(ctx, d, policy); err != nil {
				slog.Warn("retention sweep failed", slog.Any("err", err), slog.String("component", "retention"))
			}
		}
	}
}

// runRetentionSweep performs a single age-based trim cycle.
func runRetentionSweep(ctx context.Context, d *db.DB, policy RetentionPolicy) error {
	cutoff := time.Now().UTC().Add(-policy.MaxAge)
	res, err := d.ExecContext(ctx,
		d.Dialect().Rebind("DELETE FROM replay_events WHERE created_at < ?"), cutoff)
	if err != nil {
		return fmt.Errorf("delete aged events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n > 0 {
		if telemetry.TrimmedEvents != nil {
			telemetry.TrimmedEvents.Add(float64(n))
		}
		slog.Info("retention sweep completed",
			slog.Int64("removed", n),
			slog.Time("cutoff", cutoff),
			slog.String("component", "retention"))
	}
	return nil
}

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DemoAdapter synthesizes chat traffic on a ticker so the relay can be
// exercised locally without platform credentials. Enabled via INGEST_DEMO.
type DemoAdapter struct {
	Room     string
	Interval time.Duration
	ClientID string
	Engine   Appender
}

func (a *DemoAdapter) Name() string { return "demo" }

// Run emits one message per tick until the context is canceled.
func (a *DemoAdapter) Run(ctx context.Context) error {
	room := a.Room
	if room == "" {
		room = "lobby"
	}
	interval := a.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	slog.Info("demo adapter started",
		slog.String("room", room),
		slog.Duration("interval", interval),
		slog.String("component", "ingest_demo"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-ctx.Done():
			slog.Info("demo adapter stopped", slog.String("component", "ingest_demo"))
			return ctx.Err()
		case <-ticker.C:
			n++
			cm := ChatMessage{
				Platform: PlatformDemo,
				Room:     room,
				User:     "demo-bot",
				Text:     fmt.Sprintf("demo message %d", n),
				SentAt:   time.Now().UTC(),
			}
			payload, err := cm.Encode()
			if err != nil {
				continue
			}
			if _, err := a.Engine.Append(ctx, a.ClientID, Topic(PlatformDemo, room), payload); err != nil {
				slog.Warn("demo append failed", slog.Any("err", err), slog.String("component", "ingest_demo"))
			}
		}
	}
}

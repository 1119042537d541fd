package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// TwitchAdapter joins Twitch IRC channels and appends every PRIVMSG as a
// normalized chat event. With no bot credentials it connects anonymously,
// which is enough for read-only relaying.
type TwitchAdapter struct {
	Channels []string
	Username string
	OAuth    string
	ClientID string // relay client id the events are appended under
	Engine   Appender
}

func (a *TwitchAdapter) Name() string { return "twitch" }

// Run connects and blocks until the context is canceled or the IRC
// connection fails.
func (a *TwitchAdapter) Run(ctx context.Context) error {
	if len(a.Channels) == 0 {
		return fmt.Errorf("twitch adapter: no channels configured")
	}

	var client *twitch.Client
	if a.Username != "" && a.OAuth != "" {
		client = twitch.NewClient(a.Username, a.OAuth)
	} else {
		client = twitch.NewAnonymousClient()
		slog.Info("twitch creds not set; connecting anonymously", slog.String("component", "ingest_twitch"))
	}

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		cm := ChatMessage{
			Platform: PlatformTwitch,
			Room:     msg.Channel,
			User:     msg.User.Name,
			Text:     msg.Message,
			SentAt:   msg.Time.UTC(),
		}
		payload, err := cm.Encode()
		if err != nil {
			slog.Error("failed to encode chat message", slog.Any("err", err), slog.String("component", "ingest_twitch"))
			return
		}
		appendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := a.Engine.Append(appendCtx, a.ClientID, Topic(PlatformTwitch, msg.Channel), payload); err != nil {
			slog.Error("failed to append chat message",
				slog.Any("err", err),
				slog.String("channel", msg.Channel),
				slog.String("component", "ingest_twitch"))
		}
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = client.Disconnect()
		close(done)
	}()

	for _, ch := range a.Channels {
		client.Join(ch)
	}
	slog.Info("twitch adapter connecting",
		slog.Any("channels", a.Channels),
		slog.String("component", "ingest_twitch"))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("twitch chat connect: %w", err)
	}
	<-done
	return ctx.Err()
}

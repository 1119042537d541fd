package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnsupportedPlatform is returned for moderation commands targeting a
// platform this forwarder cannot reach. The audit row for the command is
// still written by the caller.
var ErrUnsupportedPlatform = errors.New("platform not supported for moderation")

// Command kinds the forwarder understands.
const (
	CommandBan     = "ban"
	CommandTimeout = "timeout"
	CommandDelete  = "delete"
)

// Command is one moderation action to forward upstream.
type Command struct {
	Platform        string
	Room            string
	Kind            string
	TargetUserID    string
	TargetMessageID string
	DurationSeconds int
	Reason          string
}

// Forwarder executes moderation commands against Twitch Helix. Broadcaster
// ids are resolved from room logins once and cached for the process
// lifetime.
type Forwarder struct {
	Helix       *HelixClient
	ModeratorID string

	mu           sync.Mutex
	broadcasters map[string]string
}

// Forward applies the command upstream. Unsupported platforms return
// ErrUnsupportedPlatform; unknown kinds are an error.
func (f *Forwarder) Forward(ctx context.Context, cmd Command) error {
	if cmd.Platform != "twitch" {
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, cmd.Platform)
	}
	broadcasterID, err := f.broadcasterID(ctx, cmd.Room)
	if err != nil {
		return fmt.Errorf("resolve broadcaster for %s: %w", cmd.Room, err)
	}

	switch cmd.Kind {
	case CommandBan:
		return f.Helix.BanUser(ctx, broadcasterID, f.ModeratorID, cmd.TargetUserID, 0, cmd.Reason)
	case CommandTimeout:
		if cmd.DurationSeconds <= 0 {
			return fmt.Errorf("timeout requires a positive duration")
		}
		return f.Helix.BanUser(ctx, broadcasterID, f.ModeratorID, cmd.TargetUserID, cmd.DurationSeconds, cmd.Reason)
	case CommandDelete:
		return f.Helix.DeleteMessage(ctx, broadcasterID, f.ModeratorID, cmd.TargetMessageID)
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func (f *Forwarder) broadcasterID(ctx context.Context, room string) (string, error) {
	f.mu.Lock()
	if f.broadcasters == nil {
		f.broadcasters = make(map[string]string)
	}
	if id, ok := f.broadcasters[room]; ok {
		f.mu.Unlock()
		return id, nil
	}
	f.mu.Unlock()

	id, err := f.Helix.GetUserID(ctx, room)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.broadcasters[room] = id
	f.mu.Unlock()
	return id, nil
}

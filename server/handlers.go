// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"time"

	"github.com/onnwee/chat-relay/audit"
	"github.com/onnwee/chat-relay/auth"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/session"
	"github.com/onnwee/chat-relay/twitchapi"
)

// Forwarder pushes moderation commands to the upstream platform.
type Forwarder interface {
	Forward(ctx context.Context, cmd twitchapi.Command) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db        *db.DB
	engine    *relay.Engine
	trail     *audit.Trail
	sessions  *session.Tracker
	verifier  *auth.Verifier
	forwarder Forwarder

	idleTimeout time.Duration
	tokenTTL    time.Duration
}

// Options tune handler behavior beyond its dependencies.
type Options struct {
	// IdleTimeout closes a stream with no deliveries after this long.
	// Zero means no idle limit.
	IdleTimeout time.Duration
	// TokenTTL is the default lifetime for issued tokens.
	TokenTTL time.Duration
}

// NewHandlers creates a new Handlers instance with the given dependencies.
// forwarder may be nil when no platform credentials are configured; commands
// are then audited and reported as unsupported.
func NewHandlers(d *db.DB, engine *relay.Engine, trail *audit.Trail, sessions *session.Tracker, verifier *auth.Verifier, forwarder Forwarder, opts Options) *Handlers {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 15 * time.Minute
	}
	return &Handlers{
		db:          d,
		engine:      engine,
		trail:       trail,
		sessions:    sessions,
		verifier:    verifier,
		forwarder:   forwarder,
		idleTimeout: opts.IdleTimeout,
		tokenTTL:    opts.TokenTTL,
	}
}

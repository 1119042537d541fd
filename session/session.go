// Package session tracks connection lifecycles for diagnostics. The tracker
// is bookkeeping only; losing a row never affects event delivery.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/telemetry"
)

// ErrUnknownSession is returned by End for a session id that was never
// begun. Callers log it rather than propagate it.
var ErrUnknownSession = errors.New("unknown session")

// Session is one connection lifecycle row.
type Session struct {
	SessionID  string     `json:"session_id"`
	ClientID   string     `json:"client_id"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Tracker records session begin/end against the store.
type Tracker struct {
	db  *db.DB
	log *slog.Logger
}

func NewTracker(d *db.DB) *Tracker {
	telemetry.Init()
	return &Tracker{db: d, log: slog.Default().With(slog.String("component", "session"))}
}

// Begin opens a session. Replaying the same session id (a transport retry)
// is a no-op; the original started_at wins.
func (t *Tracker) Begin(ctx context.Context, sessionID, clientID, remoteAddr string) error {
	res, err := t.db.ExecContext(ctx, t.db.Dialect().InsertSessionSQL(),
		sessionID, clientID, remoteAddr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("begin session %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 && telemetry.OpenSessions != nil {
		telemetry.OpenSessions.Inc()
	}
	return nil
}

// End closes a session exactly once. Ending an already-ended session is a
// no-op; an unknown session id returns ErrUnknownSession.
func (t *Tracker) End(ctx context.Context, sessionID string) error {
	res, err := t.db.ExecContext(ctx,
		t.db.Dialect().Rebind("UPDATE connection_sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL"),
		time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n > 0 {
		if telemetry.OpenSessions != nil {
			telemetry.OpenSessions.Dec()
		}
		return nil
	}

	var exists int
	err = t.db.QueryRowContext(ctx,
		t.db.Dialect().Rebind("SELECT 1 FROM connection_sessions WHERE session_id = ?"),
		sessionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	// Already ended: idempotent.
	return nil
}

// Open lists sessions that have not ended, newest first.
func (t *Tracker) Open(ctx context.Context) ([]Session, error) {
	rows, err := t.db.QueryContext(ctx,
		"SELECT session_id, client_id, remote_addr, started_at FROM connection_sessions WHERE ended_at IS NULL ORDER BY started_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		var s Session
		var addr sql.NullString
		if err := rows.Scan(&s.SessionID, &s.ClientID, &addr, &s.StartedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		s.RemoteAddr = addr.String
		out = append(out, s)
	}
	return out, rows.Err()
}

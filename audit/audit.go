// Package audit keeps the append-only trail of moderation commands.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/telemetry"
)

// Entry is one recorded command.
type Entry struct {
	ID              int64     `json:"id"`
	ClientID        string    `json:"client_id"`
	Topic           string    `json:"topic"`
	Kind            string    `json:"kind"`
	TargetUserID    string    `json:"target_user_id,omitempty"`
	TargetMessageID string    `json:"target_message_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Trail writes and queries the command audit table. Writes are best-effort
// from the caller's point of view: a failed Record is logged and counted
// but must never abort the command that triggered it.
type Trail struct {
	db  *db.DB
	log *slog.Logger
}

func NewTrail(d *db.DB) *Trail {
	telemetry.Init()
	return &Trail{db: d, log: slog.Default().With(slog.String("component", "audit"))}
}

// Record appends one entry. The returned error is informational; callers
// log it and carry on.
func (t *Trail) Record(ctx context.Context, clientID, topic, kind, targetUserID, targetMessageID string) error {
	_, err := t.db.ExecContext(ctx,
		t.db.Dialect().Rebind("INSERT INTO command_audit(client_id, topic, kind, target_user_id, target_message_id, created_at) VALUES(?,?,?,?,?,?)"),
		clientID, topic, kind, nullIfEmpty(targetUserID), nullIfEmpty(targetMessageID), time.Now().UTC())
	if err != nil {
		if telemetry.AuditFailures != nil {
			telemetry.AuditFailures.Inc()
		}
		t.log.Warn("audit write failed",
			slog.Any("err", err),
			slog.String("topic", topic),
			slog.String("kind", kind))
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Query returns entries for a topic inside [from, to], ordered by creation
// time then insertion id so same-timestamp entries keep a stable order.
func (t *Trail) Query(ctx context.Context, topic string, from, to time.Time) ([]Entry, error) {
	rows, err := t.db.QueryContext(ctx,
		t.db.Dialect().Rebind("SELECT id, client_id, topic, kind, target_user_id, target_message_id, created_at FROM command_audit WHERE topic = ? AND created_at >= ? AND created_at <= ? ORDER BY created_at ASC, id ASC"),
		topic, from, to)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var targetUser, targetMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Topic, &e.Kind, &targetUser, &targetMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.TargetUserID = targetUser.String
		e.TargetMessageID = targetMsg.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

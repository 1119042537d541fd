// Package relay implements the durable, ordered, cursor-addressable event
// log and the live fan-out hub on top of it. Every (client, topic) pair owns
// an independent cursor sequence starting at 1.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/telemetry"
)

// Sentinel errors for the storage and cursor taxonomy. Callers test with
// errors.Is; wrapped causes stay inspectable.
var (
	// ErrStorageUnavailable signals that the backing store rejected or
	// failed an operation. No cursor is consumed when an append fails.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrInvalidCursor signals a negative cursor argument.
	ErrInvalidCursor = errors.New("invalid cursor")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStorageUnavailable, err))
}

// Event is one entry in the replay log.
type Event struct {
	ClientID  string
	Topic     string
	Cursor    int64
	Payload   []byte
	CreatedAt time.Time
}

// Engine owns cursor assignment, the replay log, and retention trimming.
// All methods are safe for concurrent use; appends to the same
// (client, topic) pair are serialized, appends to different pairs proceed
// in parallel.
type Engine struct {
	db       *db.DB
	hub      *Hub
	locks    *pairLocks
	capacity int64
	log      *slog.Logger
}

// NewEngine builds an engine over the given store and hub. capacity is the
// per-pair number of events retained after each append; 0 disables the
// capacity trim.
func NewEngine(d *db.DB, hub *Hub, capacity int64) *Engine {
	telemetry.Init()
	return &Engine{
		db:       d,
		hub:      hub,
		locks:    newPairLocks(),
		capacity: capacity,
		log:      slog.Default().With(slog.String("component", "relay")),
	}
}

// Append assigns the next cursor for the pair, persists the event, and fans
// it out to live subscribers. The assigned cursor is always exactly one
// above the pair's stored high-water, so a failed insert never burns a
// cursor value.
func (e *Engine) Append(ctx context.Context, clientID, topic string, payload []byte) (Event, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "relay", "append",
		attribute.String("relay.topic", topic))
	defer span.End()

	key := pairKey{ClientID: clientID, Topic: topic}
	unlock := e.locks.lock(key)
	defer unlock()

	ev, err := e.appendLocked(ctx, clientID, topic, payload)
	if err != nil {
		if telemetry.AppendFailures != nil {
			telemetry.AppendFailures.Inc()
		}
		telemetry.RecordError(span, err)
		return Event{}, err
	}
	telemetry.SetSpanSuccess(span)
	if telemetry.AppendsTotal != nil {
		telemetry.AppendsTotal.Inc()
	}
	if telemetry.AppendDuration != nil {
		telemetry.AppendDuration.Observe(time.Since(start).Seconds())
	}

	e.trimCapacity(ctx, clientID, topic, ev.Cursor)
	if e.hub != nil {
		e.hub.Publish(ev)
	}
	return ev, nil
}

func (e *Engine) appendLocked(ctx context.Context, clientID, topic string, payload []byte) (Event, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, storageErr("begin append tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	dialect := e.db.Dialect()
	q := "SELECT seq FROM replay_cursors WHERE client_id = ? AND topic = ?"
	if dialect.SupportsForUpdate() {
		q += " FOR UPDATE"
	}
	var current int64
	err = tx.QueryRowContext(ctx, dialect.Rebind(q), clientID, topic).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Event{}, storageErr("read cursor", err)
	}
	next := current + 1

	if _, err := tx.ExecContext(ctx, dialect.UpsertCursorSQL(), clientID, topic, next); err != nil {
		return Event{}, storageErr("raise cursor", err)
	}

	ev := Event{
		ClientID:  clientID,
		Topic:     topic,
		Cursor:    next,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		dialect.Rebind("INSERT INTO replay_events(client_id, topic, seq, payload, created_at) VALUES(?,?,?,?,?)"),
		ev.ClientID, ev.Topic, ev.Cursor, ev.Payload, ev.CreatedAt)
	if err != nil {
		return Event{}, storageErr("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, storageErr("commit append", err)
	}
	return ev, nil
}

// trimCapacity drops events at or below the capacity horizon. Best-effort:
// a failed trim only logs, the append already succeeded.
func (e *Engine) trimCapacity(ctx context.Context, clientID, topic string, assigned int64) {
	if e.capacity <= 0 || assigned <= e.capacity {
		return
	}
	horizon := assigned - e.capacity
	res, err := e.db.ExecContext(ctx,
		e.db.Dialect().Rebind("DELETE FROM replay_events WHERE client_id = ? AND topic = ? AND seq <= ?"),
		clientID, topic, horizon)
	if err != nil {
		e.log.Warn("capacity trim failed", slog.Any("err", err), slog.String("topic", topic))
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 && telemetry.TrimmedEvents != nil {
		telemetry.TrimmedEvents.Add(float64(n))
	}
}

// EventsSince returns events with cursor strictly greater than from, in
// ascending cursor order. limit bounds the batch (0 means unbounded); the
// scan restarts cleanly from the last returned cursor. An empty result is
// not an error.
func (e *Engine) EventsSince(ctx context.Context, clientID, topic string, from int64, limit int) ([]Event, error) {
	if from < 0 {
		return nil, fmt.Errorf("events since %d: %w", from, ErrInvalidCursor)
	}
	q := "SELECT seq, payload, created_at FROM replay_events WHERE client_id = ? AND topic = ? AND seq > ? ORDER BY seq ASC"
	args := []any{clientID, topic, from}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := e.db.QueryContext(ctx, e.db.Dialect().Rebind(q), args...)
	if err != nil {
		return nil, storageErr("scan events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		ev := Event{ClientID: clientID, Topic: topic}
		if err := rows.Scan(&ev.Cursor, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, storageErr("scan event row", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate events", err)
	}
	if len(out) > 0 && telemetry.ReplayedEvents != nil {
		telemetry.ReplayedEvents.Add(float64(len(out)))
	}
	return out, nil
}

// AdvanceCursor raises the pair's cursor to the given value. Values at or
// below the stored cursor are an idempotent no-op; the cursor never moves
// backward.
func (e *Engine) AdvanceCursor(ctx context.Context, clientID, topic string, cursor int64) error {
	if cursor < 0 {
		return fmt.Errorf("advance to %d: %w", cursor, ErrInvalidCursor)
	}
	if _, err := e.db.ExecContext(ctx, e.db.Dialect().UpsertCursorSQL(), clientID, topic, cursor); err != nil {
		return storageErr("advance cursor", err)
	}
	return nil
}

// CurrentCursor returns the pair's stored cursor, 0 for a pair that has
// never seen an append or an advance.
func (e *Engine) CurrentCursor(ctx context.Context, clientID, topic string) (int64, error) {
	var cur int64
	err := e.db.QueryRowContext(ctx,
		e.db.Dialect().Rebind("SELECT seq FROM replay_cursors WHERE client_id = ? AND topic = ?"),
		clientID, topic).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("read cursor", err)
	}
	return cur, nil
}

// OldestRetained returns the lowest cursor still present in the log for the
// pair, 0 when the log is empty. Used to detect resume cursors that predate
// retention.
func (e *Engine) OldestRetained(ctx context.Context, clientID, topic string) (int64, error) {
	var oldest sql.NullInt64
	err := e.db.QueryRowContext(ctx,
		e.db.Dialect().Rebind("SELECT MIN(seq) FROM replay_events WHERE client_id = ? AND topic = ?"),
		clientID, topic).Scan(&oldest)
	if err != nil {
		return 0, storageErr("read oldest event", err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return oldest.Int64, nil
}

// Hub returns the fan-out hub the engine publishes to.
func (e *Engine) Hub() *Hub { return e.hub }

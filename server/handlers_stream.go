package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/telemetry"
)

// connState tracks where a streaming connection is in its lifecycle.
type connState int

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateActive
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// replayBatchSize bounds each replay scan so a deep backlog streams in
// restartable chunks instead of one unbounded query.
const replayBatchSize = 500

// streamEvent is the SSE wire form of a log event.
type streamEvent struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Cursor    int64           `json:"cursor"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func toStreamEvent(ev relay.Event) streamEvent {
	return streamEvent{
		Type:      "event",
		Topic:     ev.Topic,
		Cursor:    ev.Cursor,
		Payload:   json.RawMessage(ev.Payload),
		CreatedAt: ev.CreatedAt,
	}
}

// HandleStream serves GET /v1/stream: replays the log from the requested
// cursor over SSE, then hands off to live fan-out without gaps or
// duplicates. The connection walks connecting -> authenticating -> active
// -> closing -> closed; a failed step never reaches active.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	state := stateConnecting
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	state = stateAuthenticating
	claims, ok := requireScope(w, r, "subscribe")
	if !ok {
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_topic")
		return
	}
	cursor := int64(parseIntQuery(r, "cursor", 0))
	if cursor < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_cursor")
		return
	}

	sessionID := r.Header.Get("X-Session-ID")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "stream"),
		slog.String("session_id", sessionID),
		slog.String("client_id", claims.ClientID),
		slog.String("topic", topic))

	if err := h.sessions.Begin(ctx, sessionID, claims.ClientID, r.RemoteAddr); err != nil {
		// Session rows are diagnostics; delivery continues without one.
		log.Warn("session begin failed", slog.Any("err", err))
	}
	defer func() {
		// The request context is already canceled on client disconnect;
		// the end-of-session write still has to land.
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := h.sessions.End(endCtx, sessionID); err != nil {
			log.Warn("session end failed", slog.Any("err", err))
		}
	}()

	// Subscribe before the replay scan so nothing appended during the scan
	// can be missed; duplicates are filtered by cursor below.
	sub := h.engine.Hub().Subscribe(claims.ClientID, topic)
	defer sub.Close()

	state = stateActive
	log.Info("stream active", slog.Int64("cursor", cursor), slog.String("state", state.String()))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeSSE := func(v any) bool {
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if err := json.NewEncoder(w).Encode(v); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeSSE(map[string]any{"type": "session", "session_id": sessionID, "topic": topic, "cursor": cursor}) {
		state = stateClosed
		return
	}

	// A resume cursor older than the oldest retained event means retention
	// already dropped part of the requested range. Report the loss, then
	// replay what is left.
	if dropped := h.droppedSince(ctx, claims.ClientID, topic, cursor); dropped > 0 {
		if !writeSSE(map[string]any{"type": "lagged", "dropped": dropped}) {
			state = stateClosed
			return
		}
	}

	last, ok := h.replay(ctx, writeSSE, claims.ClientID, topic, cursor)
	if !ok {
		state = stateClosed
		return
	}

	// Live phase. Cursor gaps and lag notices trigger a backfill scan so
	// every cursor in (last, latest] is delivered exactly once, in order.
	var idle *time.Timer
	var idleC <-chan time.Time
	if h.idleTimeout > 0 {
		idle = time.NewTimer(h.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for state == stateActive {
		select {
		case <-ctx.Done():
			state = stateClosing
		case <-idleC:
			writeSSE(map[string]any{"type": "timeout"})
			state = stateClosing
		case item, open := <-sub.C:
			if !open {
				state = stateClosing
				break
			}
			if idle != nil {
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(h.idleTimeout)
			}
			if item.Lagged > 0 || item.Event.Cursor > last+1 {
				var ok bool
				last, ok = h.replay(ctx, writeSSE, claims.ClientID, topic, last)
				if !ok {
					state = stateClosed
				}
				continue
			}
			if item.Event.Cursor <= last {
				continue // already delivered by replay
			}
			if !writeSSE(toStreamEvent(item.Event)) {
				state = stateClosed
				break
			}
			last = item.Event.Cursor
		}
	}

	if state == stateClosing {
		state = stateClosed
	}
	log.Info("stream closed", slog.Int64("cursor", last), slog.String("state", state.String()))
}

// replay streams stored events after from in bounded batches and returns
// the last delivered cursor.
func (h *Handlers) replay(ctx context.Context, writeSSE func(any) bool, clientID, topic string, from int64) (int64, bool) {
	last := from
	for {
		events, err := h.engine.EventsSince(ctx, clientID, topic, last, replayBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("replay scan failed", slog.Any("err", err), slog.String("topic", topic), slog.String("component", "stream"))
			}
			return last, false
		}
		if len(events) == 0 {
			return last, true
		}
		for _, ev := range events {
			if !writeSSE(toStreamEvent(ev)) {
				return last, false
			}
			last = ev.Cursor
		}
	}
}

// droppedSince reports how many events in (cursor, latest] retention has
// already removed, 0 when the full range is still replayable.
func (h *Handlers) droppedSince(ctx context.Context, clientID, topic string, cursor int64) int64 {
	current, err := h.engine.CurrentCursor(ctx, clientID, topic)
	if err != nil || cursor >= current {
		return 0
	}
	oldest, err := h.engine.OldestRetained(ctx, clientID, topic)
	if err != nil {
		return 0
	}
	if oldest == 0 {
		// Log is empty but cursors were assigned: everything after the
		// resume point is gone.
		return current - cursor
	}
	if cursor+1 < oldest {
		return oldest - 1 - cursor
	}
	return 0
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/onnwee/chat-relay/relay"
)

// HandleAppendEvent serves POST /v1/events: the ingestion surface platform
// adapters and publishers use. The event is appended under the token's
// client id; the assigned cursor comes back in the response.
func (h *Handlers) HandleAppendEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := requireScope(w, r, "publish")
	if !ok {
		return
	}

	var req struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if req.Topic == "" || len(req.Payload) == 0 {
		writeJSONError(w, http.StatusBadRequest, "missing_topic_or_payload")
		return
	}

	ev, err := h.engine.Append(r.Context(), claims.ClientID, req.Topic, req.Payload)
	if err != nil {
		if errors.Is(err, relay.ErrStorageUnavailable) {
			writeJSONError(w, http.StatusServiceUnavailable, "storage_unavailable")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "append_failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(struct {
		Topic     string    `json:"topic"`
		Cursor    int64     `json:"cursor"`
		CreatedAt time.Time `json:"created_at"`
	}{ev.Topic, ev.Cursor, ev.CreatedAt})
}

// HandleAdvanceCursor serves POST /v1/cursor: raises the caller's ack
// watermark for a topic. Advancing to a value at or below the stored cursor
// is a no-op.
func (h *Handlers) HandleAdvanceCursor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := requireScope(w, r, "subscribe")
	if !ok {
		return
	}

	var req struct {
		Topic  string `json:"topic"`
		Cursor int64  `json:"cursor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := h.engine.AdvanceCursor(r.Context(), claims.ClientID, req.Topic, req.Cursor); err != nil {
		if errors.Is(err, relay.ErrInvalidCursor) {
			writeJSONError(w, http.StatusBadRequest, "invalid_cursor")
			return
		}
		writeJSONError(w, http.StatusServiceUnavailable, "storage_unavailable")
		return
	}
	current, err := h.engine.CurrentCursor(r.Context(), claims.ClientID, req.Topic)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "storage_unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"topic": req.Topic, "cursor": current})
}

// HandleCurrentCursor serves GET /v1/cursor?topic=: the caller's stored
// cursor, 0 for an unseen topic.
func (h *Handlers) HandleCurrentCursor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := requireScope(w, r, "subscribe")
	if !ok {
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_topic")
		return
	}
	current, err := h.engine.CurrentCursor(r.Context(), claims.ClientID, topic)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "storage_unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"topic": topic, "cursor": current})
}

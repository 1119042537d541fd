package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chat-relay/audit"
	"github.com/onnwee/chat-relay/ingest"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
)

// HandleCommand serves POST /v1/commands: records the command in the audit
// trail (best-effort, never blocking the command) and forwards it to the
// platform. Unsupported platforms still get an audit row.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := requireScope(w, r, "moderate")
	if !ok {
		return
	}

	var req struct {
		Topic           string `json:"topic"`
		Kind            string `json:"kind"`
		TargetUserID    string `json:"target_user_id"`
		TargetMessageID string `json:"target_message_id"`
		DurationSeconds int    `json:"duration_seconds"`
		Reason          string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if req.Topic == "" || req.Kind == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_topic_or_kind")
		return
	}
	platform, room, err := ingest.ParseTopic(req.Topic)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_topic")
		return
	}

	if telemetry.CommandsTotal != nil {
		telemetry.CommandsTotal.Inc()
	}

	// The audit row is written before forwarding and its failure is only
	// logged: losing audit must never block moderation.
	if err := h.trail.Record(r.Context(), claims.ClientID, req.Topic, req.Kind, req.TargetUserID, req.TargetMessageID); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("command audit failed", slog.Any("err", err))
	}

	status := "forwarded"
	if h.forwarder == nil {
		status = "unsupported_platform"
	} else {
		err := h.forwarder.Forward(r.Context(), twitchapi.Command{
			Platform:        platform,
			Room:            room,
			Kind:            req.Kind,
			TargetUserID:    req.TargetUserID,
			TargetMessageID: req.TargetMessageID,
			DurationSeconds: req.DurationSeconds,
			Reason:          req.Reason,
		})
		switch {
		case errors.Is(err, twitchapi.ErrUnsupportedPlatform):
			status = "unsupported_platform"
		case err != nil:
			writeJSONError(w, http.StatusBadGateway, "forward_failed")
			telemetry.LoggerWithCorr(r.Context()).Warn("command forward failed",
				slog.Any("err", err), slog.String("kind", req.Kind), slog.String("topic", req.Topic))
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// HandleAuditQuery serves GET /v1/audit (operator): command audit entries
// for a topic inside a time range.
func (h *Handlers) HandleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_topic")
		return
	}
	from := time.Time{}
	to := time.Now().UTC()
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_from")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_to")
			return
		}
		to = t
	}

	entries, err := h.trail.Query(r.Context(), topic, from, to)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "storage_unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if entries == nil {
		entries = []audit.Entry{} // encode as [] instead of null
	}
	_ = json.NewEncoder(w).Encode(entries)
}

// HandleIssueToken serves POST /v1/tokens (operator): mints a bearer token
// for the external OAuth front-end to hand to a client.
func (h *Handlers) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ClientID string   `json:"client_id"`
		Scopes   []string `json:"scopes"`
		TTL      string   `json:"ttl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	ttl := h.tokenTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_ttl")
			return
		}
		ttl = d
	}
	token, err := h.verifier.Issue(req.ClientID, req.Scopes, ttl)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "issue_failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"expires_at": time.Now().UTC().Add(ttl),
	})
}

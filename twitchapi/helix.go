// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for user id resolution and chat moderation, using an app access token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// DefaultAPIBase is the Helix API root.
const DefaultAPIBase = "https://api.twitch.tv/helix"

// HelixClient provides the Helix calls the moderation forwarder needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	APIBase        string // defaults to DefaultAPIBase
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.APIBase != "" {
		return hc.APIBase
	}
	return DefaultAPIBase
}

func (hc *HelixClient) authorize(ctx context.Context, req *http.Request) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/users", nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	if err := hc.authorize(ctx, req); err != nil {
		return "", err
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// BanUser bans (duration 0) or times out (duration > 0, seconds) a user in
// the broadcaster's chat.
func (hc *HelixClient) BanUser(ctx context.Context, broadcasterID, moderatorID, userID string, durationSeconds int, reason string) error {
	if broadcasterID == "" || userID == "" {
		return fmt.Errorf("broadcaster and user ids required")
	}
	payload := struct {
		Data struct {
			UserID   string `json:"user_id"`
			Duration int    `json:"duration,omitempty"`
			Reason   string `json:"reason,omitempty"`
		} `json:"data"`
	}{}
	payload.Data.UserID = userID
	payload.Data.Duration = durationSeconds
	payload.Data.Reason = reason
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, hc.base()+"/moderation/bans", bytes.NewReader(b))
	q := req.URL.Query()
	q.Set("broadcaster_id", broadcasterID)
	q.Set("moderator_id", moderatorID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")
	if err := hc.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	return checkStatus(resp, "ban user")
}

// DeleteMessage removes a single chat message from the broadcaster's chat.
func (hc *HelixClient) DeleteMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error {
	if broadcasterID == "" || messageID == "" {
		return fmt.Errorf("broadcaster and message ids required")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodDelete, hc.base()+"/moderation/chat", nil)
	q := req.URL.Query()
	q.Set("broadcaster_id", broadcasterID)
	q.Set("moderator_id", moderatorID)
	q.Set("message_id", messageID)
	req.URL.RawQuery = q.Encode()
	if err := hc.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	return checkStatus(resp, "delete message")
}

func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: helix returned %s: %s", op, resp.Status, string(b))
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

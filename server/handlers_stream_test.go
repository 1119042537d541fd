package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/auth"
)

// sseClient consumes one /v1/stream connection, decoding each data frame.
type sseClient struct {
	events chan map[string]any
	cancel context.CancelFunc
}

func openStream(t *testing.T, env *testEnv, token, topic string, cursor int64) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	// Token rides on the query string, the way EventSource clients send it.
	streamURL := fmt.Sprintf("%s/v1/stream?topic=%s&cursor=%d&token=%s",
		env.srv.URL, url.QueryEscape(topic), cursor, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		t.Fatalf("build stream request failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("stream connect failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("expected 200 on stream connect, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	c := &sseClient{events: make(chan map[string]any, 32), cancel: cancel}
	go func() {
		defer close(c.events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var m map[string]any
			if json.Unmarshal([]byte(data), &m) == nil {
				c.events <- m
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})
	return c
}

func (c *sseClient) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m, ok := <-c.events:
		if !ok {
			t.Fatal("stream ended before the expected frame")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stream frame")
	}
	return nil
}

func (c *sseClient) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case m, ok := <-c.events:
		if ok {
			t.Fatalf("expected stream close, got frame %v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream close")
	}
}

func TestStreamReplayThenLive(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		if _, err := env.engine.Append(ctx, "client-a", "room:demo/lobby", []byte(`{"text":"`+text+`"}`)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	token := env.token(t, "client-a", auth.ScopeSubscribe)
	stream := openStream(t, env, token, "room:demo/lobby", 0)

	frame := stream.next(t)
	if frame["type"] != "session" || frame["session_id"] == "" {
		t.Fatalf("expected a session frame first, got %v", frame)
	}

	// Replay phase: the two stored events, in order.
	for want := 1; want <= 2; want++ {
		frame = stream.next(t)
		if frame["type"] != "event" || frame["cursor"] != float64(want) {
			t.Fatalf("expected replayed event at cursor %d, got %v", want, frame)
		}
	}

	// Live phase: an append while connected arrives without reconnecting.
	if _, err := env.engine.Append(ctx, "client-a", "room:demo/lobby", []byte(`{"text":"three"}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	frame = stream.next(t)
	if frame["cursor"] != float64(3) {
		t.Fatalf("expected live event at cursor 3, got %v", frame)
	}
}

func TestStreamResumesFromCursor(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.engine.Append(ctx, "client-a", "room:demo/lobby", []byte(`{}`)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	token := env.token(t, "client-a", auth.ScopeSubscribe)
	stream := openStream(t, env, token, "room:demo/lobby", 2)

	if frame := stream.next(t); frame["type"] != "session" {
		t.Fatalf("expected session frame, got %v", frame)
	}
	// Cursor 2 already acknowledged: only event 3 replays.
	frame := stream.next(t)
	if frame["type"] != "event" || frame["cursor"] != float64(3) {
		t.Fatalf("expected only cursor 3, got %v", frame)
	}
}

func TestStreamLaggedNoticeAfterRetention(t *testing.T) {
	env := newTestEnv(t, envOptions{capacity: 2})
	ctx := context.Background()

	// Capacity 2 with 5 appends leaves only cursors 4 and 5 in the log.
	for i := 0; i < 5; i++ {
		if _, err := env.engine.Append(ctx, "client-a", "room:demo/lobby", []byte(`{}`)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	token := env.token(t, "client-a", auth.ScopeSubscribe)
	stream := openStream(t, env, token, "room:demo/lobby", 0)

	if frame := stream.next(t); frame["type"] != "session" {
		t.Fatalf("expected session frame, got %v", frame)
	}
	frame := stream.next(t)
	if frame["type"] != "lagged" {
		t.Fatalf("expected lagged notice, got %v", frame)
	}
	if frame["dropped"] != float64(3) {
		t.Errorf("expected 3 dropped events reported, got %v", frame["dropped"])
	}
	for want := 4; want <= 5; want++ {
		frame = stream.next(t)
		if frame["cursor"] != float64(want) {
			t.Fatalf("expected retained event at cursor %d, got %v", want, frame)
		}
	}
}

func TestStreamIdleTimeout(t *testing.T) {
	env := newTestEnv(t, envOptions{handler: Options{IdleTimeout: 100 * time.Millisecond}})

	token := env.token(t, "client-a", auth.ScopeSubscribe)
	stream := openStream(t, env, token, "room:demo/lobby", 0)

	if frame := stream.next(t); frame["type"] != "session" {
		t.Fatalf("expected session frame, got %v", frame)
	}
	frame := stream.next(t)
	if frame["type"] != "timeout" {
		t.Fatalf("expected timeout frame, got %v", frame)
	}
	stream.expectClosed(t)
}

func TestStreamEndsSessionOnDisconnect(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	token := env.token(t, "client-a", auth.ScopeSubscribe)
	stream := openStream(t, env, token, "room:demo/lobby", 0)
	if frame := stream.next(t); frame["type"] != "session" {
		t.Fatalf("expected session frame, got %v", frame)
	}

	open, err := env.sessions.Open(context.Background())
	if err != nil {
		t.Fatalf("open sessions failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open session while streaming, got %d", len(open))
	}

	stream.cancel()

	deadline := time.After(2 * time.Second)
	for {
		open, err = env.sessions.Open(context.Background())
		if err != nil {
			t.Fatalf("open sessions failed: %v", err)
		}
		if len(open) == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("session never ended after disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStreamValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	token := env.token(t, "client-a", auth.ScopeSubscribe)

	// Missing topic.
	resp := env.doJSON(t, http.MethodGet, "/v1/stream", token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing topic, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["error"] != "missing_topic" {
		t.Errorf("unexpected error code: %v", body["error"])
	}

	// Negative cursor.
	resp = env.doJSON(t, http.MethodGet, "/v1/stream?topic=t&cursor=-1", token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for negative cursor, got %d", resp.StatusCode)
	}

	// Subscribe scope required.
	publishOnly := env.token(t, "client-a", auth.ScopePublish)
	resp = env.doJSON(t, http.MethodGet, "/v1/stream?topic=t", publishOnly, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 without subscribe scope, got %d", resp.StatusCode)
	}
}

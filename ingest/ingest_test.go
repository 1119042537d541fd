package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/relay"
)

func TestTopicRoundTrip(t *testing.T) {
	topic := Topic(PlatformTwitch, "somechannel")
	if topic != "room:twitch/somechannel" {
		t.Fatalf("unexpected topic %q", topic)
	}

	platform, room, err := ParseTopic(topic)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if platform != PlatformTwitch || room != "somechannel" {
		t.Errorf("got platform=%q room=%q", platform, room)
	}
}

func TestParseTopicRejectsMalformed(t *testing.T) {
	for _, topic := range []string{"", "somechannel", "room:", "room:twitch", "room:/lobby", "room:twitch/"} {
		if _, _, err := ParseTopic(topic); err == nil {
			t.Errorf("topic %q: expected an error", topic)
		}
	}
}

func TestChatMessageEncode(t *testing.T) {
	sent := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cm := ChatMessage{Platform: PlatformTwitch, Room: "lobby", User: "viewer", Text: "hi all", SentAt: sent}

	b, err := cm.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var got ChatMessage
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got != cm {
		t.Errorf("round trip mismatch: %+v != %+v", got, cm)
	}
}

// recordingAppender captures appends for adapter tests.
type recordingAppender struct {
	mu      sync.Mutex
	topics  []string
	payload [][]byte
}

func (r *recordingAppender) Append(_ context.Context, _, topic string, payload []byte) (relay.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.payload = append(r.payload, payload)
	return relay.Event{Topic: topic, Cursor: int64(len(r.topics))}, nil
}

func (r *recordingAppender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func TestDemoAdapterAppendsMessages(t *testing.T) {
	rec := &recordingAppender{}
	adapter := &DemoAdapter{Interval: 5 * time.Millisecond, ClientID: "ingest", Engine: rec}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for rec.count() < 3 {
		select {
		case <-deadline:
			t.Fatal("demo adapter produced too few messages")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.topics[0] != Topic(PlatformDemo, "lobby") {
		t.Errorf("unexpected topic %q", rec.topics[0])
	}
	var cm ChatMessage
	if err := json.Unmarshal(rec.payload[0], &cm); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if cm.Platform != PlatformDemo || cm.User != "demo-bot" || cm.Text == "" {
		t.Errorf("unexpected message %+v", cm)
	}
}

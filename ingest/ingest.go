// Package ingest feeds external platform traffic into the replay log.
// Adapters normalize platform messages into ChatMessage payloads and append
// them under a room topic for a configured ingest client id.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/chat-relay/relay"
)

// Platform names used in room topics.
const (
	PlatformTwitch = "twitch"
	PlatformKick   = "kick"
	PlatformDemo   = "demo"
)

// Appender is the slice of the relay engine adapters need.
type Appender interface {
	Append(ctx context.Context, clientID, topic string, payload []byte) (relay.Event, error)
}

// Adapter is a long-running source of inbound events. Run blocks until the
// context is canceled or the source fails.
type Adapter interface {
	Name() string
	Run(ctx context.Context) error
}

// ChatMessage is the normalized payload appended for every inbound chat
// line, regardless of platform.
type ChatMessage struct {
	Platform string    `json:"platform"`
	Room     string    `json:"room"`
	User     string    `json:"user"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

// Encode marshals the message for storage.
func (m ChatMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode chat message: %w", err)
	}
	return b, nil
}

// Topic builds the canonical room topic, "room:<platform>/<room>".
func Topic(platform, room string) string {
	return "room:" + platform + "/" + room
}

// ParseTopic splits a room topic into platform and room.
func ParseTopic(topic string) (platform, room string, err error) {
	rest, ok := strings.CutPrefix(topic, "room:")
	if !ok {
		return "", "", fmt.Errorf("topic %q: missing room: prefix", topic)
	}
	platform, room, ok = strings.Cut(rest, "/")
	if !ok || platform == "" || room == "" {
		return "", "", fmt.Errorf("topic %q: want room:<platform>/<room>", topic)
	}
	return platform, room, nil
}

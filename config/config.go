// Package config loads environment variables and provides a typed Config
// used across the service. It applies sensible defaults so the binary can
// run locally with minimal setup. For required credentials (auth secret,
// Twitch chat) use the Validate helpers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP
	HTTPAddr    string
	IdleTimeout time.Duration

	// Database
	DBDsn string

	// Auth
	AuthSecret string

	// Replay log
	ReplayCapacity   int64
	SubscriberBuffer int

	// Twitch ingestion
	TwitchChannels     []string
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchClientID     string
	TwitchClientSecret string

	// Demo ingestion
	IngestDemo         bool
	IngestDemoInterval time.Duration
}

// Load reads environment variables and applies defaults. Missing optional
// variables disable features (e.g., Twitch ingestion); Validate enforces
// the ones the core needs.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	cfg.IdleTimeout = 5 * time.Minute
	if v := os.Getenv("STREAM_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid STREAM_IDLE_TIMEOUT: %w", err)
		}
		cfg.IdleTimeout = d
	}

	cfg.DBDsn = os.Getenv("DB_DSN")
	if cfg.DBDsn == "" {
		cfg.DBDsn = "sqlite://data/relay.db"
	}

	cfg.AuthSecret = os.Getenv("AUTH_HMAC_SECRET")

	cfg.ReplayCapacity = 2048
	if v := os.Getenv("REPLAY_CAPACITY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REPLAY_CAPACITY %q", v)
		}
		cfg.ReplayCapacity = n
	}

	cfg.SubscriberBuffer = 64
	if v := os.Getenv("SUBSCRIBER_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid SUBSCRIBER_BUFFER %q", v)
		}
		cfg.SubscriberBuffer = n
	}

	// Twitch
	if v := os.Getenv("TWITCH_CHANNELS"); v != "" {
		for _, ch := range strings.Split(v, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				cfg.TwitchChannels = append(cfg.TwitchChannels, ch)
			}
		}
	}
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	// Demo
	cfg.IngestDemo = os.Getenv("INGEST_DEMO") == "1"
	cfg.IngestDemoInterval = 2 * time.Second
	if v := os.Getenv("INGEST_DEMO_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid INGEST_DEMO_INTERVAL %q", v)
		}
		cfg.IngestDemoInterval = d
	}

	return cfg, nil
}

// Validate checks the settings the core cannot run without.
func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("missing AUTH_HMAC_SECRET")
	}
	return nil
}

// ValidateTwitchReady checks required fields when the Twitch ingestion
// adapter is enabled.
func (c *Config) ValidateTwitchReady() error {
	if len(c.TwitchChannels) == 0 {
		return fmt.Errorf("missing twitch env: require TWITCH_CHANNELS")
	}
	return nil
}

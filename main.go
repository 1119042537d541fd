// Command chat-relay is the main entrypoint for the relay API and background
// workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to the configured database engine and runs idempotent
//     migrations.
//   - Starts background jobs: platform ingestion adapters and the replay
//     retention sweep.
//   - Exposes the HTTP server with the SSE stream, ingestion/moderation
//     surfaces, /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/chat-relay/audit"
	"github.com/onnwee/chat-relay/auth"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/ingest"
	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/server"
	"github.com/onnwee/chat-relay/session"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Open(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations",
		slog.String("dialect", string(database.Dialect())),
		slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Core wiring: hub, engine, audit trail, session tracker, verifier.
	hub := relay.NewHub(cfg.SubscriberBuffer)
	engine := relay.NewEngine(database, hub, cfg.ReplayCapacity)
	trail := audit.NewTrail(database)
	sessions := session.NewTracker(database)
	verifier, err := auth.NewVerifier([]byte(cfg.AuthSecret))
	if err != nil {
		slog.Error("auth verifier init failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Retention sweep for the age-based window (capacity trims happen on
	// append inside the engine).
	go relay.StartRetentionJob(ctx, database, relay.LoadRetentionPolicy())

	// Moderation forwarder, when Helix credentials are configured.
	var forwarder server.Forwarder
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		ts := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
		forwarder = &twitchapi.Forwarder{
			Helix:       &twitchapi.HelixClient{AppTokenSource: ts, ClientID: cfg.TwitchClientID},
			ModeratorID: os.Getenv("TWITCH_MODERATOR_ID"),
		}
	} else {
		slog.Info("twitch client credentials not set; moderation forwarding disabled")
	}

	// Ingestion adapters.
	ingestClientID := os.Getenv("INGEST_CLIENT_ID")
	if ingestClientID == "" {
		ingestClientID = "ingest"
	}
	var adapters []ingest.Adapter
	if err := cfg.ValidateTwitchReady(); err == nil {
		adapters = append(adapters, &ingest.TwitchAdapter{
			Channels: cfg.TwitchChannels,
			Username: cfg.TwitchBotUsername,
			OAuth:    cfg.TwitchOAuthToken,
			ClientID: ingestClientID,
			Engine:   engine,
		})
	} else {
		slog.Info("twitch ingestion disabled", slog.Any("reason", err))
	}
	if cfg.IngestDemo {
		adapters = append(adapters, &ingest.DemoAdapter{
			Interval: cfg.IngestDemoInterval,
			ClientID: ingestClientID,
			Engine:   engine,
		})
	}
	for _, a := range adapters {
		go func(a ingest.Adapter) {
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("ingest adapter exited", slog.String("adapter", a.Name()), slog.Any("err", err))
			}
		}(a)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server
	handlers := server.NewHandlers(database, engine, trail, sessions, verifier, forwarder, server.Options{
		IdleTimeout: cfg.IdleTimeout,
	})
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

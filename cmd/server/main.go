package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/observer/relaycore/internal/auth"
	"github.com/observer/relaycore/internal/config"
	"github.com/observer/relaycore/internal/database"
	"github.com/observer/relaycore/internal/gateway"
	"github.com/observer/relaycore/internal/huddle"
	"github.com/observer/relaycore/internal/messaging"
	"github.com/observer/relaycore/internal/presence"
	"github.com/observer/relaycore/internal/pubsub"
	"github.com/observer/relaycore/internal/server"
	"github.com/observer/relaycore/internal/statestore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	if err := database.EnsureSchema(cfg.DatabaseURL, logger); err != nil {
		slog.Error("failed to ensure database schema", "error", err)
		os.Exit(1)
	}

	jwtKey := cfg.JWTSigningKey
	if jwtKey == "" {
		if cfg.IsDevelopment() {
			jwtKey = "dev-signing-key-do-not-use-in-production!!" // 42 chars
			slog.Warn("using default JWT signing key - DO NOT USE IN PRODUCTION")
		} else {
			slog.Error("JWT_SIGNING_KEY is required in production")
			os.Exit(1)
		}
	}
	verifier, err := auth.NewVerifier(jwtKey)
	if err != nil {
		slog.Error("failed to create auth verifier", "error", err)
		os.Exit(1)
	}

	store, err := statestore.NewRedisStore(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to state store", "error", err)
		os.Exit(1)
	}

	var ps pubsub.PubSub
	switch cfg.PubSubType {
	case "redis":
		redisPS, err := pubsub.NewRedisPubSub(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to initialize redis pubsub", "error", err)
			os.Exit(1)
		}
		ps = redisPS
	default:
		ps = pubsub.NewMemoryPubSub()
	}
	defer ps.Close()

	rooms := database.NewRoomRepository(db)
	messages := database.NewMessageRepository(db)
	notifications := database.NewNotificationRepository(db)
	receipts := database.NewReceiptRepository(db)

	messagingSvc := messaging.NewService(messages, rooms, notifications, receipts, store, ps, logger)

	presenceSvc := presence.NewService(store, ps, presence.TTLs{
		Presence: cfg.PresenceTTL,
		Typing:   cfg.TypingTTL,
		Note:     cfg.NoteTTL,
		Cursor:   cfg.CursorTTL,
	}, logger)

	sfuClient := huddle.NewSFUClient(cfg.SFUAppID, cfg.SFUAppSecret)
	huddleSvc := huddle.NewService(store, ps, sfuClient, logger)

	gw := gateway.NewGateway(gateway.Deps{
		Verifier:                verifier,
		Rooms:                   rooms,
		Messaging:               messagingSvc,
		Presence:                presenceSvc,
		Huddle:                  huddleSvc,
		PubSub:                  ps,
		HeartbeatInterval:       cfg.HeartbeatInterval,
		PresenceRefreshInterval: cfg.PresenceRefreshInterval,
		Logger:                  logger,
	})

	deps := &server.Dependencies{
		DB:      db,
		Gateway: gw,
		Logger:  logger,
	}

	srv := server.New(cfg, deps)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}

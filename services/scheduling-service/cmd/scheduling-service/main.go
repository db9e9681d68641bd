package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/peerplan/peerplan/libs/config"
	"github.com/peerplan/peerplan/libs/cryptox"
	"github.com/peerplan/peerplan/libs/db"
	"github.com/peerplan/peerplan/libs/httpx"
	"github.com/peerplan/peerplan/libs/kafkax"
	"github.com/peerplan/peerplan/libs/lock"
	otelx "github.com/peerplan/peerplan/libs/otel"
	"github.com/peerplan/peerplan/libs/runtime"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/consumer"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/coordinator"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/groups"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/handlers"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/inbox"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/notify"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/outbox"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/provider"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/storage"
	calsync "github.com/peerplan/peerplan/services/scheduling-service/internal/sync"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Options{
		MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
	})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.String("REDIS_ADDR", "localhost:6379"),
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       config.Int("REDIS_DB", 0),
	})
	defer func() { _ = rdb.Close() }()

	tokenKey, err := config.RequiredString("TOKEN_ENCRYPTION_KEY")
	if err != nil {
		panic(err)
	}
	cipher, err := cryptox.NewCipher(tokenKey)
	if err != nil {
		logger.Error("token cipher init failed", "err", err)
		panic(err)
	}

	registry := provider.NewRegistry()
	registry.Register(provider.GoogleProvider, provider.NewGoogleClient(provider.GoogleConfig{
		ClientID:       config.String("GOOGLE_CLIENT_ID", ""),
		ClientSecret:   config.String("GOOGLE_CLIENT_SECRET", ""),
		FullSyncWindow: config.Duration("FULL_SYNC_WINDOW", 30*24*time.Hour),
	}))

	connRepo := storage.NewConnectionRepository(pool)
	meetingRepo := storage.NewMeetingRepository(pool)
	profileRepo := storage.NewProfileRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	inboxRepo := inbox.NewRepository(pool)

	locker := calsync.WrapLocker(lock.NewRedisLocker(rdb, "sched", config.Duration("LOCK_TTL", 30*time.Second)))
	tokenManager := calsync.NewTokenManager(connRepo, registry, cipher, locker, logger)
	notifier := notify.New(outboxRepo, logger)

	groupProvider, err := groups.NewDirectoryProvider(logger, nil, config.String("DIRECTORY_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("directory provider init failed", "err", err)
		groupProvider = groups.NewStaticProvider(nil)
	}

	resolver := coordinator.NewResolver(connRepo, profileRepo, tokenManager, registry, logger)
	coord := coordinator.New(resolver, connRepo, meetingRepo, registry, tokenManager, groupProvider, notifier, logger, coordinator.Config{
		FanOutLimit:    config.Int("FANOUT_LIMIT", 8),
		PerUserTimeout: config.Duration("PER_USER_TIMEOUT", 10*time.Second),
	})

	engine := calsync.NewEngine(connRepo, meetingRepo, registry, tokenManager, locker, notifier, coord, logger)
	webhookCfg := calsync.WebhookConfig{
		CallbackURL: config.String("WEBHOOK_CALLBACK_URL", ""),
		RenewLead:   config.Duration("WEBHOOK_RENEW_LEAD", 12*time.Hour),
		SweepBatch:  config.Int("WEBHOOK_SWEEP_BATCH", 50),
	}
	sweeper := calsync.NewSweeper(pool, engine, tokenManager, logger, calsync.SweeperConfig{
		Webhook:         webhookCfg,
		TokenLead:       config.Duration("TOKEN_REFRESH_LEAD", 10*time.Minute),
		TokenBatch:      config.Int("TOKEN_SWEEP_BATCH", 50),
		AdvisoryLockKey: int64(config.Int("SWEEP_ADVISORY_LOCK_KEY", 0)),
	})
	go sweeper.Run(ctx, config.Duration("SWEEP_INTERVAL", 5*time.Minute))

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	syncConsumer := consumer.New(logger, inboxRepo, consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "scheduling-service"),
		Topic:   outbox.EventSyncRequested,
	}, func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			ChannelID string `json:"channel_id"`
			Token     string `json:"token"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid sync request payload", "err", err, "topic", msg.Topic)
			return nil
		}
		err := engine.SyncByChannel(ctx, payload.ChannelID, payload.Token)
		switch {
		case errors.Is(err, calsync.ErrUnknownChannel):
			// A push for a channel stopped after renewal; nothing to do.
			logger.Debug("sync request for unknown channel", "channel_id", payload.ChannelID)
			return nil
		case errors.Is(err, calsync.ErrBadChannelToken):
			logger.Warn("sync request with bad channel token", "channel_id", payload.ChannelID)
			return nil
		}
		return err
	})
	go syncConsumer.Run(ctx)

	schedulingHandler := handlers.NewSchedulingHandler(coord, logger)
	webhookHandler := handlers.NewWebhookHandler(outboxRepo, logger)
	cronHandler := handlers.NewCronHandler(sweeper, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: lock.ReadyCheck(rdb)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/availability/search", schedulingHandler.Search)
	mux.HandleFunc("/api/v1/availability/check", schedulingHandler.Check)
	mux.HandleFunc("/api/v1/meetings/schedule", schedulingHandler.Schedule)
	mux.HandleFunc("/api/v1/meetings/cancel", schedulingHandler.Cancel)
	mux.HandleFunc("/webhooks/google/calendar", webhookHandler.GoogleCalendar)
	mux.HandleFunc("/internal/cron/renew-webhooks", cronHandler.RenewWebhooks)
	mux.HandleFunc("/internal/cron/refresh-tokens", cronHandler.RefreshTokens)

	rateLimiter := httpx.NewRedisRateLimiter(rdb,
		config.Int("RATE_LIMIT_PER_MINUTE", 120), time.Minute,
		config.String("RATE_LIMIT_PREFIX", "rl:scheduling"))

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.Strings("CORS_ALLOWED_ORIGINS", nil),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-User-Id", "X-Request-Id"},
		}),
		rateLimiter.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/slotengine/libs/auth"
	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/libs/httpx"
	"github.com/md-rashed-zaman/slotengine/libs/kafkax"
	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
	"github.com/md-rashed-zaman/slotengine/libs/runtime"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/handlers"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/jobs"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/memstore"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/outbox"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/payments"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/pricing"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/propagation"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/reservation"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/seed"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/storage"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/summary"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/workinghours"
)

// engineStore is satisfied by both the Postgres store and the memory store.
type engineStore interface {
	availability.Catalog
	availability.GranuleReader
	workinghours.Source
	reservation.GranuleStore
	reservation.ReservationStore
	payments.Store
	jobs.Store
	seed.Writer
	handlers.ScheduleWriter
	Ping(ctx context.Context) error
}

const streamPath = "/api/v1/public/slots/stream"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.Service, cfg.LogLevel)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	var (
		store      engineStore
		pool       *db.Pool
		outboxRepo *outbox.Repository
	)
	switch cfg.StoreDriver {
	case storePostgres:
		pool, err = db.Open(ctx, cfg.DatabaseURL, db.Options{MaxConns: int32(cfg.DBMaxConns)})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()
		if err := storage.Migrate(ctx, pool); err != nil {
			logger.Error("schema migration failed", "err", err)
			panic(err)
		}
		if cfg.KafkaBrokers != "" {
			outboxRepo = outbox.NewRepository(pool)
		}
		store = storage.New(pool, outboxRepo, cfg.GranuleTopic)
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		store = memstore.New(time.Now)
	}

	if cfg.ScheduleFile != "" {
		f, err := seed.Load(cfg.ScheduleFile)
		if err != nil {
			logger.Error("schedule file invalid", "err", err, "path", cfg.ScheduleFile)
			panic(err)
		}
		today := model.DateIn(time.Now(), cfg.Location)
		if err := seed.Apply(ctx, store, f, today, cfg.MaterializeDays, logger); err != nil {
			logger.Error("schedule apply failed", "err", err)
			panic(err)
		}
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
	}

	agg := availability.NewAggregator(store, store, workinghours.NewResolver(store), availability.Config{
		GranuleMinutes: cfg.GranuleMinutes,
		Location:       cfg.Location,
	})
	prices := pricing.NewCalculator(pricing.DefaultPolicy(), cfg.Location)
	hub := propagation.NewHub(logger)
	notifier := startPush(ctx, cfg, hub, rdb, pool, logger)

	coord := reservation.NewCoordinator(agg, store, store, prices, notifier, logger, reservation.Config{ClaimTimeout: cfg.ClaimTimeout})

	if outboxRepo != nil {
		publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			PollEvery: time.Second,
			BatchSize: 100,
		})
		runtime.Go(ctx, logger, "outbox-publisher", publisher.Run)
	}

	if cfg.JobsEnabled {
		var locker jobs.Locker
		if pool != nil {
			locker = pool
		}
		runner := jobs.NewRunner(store, agg, coord, notifier, locker, logger, jobs.Config{
			MaterializeDays: cfg.MaterializeDays,
			PaymentHold:     cfg.PaymentHold,
			OrphanClaimAge:  cfg.OrphanClaimAge,
		})
		if outboxRepo != nil {
			runner.WithOutboxPurge(outboxRepo)
		}
		runtime.Go(ctx, logger, "jobs", runner.Run)
	}

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	} else {
		logger.Warn("JWT_SECRET not set; admin api disabled")
	}

	api := handlers.New(agg, coord, summary.NewSummarizer(agg), prices, hub, store, logger, handlers.StreamConfig{
		PollInterval: cfg.PollInterval,
		Grace:        cfg.JustBookedGrace,
		Heartbeat:    cfg.SSEHeartbeat,
	})
	webhooks := payments.NewHandler(store, coord, logger, cfg.StripeWebhookSecret, 0)

	checks := []runtime.ReadyCheck{{Name: "store", Check: store.Ping}}
	if cfg.KafkaBrokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(kafkax.SplitBrokers(cfg.KafkaBrokers))})
	}
	if rdb != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
	}
	mux := runtime.NewBaseMuxWithReady(checks...)
	api.Register(mux, auth.RequireRole(verifier, auth.RoleAdmin))
	// Stripe reaches the webhook without a JWT; signature verification is the auth.
	mux.HandleFunc("/api/v1/webhooks/stripe", webhooks.StripeWebhook)

	general, reserve := rateLimits(cfg, rdb, logger)
	httpHandler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.WidgetCORSPolicy(cfg.CORSOrigins)),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(cfg.BodyLimitBytes)),
		httpx.Except(httpx.WithTimeout(cfg.RequestTimeout), streamPath),
		general,
		httpx.Only(reserve, "/api/v1/public/reservations"),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "reservation")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "store", cfg.StoreDriver, "push", cfg.PushSource)
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

// startPush starts the configured push source and returns the notifier the
// coordinator and jobs report granule transitions to.
func startPush(ctx context.Context, cfg appConfig, hub *propagation.Hub, rdb *redis.Client, pool *db.Pool, logger *slog.Logger) propagation.Notifiers {
	notifiers := propagation.Notifiers{hub}
	switch cfg.PushSource {
	case pushRedis:
		notifiers = append(notifiers, propagation.NewRedisBroadcaster(rdb, logger))
		runtime.Go(ctx, logger, "redis-source", propagation.NewRedisSource(rdb, hub, logger).Run)
	case pushKafka:
		group := cfg.KafkaGroupID
		if group == "" {
			host, _ := os.Hostname()
			group = "reservation-views-" + host + "-" + uuid.NewString()[:8]
		}
		source := propagation.NewKafkaSource(propagation.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.GranuleTopic,
			GroupID: group,
		}, hub, logger)
		runtime.Go(ctx, logger, "kafka-source", source.Run)
	case pushPostgres:
		runtime.Go(ctx, logger, "pg-source", propagation.NewPGSource(pool, hub, logger).Run)
	}
	return notifiers
}

// rateLimits returns the general limiter and the stricter one for reservations.
// Redis shares counters across replicas when configured.
func rateLimits(cfg appConfig, rdb *redis.Client, logger *slog.Logger) (httpx.Middleware, httpx.Middleware) {
	if rdb != nil {
		general := httpx.NewRedisRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, "rl")
		reserve := httpx.NewRedisRateLimiter(rdb, cfg.ReserveLimitPerMin, time.Minute, "rl:reserve")
		logger.Info("rate limiting enabled (redis)", "per_minute", cfg.RateLimitPerMinute, "reserve_per_minute", cfg.ReserveLimitPerMin)
		return general.Middleware(logger, cfg.RateLimitFailOpen), reserve.Middleware(logger, cfg.RateLimitFailOpen)
	}
	logger.Info("rate limiting enabled (in-memory)", "per_minute", cfg.RateLimitPerMinute, "reserve_per_minute", cfg.ReserveLimitPerMin)
	return httpx.NewRateLimiter(cfg.RateLimitPerMinute).Middleware(), httpx.NewRateLimiter(cfg.ReserveLimitPerMin).Middleware()
}

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotengine/libs/config"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"

	pushNone     = "none"
	pushRedis    = "redis"
	pushKafka    = "kafka"
	pushPostgres = "postgres"
)

type appConfig struct {
	Service  string
	Port     string
	LogLevel string
	Location *time.Location

	StoreDriver string
	DatabaseURL string
	DBMaxConns  int

	GranuleMinutes  int
	ClaimTimeout    time.Duration
	PollInterval    time.Duration
	JustBookedGrace time.Duration
	SSEHeartbeat    time.Duration

	PushSource    string
	RedisAddr     string
	RedisPassword string
	KafkaBrokers  string
	GranuleTopic  string
	KafkaGroupID  string

	MaterializeDays int
	PaymentHold     time.Duration
	OrphanClaimAge  time.Duration
	JobsEnabled     bool
	ScheduleFile    string

	StripeWebhookSecret string
	JWTSecret           string
	JWTIssuer           string

	CORSOrigins        []string
	BodyLimitBytes     int
	RequestTimeout     time.Duration
	RateLimitPerMinute int
	ReserveLimitPerMin int
	RateLimitFailOpen  bool
}

func loadConfig() (appConfig, error) {
	var (
		cfg appConfig
		err error
	)
	cfg.Service = config.String("SERVICE_NAME", "reservation-service")
	cfg.LogLevel = config.String("LOG_LEVEL", "info")
	if cfg.Port, err = config.Port("PORT", "8080"); err != nil {
		return cfg, err
	}
	if cfg.Location, err = config.Location("TIMEZONE", "UTC"); err != nil {
		return cfg, err
	}

	cfg.StoreDriver = strings.ToLower(config.String("STORE_DRIVER", storeMemory))
	switch cfg.StoreDriver {
	case storeMemory:
	case storePostgres:
		if cfg.DatabaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("STORE_DRIVER must be %q or %q (got %q)", storeMemory, storePostgres, cfg.StoreDriver)
	}
	if cfg.DBMaxConns, err = config.Int("DB_MAX_CONNS", 20); err != nil {
		return cfg, err
	}

	if cfg.GranuleMinutes, err = config.Int("GRANULE_MINUTES", 30); err != nil {
		return cfg, err
	}
	if cfg.ClaimTimeout, err = config.Duration("CLAIM_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = config.Duration("POLL_INTERVAL", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.JustBookedGrace, err = config.Duration("JUST_BOOKED_GRACE", 3*time.Second); err != nil {
		return cfg, err
	}
	if cfg.SSEHeartbeat, err = config.Duration("SSE_HEARTBEAT", 15*time.Second); err != nil {
		return cfg, err
	}

	cfg.RedisAddr = config.String("REDIS_ADDR", "")
	cfg.RedisPassword = config.String("REDIS_PASSWORD", "")
	cfg.KafkaBrokers = config.String("KAFKA_BROKERS", "")
	cfg.GranuleTopic = config.String("KAFKA_GRANULE_TOPIC", "slots.granule.changed.v1")
	cfg.KafkaGroupID = config.String("KAFKA_GROUP_ID", "")
	cfg.PushSource = strings.ToLower(config.String("PUSH_SOURCE", pushNone))
	switch cfg.PushSource {
	case pushNone:
	case pushRedis:
		if cfg.RedisAddr == "" {
			return cfg, fmt.Errorf("PUSH_SOURCE=redis requires REDIS_ADDR")
		}
	case pushKafka:
		if cfg.KafkaBrokers == "" || cfg.StoreDriver != storePostgres {
			return cfg, fmt.Errorf("PUSH_SOURCE=kafka requires KAFKA_BROKERS and STORE_DRIVER=postgres")
		}
	case pushPostgres:
		if cfg.StoreDriver != storePostgres {
			return cfg, fmt.Errorf("PUSH_SOURCE=postgres requires STORE_DRIVER=postgres")
		}
	default:
		return cfg, fmt.Errorf("PUSH_SOURCE must be one of none, redis, kafka, postgres (got %q)", cfg.PushSource)
	}

	if cfg.MaterializeDays, err = config.Int("MATERIALIZE_DAYS", 60); err != nil {
		return cfg, err
	}
	if cfg.PaymentHold, err = config.Duration("PAYMENT_HOLD", 30*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.OrphanClaimAge, err = config.Duration("ORPHAN_CLAIM_AGE", 2*time.Minute); err != nil {
		return cfg, err
	}
	cfg.JobsEnabled = config.Bool("JOBS_ENABLED", true)
	cfg.ScheduleFile = config.String("SCHEDULE_FILE", "")

	cfg.StripeWebhookSecret = config.String("STRIPE_WEBHOOK_SECRET", "")
	cfg.JWTSecret = config.String("JWT_SECRET", "")
	cfg.JWTIssuer = config.String("JWT_ISSUER", "")

	cfg.CORSOrigins = config.List("CORS_ALLOWED_ORIGINS", "")
	if cfg.BodyLimitBytes, err = config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20); err != nil {
		return cfg, err
	}
	if cfg.RequestTimeout, err = config.Duration("REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimitPerMinute, err = config.Int("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return cfg, err
	}
	if cfg.ReserveLimitPerMin, err = config.Int("RESERVE_RATE_LIMIT_PER_MINUTE", 10); err != nil {
		return cfg, err
	}
	cfg.RateLimitFailOpen = config.Bool("RATE_LIMIT_FAIL_OPEN", true)
	return cfg, nil
}

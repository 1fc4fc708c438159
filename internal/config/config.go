package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName         = "PaymentEngine"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultLockTimeout     = 3 * time.Second
	defaultOutboxInterval  = 500 * time.Millisecond
	defaultOutboxBatchSize = 50
	defaultPublishTimeout  = 5 * time.Second
	defaultOutboxExchange  = "payment-events"
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	DBMaxConns     int32
	RedisURL       string
	AMQPURL        string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	MigrateOnStart bool

	LockTimeout time.Duration
	Outbox      OutboxConfig
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	Exchange       string
	Interval       time.Duration
	BatchSize      int
	PublishTimeout time.Duration
}

// Load reads an optional .env file, then configuration values from the
// environment. Variables already set in the environment win over .env.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		AMQPURL:        os.Getenv("AMQP_URL"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		MigrateOnStart: true,
		LockTimeout:    defaultLockTimeout,
		Outbox: OutboxConfig{
			Exchange:       getEnv("OUTBOX_EXCHANGE", defaultOutboxExchange),
			Interval:       defaultOutboxInterval,
			BatchSize:      defaultOutboxBatchSize,
			PublishTimeout: defaultPublishTimeout,
		},
	}

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.LockTimeout, err = durationEnv("LOCK_TIMEOUT", cfg.LockTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Outbox.Interval, err = durationEnv("OUTBOX_INTERVAL", cfg.Outbox.Interval); err != nil {
		return Config{}, err
	}
	if cfg.Outbox.PublishTimeout, err = durationEnv("OUTBOX_PUBLISH_TIMEOUT", cfg.Outbox.PublishTimeout); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("OUTBOX_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid OUTBOX_BATCH_SIZE: %q", v)
		}
		cfg.Outbox.BatchSize = n
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
		}
		cfg.DBMaxConns = int32(n)
	}
	if v := os.Getenv("MIGRATE_ON_START"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MIGRATE_ON_START: %w", err)
		}
		cfg.MigrateOnStart = b
	}

	if !cfg.IsDev() {
		for name, value := range map[string]string{
			"DATABASE_URL": cfg.DatabaseURL,
			"REDIS_URL":    cfg.RedisURL,
			"AMQP_URL":     cfg.AMQPURL,
		} {
			if value == "" {
				return Config{}, fmt.Errorf("%s must be set when APP_ENV=%s", name, cfg.AppEnv)
			}
		}
	}

	return cfg, nil
}

// IsDev reports whether in-memory fallbacks are allowed.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// secondsOrDuration reads an integer seconds variable, falling back to a Go
// duration string variable.
func secondsOrDuration(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return durationEnv(durationKey, fallback)
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

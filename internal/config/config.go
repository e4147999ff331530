// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Dispatcher / retry scheduler
	DispatcherWorkers    int           // bounded worker pool size (C4)
	DispatcherQueueSize  int           // loaded but not consulted: the handoff channel (C2) holds 4 * DispatcherWorkers attempts
	SchedulerInterval    time.Duration // retry sweep tick (C5)
	SchedulerBatchSize   int           // rows claimed per tick
	StuckClaimMultiplier int           // InFlight row considered stuck after N * DispatchTimeout
	DispatchTimeout      time.Duration // per-request outbound HTTP timeout

	// Subscription defaults. Loaded but not consulted: Store.Create fills an
	// omitted max_attempts, backoff_base_ms or max_payload_bytes with
	// MinMaxAttempts, MinBackoffBaseMs or MinMaxPayloadBytes instead.
	DefaultMaxAttempts     int
	DefaultBackoffBaseMs   int64
	DefaultMaxPayloadBytes int64

	// Security
	RateLimitRPM int // all routes but health checks, per client IP or Authorization header prefix

	// Bearer-token principal resolution
	JWTSigningKey string `json:"-"`
	JWTIssuer     string

	// Subscription read-through cache (optional; empty disables it)
	RedisURL string

	// Failure notifier (optional; empty disables it)
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string `json:"-"`
	SMTPFrom     string

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultDispatcherWorkers    = 32
	DefaultDispatcherQueueSize  = 1024
	DefaultSchedulerInterval    = 60 * time.Second
	DefaultSchedulerBatchSize   = 200
	DefaultStuckClaimMultiplier = 5
	DefaultDispatchTimeout      = 10 * time.Second

	DefaultMaxAttempts     = 5
	DefaultBackoffBaseMs   = 2000
	DefaultMaxPayloadBytes = 1 << 20 // 1 MiB

	DefaultRateLimit = 100

	DefaultJWTIssuer = "alancoin-webhooks"

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		DispatcherWorkers:    int(getEnvInt64("DISPATCHER_WORKERS", int64(DefaultDispatcherWorkers))),
		DispatcherQueueSize:  int(getEnvInt64("DISPATCHER_QUEUE_SIZE", int64(DefaultDispatcherQueueSize))),
		SchedulerInterval:    getEnvDuration("SCHEDULER_INTERVAL", DefaultSchedulerInterval),
		SchedulerBatchSize:   int(getEnvInt64("SCHEDULER_BATCH_SIZE", int64(DefaultSchedulerBatchSize))),
		StuckClaimMultiplier: int(getEnvInt64("STUCK_CLAIM_MULTIPLIER", int64(DefaultStuckClaimMultiplier))),
		DispatchTimeout:      getEnvDuration("DISPATCH_TIMEOUT", DefaultDispatchTimeout),

		DefaultMaxAttempts:     int(getEnvInt64("DEFAULT_MAX_ATTEMPTS", int64(DefaultMaxAttempts))),
		DefaultBackoffBaseMs:   getEnvInt64("DEFAULT_BACKOFF_BASE_MS", DefaultBackoffBaseMs),
		DefaultMaxPayloadBytes: getEnvInt64("DEFAULT_MAX_PAYLOAD_BYTES", DefaultMaxPayloadBytes),

		RateLimitRPM: int(getEnvInt64("ADMIN_RATE_LIMIT_RPM", int64(DefaultRateLimit))),

		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
		JWTIssuer:     getEnv("JWT_ISSUER", DefaultJWTIssuer),

		RedisURL: os.Getenv("REDIS_URL"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     int(getEnvInt64("SMTP_PORT", 587)),
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     getEnv("SMTP_FROM", "webhooks@alancoin.local"),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and internally consistent.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.RateLimitRPM < 1 {
		return fmt.Errorf("ADMIN_RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}

	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	if c.DispatcherWorkers < 1 {
		return fmt.Errorf("DISPATCHER_WORKERS must be at least 1, got %d", c.DispatcherWorkers)
	}

	if c.DefaultBackoffBaseMs < 1000 || c.DefaultBackoffBaseMs > 3_600_000 {
		return fmt.Errorf("DEFAULT_BACKOFF_BASE_MS must be within [1000, 3600000], got %d", c.DefaultBackoffBaseMs)
	}

	// Write timeout must exceed request timeout to avoid truncated responses.
	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	// Production only: an empty key is fatal, a key under 32 bytes only warns.
	if c.IsProduction() && len(c.JWTSigningKey) < 32 {
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY is required in production")
		}
		slog.Warn("JWT_SIGNING_KEY is shorter than 32 bytes; consider a longer key in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

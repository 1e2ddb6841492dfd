package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	// Daraja (M-Pesa) gateway credentials and endpoints.
	DarajaBaseURL        string
	DarajaConsumerKey    string
	DarajaConsumerSecret string
	DarajaShortCode      string
	DarajaPasskey        string
	DarajaCallbackURL    string

	// Payment intent lifecycle.
	IntentTimeout    time.Duration
	IdempotencyTTL   time.Duration
	CallbackReplayTTL time.Duration

	// Installment schedule policy.
	LateFeeFlat     int64
	LateFeeRateBPS  int64
	ScheduleLockTTL time.Duration

	// Outbound call resilience.
	OutboundTimeout      time.Duration
	RetryBase            time.Duration
	RetryMaxAttempts     int
	RetryJitterPercent   float64
	CircuitMinRequests   int
	CircuitFailureRate   float64
	CircuitOpenFor       time.Duration

	// Background queue.
	QueueRedisPrefix       string
	QueueMaxAttempts       int
	QueueConcurrency       int
	QueueVisibilityTimeout time.Duration
	QueueBackoffBase       time.Duration
	QueueBackoffJitter     float64
	WorkerHeartbeatInterval time.Duration
	WorkerJobSoftDeadline   time.Duration
	SweepInterval           time.Duration

	LockRetryBackoff time.Duration

	CatalogCacheTTL time.Duration
	CurrencyCode    string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		DarajaBaseURL:        valueOrDefault(k.String("DARAJA_BASE_URL"), "https://sandbox.safaricom.co.ke"),
		DarajaConsumerKey:    k.String("DARAJA_CONSUMER_KEY"),
		DarajaConsumerSecret: k.String("DARAJA_CONSUMER_SECRET"),
		DarajaShortCode:      k.String("DARAJA_SHORT_CODE"),
		DarajaPasskey:        k.String("DARAJA_PASSKEY"),
		DarajaCallbackURL:    k.String("DARAJA_CALLBACK_URL"),

		IntentTimeout:     parseDuration(k.String("PAYMENT_INTENT_TIMEOUT"), "5m"),
		IdempotencyTTL:    parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		CallbackReplayTTL: parseDuration(k.String("CALLBACK_REPLAY_TTL"), "48h"),

		LateFeeFlat:     k.Int64("LATE_FEE_FLAT"),
		LateFeeRateBPS:  k.Int64("LATE_FEE_RATE_BPS"),
		ScheduleLockTTL: parseDuration(k.String("SCHEDULE_LOCK_TTL"), "30s"),

		OutboundTimeout:    parseDuration(k.String("OUTBOUND_TIMEOUT"), "30s"),
		RetryBase:          parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryMaxAttempts:   intOrDefault(k.Int("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitterPercent: floatOrDefault(k.Float64("RETRY_JITTER_PERCENT"), 0.2),
		CircuitMinRequests: intOrDefault(k.Int("CIRCUIT_MIN_REQUESTS"), 5),
		CircuitFailureRate: floatOrDefault(k.Float64("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:     parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		QueueRedisPrefix:        valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "duka"),
		QueueMaxAttempts:        intOrDefault(k.Int("QUEUE_MAX_ATTEMPTS"), 10),
		QueueConcurrency:        intOrDefault(k.Int("QUEUE_CONCURRENCY"), 4),
		QueueVisibilityTimeout:  parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
		QueueBackoffBase:        parseDuration(k.String("QUEUE_BACKOFF_BASE"), "1s"),
		QueueBackoffJitter:      floatOrDefault(k.Float64("QUEUE_BACKOFF_JITTER"), 0.2),
		WorkerHeartbeatInterval: parseDuration(k.String("WORKER_HEARTBEAT_INTERVAL"), "10s"),
		WorkerJobSoftDeadline:   parseDuration(k.String("WORKER_JOB_SOFT_DEADLINE"), "2m"),
		SweepInterval:           parseDuration(k.String("SWEEP_INTERVAL"), "1m"),

		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		CatalogCacheTTL: parseDuration(k.String("CATALOG_CACHE_TTL"), "5m"),
		CurrencyCode:    valueOrDefault(k.String("CURRENCY_CODE"), "KES"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.LateFeeFlat > 0 && cfg.LateFeeRateBPS > 0 {
		return nil, errors.New("LATE_FEE_FLAT and LATE_FEE_RATE_BPS are mutually exclusive")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func floatOrDefault(value, fallback float64) float64 {
	if value > 0 {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}

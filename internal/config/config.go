package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// MeterFailMode controls behaviour of the usage meter when the ledger
// store is unavailable.
type MeterFailMode string

const (
	MeterFailClosed MeterFailMode = "fail_closed"
	MeterFailOpen   MeterFailMode = "fail_open"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	ListenAddr  string

	LogLevel string

	DBType     string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Shared secret used to verify payment-provider webhook signatures.
	WebhookSigningSecret string

	// MeterFailMode decides whether usage is denied or allowed when the
	// subscription store cannot be reached on the hot path.
	MeterFailMode MeterFailMode

	// DunningMaxRetries is the number of failed payments tolerated on a
	// PAST_DUE subscription before it is canceled.
	DunningMaxRetries int

	// ConcurrencyMaxRetries bounds optimistic-lock retry loops.
	ConcurrencyMaxRetries int

	RateLimit RateLimitConfig
}

// RateLimitConfig configures the redis-backed usage ingest limiter.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	UsagePerMinute int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "tablier"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		ListenAddr:  getenv("LISTEN_ADDR", ":8080"),

		LogLevel: getenv("LOG_LEVEL", "info"),

		DBType:     getenv("DATABASE_TYPE", "postgres"),
		DBHost:     getenv("DATABASE_HOST", "localhost"),
		DBPort:     getenv("DATABASE_PORT", "5432"),
		DBName:     getenv("DATABASE_NAME", "tablier"),
		DBUser:     getenv("DATABASE_USER", "postgres"),
		DBPassword: getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:  getenv("DATABASE_SSLMODE", "disable"),

		WebhookSigningSecret: strings.TrimSpace(getenv("WEBHOOK_SIGNING_SECRET", "")),

		MeterFailMode:         normalizeFailMode(getenv("METER_FAIL_MODE", string(MeterFailClosed))),
		DunningMaxRetries:     getenvInt("DUNNING_MAX_RETRIES", 3),
		ConcurrencyMaxRetries: getenvInt("CONCURRENCY_MAX_RETRIES", 5),

		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:      strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword:  getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:        getenvInt("RATE_LIMIT_REDIS_DB", 0),
			UsagePerMinute: getenvInt("RATE_LIMIT_USAGE_PER_MINUTE", 600),
		},
	}
}

// Module wires configuration for the application.
var Module = fx.Module("config",
	fx.Provide(Load),
)

func normalizeFailMode(raw string) MeterFailMode {
	switch MeterFailMode(strings.ToLower(strings.TrimSpace(raw))) {
	case MeterFailOpen:
		return MeterFailOpen
	default:
		return MeterFailClosed
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort      string        `validate:"required,numeric"`
	DatabaseURL     string        `validate:"required"`
	RedisURL        string        `validate:"required_if=RateLimitBackend redis"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	AutoMigrate     bool

	RateLimitBackend       string        `validate:"oneof=memory redis"`
	RateLimitSweepInterval time.Duration `validate:"gt=0"`
	RateLimitIdleWindows   int           `validate:"gte=1"`

	ForwardTimeout    time.Duration `validate:"gt=0"`
	MaxBodyBytes      int64         `validate:"gt=0"`
	MaxResponseBytes  int64         `validate:"gt=0"`
	TrustForwardedFor bool

	CallLogQueueSize    int           `validate:"gte=1"`
	CallLogWriteTimeout time.Duration `validate:"gt=0"`

	EndpointCacheTTL time.Duration `validate:"gte=0"`

	OpsJWTSecret   string
	TracingEnabled bool
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		AutoMigrate:     getBool("AUTO_MIGRATE", false),

		RateLimitBackend:       getEnv("RATE_LIMIT_BACKEND", "memory"),
		RateLimitSweepInterval: getDuration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
		RateLimitIdleWindows:   getInt("RATE_LIMIT_IDLE_WINDOWS", 10),

		ForwardTimeout:    getDuration("FORWARD_TIMEOUT", 30*time.Second),
		MaxBodyBytes:      int64(getInt("MAX_BODY_BYTES", 1<<20)),
		MaxResponseBytes:  int64(getInt("MAX_RESPONSE_BYTES", 10<<20)),
		TrustForwardedFor: getBool("TRUST_FORWARDED_FOR", false),

		CallLogQueueSize:    getInt("CALL_LOG_QUEUE_SIZE", 1024),
		CallLogWriteTimeout: getDuration("CALL_LOG_WRITE_TIMEOUT", 5*time.Second),

		EndpointCacheTTL: getDuration("ENDPOINT_CACHE_TTL", 30*time.Second),

		OpsJWTSecret:   getEnv("OPS_JWT_SECRET", ""),
		TracingEnabled: getBool("TRACING_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints declared in struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

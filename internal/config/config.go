package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	pkgconfig "github.com/carepulse/carepulse/pkg/config"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Config holds all configuration for the carepulse client process.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Backend API
	APIBaseURL string `env:"CAREPULSE_API_BASE_URL" envDefault:"http://localhost:8080/api"`

	// Optional credentials for an unattended login when no session is stored.
	Email    string `env:"CAREPULSE_EMAIL"`
	Password string `env:"CAREPULSE_PASSWORD"`

	// Local status server
	HTTPPort       int     `env:"STATUS_HTTP_PORT" envDefault:"8090"`
	RateLimitRPS   float64 `env:"STATUS_RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"STATUS_RATE_LIMIT_BURST" envDefault:"40"`

	// Session storage
	StorageBackend  string `env:"STORAGE_BACKEND" envDefault:"memory"`
	NamespacePrefix string `env:"SESSION_NAMESPACE_PREFIX" envDefault:"carepulse:"`

	// Redis
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass      string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:""`

	// Postgres
	DatabaseURL        string        `env:"DATABASE_URL"`
	SlowQueryThreshold time.Duration `env:"DB_SLOW_QUERY_THRESHOLD" envDefault:"200ms"`

	// Kafka relay, disabled when empty
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`

	// Notification stream
	StreamPath      string        `env:"STREAM_PATH" envDefault:"/notifications/subscribe"`
	StreamBaseDelay time.Duration `env:"STREAM_BASE_DELAY" envDefault:"1s"`
	StreamMaxDelay  time.Duration `env:"STREAM_MAX_DELAY" envDefault:"30s"`
	TokenSkew       time.Duration `env:"TOKEN_EXPIRY_SKEW" envDefault:"30s"`

	// Auth client
	AuthTimeout        time.Duration `env:"AUTH_TIMEOUT" envDefault:"15s"`
	AuthMaxRetries     int           `env:"AUTH_MAX_RETRIES" envDefault:"2"`
	BreakerTimeout     time.Duration `env:"AUTH_BREAKER_TIMEOUT" envDefault:"30s"`
	BreakerFailureRate float64       `env:"AUTH_BREAKER_FAILURE_RATIO" envDefault:"0.5"`
	BreakerMinRequests uint32        `env:"AUTH_BREAKER_MIN_REQUESTS" envDefault:"5"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load carepulse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UnattendedLogin reports whether credentials for a start-up login are set.
func (c *Config) UnattendedLogin() bool {
	return c.Email != "" && c.Password != ""
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid CAREPULSE_API_BASE_URL: %q", c.APIBaseURL)
	}
	switch c.StorageBackend {
	case StorageMemory, StorageRedis:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=%s", StoragePostgres)
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND: %q", c.StorageBackend)
	}
	if c.StreamBaseDelay <= 0 || c.StreamMaxDelay < c.StreamBaseDelay {
		return fmt.Errorf("STREAM_MAX_DELAY (%s) must be >= STREAM_BASE_DELAY (%s) > 0", c.StreamMaxDelay, c.StreamBaseDelay)
	}
	if c.TokenSkew < 0 {
		return errors.New("TOKEN_EXPIRY_SKEW must not be negative")
	}
	if c.BreakerFailureRate <= 0 || c.BreakerFailureRate > 1 {
		return errors.New("AUTH_BREAKER_FAILURE_RATIO must be in (0, 1]")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return errors.New("status rate limit must be positive")
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	return nil
}

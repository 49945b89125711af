package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Feed providers.
const (
	ProviderMemory   = "memory"
	ProviderRedis    = "redis"
	ProviderPostgres = "postgres"
)

const minJWTSecretLength = 32

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
	// LogFile, when set, also writes logs to a rotated file.
	LogFile   string `env:"LOG_FILE"`
	JWTSecret string `env:"JWT_SECRET"`

	FeedProvider string `env:"FEED_PROVIDER" default:"memory"`
	RedisURL     string `env:"REDIS_URL"`
	DatabaseURL  string `env:"DATABASE_URL"`
	MemoryFeeds  bool   `env:"MEMORY_FEEDS" default:"true"`

	DefaultChannel     string        `env:"DEFAULT_CHANNEL" default:"lobby"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	FeedHealthInterval time.Duration `env:"FEED_HEALTH_INTERVAL" default:"60s"`
	FeedRetryBackoff   time.Duration `env:"FEED_RETRY_BACKOFF" default:"5s"`
	FeedCallTimeout    time.Duration `env:"FEED_CALL_TIMEOUT" default:"5s"`
	FeedReadTimeout    time.Duration `env:"FEED_READ_TIMEOUT" default:"2s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" default:"15s"`
	StoreTimeout       time.Duration `env:"STORE_TIMEOUT" default:"5s"`
	HistoryLimit       int           `env:"HISTORY_LIMIT" default:"50"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"20"`
	MaxFrameBytes       int64   `env:"MAX_FRAME_BYTES" default:"65536"`
	FrameRate           float64 `env:"FRAME_RATE" default:"20"`
	FrameBurst          int     `env:"FRAME_BURST" default:"40"`
	AllowedOrigins      string  `env:"ALLOWED_ORIGINS"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Origins returns the allowed websocket origins, trimmed and without empties.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}

	switch cfg.FeedProvider {
	case ProviderMemory:
	case ProviderRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when FEED_PROVIDER=redis")
		}
	case ProviderPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when FEED_PROVIDER=postgres")
		}
	default:
		return fmt.Errorf("FEED_PROVIDER must be one of memory, redis, postgres, got %q", cfg.FeedProvider)
	}

	if cfg.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.FeedHealthInterval <= cfg.HeartbeatInterval {
		return errors.New("FEED_HEALTH_INTERVAL must be longer than HEARTBEAT_INTERVAL")
	}
	if cfg.FeedRetryBackoff <= 0 || cfg.FeedCallTimeout <= 0 || cfg.FeedReadTimeout <= 0 {
		return errors.New("FEED_RETRY_BACKOFF, FEED_CALL_TIMEOUT and FEED_READ_TIMEOUT must be positive")
	}
	if cfg.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}
	if cfg.DefaultChannel == "" {
		return errors.New("DEFAULT_CHANNEL must not be empty")
	}
	if cfg.MaxConnections <= 0 || cfg.MaxConnectionsPerIP <= 0 {
		return errors.New("MAX_CONNECTIONS and MAX_CONNECTIONS_PER_IP must be positive")
	}

	if cfg.IsProduction() && cfg.DatabaseURL != "" {
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
		}
		if u.Query().Get("sslmode") == "disable" {
			return errors.New("DATABASE_URL must not use sslmode=disable in production")
		}
	}

	return nil
}

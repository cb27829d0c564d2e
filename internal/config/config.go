// Package config loads runtime settings from the environment and applies
// defaults and validation.
package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST,default=5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Env      string `env:"APP_ENV,default=development"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
	Port     string `env:"SERVER_PORT,default=:8080"`

	// AllowedOrigins is a comma separated list; "*" allows every origin.
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize int64  `env:"MAX_MESSAGE_SIZE,default=8192"`
	RateLimit      RateLimitConfig

	JWTSecret string `env:"JWT_SECRET,default=dev-secret-change-me"`

	GracePeriod   time.Duration `env:"GRACE_PERIOD,default=5s"`
	IdleThreshold time.Duration `env:"IDLE_THRESHOLD,default=30m"`
	ReapInterval  time.Duration `env:"REAP_INTERVAL,default=1m"`
	OpTimeout     time.Duration `env:"OP_TIMEOUT,default=5s"`
	BacklogLimit  int           `env:"BACKLOG_LIMIT,default=100"`

	PersistAttempts   int           `env:"PERSIST_ATTEMPTS,default=3"`
	PersistBackoff    time.Duration `env:"PERSIST_BACKOFF,default=50ms"`
	PersistMaxBackoff time.Duration `env:"PERSIST_MAX_BACKOFF,default=1s"`

	RoomStore    string `env:"ROOM_STORE,default=memory"`
	MessageStore string `env:"MESSAGE_STORE,default=memory"`
	RedisURL     string `env:"REDIS_URL,default=redis://localhost:6379/0"`
	BadgerPath   string `env:"BADGER_PATH,default=./data/messages"`

	ShutdownWindow time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Env:            "development",
		LogLevel:       "info",
		Port:           ":8080",
		AllowedOrigins: "http://localhost:8080",
		MaxMessageSize: 8192,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		JWTSecret:         "dev-secret-change-me",
		GracePeriod:       5 * time.Second,
		IdleThreshold:     30 * time.Minute,
		ReapInterval:      time.Minute,
		OpTimeout:         5 * time.Second,
		BacklogLimit:      100,
		PersistAttempts:   3,
		PersistBackoff:    50 * time.Millisecond,
		PersistMaxBackoff: time.Second,
		RoomStore:         BackendMemory,
		MessageStore:      BackendMemory,
		RedisURL:          "redis://localhost:6379/0",
		BadgerPath:        "./data/messages",
		ShutdownWindow:    15 * time.Second,
	}
}

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	cfg = Sanitize(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Sanitize replaces unusable values with their defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = def.BacklogLimit
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = def.PersistAttempts
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = def.PersistBackoff
	}
	if cfg.PersistMaxBackoff < cfg.PersistBackoff {
		cfg.PersistMaxBackoff = cfg.PersistBackoff
	}
	if cfg.ShutdownWindow <= 0 {
		cfg.ShutdownWindow = def.ShutdownWindow
	}
	cfg.RoomStore = strings.ToLower(strings.TrimSpace(cfg.RoomStore))
	if cfg.RoomStore == "" {
		cfg.RoomStore = BackendMemory
	}
	cfg.MessageStore = strings.ToLower(strings.TrimSpace(cfg.MessageStore))
	if cfg.MessageStore == "" {
		cfg.MessageStore = BackendMemory
	}
	return cfg
}

// Validate rejects settings that cannot be defaulted.
func (c Config) Validate() error {
	switch c.RoomStore {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("ROOM_STORE must be %q or %q, got %q", BackendMemory, BackendRedis, c.RoomStore)
	}
	switch c.MessageStore {
	case BackendMemory, BackendBadger:
	default:
		return fmt.Errorf("MESSAGE_STORE must be %q or %q, got %q", BackendMemory, BackendBadger, c.MessageStore)
	}
	if c.Env == "production" && c.JWTSecret == Default().JWTSecret {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	return nil
}

// Origins splits AllowedOrigins into trimmed entries.
func (c Config) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsDevelopment returns true if running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

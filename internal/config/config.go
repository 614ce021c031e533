// Package config loads gateway configuration from the environment.
// A .env file is honored in development; real deployments set variables
// directly.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config is the process-wide configuration, resolved once at boot.
type Config struct {
	Port         string
	Env          string // "development" or "production"
	LogLevel     string
	MasterKey    string // 64-hex SHA-256 reference digest
	DatabasePath string
	SessionsPath string
	InstanceID   string
	Timezone     string

	// Producer-side rate limiting. Zero values fall back to the
	// per-message-type defaults in the ratelimit package.
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Outbox tuning.
	SendRetryMax  int
	OutboxHorizon time.Duration

	// Distributed lock tuning.
	LockTTL            time.Duration
	LockRefreshPeriod  time.Duration
	LockAcquireTimeout time.Duration
}

// Load reads the environment (and an optional .env file) into a Config.
// It fails hard on a missing or mis-sized MASTER_KEY: the gateway cannot
// authenticate anyone without it.
func Load() (*Config, error) {
	// Best effort; absence of a .env file is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("NODE_ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		MasterKey:          os.Getenv("MASTER_KEY"),
		DatabasePath:       getEnv("DATABASE_PATH", "data/gateway.db"),
		SessionsPath:       getEnv("SESSIONS_PATH", "data/sessions"),
		InstanceID:         getEnv("INSTANCE_ID", uuid.NewString()),
		Timezone:           getEnv("TIMEZONE", "UTC"),
		RateLimitMax:       getEnvInt("RATE_LIMIT_MAX", 0),
		RateLimitWindow:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		SendRetryMax:       getEnvInt("SEND_RETRY_MAX", 5),
		OutboxHorizon:      getEnvDuration("OUTBOX_HORIZON", 24*time.Hour),
		LockTTL:            getEnvDuration("LOCK_TTL", 300*time.Second),
		LockRefreshPeriod:  getEnvDuration("LOCK_REFRESH_PERIOD", 60*time.Second),
		LockAcquireTimeout: getEnvDuration("LOCK_ACQUIRE_TIMEOUT", 5*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.MasterKey) != 64 {
		return fmt.Errorf("MASTER_KEY must be a 64-hex-character digest, got %d characters", len(c.MasterKey))
	}
	if _, err := hex.DecodeString(c.MasterKey); err != nil {
		return fmt.Errorf("MASTER_KEY is not valid hex: %w", err)
	}
	if c.LockRefreshPeriod >= c.LockTTL/2 {
		return fmt.Errorf("LOCK_REFRESH_PERIOD (%s) must be well below LOCK_TTL (%s)", c.LockRefreshPeriod, c.LockTTL)
	}
	return nil
}

// IsProduction reports whether the gateway runs in production mode.
// Production responses omit internal error details.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Accept both Go durations ("30s") and bare seconds ("30").
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

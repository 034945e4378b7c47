// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every knob shared by the api and sweeper binaries.
type Config struct {
	DatabaseURL    string        `env:"DATABASE_URL"`
	DBMaxConns     int32         `env:"DB_MAX_CONNS" envDefault:"16"`
	HTTPAddr       string        `env:"HTTP_ADDR" envDefault:":8080"`
	JWTSecret      string        `env:"JWT_SECRET"`
	LogMode        string        `env:"LOG_MODE" envDefault:"development"`
	SweepSchedule  string        `env:"SWEEP_SCHEDULE" envDefault:"@every 5m"`
	SweepBatchSize int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
	SweepWorkers   int           `env:"SWEEP_WORKERS" envDefault:"1"`
	SweepLeaseTTL  time.Duration `env:"SWEEP_LEASE_TTL" envDefault:"4m"`
	RedisURL       string        `env:"REDIS_URL"`
	RateLimitRPS   float64       `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int           `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

var (
	// ErrMissingDatabaseURL is returned when DATABASE_URL is unset.
	ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required")
	// ErrMissingJWTSecret is returned by RequireAPI when JWT_SECRET is unset.
	ErrMissingJWTSecret = errors.New("config: JWT_SECRET is required")
)

// Load parses the environment into a Config and validates the shared fields.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RequireAPI checks the fields only the HTTP api needs.
func (c Config) RequireAPI() error {
	if c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	return nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("config: SWEEP_BATCH_SIZE must be positive, got %d", c.SweepBatchSize)
	}
	if c.SweepWorkers <= 0 {
		return fmt.Errorf("config: SWEEP_WORKERS must be positive, got %d", c.SweepWorkers)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: rate limit must be positive")
	}
	return nil
}

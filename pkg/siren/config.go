// Package siren simulates the alarm siren: it polls the alarm backend for
// the alert status and renders the state on a terminal.
package siren

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "SIREN"

// Config holds the siren settings.
type Config struct {
	URL      string        `envconfig:"URL" default:"http://127.0.0.1:3000/api/security/alert-status"`
	Interval time.Duration `envconfig:"INTERVAL" default:"500ms"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"2s"`
	Bell     bool          `envconfig:"BELL" default:"true"`
	LogLevel string        `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig reads .env, if present, and then the environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load siren config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("siren URL is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	return &cfg, nil
}

// Package alarmserver is the alarm backend: it stores security logs posted
// by the station, answers the siren's alert-status polls and pushes changes
// to dashboards over socket.io.
package alarmserver

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix scopes the environment variables, e.g. ALARMD_LISTEN.
const envPrefix = "ALARMD"

// Config holds the alarm backend settings.
type Config struct {
	Listen       string        `envconfig:"LISTEN" default:":3000"`
	DatabasePath string        `envconfig:"DATABASE_PATH" default:"faceguard-alarm.db"`
	ActiveWindow time.Duration `envconfig:"ACTIVE_WINDOW" default:"5m"`
	DefaultLimit int           `envconfig:"DEFAULT_LIMIT" default:"20"`
	AllowOrigin  string        `envconfig:"ALLOW_ORIGIN" default:"*"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig reads .env, if present, and then the environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load alarm backend config: %w", err)
	}
	if cfg.ActiveWindow <= 0 {
		return nil, fmt.Errorf("active window must be positive, got %s", cfg.ActiveWindow)
	}
	if cfg.DefaultLimit <= 0 {
		return nil, fmt.Errorf("default limit must be positive, got %d", cfg.DefaultLimit)
	}
	return &cfg, nil
}

package client

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read from the environment by ConfigFromEnv.
type Config struct {
	URL    string `env:"TEAMSYNC_URL" envDefault:"ws://localhost:8080/ws"`
	UserID string `env:"TEAMSYNC_USER_ID"`
	Token  string `env:"TEAMSYNC_TOKEN"`

	RequestTimeout time.Duration `env:"TEAMSYNC_REQUEST_TIMEOUT" envDefault:"10s"`
	// PingInterval sends the ping event; zero disables it.
	PingInterval time.Duration `env:"TEAMSYNC_PING_INTERVAL" envDefault:"25s"`
	MaxAttempts  uint          `env:"TEAMSYNC_MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	// ReconnectDelay is waited after a drop before the first redial.
	ReconnectDelay time.Duration `env:"TEAMSYNC_RECONNECT_DELAY" envDefault:"500ms"`
	EventBuffer    int           `env:"TEAMSYNC_EVENT_BUFFER" envDefault:"64"`
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c *Config) withDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 500 * time.Millisecond
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
}

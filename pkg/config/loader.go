package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.connectionLimit.maxPerUser", 5)
	v.SetDefault("server.connectionLimit.mode", "cycle")
	v.SetDefault("server.maxConnsPerIP", 50)
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.pingInterval", "25s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("store.path", "teamsync.db")
	v.SetDefault("joinRequests.maxProjectsPerUser", 3)
	v.SetDefault("joinRequests.correlationTimeout", "10s")
	v.SetDefault("joinRequests.expiry", "720h")
	v.SetDefault("joinRequests.sweepInterval", "1h")
	v.SetDefault("joinRequests.maxMessageLength", 500)
	v.SetDefault("sync.interval", "0s")
	v.SetDefault("telemetry.serviceName", "teamsync")
	v.SetDefault("log.level", "info")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("TEAMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Server.ConnectionLimit.Mode {
	case "reject", "cycle":
	default:
		return fmt.Errorf("invalid connection limit mode %q", c.Server.ConnectionLimit.Mode)
	}
	if strings.TrimSpace(c.Server.Auth.JWTSecret) == "" {
		return errors.New("server.auth.jwtSecret is required")
	}
	if c.JoinRequests.CorrelationTimeout <= 0 {
		return errors.New("joinRequests.correlationTimeout must be positive")
	}
	if c.Transport.ReadTimeout > 0 && c.Transport.PingInterval >= c.Transport.ReadTimeout {
		return errors.New("transport.pingInterval must be shorter than transport.readTimeout")
	}
	return nil
}

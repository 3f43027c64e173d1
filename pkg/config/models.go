package config

import "time"

type Config struct {
	Server       ServerConfig
	Transport    TransportConfig
	Store        StoreConfig
	JoinRequests JoinRequestConfig `mapstructure:"joinRequests"`
	Sync         SyncConfig
	Telemetry    TelemetryConfig
	Log          LogConfig
	Events       map[string]EventConfig `mapstructure:"events"`
	Permissions  []string               `mapstructure:"permissions"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	// MaxConnsPerIP caps concurrent upgrades from one address; zero disables it.
	MaxConnsPerIP   int           `mapstructure:"maxConnsPerIP"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type JoinRequestConfig struct {
	MaxProjectsPerUser int           `mapstructure:"maxProjectsPerUser"`
	CorrelationTimeout time.Duration `mapstructure:"correlationTimeout"`
	Expiry             time.Duration `mapstructure:"expiry"`
	SweepInterval      time.Duration `mapstructure:"sweepInterval"`
	MaxMessageLength   int           `mapstructure:"maxMessageLength"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector URL; empty disables tracing.
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type EventConfig struct {
	Modifiers []ModifierConfig `mapstructure:"modifiers"`
}

type ModifierConfig struct {
	Name   string   `mapstructure:"name"`
	Params []string `mapstructure:"params"`
}

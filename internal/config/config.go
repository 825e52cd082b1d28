// Package config holds the relay daemon configuration: defaults, optional
// TOML file, environment, then flags, in increasing precedence.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	DefaultBindAddress = "127.0.0.1:8080"
	DefaultMaxRooms    = 100
	DefaultQueueDepth  = 32
)

// Logging configures the relay's log output.
type Logging struct {
	// Level is one of off, error, warn, info, debug, trace.
	Level string `toml:"level"`
	// File is the log destination; empty means stdout.
	File string `toml:"file"`
}

// Config is the relay daemon configuration.
type Config struct {
	// BindAddress is the HOST:PORT the HTTP/WebSocket listener binds.
	BindAddress string `toml:"bind_address"`

	// MaxRooms sizes the default connection cap (see MaxConnections). The
	// registry itself does not limit the number of live rooms.
	MaxRooms int `toml:"max_rooms"`

	// MaxConnections caps concurrent client connections. Zero derives the
	// default of 10 devices per room times MaxRooms.
	MaxConnections int `toml:"max_connections"`

	// QueueDepth is the per-member outbound queue, in frames. Overflow drops
	// the oldest queued frame.
	QueueDepth int `toml:"queue_depth"`

	// RateLimitPerSecond / RateLimitBurst shape the per-connection token
	// bucket for inbound payload frames.
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
	RateLimitBurst     int     `toml:"rate_limit_burst"`

	Logging Logging `toml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BindAddress:        DefaultBindAddress,
		MaxRooms:           DefaultMaxRooms,
		QueueDepth:         DefaultQueueDepth,
		RateLimitPerSecond: 32,
		RateLimitBurst:     64,
		Logging:            Logging{Level: "info"},
	}
}

// Load reads a TOML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays recognized environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CLIPRELAY_BIND_ADDRESS"); v != "" {
		c.BindAddress = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// FixupAndValidate fills derived defaults and rejects nonsense values.
func (c *Config) FixupAndValidate() error {
	if c.MaxRooms <= 0 {
		c.MaxRooms = DefaultMaxRooms
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10 * c.MaxRooms
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: rate limit must be positive")
	}
	if _, _, err := net.SplitHostPort(c.BindAddress); err != nil {
		return fmt.Errorf("config: bind address %q: %w", c.BindAddress, err)
	}
	switch c.Logging.Level {
	case "off", "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("config: log level %q", c.Logging.Level)
	}
	return nil
}

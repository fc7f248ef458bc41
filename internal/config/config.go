// Package config loads server configuration from environment variables
// (optionally seeded from a local .env file) and validates it against
// the ranges spec section 6 requires.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Server basics
	Addr     string `env:"RELAY_ADDR" envDefault:":3323"`
	PublicIP string `env:"RELAY_PUBLIC_IP" envDefault:""`

	// Agent-facing framing paths; validated here but served by the
	// out-of-scope JSON-RPC/SSE layer, not this module.
	SSEPath string `env:"RELAY_SSE_PATH" envDefault:"/sse"`
	PostPath string `env:"RELAY_POST_PATH" envDefault:"/message"`
	RPCPath  string `env:"RELAY_RPC_PATH" envDefault:"/rpc"`

	WaveformStorePath string `env:"RELAY_WAVEFORM_STORE_PATH" envDefault:""`

	HeartbeatIntervalMS   int64 `env:"RELAY_HEARTBEAT_INTERVAL_MS" envDefault:"60000"`
	StaleDeviceTimeoutMS  int64 `env:"RELAY_STALE_TIMEOUT_MS" envDefault:"3600000"`
	ConnectionTimeoutMin  int   `env:"RELAY_CONNECTION_TIMEOUT_MINUTES" envDefault:"5"`
	ReconnectTimeoutMin   int   `env:"RELAY_RECONNECTION_TIMEOUT_MINUTES" envDefault:"5"`
	SweepInterval         time.Duration `env:"RELAY_SWEEP_INTERVAL" envDefault:"5m"`

	VendorDownloadURL string `env:"RELAY_VENDOR_DOWNLOAD_URL" envDefault:"https://www.dungeon-lab.com/app-download.php"`

	NATSURL string `env:"RELAY_NATS_URL" envDefault:""`

	MetricsAddr string `env:"RELAY_METRICS_ADDR" envDefault:":9323"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a local .env file (best-effort) and
// environment variables, then validates it. Precedence: real
// environment variables > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for range/shape violations, per spec
// section 6.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if !strings.HasPrefix(c.SSEPath, "/") {
		return fmt.Errorf("RELAY_SSE_PATH must begin with \"/\", got %q", c.SSEPath)
	}
	if !strings.HasPrefix(c.PostPath, "/") {
		return fmt.Errorf("RELAY_POST_PATH must begin with \"/\", got %q", c.PostPath)
	}
	if c.RPCPath != "" && !strings.HasPrefix(c.RPCPath, "/") {
		return fmt.Errorf("RELAY_RPC_PATH must begin with \"/\", got %q", c.RPCPath)
	}
	if c.HeartbeatIntervalMS < 1000 {
		return fmt.Errorf("RELAY_HEARTBEAT_INTERVAL_MS must be >= 1000, got %d", c.HeartbeatIntervalMS)
	}
	if c.StaleDeviceTimeoutMS < 60000 {
		return fmt.Errorf("RELAY_STALE_TIMEOUT_MS must be >= 60000, got %d", c.StaleDeviceTimeoutMS)
	}
	if c.ConnectionTimeoutMin < 1 || c.ConnectionTimeoutMin > 60 {
		return fmt.Errorf("RELAY_CONNECTION_TIMEOUT_MINUTES must be 1..60, got %d", c.ConnectionTimeoutMin)
	}
	if c.ReconnectTimeoutMin < 1 || c.ReconnectTimeoutMin > 60 {
		return fmt.Errorf("RELAY_RECONNECTION_TIMEOUT_MINUTES must be 1..60, got %d", c.ReconnectTimeoutMin)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, pretty, got %q", c.LogFormat)
	}
	return nil
}

// HeartbeatInterval returns the configured heartbeat cadence as a
// time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// StaleDeviceTimeout returns the configured session-store staleness
// cutoff as a time.Duration.
func (c *Config) StaleDeviceTimeout() time.Duration {
	return time.Duration(c.StaleDeviceTimeoutMS) * time.Millisecond
}

// ConnectionTimeout returns the unbound-session connection-idle timeout.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMin) * time.Minute
}

// ReconnectionTimeout returns the bound-session reconnection window.
func (c *Config) ReconnectionTimeout() time.Duration {
	return time.Duration(c.ReconnectTimeoutMin) * time.Minute
}

// LogConfig logs the loaded configuration at info level.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("public_ip", c.PublicIP).
		Str("sse_path", c.SSEPath).
		Str("post_path", c.PostPath).
		Str("rpc_path", c.RPCPath).
		Int64("heartbeat_interval_ms", c.HeartbeatIntervalMS).
		Int64("stale_timeout_ms", c.StaleDeviceTimeoutMS).
		Int("connection_timeout_min", c.ConnectionTimeoutMin).
		Int("reconnection_timeout_min", c.ReconnectTimeoutMin).
		Dur("sweep_interval", c.SweepInterval).
		Bool("nats_enabled", c.NATSURL != "").
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}

// Package config loads configuration for the scratch CLI and the development server.
//
// Values come from a YAML file, then environment variables, then defaults.
// See LoadWithFile for the precedence and the file security checks.
package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Config holds the complete scratch configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Buffer    BufferConfig    `koanf:"buffer"`
	Cache     CacheConfig     `koanf:"cache"`
	NATS      NATSConfig      `koanf:"nats"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds the development API server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds the record store client configuration.
type StoreConfig struct {
	BaseURL string   `koanf:"base_url"`
	Token   Secret   `koanf:"token"`
	Timeout Duration `koanf:"timeout"`
	// RateLimit is in requests per second; 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
}

// BufferConfig holds edit buffer timings.
type BufferConfig struct {
	FlushInterval Duration `koanf:"flush_interval"`
	RetryDelay    Duration `koanf:"retry_delay"`
}

// CacheConfig holds record cache settings.
type CacheConfig struct {
	MaxEntries int `koanf:"max_entries"`
	PageSize   int `koanf:"page_size"`
}

// NATSConfig holds the event bus connection.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// LoggingConfig holds the subset of logging settings exposed in the config file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds the OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	// Protocol is "grpc" or "http/protobuf".
	Protocol string `koanf:"protocol"`
	Insecure bool   `koanf:"insecure"`
	// SampleRate is the trace sampling ratio in (0, 1]; 0 means 1.
	SampleRate float64 `koanf:"sample_rate"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Store.BaseURL == "" {
		return errors.New("store base URL is required")
	}
	if u, err := url.Parse(c.Store.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid store base URL: %q", c.Store.BaseURL)
	}
	if c.Store.RateLimit < 0 {
		return fmt.Errorf("store rate limit cannot be negative: %v", c.Store.RateLimit)
	}

	if c.Buffer.FlushInterval <= 0 {
		return errors.New("buffer flush interval must be positive")
	}
	if c.Buffer.RetryDelay <= 0 {
		return errors.New("buffer retry delay must be positive")
	}

	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache max entries must be >= 1, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.PageSize < 1 || c.Cache.PageSize > 1000 {
		return fmt.Errorf("cache page size must be 1-1000, got %d", c.Cache.PageSize)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url required when nats is enabled")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry endpoint required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry sample rate must be between 0 and 1, got %v", c.Telemetry.SampleRate)
	}

	return nil
}

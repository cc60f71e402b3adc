// Package config loads and validates server configuration from the
// environment, with an optional .env file for development.
package config

import (
	"fmt"
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
	Addr            string        `env:"PUBSUB_ADDR" envDefault:":3002"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`

	// Topic delivery
	RingCapacity  int           `env:"RING_CAPACITY" envDefault:"100"`
	QueueCapacity int           `env:"QUEUE_CAPACITY" envDefault:"10000"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"10"`
	BatchTimeout  time.Duration `env:"BATCH_TIMEOUT" envDefault:"20ms"`
	SendTimeout   time.Duration `env:"SEND_TIMEOUT" envDefault:"500ms"`
	SampleCap     int           `env:"SAMPLE_CAP" envDefault:"1000"`

	// Capacity
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"5000"`
	MaxGoroutines  int `env:"MAX_GOROUTINES" envDefault:"20000"`

	// Rate limiting
	SessionRateLimit int `env:"SESSION_RATE_LIMIT" envDefault:"100"` // inbound frames/sec per session
	AcceptRate       int `env:"ACCEPT_RATE" envDefault:"200"`        // new connections/sec

	// Resource limits (from container)
	MemoryLimit        int64   `env:"MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"90.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"5s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// NATS ingest bridge (disabled when URL is empty)
	NATSURL           string `env:"NATS_URL" envDefault:""`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"pubsub."`
}

// Load reads configuration from a .env file and environment variables.
// Priority: env vars > .env file > defaults.
//
// The logger is optional; pass nil during early startup.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("PUBSUB_ADDR is required")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}

	if c.RingCapacity < 1 {
		return fmt.Errorf("RING_CAPACITY must be > 0, got %d", c.RingCapacity)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be > 0, got %d", c.QueueCapacity)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be > 0, got %d", c.BatchSize)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("BATCH_TIMEOUT must be positive, got %s", c.BatchTimeout)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive, got %s", c.SendTimeout)
	}
	if c.SampleCap < 1 {
		return fmt.Errorf("SAMPLE_CAP must be > 0, got %d", c.SampleCap)
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxGoroutines < 1 {
		return fmt.Errorf("MAX_GOROUTINES must be > 0, got %d", c.MaxGoroutines)
	}
	if c.SessionRateLimit < 1 {
		return fmt.Errorf("SESSION_RATE_LIMIT must be > 0, got %d", c.SessionRateLimit)
	}
	if c.AcceptRate < 1 {
		return fmt.Errorf("ACCEPT_RATE must be > 0, got %d", c.AcceptRate)
	}

	if c.MemoryLimit < 1 {
		return fmt.Errorf("MEMORY_LIMIT must be > 0, got %d", c.MemoryLimit)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	if c.MetricsInterval <= 0 {
		return fmt.Errorf("METRICS_INTERVAL must be positive, got %s", c.MetricsInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	if c.NATSURL != "" && c.NATSSubjectPrefix == "" {
		return fmt.Errorf("NATS_SUBJECT_PREFIX is required when NATS_URL is set")
	}
	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Int("ring_capacity", c.RingCapacity).
		Int("queue_capacity", c.QueueCapacity).
		Int("batch_size", c.BatchSize).
		Dur("batch_timeout", c.BatchTimeout).
		Dur("send_timeout", c.SendTimeout).
		Int("sample_cap", c.SampleCap).
		Int("max_connections", c.MaxConnections).
		Int("max_goroutines", c.MaxGoroutines).
		Int("session_rate_limit", c.SessionRateLimit).
		Int("accept_rate", c.AcceptRate).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Str("nats_url", c.NATSURL).
		Str("nats_subject_prefix", c.NATSSubjectPrefix).
		Msg("Server configuration loaded")
}

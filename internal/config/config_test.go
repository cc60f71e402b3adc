package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Addr:               ":3002",
		ShutdownTimeout:    30 * time.Second,
		Environment:        "test",
		RingCapacity:       100,
		QueueCapacity:      10000,
		BatchSize:          10,
		BatchTimeout:       20 * time.Millisecond,
		SendTimeout:        500 * time.Millisecond,
		SampleCap:          1000,
		MaxConnections:     5000,
		MaxGoroutines:      20000,
		SessionRateLimit:   100,
		AcceptRate:         200,
		MemoryLimit:        512 * 1024 * 1024,
		CPURejectThreshold: 90,
		MetricsInterval:    5 * time.Second,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3002", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 100, cfg.RingCapacity)
	assert.Equal(t, 10000, cfg.QueueCapacity)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 20*time.Millisecond, cfg.BatchTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.SendTimeout)
	assert.Equal(t, 1000, cfg.SampleCap)
	assert.Equal(t, 5000, cfg.MaxConnections)
	assert.Equal(t, 100, cfg.SessionRateLimit)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, "pubsub.", cfg.NATSSubjectPrefix)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PUBSUB_ADDR", ":9999")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("BATCH_TIMEOUT", "50ms")
	t.Setenv("LOG_FORMAT", "pretty")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.BatchTimeout)
	assert.Equal(t, "pretty", cfg.LogFormat)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("QUEUE_CAPACITY", "0")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_CAPACITY")
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty addr", func(c *Config) { c.Addr = "" }, "PUBSUB_ADDR"},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "SHUTDOWN_TIMEOUT"},
		{"zero ring", func(c *Config) { c.RingCapacity = 0 }, "RING_CAPACITY"},
		{"negative queue", func(c *Config) { c.QueueCapacity = -1 }, "QUEUE_CAPACITY"},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }, "BATCH_SIZE"},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }, "BATCH_TIMEOUT"},
		{"zero send timeout", func(c *Config) { c.SendTimeout = 0 }, "SEND_TIMEOUT"},
		{"zero sample cap", func(c *Config) { c.SampleCap = 0 }, "SAMPLE_CAP"},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }, "MAX_CONNECTIONS"},
		{"zero max goroutines", func(c *Config) { c.MaxGoroutines = 0 }, "MAX_GOROUTINES"},
		{"zero session rate", func(c *Config) { c.SessionRateLimit = 0 }, "SESSION_RATE_LIMIT"},
		{"zero accept rate", func(c *Config) { c.AcceptRate = 0 }, "ACCEPT_RATE"},
		{"zero memory limit", func(c *Config) { c.MemoryLimit = 0 }, "MEMORY_LIMIT"},
		{"cpu threshold over 100", func(c *Config) { c.CPURejectThreshold = 101 }, "CPU_REJECT_THRESHOLD"},
		{"zero metrics interval", func(c *Config) { c.MetricsInterval = 0 }, "METRICS_INTERVAL"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"nats url without prefix", func(c *Config) {
			c.NATSURL = "nats://localhost:4222"
			c.NATSSubjectPrefix = ""
		}, "NATS_SUBJECT_PREFIX"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

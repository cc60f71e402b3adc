package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/adred-codev/pubsub/internal/monitoring"
)

// stubMonitor feeds the guard fixed resource readings.
type stubMonitor struct {
	cpu float64
	mem int64
}

func (s *stubMonitor) CPUPercent() float64 { return s.cpu }
func (s *stubMonitor) MemoryBytes() int64  { return s.mem }

func testGuardConfig() GuardConfig {
	return GuardConfig{
		MaxConnections:     100,
		MaxGoroutines:      20000,
		MemoryLimit:        512 * 1024 * 1024,
		CPURejectThreshold: 90.0,
		AcceptRate:         1000,
		SessionRateLimit:   100,
	}
}

func TestGuard_AcceptsUnderLimits(t *testing.T) {
	rg := NewResourceGuard(testGuardConfig(), &stubMonitor{cpu: 10, mem: 1024}, zerolog.Nop())

	accept, reason := rg.ShouldAcceptConnection()

	require.True(t, accept)
	assert.Equal(t, "OK", reason)
}

func TestGuard_RejectsAtMaxConnections(t *testing.T) {
	cfg := testGuardConfig()
	cfg.MaxConnections = 2
	rg := NewResourceGuard(cfg, &stubMonitor{cpu: 10, mem: 1024}, zerolog.Nop())

	rg.ConnectionOpened()
	rg.ConnectionOpened()

	accept, reason := rg.ShouldAcceptConnection()

	require.False(t, accept)
	assert.Contains(t, reason, "at max connections")
}

func TestGuard_RejectsOnCPUOverload(t *testing.T) {
	rg := NewResourceGuard(testGuardConfig(), &stubMonitor{cpu: 95.5, mem: 1024}, zerolog.Nop())

	accept, reason := rg.ShouldAcceptConnection()

	require.False(t, accept)
	assert.Contains(t, reason, "CPU")
}

func TestGuard_RejectsOnMemoryLimit(t *testing.T) {
	cfg := testGuardConfig()
	cfg.MemoryLimit = 1024
	rg := NewResourceGuard(cfg, &stubMonitor{cpu: 10, mem: 4096}, zerolog.Nop())

	accept, reason := rg.ShouldAcceptConnection()

	require.False(t, accept)
	assert.Contains(t, reason, "memory limit")
}

func TestGuard_RejectsOnGoroutineLimit(t *testing.T) {
	cfg := testGuardConfig()
	cfg.MaxGoroutines = 1
	rg := NewResourceGuard(cfg, &stubMonitor{cpu: 10, mem: 1024}, zerolog.Nop())

	accept, reason := rg.ShouldAcceptConnection()

	require.False(t, accept)
	assert.Contains(t, reason, "goroutine limit")
}

func TestGuard_AcceptRateSmoothing(t *testing.T) {
	cfg := testGuardConfig()
	cfg.AcceptRate = 1 // burst of 2
	rg := NewResourceGuard(cfg, &stubMonitor{cpu: 10, mem: 1024}, zerolog.Nop())

	accept, _ := rg.ShouldAcceptConnection()
	require.True(t, accept)
	accept, _ = rg.ShouldAcceptConnection()
	require.True(t, accept)

	accept, reason := rg.ShouldAcceptConnection()
	require.False(t, accept)
	assert.Contains(t, reason, "connection rate")
}

func TestGuard_ConnectionCounting(t *testing.T) {
	rg := NewResourceGuard(testGuardConfig(), &stubMonitor{}, zerolog.Nop())

	assert.Equal(t, int64(1), rg.ConnectionOpened())
	assert.Equal(t, int64(2), rg.ConnectionOpened())
	assert.Equal(t, int64(2), rg.CurrentConnections())

	n := rg.ConnectionClosed(monitoring.DisconnectReasonClientInitiated, monitoring.DisconnectInitiatedByClient, time.Second)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), rg.CurrentConnections())
}

func TestGuard_SessionLimiter(t *testing.T) {
	cfg := testGuardConfig()
	cfg.SessionRateLimit = 5
	rg := NewResourceGuard(cfg, &stubMonitor{}, zerolog.Nop())

	lim := rg.SessionLimiter()
	require.NotNil(t, lim)
	assert.Equal(t, rate.Limit(5), lim.Limit())
	assert.Equal(t, 10, lim.Burst())

	for i := 0; i < 10; i++ {
		require.True(t, lim.Allow(), "burst token %d", i)
	}
	assert.False(t, lim.Allow())
}

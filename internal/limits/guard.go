// Package limits enforces admission control: a hard connection cap,
// resource emergency brakes and token-bucket rate limits.
package limits

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/pubsub/internal/monitoring"
)

// ResourceMonitor is the slice of the system monitor the guard reads
// for its emergency brakes.
type ResourceMonitor interface {
	CPUPercent() float64
	MemoryBytes() int64
}

// GuardConfig holds the static limits the guard enforces.
type GuardConfig struct {
	MaxConnections     int
	MaxGoroutines      int
	MemoryLimit        int64
	CPURejectThreshold float64
	AcceptRate         int // new connections/sec, burst 2x
	SessionRateLimit   int // inbound frames/sec per session, burst 2x
}

// ResourceGuard enforces static limits and never auto-adjusts them:
// configured ceilings, measured resources, deterministic decisions.
type ResourceGuard struct {
	cfg     GuardConfig
	logger  zerolog.Logger
	monitor ResourceMonitor

	acceptLimiter *rate.Limiter
	currentConns  atomic.Int64
}

// NewResourceGuard creates a guard reading resource state from monitor.
func NewResourceGuard(cfg GuardConfig, monitor ResourceMonitor, logger zerolog.Logger) *ResourceGuard {
	rg := &ResourceGuard{
		cfg:           cfg,
		logger:        logger.With().Str("component", "resource_guard").Logger(),
		monitor:       monitor,
		acceptLimiter: rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptRate*2),
	}

	monitoring.UpdateCapacityMetrics(cfg.MaxConnections, cfg.CPURejectThreshold)

	rg.logger.Info().
		Int("max_connections", cfg.MaxConnections).
		Int("max_goroutines", cfg.MaxGoroutines).
		Int64("memory_limit_mb", cfg.MemoryLimit/(1024*1024)).
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Int("accept_rate", cfg.AcceptRate).
		Int("session_rate_limit", cfg.SessionRateLimit).
		Msg("Resource guard initialized")

	return rg
}

// ShouldAcceptConnection decides whether a new session may be admitted.
//
// Checks in order: accept-rate smoothing, hard connection limit, CPU
// brake, memory brake, goroutine ceiling. Returns a human-readable
// reason when rejecting.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	if !rg.acceptLimiter.Allow() {
		monitoring.IncrementCapacityRejection("accept_rate")
		rg.logger.Debug().
			Int("accept_rate", rg.cfg.AcceptRate).
			Msg("Connection rejected: accept rate exceeded")
		return false, fmt.Sprintf("connection rate exceeded (%d/s)", rg.cfg.AcceptRate)
	}

	currentConns := rg.currentConns.Load()
	if currentConns >= int64(rg.cfg.MaxConnections) {
		monitoring.IncrementCapacityRejection("at_max_connections")
		rg.logger.Debug().
			Int64("current_conns", currentConns).
			Int("max_conns", rg.cfg.MaxConnections).
			Msg("Connection rejected: at max connections")
		return false, fmt.Sprintf("at max connections (%d)", rg.cfg.MaxConnections)
	}

	currentCPU := rg.monitor.CPUPercent()
	if currentCPU > rg.cfg.CPURejectThreshold {
		monitoring.IncrementCapacityRejection("cpu_overload")
		rg.logger.Debug().
			Float64("current_cpu", currentCPU).
			Float64("threshold", rg.cfg.CPURejectThreshold).
			Msg("Connection rejected: CPU overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", currentCPU, rg.cfg.CPURejectThreshold)
	}

	currentMemory := rg.monitor.MemoryBytes()
	if currentMemory > rg.cfg.MemoryLimit {
		monitoring.IncrementCapacityRejection("memory_limit")
		rg.logger.Debug().
			Int64("current_memory_mb", currentMemory/(1024*1024)).
			Int64("limit_mb", rg.cfg.MemoryLimit/(1024*1024)).
			Msg("Connection rejected: memory limit exceeded")
		return false, "memory limit exceeded"
	}

	currentGoros := runtime.NumGoroutine()
	if currentGoros > rg.cfg.MaxGoroutines {
		monitoring.IncrementCapacityRejection("goroutine_limit")
		rg.logger.Debug().
			Int("current_goroutines", currentGoros).
			Int("max_goroutines", rg.cfg.MaxGoroutines).
			Msg("Connection rejected: goroutine limit exceeded")
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", currentGoros, rg.cfg.MaxGoroutines)
	}

	return true, "OK"
}

// SessionLimiter returns a fresh inbound frame limiter for one session.
func (rg *ResourceGuard) SessionLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rg.cfg.SessionRateLimit), rg.cfg.SessionRateLimit*2)
}

// ConnectionOpened counts an admitted session and returns the new
// active total.
func (rg *ResourceGuard) ConnectionOpened() int64 {
	n := rg.currentConns.Add(1)
	monitoring.RecordConnection(n)
	return n
}

// ConnectionClosed counts a finished session and returns the new
// active total.
func (rg *ResourceGuard) ConnectionClosed(reason, initiatedBy string, duration time.Duration) int64 {
	n := rg.currentConns.Add(-1)
	monitoring.RecordDisconnect(n, reason, initiatedBy, duration)
	return n
}

// CurrentConnections returns the number of active sessions.
func (rg *ResourceGuard) CurrentConnections() int64 {
	return rg.currentConns.Load()
}

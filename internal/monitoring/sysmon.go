package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/pubsub/internal/broker"
)

// RegistrySource is the slice of the registry the monitor needs.
type RegistrySource interface {
	Snapshot() broker.MetricsSnapshot
}

// SystemMetrics holds the most recent resource measurements.
type SystemMetrics struct {
	CPUPercent  float64
	MemoryBytes int64
	Goroutines  int
	Timestamp   time.Time
}

// SystemMonitor samples process resources and registry totals on a
// fixed interval, publishing both to Prometheus. The resource guard
// reads its measurements for admission control, so the system is
// measured once and queried many times.
type SystemMonitor struct {
	logger      zerolog.Logger
	registry    RegistrySource
	proc        *process.Process
	memoryLimit int64
	interval    time.Duration

	mu      sync.RWMutex
	metrics SystemMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor sampling every interval.
func NewSystemMonitor(registry RegistrySource, memoryLimit int64, interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process handle unavailable, RSS sampling disabled")
		proc = nil
	}

	memoryLimitBytes.Set(float64(memoryLimit))

	return &SystemMonitor{
		logger:      logger.With().Str("component", "system_monitor").Logger(),
		registry:    registry,
		proc:        proc,
		memoryLimit: memoryLimit,
		interval:    interval,
		metrics:     SystemMetrics{Timestamp: time.Now()},
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins periodic sampling.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()

		ticker := time.NewTicker(sm.interval)
		defer ticker.Stop()

		sm.logger.Info().Dur("interval", sm.interval).Msg("System monitor started")
		sm.update()

		for {
			select {
			case <-ticker.C:
				sm.update()
			case <-sm.ctx.Done():
				sm.logger.Info().Msg("System monitor stopped")
				return
			}
		}
	}()
}

// update performs a single measurement of all resources.
func (sm *SystemMonitor) update() {
	// Blocking one-second sample; runs inside the monitor goroutine.
	cpuPercent := 0.0
	if percents, err := cpu.Percent(time.Second, false); err != nil {
		sm.logger.Error().Err(err).Msg("Failed to sample CPU usage")
	} else if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var rss int64
	if sm.proc != nil {
		if memInfo, err := sm.proc.MemoryInfo(); err == nil {
			rss = int64(memInfo.RSS)
		} else {
			sm.logger.Error().Err(err).Msg("Failed to sample process memory")
		}
	}

	goroutines := runtime.NumGoroutine()

	sm.mu.Lock()
	sm.metrics = SystemMetrics{
		CPUPercent:  cpuPercent,
		MemoryBytes: rss,
		Goroutines:  goroutines,
		Timestamp:   time.Now(),
	}
	sm.mu.Unlock()

	cpuUsagePercent.Set(cpuPercent)
	memoryUsageBytes.Set(float64(rss))
	goroutinesActive.Set(float64(goroutines))

	if sm.registry != nil {
		snap := sm.registry.Snapshot()
		UpdateBrokerMetrics(
			snap.Global.ActiveTopics,
			snap.Global.ActiveSubscribers,
			snap.Global.TotalPublished,
			snap.Global.TotalDelivered,
			snap.Global.TotalDropped,
		)
	}

	sm.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Int64("memory_mb", rss/(1024*1024)).
		Int("goroutines", goroutines).
		Msg("System metrics updated")
}

// GetMetrics returns a copy of the current measurements.
func (sm *SystemMonitor) GetMetrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// CPUPercent returns the most recent CPU sample.
func (sm *SystemMonitor) CPUPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.CPUPercent
}

// MemoryBytes returns the most recent RSS sample.
func (sm *SystemMonitor) MemoryBytes() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.MemoryBytes
}

// Goroutines returns the most recent goroutine count.
func (sm *SystemMonitor) Goroutines() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.Goroutines
}

// Shutdown stops the sampling goroutine.
func (sm *SystemMonitor) Shutdown() {
	sm.cancel()
	sm.wg.Wait()
}

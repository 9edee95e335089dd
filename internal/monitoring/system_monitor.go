package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent  float64   // Host CPU usage percentage
	MemoryBytes int64     // Process RSS (falls back to host used memory)
	MemoryMB    float64   // MemoryBytes in MB
	Goroutines  int       // Current goroutine count
	Timestamp   time.Time // When these metrics were captured
}

// SystemMonitor measures process resources once per interval so health checks
// and metrics read a cached value instead of sampling on every request.
type SystemMonitor struct {
	logger zerolog.Logger
	proc   *process.Process

	mu      sync.RWMutex
	metrics SystemMetrics

	wg sync.WaitGroup
}

// NewSystemMonitor creates a monitor for the current process
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	sm := &SystemMonitor{
		logger:  logger.With().Str("component", "system_monitor").Logger(),
		metrics: SystemMetrics{Timestamp: time.Now()},
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		sm.logger.Warn().Err(err).Msg("Failed to get process info, falling back to host memory")
	} else {
		sm.proc = proc
	}

	return sm
}

// Start begins periodic measurement until ctx is cancelled
func (sm *SystemMonitor) Start(ctx context.Context, interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer RecoverPanic(sm.logger, "systemMonitor", nil)
		defer sm.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.Update()
		for {
			select {
			case <-ticker.C:
				sm.Update()
			case <-ctx.Done():
				sm.logger.Info().Msg("SystemMonitor stopped")
				return
			}
		}
	}()

	sm.logger.Info().Dur("interval", interval).Msg("SystemMonitor started")
}

// Wait blocks until the measurement goroutine has exited
func (sm *SystemMonitor) Wait() {
	sm.wg.Wait()
}

// Update performs a single measurement and publishes it to Prometheus
func (sm *SystemMonitor) Update() {
	m := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	} else if err != nil {
		sm.logger.Debug().Err(err).Msg("Failed to get CPU usage")
	}

	if sm.proc != nil {
		if info, err := sm.proc.MemoryInfo(); err == nil {
			m.MemoryBytes = int64(info.RSS)
		}
	} else if vmem, err := mem.VirtualMemory(); err == nil {
		m.MemoryBytes = int64(vmem.Used)
	}
	m.MemoryMB = float64(m.MemoryBytes) / 1024 / 1024

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	cpuUsagePercent.Set(m.CPUPercent)
	memoryUsageBytes.Set(float64(m.MemoryBytes))
	goroutinesActive.Set(float64(m.Goroutines))
}

// Snapshot returns the last measurement
func (sm *SystemMonitor) Snapshot() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

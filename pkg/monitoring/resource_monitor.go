// Package monitoring watches the process's own resource usage. When a
// reading crosses the configured warning thresholds the monitor raises a
// degraded flag that the commit pipeline consults to shed optional work.
package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"ontogate/internal/metrics"
	"ontogate/pkg/types"
)

const defaultCheckInterval = 30 * time.Second

// Snapshot is one resource reading.
type Snapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	Goroutines  int       `json:"goroutines"`
	MemoryRSSMB float64   `json:"memory_rss_mb"`
	CPUPercent  float64   `json:"cpu_percent"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// ResourceMonitor samples goroutine count, resident memory, and CPU share
// on a fixed interval and publishes the readings to Prometheus.
type ResourceMonitor struct {
	cfg      types.ResourceMonitoringConfig
	logger   *logrus.Logger
	interval time.Duration
	proc     *process.Process

	mu       sync.RWMutex
	snapshot Snapshot

	degraded atomic.Bool
	running  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResourceMonitor creates a resource monitor. Invalid intervals fall
// back to the default rather than failing startup.
func NewResourceMonitor(cfg types.ResourceMonitoringConfig, logger *logrus.Logger) *ResourceMonitor {
	if logger == nil {
		logger = logrus.New()
	}

	interval := defaultCheckInterval
	if cfg.CheckInterval != "" {
		if d, err := time.ParseDuration(cfg.CheckInterval); err == nil && d > 0 {
			interval = d
		} else {
			logger.WithField("check_interval", cfg.CheckInterval).Warn("Invalid resource check interval, using default")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	rm := &ResourceMonitor{
		cfg:      cfg,
		logger:   logger,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.WithError(err).Warn("Process introspection unavailable, memory and CPU readings disabled")
	} else {
		rm.proc = proc
	}

	return rm
}

// Start launches the sampling loop.
func (rm *ResourceMonitor) Start() error {
	if !rm.cfg.Enabled {
		rm.logger.Info("Resource monitoring disabled")
		return nil
	}
	if !rm.running.CompareAndSwap(false, true) {
		return fmt.Errorf("resource monitor already running")
	}

	rm.logger.WithFields(logrus.Fields{
		"check_interval":     rm.interval,
		"memory_warn_mb":     rm.cfg.MemoryWarnMB,
		"cpu_warn_percent":   rm.cfg.CPUWarnPercent,
		"goroutine_warn":     rm.cfg.GoroutineWarn,
		"degrade_on_warning": rm.cfg.DegradeOnWarning,
	}).Info("Starting resource monitor")

	rm.wg.Add(1)
	go rm.run()

	return nil
}

// Stop halts the sampling loop.
func (rm *ResourceMonitor) Stop() error {
	if !rm.running.Load() {
		return nil
	}
	rm.running.Store(false)
	rm.cancel()

	done := make(chan struct{})
	go func() {
		rm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		rm.logger.Info("Resource monitor stopped")
	case <-time.After(5 * time.Second):
		rm.logger.Warn("Timeout waiting for resource monitor to stop")
	}

	return nil
}

func (rm *ResourceMonitor) run() {
	defer rm.wg.Done()

	// Prime the CPU accounting so the first tick reports an
	// interval-scoped delta instead of the lifetime average.
	if rm.proc != nil {
		_, _ = rm.proc.Percent(0)
	}

	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-ticker.C:
			rm.Sample()
		}
	}
}

// Sample takes one reading, publishes it, and re-evaluates the degraded
// flag. Exposed so callers can force a reading outside the loop.
func (rm *ResourceMonitor) Sample() Snapshot {
	snap := Snapshot{
		Timestamp:  time.Now().UTC(),
		Goroutines: runtime.NumGoroutine(),
	}

	if rm.proc != nil {
		if mem, err := rm.proc.MemoryInfo(); err == nil {
			snap.MemoryRSSMB = float64(mem.RSS) / 1024.0 / 1024.0
		}
		if pct, err := rm.proc.Percent(0); err == nil {
			snap.CPUPercent = pct
			metrics.SetCPUUsage(pct)
		}
	}

	if rm.cfg.GoroutineWarn > 0 && snap.Goroutines > rm.cfg.GoroutineWarn {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("goroutine count %d above %d", snap.Goroutines, rm.cfg.GoroutineWarn))
	}
	if rm.cfg.MemoryWarnMB > 0 && snap.MemoryRSSMB > rm.cfg.MemoryWarnMB {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("resident memory %.0f MB above %.0f MB", snap.MemoryRSSMB, rm.cfg.MemoryWarnMB))
	}
	if rm.cfg.CPUWarnPercent > 0 && snap.CPUPercent > rm.cfg.CPUWarnPercent {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("CPU share %.1f%% above %.1f%%", snap.CPUPercent, rm.cfg.CPUWarnPercent))
	}

	pressured := len(snap.Warnings) > 0
	metrics.SetComponentHealth("resources", !pressured)

	wasDegraded := rm.degraded.Load()
	nowDegraded := pressured && rm.cfg.DegradeOnWarning
	rm.degraded.Store(nowDegraded)

	switch {
	case nowDegraded && !wasDegraded:
		rm.logger.WithField("warnings", snap.Warnings).Warn("Resource pressure detected, entering degraded mode")
	case wasDegraded && !nowDegraded:
		rm.logger.Info("Resource pressure cleared, leaving degraded mode")
	case pressured:
		rm.logger.WithField("warnings", snap.Warnings).Warn("Resource warning thresholds exceeded")
	default:
		rm.logger.WithFields(logrus.Fields{
			"goroutines":    snap.Goroutines,
			"memory_rss_mb": fmt.Sprintf("%.1f", snap.MemoryRSSMB),
			"cpu_percent":   fmt.Sprintf("%.1f", snap.CPUPercent),
		}).Debug("Resource reading")
	}

	rm.mu.Lock()
	rm.snapshot = snap
	rm.mu.Unlock()

	return snap
}

// Degraded reports whether the last reading crossed a warning threshold
// with degradation enabled. The commit pipeline consults this before
// fanning validators out asynchronously.
func (rm *ResourceMonitor) Degraded() bool {
	return rm.degraded.Load()
}

// GetSnapshot returns the most recent reading.
func (rm *ResourceMonitor) GetSnapshot() Snapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.snapshot
}

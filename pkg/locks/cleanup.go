package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/types"
)

const (
	defaultCleanupInterval = 5 * time.Minute
	defaultCleanupBatch    = 50
)

// CleanupService periodically releases expired and heartbeat-stale locks.
// TTL release honors auto_release_enabled; a missed heartbeat releases the
// lock unconditionally. An optional faster heartbeat-only pass can run
// between full sweeps.
type CleanupService struct {
	manager   *Manager
	logger    *logrus.Logger
	interval  time.Duration
	hbCheck   time.Duration
	batchSize int

	lastSweep types.CleanupStats
	sweeps    int64
	mu        sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func newCleanupService(manager *Manager, interval, hbCheck time.Duration, batchSize int, logger *logrus.Logger) *CleanupService {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if batchSize <= 0 {
		batchSize = defaultCleanupBatch
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CleanupService{
		manager:   manager,
		logger:    logger,
		interval:  interval,
		hbCheck:   hbCheck,
		batchSize: batchSize,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the sweep loop and, when configured, the heartbeat check
// loop.
func (c *CleanupService) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("cleanup service already running")
	}
	c.running = true
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"component":       "lock_cleanup",
		"interval":        c.interval,
		"heartbeat_check": c.hbCheck,
		"batch_size":      c.batchSize,
	}).Info("Starting lock cleanup service")

	c.wg.Add(1)
	go c.sweepLoop()

	if c.hbCheck > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (c *CleanupService) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *CleanupService) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.SweepOnce(c.ctx)
		}
	}
}

func (c *CleanupService) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.hbCheck)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.checkHeartbeats(c.ctx)
		}
	}
}

// SweepOnce examines every registered lock in batches and releases the
// expired and stale ones. Returns the sweep summary.
func (c *CleanupService) SweepOnce(ctx context.Context) types.CleanupStats {
	start := time.Now()
	stats := types.CleanupStats{SweepStarted: start}

	snapshot := c.manager.registry.List()
	for begin := 0; begin < len(snapshot); begin += c.batchSize {
		end := begin + c.batchSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		for _, lock := range snapshot[begin:end] {
			if !lock.IsActive {
				continue
			}
			stats.LocksExamined++

			now := time.Now()
			switch {
			case lock.AutoReleaseEnabled && !now.Before(lock.ExpiresAt):
				released, err := c.manager.releaseInternal(ctx, lock.ID, "cleanup_service", types.ReleaseReasonTTLExpired)
				if err != nil {
					stats.Errors++
					continue
				}
				if released {
					stats.TTLReleased++
				}
			case c.manager.heartbeat.Stale(lock, now):
				released, err := c.manager.releaseInternal(ctx, lock.ID, "cleanup_service", types.ReleaseReasonHeartbeatMissed)
				if err != nil {
					stats.Errors++
					continue
				}
				if released {
					stats.HeartbeatReleased++
				}
			}
		}
	}

	stats.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0

	c.mu.Lock()
	c.lastSweep = stats
	c.sweeps++
	c.mu.Unlock()

	cleanupSweepsTotal.Inc()
	cleanupSweepDuration.Observe(time.Since(start).Seconds())

	if stats.TTLReleased > 0 || stats.HeartbeatReleased > 0 || stats.Errors > 0 {
		c.logger.WithFields(logrus.Fields{
			"component":          "lock_cleanup",
			"examined":           stats.LocksExamined,
			"ttl_released":       stats.TTLReleased,
			"heartbeat_released": stats.HeartbeatReleased,
			"errors":             stats.Errors,
			"duration_ms":        stats.DurationMs,
		}).Info("Lock cleanup sweep completed")
	}
	return stats
}

// checkHeartbeats is the fast pass releasing only heartbeat-stale locks.
func (c *CleanupService) checkHeartbeats(ctx context.Context) {
	now := time.Now()
	for _, lock := range c.manager.registry.List() {
		if !lock.IsActive || !c.manager.heartbeat.Stale(lock, now) {
			continue
		}
		if _, err := c.manager.releaseInternal(ctx, lock.ID, "cleanup_service", types.ReleaseReasonHeartbeatMissed); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"component": "lock_cleanup",
				"lock_id":   lock.ID,
			}).Warn("Failed to release heartbeat-stale lock")
		}
	}
}

// ForceCleanupBranch releases every active lock on a branch irrespective of
// expiry. Returns the number of locks released.
func (c *CleanupService) ForceCleanupBranch(ctx context.Context, branch, reason string) (int, error) {
	if reason == "" {
		reason = types.ReleaseReasonForceCleanup
	}

	count := 0
	for _, lock := range c.manager.registry.ListByBranch(branch) {
		if !lock.IsActive {
			continue
		}
		released, err := c.manager.releaseInternal(ctx, lock.ID, "cleanup_service", reason)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"component": "lock_cleanup",
				"lock_id":   lock.ID,
				"branch":    branch,
			}).Warn("Failed to force-release lock")
			continue
		}
		if released {
			count++
		}
	}

	c.logger.WithFields(logrus.Fields{
		"component": "lock_cleanup",
		"branch":    branch,
		"reason":    reason,
		"released":  count,
	}).Info("Forced branch cleanup completed")
	return count, nil
}

// GetStats returns the last sweep summary.
func (c *CleanupService) GetStats() types.CleanupStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSweep
}

// Sweeps returns the number of completed sweeps.
func (c *CleanupService) Sweeps() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sweeps
}

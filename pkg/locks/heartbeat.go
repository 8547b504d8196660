package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

const (
	heartbeatHistoryLimit  = 100
	defaultGraceMultiplier = 3.0
)

// Heartbeat health labels returned by Health.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
	HealthDisabled = "disabled"
)

// HeartbeatService tracks liveness beats for granted locks. Beats mutate the
// registry copy and append to a bounded in-memory history; the durable
// record write is best-effort.
type HeartbeatService struct {
	registry *Registry
	durable  types.DurableStore
	logger   *logrus.Logger
	grace    float64

	history map[string][]types.HeartbeatRecord
	mu      sync.RWMutex
}

// NewHeartbeatService creates the service. grace zero falls back to 3.
func NewHeartbeatService(registry *Registry, durable types.DurableStore, grace float64, logger *logrus.Logger) *HeartbeatService {
	if logger == nil {
		logger = logrus.New()
	}
	if grace <= 0 {
		grace = defaultGraceMultiplier
	}
	return &HeartbeatService{
		registry: registry,
		durable:  durable,
		logger:   logger,
		grace:    grace,
		history:  make(map[string][]types.HeartbeatRecord),
	}
}

// SendHeartbeat records a liveness beat for the lock. Returns false without
// persisting anything when the lock is missing, released, has heartbeats
// disabled, or the reporting service does not hold it.
func (s *HeartbeatService) SendHeartbeat(ctx context.Context, lockID, service string, status types.HeartbeatStatus, progress float64) (bool, error) {
	lock := s.registry.Get(lockID)
	if lock == nil || !lock.IsActive {
		return false, nil
	}
	if !lock.HeartbeatEnabled() {
		return false, nil
	}
	if service != "" && lock.LockedBy != "" && service != lock.LockedBy && service != lock.HeartbeatSource {
		s.logger.WithFields(logrus.Fields{
			"component": "heartbeat",
			"lock_id":   lockID,
			"service":   service,
			"locked_by": lock.LockedBy,
		}).Warn("Heartbeat rejected, lock held by another service")
		return false, nil
	}

	now := time.Now()
	if !s.registry.UpdateHeartbeat(ctx, lockID, now, service) {
		return false, nil
	}

	record := types.HeartbeatRecord{
		LockID:      lockID,
		BranchName:  lock.BranchName,
		ServiceName: service,
		HeartbeatAt: now,
		Status:      status,
		Progress:    progress,
	}

	s.mu.Lock()
	beats := append(s.history[lockID], record)
	if len(beats) > heartbeatHistoryLimit {
		beats = beats[len(beats)-heartbeatHistoryLimit:]
	}
	s.history[lockID] = beats
	s.mu.Unlock()

	heartbeatsTotal.WithLabelValues(string(status)).Inc()

	if s.durable != nil {
		if err := s.durable.StoreHeartbeatRecord(ctx, &record); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"component": "heartbeat",
				"lock_id":   lockID,
			}).Warn("Failed to persist heartbeat record")
		}
	}
	return true, nil
}

// Health summarizes heartbeat liveness for a lock: warning once the last
// beat is older than the interval, critical once older than interval times
// the grace multiplier.
func (s *HeartbeatService) Health(lockID string) (*types.LockHealth, error) {
	lock := s.registry.Get(lockID)
	if lock == nil {
		return nil, errors.New(errors.CodeLockNotFound, "heartbeat", "health",
			fmt.Sprintf("lock %s not found", lockID))
	}
	if !lock.HeartbeatEnabled() {
		return &types.LockHealth{Enabled: false, Health: HealthDisabled}, nil
	}

	last := lock.LastHeartbeat
	if last == nil {
		t := lock.AcquiredAt
		last = &t
	}

	since := time.Since(*last).Seconds()
	interval := float64(lock.HeartbeatIntervalS)

	health := HealthHealthy
	switch {
	case since > interval*s.grace:
		health = HealthCritical
	case since > interval:
		health = HealthWarning
	}

	return &types.LockHealth{
		Enabled:      true,
		LastBeat:     last,
		SecondsSince: since,
		Health:       health,
	}, nil
}

// Stale reports whether the lock missed its heartbeat window entirely, i.e.
// no beat for longer than interval times the grace multiplier.
func (s *HeartbeatService) Stale(lock *types.BranchLock, now time.Time) bool {
	if lock == nil || !lock.HeartbeatEnabled() {
		return false
	}
	last := lock.AcquiredAt
	if lock.LastHeartbeat != nil {
		last = *lock.LastHeartbeat
	}
	window := time.Duration(float64(lock.HeartbeatIntervalS)*s.grace) * time.Second
	return now.Sub(last) > window
}

// History returns a copy of the bounded beat history for a lock.
func (s *HeartbeatService) History(lockID string) []types.HeartbeatRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.HeartbeatRecord(nil), s.history[lockID]...)
}

// Forget drops the beat history for a released lock.
func (s *HeartbeatService) Forget(lockID string) {
	s.mu.Lock()
	delete(s.history, lockID)
	s.mu.Unlock()
}

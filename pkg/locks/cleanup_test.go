package locks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ontogate/pkg/types"
)

func insertManagedLock(t *testing.T, m *Manager, id, branch string, mutate func(*types.BranchLock)) {
	t.Helper()

	now := time.Now()
	lock := &types.BranchLock{
		ID:                 id,
		BranchName:         branch,
		LockType:           types.LockTypeMaintenance,
		LockScope:          types.LockScopeResourceType,
		ResourceType:       "object_type",
		LockedBy:           "svc-1",
		AcquiredAt:         now.Add(-time.Hour),
		ExpiresAt:          now.Add(time.Hour),
		AutoReleaseEnabled: true,
		IsActive:           true,
	}
	if mutate != nil {
		mutate(lock)
	}
	m.Registry().Insert(context.Background(), lock)
}

func TestSweepReleasesExpiredLocks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	insertManagedLock(t, m, "expired-1", "dev/a/x", func(l *types.BranchLock) {
		l.ExpiresAt = time.Now().Add(-time.Minute)
	})
	// Expired but opted out of auto-release, heartbeats disabled
	insertManagedLock(t, m, "pinned-1", "dev/a/y", func(l *types.BranchLock) {
		l.ExpiresAt = time.Now().Add(-time.Minute)
		l.AutoReleaseEnabled = false
	})
	insertManagedLock(t, m, "fresh-1", "dev/a/z", nil)

	stats := m.Cleanup().SweepOnce(ctx)

	assert.Equal(t, 3, stats.LocksExamined)
	assert.Equal(t, 1, stats.TTLReleased)
	assert.Equal(t, 0, stats.HeartbeatReleased)
	assert.Equal(t, 0, stats.Errors)

	assert.Nil(t, m.Registry().Get("expired-1"))
	assert.NotNil(t, m.Registry().Get("pinned-1"), "auto_release_enabled=false pins the lock past expiry")
	assert.NotNil(t, m.Registry().Get("fresh-1"))
	assert.Equal(t, int64(1), m.GetStats().TotalExpired)
}

func TestSweepReleasesHeartbeatStaleLocks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Interval 5s with grace 3: silent for 20s is past the 15s window
	insertManagedLock(t, m, "stale-1", "dev/b/x", func(l *types.BranchLock) {
		l.HeartbeatIntervalS = 5
		beat := time.Now().Add(-20 * time.Second)
		l.LastHeartbeat = &beat
	})
	// Missed heartbeats release the lock even when auto-release is off
	insertManagedLock(t, m, "stale-2", "dev/b/y", func(l *types.BranchLock) {
		l.HeartbeatIntervalS = 5
		l.AutoReleaseEnabled = false
		beat := time.Now().Add(-20 * time.Second)
		l.LastHeartbeat = &beat
	})
	insertManagedLock(t, m, "beating-1", "dev/b/z", func(l *types.BranchLock) {
		l.HeartbeatIntervalS = 5
		beat := time.Now().Add(-2 * time.Second)
		l.LastHeartbeat = &beat
	})

	stats := m.Cleanup().SweepOnce(ctx)

	assert.Equal(t, 2, stats.HeartbeatReleased)
	assert.Equal(t, 0, stats.TTLReleased)
	assert.Nil(t, m.Registry().Get("stale-1"))
	assert.Nil(t, m.Registry().Get("stale-2"))
	assert.NotNil(t, m.Registry().Get("beating-1"))
	assert.Equal(t, int64(2), m.GetStats().TotalHeartbeatLost)
}

func TestForceCleanupBranch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	insertManagedLock(t, m, "a-1", "dev/team/feature", nil)
	insertManagedLock(t, m, "a-2", "dev/team/feature", func(l *types.BranchLock) {
		l.ResourceType = "property"
	})
	insertManagedLock(t, m, "b-1", "dev/team/other", nil)

	released, err := m.Cleanup().ForceCleanupBranch(ctx, "dev/team/feature", "")
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	assert.Nil(t, m.Registry().Get("a-1"))
	assert.Nil(t, m.Registry().Get("a-2"))
	assert.NotNil(t, m.Registry().Get("b-1"))
	assert.Equal(t, int64(2), m.GetStats().TotalReleased)
}

func TestSweepStatsSnapshot(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	insertManagedLock(t, m, "expired-1", "dev/c/x", func(l *types.BranchLock) {
		l.ExpiresAt = time.Now().Add(-time.Second)
	})

	stats := m.Cleanup().SweepOnce(ctx)
	assert.False(t, stats.SweepStarted.IsZero())
	assert.GreaterOrEqual(t, stats.DurationMs, 0.0)

	assert.Equal(t, stats, m.Cleanup().GetStats())
	assert.Equal(t, int64(1), m.Cleanup().Sweeps())
}

func TestCleanupStartStop(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Start())
	assert.Error(t, m.Start(), "second start is rejected")
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop(), "stop is idempotent")
}

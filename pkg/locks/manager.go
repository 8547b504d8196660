package locks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

const defaultHeartbeatInterval = 60

// Built-in TTLs per lock type, overridable via config default_timeouts.
var defaultLockTimeouts = map[types.LockType]time.Duration{
	types.LockTypeIndexing:    4 * time.Hour,
	types.LockTypeMaintenance: 1 * time.Hour,
	types.LockTypeMigration:   6 * time.Hour,
	types.LockTypeBackup:      2 * time.Hour,
	types.LockTypeManual:      24 * time.Hour,
}

// Resource types locked individually by LockForIndexing when the caller
// does not name its own set.
var defaultIndexingResourceTypes = []string{"object_type", "property", "document"}

// AcquireRequest carries the parameters for one lock acquisition. Zero
// values get defaults: Scope BRANCH, Timeout from the lock type, heartbeats
// enabled at the configured interval.
type AcquireRequest struct {
	Branch       string
	LockType     types.LockType
	LockedBy     string
	Scope        types.LockScope
	ResourceType string
	ResourceID   string
	Reason       string

	// Timeout overrides the per-type default TTL when positive.
	Timeout time.Duration

	// DisableHeartbeat opts the lock out of liveness tracking.
	DisableHeartbeat   bool
	HeartbeatIntervalS int
}

// Manager is the branch lock facade. Acquire, release, and state
// transitions are serialized per branch; the in-memory registry is
// authoritative and the distributed cache is a write-through replica.
type Manager struct {
	cfg       types.LockManagerConfig
	registry  *Registry
	state     *StateManager
	heartbeat *HeartbeatService
	cleanup   *CleanupService
	logger    *logrus.Logger

	timeouts map[types.LockType]time.Duration

	branchMus map[string]*sync.Mutex
	branchMu  sync.Mutex

	totalAcquired      int64
	totalReleased      int64
	totalConflicts     int64
	totalExpired       int64
	totalHeartbeatLost int64
}

// NewManager wires the registry, state manager, heartbeat service and
// cleanup service. cache and durable may be nil; the manager then runs
// in-memory only.
func NewManager(cfg types.LockManagerConfig, cache types.Cache, durable types.DurableStore, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.HeartbeatGraceMultiplier <= 0 {
		cfg.HeartbeatGraceMultiplier = defaultGraceMultiplier
	}
	if cfg.DefaultHeartbeatS <= 0 {
		cfg.DefaultHeartbeatS = defaultHeartbeatInterval
	}

	if !cfg.CacheEnabled {
		cache = nil
	}

	registry := NewRegistry(cache, logger)
	state := NewStateManager(registry, cache, durable,
		time.Duration(cfg.StateCacheTTLS)*time.Second, logger)
	heartbeat := NewHeartbeatService(registry, durable, cfg.HeartbeatGraceMultiplier, logger)

	m := &Manager{
		cfg:       cfg,
		registry:  registry,
		state:     state,
		heartbeat: heartbeat,
		logger:    logger,
		timeouts:  resolveTimeouts(cfg.DefaultTimeouts, logger),
		branchMus: make(map[string]*sync.Mutex),
	}
	m.cleanup = newCleanupService(m,
		time.Duration(cfg.CleanupIntervalS)*time.Second,
		time.Duration(cfg.HeartbeatCheckIntervalS)*time.Second,
		cfg.BatchSize, logger)
	return m
}

// resolveTimeouts merges config overrides onto the built-in per-type TTLs.
func resolveTimeouts(overrides map[string]string, logger *logrus.Logger) map[types.LockType]time.Duration {
	out := make(map[types.LockType]time.Duration, len(defaultLockTimeouts))
	for lt, d := range defaultLockTimeouts {
		out[lt] = d
	}
	for name, raw := range overrides {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			logger.WithFields(logrus.Fields{
				"component": "lock_manager",
				"lock_type": name,
				"value":     raw,
			}).Warn("Invalid lock timeout override, keeping default")
			continue
		}
		out[types.LockType(name)] = d
	}
	return out
}

// Start launches the cleanup service.
func (m *Manager) Start() error {
	return m.cleanup.Start()
}

// Stop stops the cleanup service.
func (m *Manager) Stop() error {
	return m.cleanup.Stop()
}

// Heartbeat returns the heartbeat service.
func (m *Manager) Heartbeat() *HeartbeatService { return m.heartbeat }

// State returns the state manager.
func (m *Manager) State() *StateManager { return m.state }

// Registry returns the lock registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Cleanup returns the cleanup service.
func (m *Manager) Cleanup() *CleanupService { return m.cleanup }

func (m *Manager) branchMutex(branch string) *sync.Mutex {
	m.branchMu.Lock()
	defer m.branchMu.Unlock()

	mu, ok := m.branchMus[branch]
	if !ok {
		mu = &sync.Mutex{}
		m.branchMus[branch] = mu
	}
	return mu
}

func validateAcquire(req *AcquireRequest) error {
	if req.Branch == "" {
		return errors.InputError("lock_manager", "acquire", "branch is required")
	}
	if req.LockedBy == "" {
		return errors.InputError("lock_manager", "acquire", "locked_by is required")
	}
	if _, ok := defaultLockTimeouts[req.LockType]; !ok {
		return errors.InputError("lock_manager", "acquire",
			fmt.Sprintf("unknown lock type %q", req.LockType))
	}
	if req.Scope == "" {
		req.Scope = types.LockScopeBranch
	}
	switch req.Scope {
	case types.LockScopeBranch:
	case types.LockScopeResourceType:
		if req.ResourceType == "" {
			return errors.InputError("lock_manager", "acquire",
				"RESOURCE_TYPE scope requires resource_type")
		}
	case types.LockScopeResource:
		if req.ResourceType == "" || req.ResourceID == "" {
			return errors.InputError("lock_manager", "acquire",
				"RESOURCE scope requires resource_type and resource_id")
		}
	default:
		return errors.InputError("lock_manager", "acquire",
			fmt.Sprintf("unknown lock scope %q", req.Scope))
	}
	return nil
}

// Acquire grants a lock when no active lock on the branch conflicts. An
// INDEXING lock with BRANCH scope also moves the branch to
// LOCKED_FOR_WRITE. Conflicts return LockConflictError without touching
// branch state.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (string, error) {
	if err := validateAcquire(&req); err != nil {
		return "", err
	}

	bmu := m.branchMutex(req.Branch)
	bmu.Lock()
	defer bmu.Unlock()

	state := m.state.Get(ctx, req.Branch)

	now := time.Now()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.timeouts[req.LockType]
	}

	candidate := &types.BranchLock{
		ID:                 uuid.NewString(),
		BranchName:         req.Branch,
		LockType:           req.LockType,
		LockScope:          req.Scope,
		ResourceType:       req.ResourceType,
		ResourceID:         req.ResourceID,
		LockedBy:           req.LockedBy,
		AcquiredAt:         now,
		ExpiresAt:          now.Add(timeout),
		Reason:             req.Reason,
		AutoReleaseEnabled: true,
		IsActive:           true,
	}
	if !req.DisableHeartbeat {
		interval := req.HeartbeatIntervalS
		if interval <= 0 {
			interval = m.cfg.DefaultHeartbeatS
		}
		candidate.HeartbeatIntervalS = interval
		beat := now
		candidate.LastHeartbeat = &beat
		candidate.HeartbeatSource = req.LockedBy
	}

	for i := range state.ActiveLocks {
		existing := &state.ActiveLocks[i]
		if candidate.ConflictsWith(existing) {
			atomic.AddInt64(&m.totalConflicts, 1)
			lockConflictsTotal.WithLabelValues(string(req.Scope)).Inc()
			return "", &errors.LockConflictError{
				Branch:       req.Branch,
				Requested:    req.Scope,
				ConflictWith: existing.ID,
				HeldBy:       existing.LockedBy,
			}
		}
	}

	m.registry.Insert(ctx, candidate)

	if req.LockType == types.LockTypeIndexing && req.Scope == types.LockScopeBranch {
		if _, err := m.state.Transition(ctx, req.Branch, types.BranchLockedForWrite,
			req.LockedBy, req.Reason, "lock_acquired"); err != nil {
			m.registry.Remove(ctx, candidate.ID)
			return "", err
		}
		m.state.MarkIndexingStarted(ctx, req.Branch, req.LockedBy)
	}

	atomic.AddInt64(&m.totalAcquired, 1)
	locksAcquiredTotal.WithLabelValues(string(req.LockType), string(req.Scope)).Inc()
	m.updateActiveGauge()

	m.logger.WithFields(logrus.Fields{
		"component": "lock_manager",
		"lock_id":   candidate.ID,
		"branch":    req.Branch,
		"lock_type": req.LockType,
		"scope":     req.Scope,
		"locked_by": req.LockedBy,
		"expires":   candidate.ExpiresAt,
	}).Info("Lock acquired")

	return candidate.ID, nil
}

// Release releases a lock by id. Returns false when the lock is missing or
// already released.
func (m *Manager) Release(ctx context.Context, lockID, releasedBy string) (bool, error) {
	return m.releaseInternal(ctx, lockID, releasedBy, types.ReleaseReasonManual)
}

func (m *Manager) releaseInternal(ctx context.Context, lockID, releasedBy, reason string) (bool, error) {
	lock := m.registry.Get(lockID)
	if lock == nil || !lock.IsActive {
		return false, nil
	}

	bmu := m.branchMutex(lock.BranchName)
	bmu.Lock()
	defer bmu.Unlock()

	// Re-check under the branch serialization point
	lock = m.registry.Get(lockID)
	if lock == nil || !lock.IsActive {
		return false, nil
	}

	removed := m.registry.Remove(ctx, lockID)
	if removed == nil {
		return false, nil
	}
	m.heartbeat.Forget(lockID)

	atomic.AddInt64(&m.totalReleased, 1)
	switch reason {
	case types.ReleaseReasonTTLExpired:
		atomic.AddInt64(&m.totalExpired, 1)
	case types.ReleaseReasonHeartbeatMissed:
		atomic.AddInt64(&m.totalHeartbeatLost, 1)
	}
	locksReleasedTotal.WithLabelValues(reason).Inc()
	m.updateActiveGauge()

	m.logger.WithFields(logrus.Fields{
		"component":   "lock_manager",
		"lock_id":     lockID,
		"branch":      removed.BranchName,
		"released_by": releasedBy,
		"reason":      reason,
	}).Info("Lock released")

	if removed.LockType == types.LockTypeIndexing && removed.LockScope == types.LockScopeBranch {
		m.finishIndexing(ctx, removed.BranchName, releasedBy, reason)
	}
	return true, nil
}

// finishIndexing moves the branch out of LOCKED_FOR_WRITE once the last
// INDEXING lock is gone, then applies the auto-merge policy.
func (m *Manager) finishIndexing(ctx context.Context, branch, by, reason string) {
	for _, other := range m.registry.ListByBranch(branch) {
		if other.IsActive && other.LockType == types.LockTypeIndexing {
			return
		}
	}

	state := m.state.Get(ctx, branch)
	if state.CurrentState != types.BranchLockedForWrite {
		return
	}

	if _, err := m.state.Transition(ctx, branch, types.BranchReady, by, reason, "lock_released"); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"component": "lock_manager",
			"branch":    branch,
		}).Warn("Failed to transition branch to READY after indexing")
		return
	}
	m.state.MarkIndexingCompleted(ctx, branch)

	if m.state.ShouldAutoMerge(branch) {
		if _, err := m.state.Transition(ctx, branch, types.BranchActive, "system", "auto merge after indexing", "auto_merge"); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"component": "lock_manager",
				"branch":    branch,
			}).Warn("Auto-merge transition failed")
		}
	}
}

// ExtendTTL pushes the lock expiry further out by the given duration.
func (m *Manager) ExtendTTL(ctx context.Context, lockID string, by time.Duration, extendedBy, reason string) error {
	if by <= 0 {
		return errors.InputError("lock_manager", "extend_ttl", "extension must be positive")
	}

	lock := m.registry.Get(lockID)
	if lock == nil || !lock.IsActive {
		return errors.New(errors.CodeLockNotFound, "lock_manager", "extend_ttl",
			fmt.Sprintf("lock %s not found or inactive", lockID))
	}

	bmu := m.branchMutex(lock.BranchName)
	bmu.Lock()
	defer bmu.Unlock()

	expires, ok := m.registry.ExtendExpiry(ctx, lockID, by)
	if !ok {
		return errors.New(errors.CodeLockNotFound, "lock_manager", "extend_ttl",
			fmt.Sprintf("lock %s not found or inactive", lockID))
	}

	m.logger.WithFields(logrus.Fields{
		"component":   "lock_manager",
		"lock_id":     lockID,
		"extended_by": extendedBy,
		"extension":   by.String(),
		"expires":     expires,
		"reason":      reason,
	}).Info("Lock TTL extended")
	return nil
}

// CheckWritePermission is the pre-write gate: a write is allowed only when
// the branch is ACTIVE and no active lock overlaps the target scope.
func (m *Manager) CheckWritePermission(ctx context.Context, branch, action, resourceType, resourceID string) (bool, string) {
	state := m.state.Get(ctx, branch)

	switch state.CurrentState {
	case types.BranchError:
		return false, fmt.Sprintf("branch %s is in ERROR state", branch)
	case types.BranchLockedForWrite:
		return false, fmt.Sprintf("branch %s is locked for write by %s", branch, state.IndexingService)
	case types.BranchReady:
		return false, fmt.Sprintf("branch %s is awaiting merge", branch)
	}

	probe := &types.BranchLock{
		BranchName:   branch,
		LockScope:    types.LockScopeBranch,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
	if resourceID != "" {
		probe.LockScope = types.LockScopeResource
	} else if resourceType != "" {
		probe.LockScope = types.LockScopeResourceType
	}

	for i := range state.ActiveLocks {
		existing := &state.ActiveLocks[i]
		if probe.ConflictsWith(existing) {
			return false, fmt.Sprintf("%s blocked by %s lock %s held by %s",
				action, existing.LockType, existing.ID, existing.LockedBy)
		}
	}
	return true, ""
}

// LockForIndexing acquires the indexing locks for a branch. The default is
// one RESOURCE_TYPE lock per resource type; force_branch collapses that to
// a single branch-wide lock and is logged at WARN. Partial failures roll
// back the locks already granted.
func (m *Manager) LockForIndexing(ctx context.Context, branch, by, reason string, resourceTypes []string, forceBranch bool) ([]string, error) {
	if forceBranch {
		m.logger.WithFields(logrus.Fields{
			"component": "lock_manager",
			"branch":    branch,
			"locked_by": by,
		}).Warn("Acquiring branch-wide indexing lock, all writes will be blocked")

		id, err := m.Acquire(ctx, AcquireRequest{
			Branch:   branch,
			LockType: types.LockTypeIndexing,
			LockedBy: by,
			Scope:    types.LockScopeBranch,
			Reason:   reason,
		})
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	if len(resourceTypes) == 0 {
		resourceTypes = defaultIndexingResourceTypes
	}

	ids := make([]string, 0, len(resourceTypes))
	for _, rt := range resourceTypes {
		id, err := m.Acquire(ctx, AcquireRequest{
			Branch:       branch,
			LockType:     types.LockTypeIndexing,
			LockedBy:     by,
			Scope:        types.LockScopeResourceType,
			ResourceType: rt,
			Reason:       reason,
		})
		if err != nil {
			for _, acquired := range ids {
				if _, rerr := m.Release(ctx, acquired, by); rerr != nil {
					m.logger.WithError(rerr).WithFields(logrus.Fields{
						"component": "lock_manager",
						"lock_id":   acquired,
					}).Warn("Failed to roll back indexing lock")
				}
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetStats returns a snapshot of lock manager activity.
func (m *Manager) GetStats() types.LockManagerStats {
	stats := types.LockManagerStats{
		LocksByType:        make(map[string]int),
		LocksByBranch:      make(map[string]int),
		TotalAcquired:      atomic.LoadInt64(&m.totalAcquired),
		TotalReleased:      atomic.LoadInt64(&m.totalReleased),
		TotalConflicts:     atomic.LoadInt64(&m.totalConflicts),
		TotalExpired:       atomic.LoadInt64(&m.totalExpired),
		TotalHeartbeatLost: atomic.LoadInt64(&m.totalHeartbeatLost),
		StateTransitions:   m.state.TotalTransitions(),
		BranchStates:       m.state.BranchStates(),
	}

	for _, lock := range m.registry.List() {
		if !lock.IsActive {
			continue
		}
		stats.ActiveLocks++
		stats.LocksByType[string(lock.LockType)]++
		stats.LocksByBranch[lock.BranchName]++
	}
	return stats
}

func (m *Manager) updateActiveGauge() {
	counts := make(map[types.LockType]int)
	for _, lock := range m.registry.List() {
		if lock.IsActive {
			counts[lock.LockType]++
		}
	}
	for lt := range defaultLockTimeouts {
		activeLocksGauge.WithLabelValues(string(lt)).Set(float64(counts[lt]))
	}
}

// Package locks implements the branch lock manager: an in-process
// authoritative lock registry with a write-through distributed replica,
// a branch state machine, heartbeat liveness tracking, and a periodic
// cleanup service, all fronted by the Manager facade.
package locks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/types"
)

const lockKeyPrefix = "branch_lock:"

// Registry keeps the strongly consistent in-process map of granted locks.
// The distributed cache copy under branch_lock:{id} is best-effort; cache
// failures log at WARN and never fail the operation.
type Registry struct {
	locks  map[string]*types.BranchLock
	cache  types.Cache
	logger *logrus.Logger
	mu     sync.RWMutex
}

// NewRegistry creates a registry. cache may be nil for in-memory only
// deployments.
func NewRegistry(cache types.Cache, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		locks:  make(map[string]*types.BranchLock),
		cache:  cache,
		logger: logger,
	}
}

// Get returns a copy of the lock, or nil when unknown.
func (r *Registry) Get(id string) *types.BranchLock {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lock, ok := r.locks[id]
	if !ok {
		return nil
	}
	cp := *lock
	return &cp
}

// ListByBranch returns copies of all locks held on the branch.
func (r *Registry) ListByBranch(branch string) []*types.BranchLock {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.BranchLock
	for _, lock := range r.locks {
		if lock.BranchName == branch {
			cp := *lock
			out = append(out, &cp)
		}
	}
	return out
}

// List returns copies of all registered locks.
func (r *Registry) List() []*types.BranchLock {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.BranchLock, 0, len(r.locks))
	for _, lock := range r.locks {
		cp := *lock
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of registered locks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.locks)
}

// Insert registers the lock and replicates it to the cache.
func (r *Registry) Insert(ctx context.Context, lock *types.BranchLock) {
	r.mu.Lock()
	cp := *lock
	r.locks[lock.ID] = &cp
	r.mu.Unlock()

	r.replicate(ctx, &cp)
}

// Remove deletes the lock and returns a copy of what was removed, or nil
// when the lock was unknown.
func (r *Registry) Remove(ctx context.Context, id string) *types.BranchLock {
	r.mu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.locks, id)
	cp := *lock
	r.mu.Unlock()

	if r.cache != nil {
		if err := r.cache.Delete(ctx, lockKeyPrefix+id); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"component": "lock_registry",
				"lock_id":   id,
			}).Warn("Failed to remove lock replica from cache")
		}
	}
	return &cp
}

// UpdateHeartbeat records a liveness beat on the lock. Returns false when
// the lock is unknown or inactive.
func (r *Registry) UpdateHeartbeat(ctx context.Context, id string, at time.Time, source string) bool {
	r.mu.Lock()
	lock, ok := r.locks[id]
	if !ok || !lock.IsActive {
		r.mu.Unlock()
		return false
	}
	beat := at
	lock.LastHeartbeat = &beat
	lock.HeartbeatSource = source
	cp := *lock
	r.mu.Unlock()

	r.replicate(ctx, &cp)
	return true
}

// ExtendExpiry pushes the lock expiry further out. Returns the new expiry
// and false when the lock is unknown or inactive.
func (r *Registry) ExtendExpiry(ctx context.Context, id string, by time.Duration) (time.Time, bool) {
	r.mu.Lock()
	lock, ok := r.locks[id]
	if !ok || !lock.IsActive {
		r.mu.Unlock()
		return time.Time{}, false
	}
	lock.ExpiresAt = lock.ExpiresAt.Add(by)
	cp := *lock
	r.mu.Unlock()

	r.replicate(ctx, &cp)
	return cp.ExpiresAt, true
}

// replicate writes the lock copy through to the cache with the remaining
// lock TTL. Unreachable cache degrades to in-memory only.
func (r *Registry) replicate(ctx context.Context, lock *types.BranchLock) {
	if r.cache == nil {
		return
	}

	ttl := time.Until(lock.ExpiresAt)
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(lock)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"component": "lock_registry",
			"lock_id":   lock.ID,
		}).Warn("Failed to serialize lock for cache replica")
		return
	}

	if err := r.cache.Set(ctx, lockKeyPrefix+lock.ID, string(data), ttl); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"component": "lock_registry",
			"lock_id":   lock.ID,
			"branch":    lock.BranchName,
		}).Warn("Cache unreachable, continuing with in-memory lock only")
	}
}

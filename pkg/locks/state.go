package locks

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

const (
	stateKeyPrefix       = "branch_state:"
	defaultStateCacheTTL = time.Hour
	transitionLogLimit   = 500
)

// validTransitions is the branch lifecycle relation. Anything not listed
// is rejected with InvalidStateTransitionError.
var validTransitions = map[types.BranchState][]types.BranchState{
	types.BranchActive:         {types.BranchLockedForWrite, types.BranchError},
	types.BranchLockedForWrite: {types.BranchReady, types.BranchError},
	types.BranchReady:          {types.BranchActive, types.BranchError},
	types.BranchError:          {types.BranchActive},
}

// IsValidTransition reports whether from → to is in the lifecycle relation.
func IsValidTransition(from, to types.BranchState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AutoMergePolicy decides whether a branch reaching READY is merged back to
// ACTIVE automatically.
type AutoMergePolicy func(branch string) bool

// DefaultAutoMergePolicy auto-merges every branch except those whose purpose
// segment is "main".
func DefaultAutoMergePolicy(branch string) bool {
	parts := strings.Split(branch, "/")
	return parts[len(parts)-1] != "main"
}

// StateManager owns branch lifecycle state. The in-memory map is
// authoritative; the cache gives fast cross-process reads and the durable
// store holds the long-term truth. Either collaborator may be nil.
type StateManager struct {
	registry *Registry
	cache    types.Cache
	durable  types.DurableStore
	logger   *logrus.Logger
	cacheTTL time.Duration

	states      map[string]*types.BranchStateInfo
	transitions []types.BranchStateTransition
	autoMerge   AutoMergePolicy
	total       int64
	mu          sync.RWMutex
}

// NewStateManager creates a state manager. cacheTTL zero falls back to one
// hour.
func NewStateManager(registry *Registry, cache types.Cache, durable types.DurableStore, cacheTTL time.Duration, logger *logrus.Logger) *StateManager {
	if logger == nil {
		logger = logrus.New()
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultStateCacheTTL
	}
	return &StateManager{
		registry:  registry,
		cache:     cache,
		durable:   durable,
		logger:    logger,
		cacheTTL:  cacheTTL,
		states:    make(map[string]*types.BranchStateInfo),
		autoMerge: DefaultAutoMergePolicy,
	}
}

// SetAutoMergePolicy replaces the auto-merge decision. A nil policy disables
// auto-merge entirely.
func (s *StateManager) SetAutoMergePolicy(policy AutoMergePolicy) {
	s.mu.Lock()
	s.autoMerge = policy
	s.mu.Unlock()
}

// ShouldAutoMerge applies the configured policy.
func (s *StateManager) ShouldAutoMerge(branch string) bool {
	s.mu.RLock()
	policy := s.autoMerge
	s.mu.RUnlock()
	return policy != nil && policy(branch)
}

// Get returns the branch state, materializing an ACTIVE default for branches
// never seen before. Lookup order: memory, cache, durable store. The
// returned active lock snapshot always reflects the live registry.
func (s *StateManager) Get(ctx context.Context, branch string) *types.BranchStateInfo {
	s.mu.RLock()
	if info, ok := s.states[branch]; ok {
		cp := copyStateInfo(info)
		s.mu.RUnlock()
		s.fillActiveLocks(cp)
		return cp
	}
	s.mu.RUnlock()

	if info := s.load(ctx, branch); info != nil {
		s.mu.Lock()
		if existing, ok := s.states[branch]; ok {
			cp := copyStateInfo(existing)
			s.mu.Unlock()
			s.fillActiveLocks(cp)
			return cp
		}
		s.states[branch] = info
		cp := copyStateInfo(info)
		s.mu.Unlock()
		s.fillActiveLocks(cp)
		return cp
	}

	now := time.Now()
	info := &types.BranchStateInfo{
		BranchName:        branch,
		CurrentState:      types.BranchActive,
		StateChangedAt:    now,
		StateChangedBy:    "system",
		StateChangeReason: "initialized",
		AutoMergeEnabled:  s.ShouldAutoMerge(branch),
	}

	s.mu.Lock()
	if existing, ok := s.states[branch]; ok {
		cp := copyStateInfo(existing)
		s.mu.Unlock()
		s.fillActiveLocks(cp)
		return cp
	}
	s.states[branch] = info
	cp := copyStateInfo(info)
	s.mu.Unlock()

	s.persist(ctx, cp)
	return cp
}

// fillActiveLocks replaces the snapshot with the registry's current view.
func (s *StateManager) fillActiveLocks(info *types.BranchStateInfo) {
	if s.registry == nil {
		return
	}
	locks := s.registry.ListByBranch(info.BranchName)
	info.ActiveLocks = make([]types.BranchLock, 0, len(locks))
	for _, lock := range locks {
		if lock.IsActive {
			info.ActiveLocks = append(info.ActiveLocks, *lock)
		}
	}
}

// load recovers branch state from the cache, then the durable store.
func (s *StateManager) load(ctx context.Context, branch string) *types.BranchStateInfo {
	if s.cache != nil {
		raw, found, err := s.cache.Get(ctx, stateKeyPrefix+branch)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"component": "state_manager",
				"branch":    branch,
			}).Warn("Cache unreachable while loading branch state")
		} else if found {
			var info types.BranchStateInfo
			if err := json.Unmarshal([]byte(raw), &info); err == nil {
				return &info
			}
		}
	}

	if s.durable != nil {
		info, err := s.durable.GetBranchState(ctx, branch)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"component": "state_manager",
				"branch":    branch,
			}).Warn("Durable store unreachable while loading branch state")
			return nil
		}
		return info
	}
	return nil
}

// Transition moves the branch to a new state. Invalid moves return
// InvalidStateTransitionError and change nothing. Entering ERROR releases
// every active lock on the branch with reason error_state.
func (s *StateManager) Transition(ctx context.Context, branch string, to types.BranchState, by, reason, trigger string) (*types.BranchStateInfo, error) {
	// Materialize the branch before taking the write lock
	s.Get(ctx, branch)

	s.mu.Lock()
	info := s.states[branch]
	from := info.CurrentState

	if from == to {
		cp := copyStateInfo(info)
		s.mu.Unlock()
		return cp, nil
	}
	if !IsValidTransition(from, to) {
		s.mu.Unlock()
		return nil, &errors.InvalidStateTransitionError{Branch: branch, FromState: from, ToState: to}
	}

	now := time.Now()
	info.PreviousState = from
	info.CurrentState = to
	info.StateChangedAt = now
	info.StateChangedBy = by
	info.StateChangeReason = reason

	record := types.BranchStateTransition{
		Branch:    branch,
		FromState: from,
		ToState:   to,
		ChangedBy: by,
		Reason:    reason,
		Trigger:   trigger,
		ChangedAt: now,
	}
	s.transitions = append(s.transitions, record)
	if len(s.transitions) > transitionLogLimit {
		s.transitions = s.transitions[len(s.transitions)-transitionLogLimit:]
	}
	s.total++

	cp := copyStateInfo(info)
	s.mu.Unlock()

	stateTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.logger.WithFields(logrus.Fields{
		"component": "state_manager",
		"branch":    branch,
		"from":      from,
		"to":        to,
		"by":        by,
		"trigger":   trigger,
	}).Info("Branch state transition")

	if to == types.BranchError {
		s.releaseAllLocks(ctx, branch)
	}

	s.persist(ctx, cp)
	s.persistTransition(ctx, &record)
	return cp, nil
}

// releaseAllLocks force-releases every active lock on a branch entering
// ERROR.
func (s *StateManager) releaseAllLocks(ctx context.Context, branch string) {
	if s.registry == nil {
		return
	}
	for _, lock := range s.registry.ListByBranch(branch) {
		if !lock.IsActive {
			continue
		}
		s.registry.Remove(ctx, lock.ID)
		locksReleasedTotal.WithLabelValues(types.ReleaseReasonErrorState).Inc()
		s.logger.WithFields(logrus.Fields{
			"component": "state_manager",
			"branch":    branch,
			"lock_id":   lock.ID,
			"locked_by": lock.LockedBy,
			"reason":    types.ReleaseReasonErrorState,
		}).Warn("Released lock on branch entering ERROR state")
	}
}

// MarkIndexingStarted stamps the indexing markers on the branch state.
func (s *StateManager) MarkIndexingStarted(ctx context.Context, branch, service string) {
	s.Get(ctx, branch)

	s.mu.Lock()
	info := s.states[branch]
	now := time.Now()
	info.IndexingStartedAt = &now
	info.IndexingCompletedAt = nil
	info.IndexingService = service
	cp := copyStateInfo(info)
	s.mu.Unlock()

	s.persist(ctx, cp)
}

// MarkIndexingCompleted stamps the indexing completion time.
func (s *StateManager) MarkIndexingCompleted(ctx context.Context, branch string) {
	s.Get(ctx, branch)

	s.mu.Lock()
	info := s.states[branch]
	now := time.Now()
	info.IndexingCompletedAt = &now
	cp := copyStateInfo(info)
	s.mu.Unlock()

	s.persist(ctx, cp)
}

// RecentTransitions returns the tail of the transition log for one branch,
// newest last. An empty branch matches all branches.
func (s *StateManager) RecentTransitions(branch string, limit int) []types.BranchStateTransition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.BranchStateTransition
	for _, tr := range s.transitions {
		if branch != "" && tr.Branch != branch {
			continue
		}
		out = append(out, tr)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// BranchStates returns the current state per tracked branch.
func (s *StateManager) BranchStates() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.states))
	for branch, info := range s.states {
		out[branch] = string(info.CurrentState)
	}
	return out
}

// TotalTransitions returns the number of accepted transitions.
func (s *StateManager) TotalTransitions() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// persist writes the state through cache and durable store, filling the
// active lock snapshot first. Both writes are best-effort.
func (s *StateManager) persist(ctx context.Context, info *types.BranchStateInfo) {
	s.fillActiveLocks(info)

	if s.cache != nil {
		data, err := json.Marshal(info)
		if err == nil {
			if err := s.cache.Set(ctx, stateKeyPrefix+info.BranchName, string(data), s.cacheTTL); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"component": "state_manager",
					"branch":    info.BranchName,
				}).Warn("Cache unreachable, branch state kept in-memory only")
			}
		}
	}

	if s.durable != nil {
		if err := s.durable.StoreBranchState(ctx, info); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"component": "state_manager",
				"branch":    info.BranchName,
			}).Error("Failed to persist branch state to durable store")
		}
	}
}

func (s *StateManager) persistTransition(ctx context.Context, tr *types.BranchStateTransition) {
	if s.durable == nil {
		return
	}
	if err := s.durable.StoreStateTransition(ctx, tr); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"component": "state_manager",
			"branch":    tr.Branch,
		}).Error("Failed to persist state transition record")
	}
}

func copyStateInfo(info *types.BranchStateInfo) *types.BranchStateInfo {
	cp := *info
	if info.IndexingStartedAt != nil {
		t := *info.IndexingStartedAt
		cp.IndexingStartedAt = &t
	}
	if info.IndexingCompletedAt != nil {
		t := *info.IndexingCompletedAt
		cp.IndexingCompletedAt = &t
	}
	cp.ActiveLocks = append([]types.BranchLock(nil), info.ActiveLocks...)
	return &cp
}

package locks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ontogate/pkg/cache"
	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

// fakeDurable records durable store calls for assertions.
type fakeDurable struct {
	mu          sync.Mutex
	states      map[string]*types.BranchStateInfo
	transitions []types.BranchStateTransition
	heartbeats  []types.HeartbeatRecord
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{states: make(map[string]*types.BranchStateInfo)}
}

func (f *fakeDurable) StoreBranchState(ctx context.Context, info *types.BranchStateInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *info
	f.states[info.BranchName] = &cp
	return nil
}

func (f *fakeDurable) GetBranchState(ctx context.Context, branch string) (*types.BranchStateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.states[branch]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

func (f *fakeDurable) StoreStateTransition(ctx context.Context, tr *types.BranchStateTransition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, *tr)
	return nil
}

func (f *fakeDurable) StoreHeartbeatRecord(ctx context.Context, rec *types.HeartbeatRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, *rec)
	return nil
}

func (f *fakeDurable) transitionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transitions)
}

func (f *fakeDurable) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestTransitionRelation(t *testing.T) {
	cases := []struct {
		from, to types.BranchState
		valid    bool
	}{
		{types.BranchActive, types.BranchLockedForWrite, true},
		{types.BranchActive, types.BranchError, true},
		{types.BranchActive, types.BranchReady, false},
		{types.BranchLockedForWrite, types.BranchReady, true},
		{types.BranchLockedForWrite, types.BranchError, true},
		{types.BranchLockedForWrite, types.BranchActive, false},
		{types.BranchReady, types.BranchActive, true},
		{types.BranchReady, types.BranchError, true},
		{types.BranchReady, types.BranchLockedForWrite, false},
		{types.BranchError, types.BranchActive, true},
		{types.BranchError, types.BranchLockedForWrite, false},
		{types.BranchError, types.BranchReady, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.valid, IsValidTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionRecordsAndPersistence(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	registry := NewRegistry(nil, testLogger())
	sm := NewStateManager(registry, nil, durable, 0, testLogger())

	branch := "dev/payments/schema-v3"

	info, err := sm.Transition(ctx, branch, types.BranchLockedForWrite, "indexer-1", "reindex", "lock_acquired")
	require.NoError(t, err)
	assert.Equal(t, types.BranchLockedForWrite, info.CurrentState)
	assert.Equal(t, types.BranchActive, info.PreviousState)

	_, err = sm.Transition(ctx, branch, types.BranchReady, "indexer-1", "done", "lock_released")
	require.NoError(t, err)
	_, err = sm.Transition(ctx, branch, types.BranchActive, "system", "merged", "auto_merge")
	require.NoError(t, err)

	records := sm.RecentTransitions(branch, 0)
	require.Len(t, records, 3)
	assert.Equal(t, types.BranchActive, records[0].FromState)
	assert.Equal(t, types.BranchLockedForWrite, records[0].ToState)
	assert.Equal(t, "indexer-1", records[0].ChangedBy)
	assert.Equal(t, "lock_acquired", records[0].Trigger)
	assert.Equal(t, "auto_merge", records[2].Trigger)

	assert.Equal(t, 3, durable.transitionCount())
	stored, err := durable.GetBranchState(ctx, branch)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, types.BranchActive, stored.CurrentState)
	assert.Equal(t, int64(3), sm.TotalTransitions())
}

func TestInvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	sm := NewStateManager(NewRegistry(nil, testLogger()), nil, nil, 0, testLogger())

	branch := "dev/api/feature-x"
	_, err := sm.Transition(ctx, branch, types.BranchReady, "svc", "skip ahead", "manual")
	require.Error(t, err)

	var ist *errors.InvalidStateTransitionError
	require.ErrorAs(t, err, &ist)
	assert.Equal(t, types.BranchActive, ist.FromState)
	assert.Equal(t, types.BranchReady, ist.ToState)

	// State unchanged and nothing recorded
	assert.Equal(t, types.BranchActive, sm.Get(ctx, branch).CurrentState)
	assert.Empty(t, sm.RecentTransitions(branch, 0))
}

func TestErrorStateReleasesLocks(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(nil, testLogger())
	sm := NewStateManager(registry, nil, nil, 0, testLogger())

	branch := "prod/api/main"
	now := time.Now()
	registry.Insert(ctx, &types.BranchLock{
		ID: "l-1", BranchName: branch, LockType: types.LockTypeMaintenance,
		LockScope: types.LockScopeResourceType, ResourceType: "object_type",
		LockedBy: "svc-a", AcquiredAt: now, ExpiresAt: now.Add(time.Hour), IsActive: true,
	})
	registry.Insert(ctx, &types.BranchLock{
		ID: "l-2", BranchName: branch, LockType: types.LockTypeBackup,
		LockScope: types.LockScopeResourceType, ResourceType: "property",
		LockedBy: "svc-b", AcquiredAt: now, ExpiresAt: now.Add(time.Hour), IsActive: true,
	})
	registry.Insert(ctx, &types.BranchLock{
		ID: "l-3", BranchName: "dev/api/other", LockType: types.LockTypeManual,
		LockScope: types.LockScopeBranch,
		LockedBy: "svc-c", AcquiredAt: now, ExpiresAt: now.Add(time.Hour), IsActive: true,
	})

	_, err := sm.Transition(ctx, branch, types.BranchError, "ops", "index corruption", "manual")
	require.NoError(t, err)

	assert.Nil(t, registry.Get("l-1"), "locks on the ERROR branch must be released")
	assert.Nil(t, registry.Get("l-2"))
	assert.NotNil(t, registry.Get("l-3"), "locks on other branches must survive")

	// ERROR only recovers to ACTIVE
	_, err = sm.Transition(ctx, branch, types.BranchLockedForWrite, "ops", "retry", "manual")
	require.Error(t, err)
	_, err = sm.Transition(ctx, branch, types.BranchActive, "ops", "repaired", "manual")
	require.NoError(t, err)
}

func TestDefaultAutoMergePolicy(t *testing.T) {
	assert.True(t, DefaultAutoMergePolicy("dev/payments/schema-v3"))
	assert.False(t, DefaultAutoMergePolicy("prod/api/main"))
	assert.False(t, DefaultAutoMergePolicy("main"))

	sm := NewStateManager(NewRegistry(nil, testLogger()), nil, nil, 0, testLogger())
	assert.True(t, sm.ShouldAutoMerge("dev/payments/schema-v3"))

	sm.SetAutoMergePolicy(nil)
	assert.False(t, sm.ShouldAutoMerge("dev/payments/schema-v3"), "nil policy disables auto-merge")
}

func TestStateRecoveredFromCache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(0)
	defer c.Close()

	branch := "staging/billing/migration-7"
	seeded := types.BranchStateInfo{
		BranchName:        branch,
		CurrentState:      types.BranchReady,
		PreviousState:     types.BranchLockedForWrite,
		StateChangedAt:    time.Now().Add(-time.Minute),
		StateChangedBy:    "indexer-2",
		StateChangeReason: "indexing complete",
	}
	data, err := json.Marshal(&seeded)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "branch_state:"+branch, string(data), time.Hour))

	sm := NewStateManager(NewRegistry(nil, testLogger()), c, nil, 0, testLogger())
	info := sm.Get(ctx, branch)
	assert.Equal(t, types.BranchReady, info.CurrentState)
	assert.Equal(t, "indexer-2", info.StateChangedBy)
}

func TestUnknownBranchDefaultsToActive(t *testing.T) {
	ctx := context.Background()
	sm := NewStateManager(NewRegistry(nil, testLogger()), nil, nil, 0, testLogger())

	info := sm.Get(ctx, "dev/search/new-branch")
	assert.Equal(t, types.BranchActive, info.CurrentState)
	assert.Equal(t, "system", info.StateChangedBy)
	assert.True(t, info.AutoMergeEnabled)
}

package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ontogate/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j := NewJournal(Config{Directory: t.TempDir()}, testLogger())
	require.NoError(t, j.Start())
	t.Cleanup(func() { _ = j.Stop() })
	return j
}

func TestBranchStateRoundTrip(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	info := &types.BranchStateInfo{
		BranchName:        "feature/payments",
		CurrentState:      types.BranchLockedForWrite,
		PreviousState:     types.BranchActive,
		StateChangedAt:    time.Now().UTC().Truncate(time.Second),
		StateChangedBy:    "indexer-1",
		StateChangeReason: "indexing started",
	}
	require.NoError(t, j.StoreBranchState(ctx, info))

	loaded, err := j.GetBranchState(ctx, "feature/payments")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, info.BranchName, loaded.BranchName)
	assert.Equal(t, info.CurrentState, loaded.CurrentState)
	assert.Equal(t, info.StateChangedBy, loaded.StateChangedBy)

	assert.Equal(t, int64(1), j.GetStats().StatesPersisted)
}

func TestUnknownBranchReturnsNil(t *testing.T) {
	j := newTestJournal(t)

	loaded, err := j.GetBranchState(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestBranchNameWithSeparators(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	info := &types.BranchStateInfo{
		BranchName:   "team/../escape",
		CurrentState: types.BranchActive,
	}
	require.NoError(t, j.StoreBranchState(ctx, info))

	// The file must land inside the state directory.
	files, err := filepath.Glob(filepath.Join(j.config.Directory, stateSubdir, "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	loaded, err := j.GetBranchState(ctx, "team/../escape")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "team/../escape", loaded.BranchName)
}

func TestOverwriteKeepsLatestState(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.StoreBranchState(ctx, &types.BranchStateInfo{
		BranchName:   "main",
		CurrentState: types.BranchActive,
	}))
	require.NoError(t, j.StoreBranchState(ctx, &types.BranchStateInfo{
		BranchName:   "main",
		CurrentState: types.BranchReady,
	}))

	loaded, err := j.GetBranchState(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, types.BranchReady, loaded.CurrentState)
}

func TestTransitionJournalAppends(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, j.StoreStateTransition(ctx, &types.BranchStateTransition{
			Branch:    "main",
			FromState: types.BranchActive,
			ToState:   types.BranchLockedForWrite,
			ChangedBy: "indexer",
			ChangedAt: time.Now(),
		}))
	}

	f, err := os.Open(filepath.Join(j.config.Directory, transitionsJournal))
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var tr types.BranchStateTransition
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &tr))
		assert.Equal(t, "main", tr.Branch)
		lines++
	}
	assert.Equal(t, 3, lines)
	assert.Equal(t, int64(3), j.GetStats().TransitionsLogged)
}

func TestHeartbeatJournalAppends(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.StoreHeartbeatRecord(context.Background(), &types.HeartbeatRecord{
		LockID:      "lk-1",
		BranchName:  "main",
		ServiceName: "indexer",
		HeartbeatAt: time.Now(),
		Status:      types.HeartbeatHealthy,
	}))

	_, err := os.Stat(filepath.Join(j.config.Directory, heartbeatsJournal))
	require.NoError(t, err)
	assert.Equal(t, int64(1), j.GetStats().HeartbeatsLogged)
}

func TestJournalRotation(t *testing.T) {
	j := NewJournal(Config{Directory: t.TempDir(), MaxJournalSizeMB: 1}, testLogger())
	require.NoError(t, j.Start())
	t.Cleanup(func() { _ = j.Stop() })

	// Seed an oversized journal so the next append rotates it.
	path := filepath.Join(j.config.Directory, transitionsJournal)
	require.NoError(t, os.WriteFile(path, make([]byte, 2*1024*1024), 0o644))

	require.NoError(t, j.StoreStateTransition(context.Background(), &types.BranchStateTransition{
		Branch:    "main",
		FromState: types.BranchReady,
		ToState:   types.BranchActive,
		ChangedAt: time.Now(),
	}))

	rotated, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	stat, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, stat.Size(), int64(1024))
	assert.Equal(t, int64(1), j.GetStats().JournalRotations)
}

func TestCleanupRemovesExpiredRotations(t *testing.T) {
	j := NewJournal(Config{
		Directory:       t.TempDir(),
		RetentionPeriod: time.Hour,
	}, testLogger())
	require.NoError(t, j.Start())
	t.Cleanup(func() { _ = j.Stop() })

	old := filepath.Join(j.config.Directory, transitionsJournal+".1000")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	fresh := filepath.Join(j.config.Directory, heartbeatsJournal+".2000")
	require.NoError(t, os.WriteFile(fresh, []byte("{}\n"), 0o644))

	j.performCleanup()

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestHealthTracksDirectory(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(Config{Directory: filepath.Join(dir, "journal")}, testLogger())
	require.NoError(t, j.Start())
	t.Cleanup(func() { _ = j.Stop() })

	assert.True(t, j.IsHealthy())

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "journal")))
	assert.False(t, j.IsHealthy())
}

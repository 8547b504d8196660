package hotreload

import (
	"fmt"
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

func writeConfigFile(t *testing.T, path, environment string) {
	t.Helper()
	content := fmt.Sprintf("app:\n  environment: %s\n", environment)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newStartedReloader(t *testing.T, path string) *ConfigReloader {
	t.Helper()
	cr, err := NewConfigReloader(types.HotReloadConfig{Enabled: true, DebounceMs: 50}, path, testLogger())
	require.NoError(t, err)
	require.NoError(t, cr.Start())
	t.Cleanup(func() { _ = cr.Stop() })
	return cr
}

func TestDisabledReloaderIsInert(t *testing.T) {
	cr, err := NewConfigReloader(types.HotReloadConfig{Enabled: false}, "does-not-exist.yaml", testLogger())
	require.NoError(t, err)

	assert.NoError(t, cr.Start())
	assert.True(t, cr.IsHealthy())
	assert.Error(t, cr.TriggerReload())
	assert.NoError(t, cr.Stop())
}

func TestReloadOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontogate.yaml")
	writeConfigFile(t, path, "dev")

	cr := newStartedReloader(t, path)
	require.Equal(t, "dev", cr.GetCurrentConfig().App.Environment)

	applied := make(chan *types.Config, 1)
	cr.SetCallbacks(nil, func(cfg *types.Config) {
		select {
		case applied <- cfg:
		default:
		}
	}, nil)

	writeConfigFile(t, path, "staging")

	select {
	case cfg := <-applied:
		assert.Equal(t, "staging", cfg.App.Environment)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	assert.Equal(t, "staging", cr.GetCurrentConfig().App.Environment)
	stats := cr.GetStats()
	assert.GreaterOrEqual(t, stats.SuccessfulReloads, int64(1))
	assert.True(t, stats.IsWatching)
}

func TestTriggerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontogate.yaml")
	writeConfigFile(t, path, "dev")

	cr := newStartedReloader(t, path)

	writeConfigFile(t, path, "staging")
	require.NoError(t, cr.TriggerReload())

	assert.Equal(t, "staging", cr.GetCurrentConfig().App.Environment)
	assert.GreaterOrEqual(t, cr.GetStats().SuccessfulReloads, int64(1))
}

func TestInvalidYamlRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontogate.yaml")
	writeConfigFile(t, path, "dev")

	cr := newStartedReloader(t, path)

	require.NoError(t, os.WriteFile(path, []byte("app: [unclosed\n"), 0o644))

	err := cr.TriggerReload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid yaml")

	// The previous configuration stays active.
	assert.Equal(t, "dev", cr.GetCurrentConfig().App.Environment)
	stats := cr.GetStats()
	assert.GreaterOrEqual(t, stats.FailedReloads, int64(1))
	assert.Contains(t, stats.LastError, "not valid yaml")
}

func TestApplyRejectionKeepsOldConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontogate.yaml")
	writeConfigFile(t, path, "dev")

	cr := newStartedReloader(t, path)

	failures := make(chan error, 1)
	cr.SetCallbacks(
		func(previous, updated *types.Config) error {
			return fmt.Errorf("refusing new settings")
		},
		nil,
		func(err error) {
			select {
			case failures <- err:
			default:
			}
		},
	)

	writeConfigFile(t, path, "staging")

	err := cr.TriggerReload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply config changes")

	select {
	case reported := <-failures:
		assert.Contains(t, reported.Error(), "refusing new settings")
	case <-time.After(time.Second):
		t.Fatal("error callback was not invoked")
	}

	assert.Equal(t, "dev", cr.GetCurrentConfig().App.Environment)
}

func TestIsHealthyTracksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontogate.yaml")
	writeConfigFile(t, path, "dev")

	cr := newStartedReloader(t, path)
	assert.True(t, cr.IsHealthy())

	require.NoError(t, os.Remove(path))
	assert.False(t, cr.IsHealthy())
}

func TestDoubleStartRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontogate.yaml")
	writeConfigFile(t, path, "dev")

	cr := newStartedReloader(t, path)
	assert.Error(t, cr.Start())
}

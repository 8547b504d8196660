package monitoring

import (
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

func TestNewResourceMonitorDefaults(t *testing.T) {
	rm := NewResourceMonitor(types.ResourceMonitoringConfig{Enabled: true}, testLogger())

	assert.Equal(t, defaultCheckInterval, rm.interval)
	assert.NotNil(t, rm.proc)
	assert.False(t, rm.Degraded())
}

func TestInvalidIntervalFallsBack(t *testing.T) {
	rm := NewResourceMonitor(types.ResourceMonitoringConfig{
		Enabled:       true,
		CheckInterval: "soon",
	}, testLogger())

	assert.Equal(t, defaultCheckInterval, rm.interval)
}

func TestSampleCollectsReadings(t *testing.T) {
	rm := NewResourceMonitor(types.ResourceMonitoringConfig{
		Enabled:       true,
		CheckInterval: "1s",
	}, testLogger())

	snap := rm.Sample()

	assert.False(t, snap.Timestamp.IsZero())
	assert.Greater(t, snap.Goroutines, 0)
	assert.Greater(t, snap.MemoryRSSMB, 0.0)
	assert.Empty(t, snap.Warnings)

	assert.Equal(t, snap.Timestamp, rm.GetSnapshot().Timestamp)
}

func TestThresholdCrossingRaisesDegraded(t *testing.T) {
	rm := NewResourceMonitor(types.ResourceMonitoringConfig{
		Enabled:          true,
		GoroutineWarn:    1,
		DegradeOnWarning: true,
	}, testLogger())

	snap := rm.Sample()

	require.NotEmpty(t, snap.Warnings)
	assert.Contains(t, snap.Warnings[0], "goroutine count")
	assert.True(t, rm.Degraded())
}

func TestWarningWithoutDegradation(t *testing.T) {
	rm := NewResourceMonitor(types.ResourceMonitoringConfig{
		Enabled:          true,
		GoroutineWarn:    1,
		DegradeOnWarning: false,
	}, testLogger())

	snap := rm.Sample()

	require.NotEmpty(t, snap.Warnings)
	assert.False(t, rm.Degraded())
}

func TestDegradedFlagClears(t *testing.T) {
	rm := NewResourceMonitor(types.ResourceMonitoringConfig{
		Enabled:          true,
		GoroutineWarn:    1,
		DegradeOnWarning: true,
	}, testLogger())

	rm.Sample()
	require.True(t, rm.Degraded())

	rm.cfg.GoroutineWarn = 1000000
	rm.Sample()
	assert.False(t, rm.Degraded())
}

func TestStartStopLifecycle(t *testing.T) {
	rm := NewResourceMonitor(types.ResourceMonitoringConfig{
		Enabled:       true,
		CheckInterval: "10ms",
	}, testLogger())

	require.NoError(t, rm.Start())
	assert.Error(t, rm.Start())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, rm.Stop())
	require.NoError(t, rm.Stop())
}

func TestDisabledMonitorDoesNothing(t *testing.T) {
	rm := NewResourceMonitor(types.ResourceMonitoringConfig{Enabled: false}, testLogger())

	require.NoError(t, rm.Start())
	assert.False(t, rm.running.Load())
	require.NoError(t, rm.Stop())
}

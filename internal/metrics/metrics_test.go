package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
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

func TestRuntimeSamplerPublishesReadings(t *testing.T) {
	sampler := NewRuntimeSampler(time.Minute, testLogger())
	sampler.Sample()

	assert.Greater(t, testutil.ToFloat64(Goroutines), 0.0)
	assert.Greater(t, testutil.ToFloat64(MemoryUsage.WithLabelValues("heap_alloc")), 0.0)
}

func TestRuntimeSamplerLifecycle(t *testing.T) {
	sampler := NewRuntimeSampler(10*time.Millisecond, testLogger())
	require.NoError(t, sampler.Start())
	assert.Error(t, sampler.Start())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, sampler.Stop())
	require.NoError(t, sampler.Stop())
}

func TestMetricsServerRoutes(t *testing.T) {
	ms := NewMetricsServer(types.MetricsConfig{Enabled: true, Port: 0, Path: "/metrics"}, testLogger())
	ts := httptest.NewServer(ms.server.Handler)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	SetComponentHealth("pipeline", true)
	resp2, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "component_health"))
}

func TestSetComponentHealth(t *testing.T) {
	SetComponentHealth("dlq", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(ComponentHealth.WithLabelValues("dlq")))
	SetComponentHealth("dlq", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(ComponentHealth.WithLabelValues("dlq")))
}

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ontogate/pkg/locks"
	"ontogate/pkg/types"
)

// createTestConfig writes a config that keeps every listener and external
// collaborator off: no admin port, no metrics port, no redis, no brokers,
// filesystem paths inside the test directory. The force-enabled surfaces
// are switched off through their environment overrides.
func createTestConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("API_ENABLED", "false")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("RESOURCE_MONITORING_ENABLED", "false")

	tmpDir := t.TempDir()
	configContent := fmt.Sprintf(`
app:
  name: "ontogate-test"
  version: "v1.0.0-test"
  environment: "test"
  log_level: "error"
  log_format: "text"

lock_manager:
  state_dir: %q

sinks:
  audit:
    spool_path: %q
`, filepath.Join(tmpDir, "lock_journal"), filepath.Join(tmpDir, "audit_spool.jsonl"))

	configFile := filepath.Join(tmpDir, "test_config.yaml")
	err := os.WriteFile(configFile, []byte(configContent), 0644)
	require.NoError(t, err)
	return configFile
}

// startTestApp builds and starts an app; it is stopped when the test ends.
func startTestApp(t *testing.T) *App {
	t.Helper()

	app, err := New(createTestConfig(t))
	require.NoError(t, err)
	require.NoError(t, app.Start())
	t.Cleanup(func() { _ = app.Stop() })
	return app
}

// serve routes one request through the registered admin router.
func serve(app *App, method, target string, body []byte) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	app.registerHandlers(router)

	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

// TestAppCreation tests the creation of a new app instance
func TestAppCreation(t *testing.T) {
	app, err := New(createTestConfig(t))
	require.NoError(t, err)
	require.NotNil(t, app)
	t.Cleanup(func() { _ = app.Stop() })

	assert.Equal(t, "ontogate-test", app.config.App.Name)
	assert.Equal(t, "v1.0.0-test", app.config.App.Version)
	assert.NotNil(t, app.pipeline)
	assert.NotNil(t, app.lockManager)
	assert.NotNil(t, app.dlqHandler)
	assert.NotNil(t, app.validationService)
	assert.Equal(t, logrus.ErrorLevel, app.logger.GetLevel())

	// No admin server, no metrics server under the test environment
	assert.Nil(t, app.httpServer)
	assert.Nil(t, app.metricsServer)
	assert.Nil(t, app.resourceMonitor)
}

// TestAppCreationWithInvalidConfig tests app creation with a broken file
func TestAppCreationWithInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "bad_config.yaml")
	err := os.WriteFile(configFile, []byte("app:\n  name: \"x\"\n  log_level: \"shouting\"\n"), 0644)
	require.NoError(t, err)

	app, err := New(configFile)
	assert.Error(t, err)
	assert.Nil(t, app)
}

// TestHealthHandlerBeforeStart tests that health reports degraded while
// the executor is not running
func TestHealthHandlerBeforeStart(t *testing.T) {
	app, err := New(createTestConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Stop() })

	rr := serve(app, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "degraded", response["status"])
}

// TestHealthHandler tests the health endpoint on a running app
func TestHealthHandler(t *testing.T) {
	app := startTestApp(t)

	rr := serve(app, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
	assert.Contains(t, response, "services")
	assert.Contains(t, response, "checks")

	services := response["services"].(map[string]interface{})
	assert.Contains(t, services, "pipeline")
	assert.Contains(t, services, "lock_manager")
	assert.Contains(t, services, "dlq")
}

// TestStatsHandler tests the stats endpoint
func TestStatsHandler(t *testing.T) {
	app := startTestApp(t)

	rr := serve(app, "GET", "/stats", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Contains(t, response, "application")
	assert.Contains(t, response, "pipeline")
	assert.Contains(t, response, "lock_manager")
	assert.Contains(t, response, "retry_budget")
	assert.Contains(t, response, "sinks")
	assert.Contains(t, response, "dlq")
	assert.Contains(t, response, "journal")

	application := response["application"].(map[string]interface{})
	assert.Equal(t, "ontogate-test", application["name"])
}

// TestLockEndpoints walks a lock through the admin API: list, heartbeat,
// health, extend, release, then a second release that must 404.
func TestLockEndpoints(t *testing.T) {
	app := startTestApp(t)

	lockID, err := app.lockManager.Acquire(context.Background(), locks.AcquireRequest{
		Branch:   "feature-admin",
		LockType: types.LockTypeMaintenance,
		LockedBy: "test-suite",
		Reason:   "admin api walk",
	})
	require.NoError(t, err)

	// List, filtered and unfiltered
	rr := serve(app, "GET", "/locks?branch=feature-admin", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	var listing map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listing))
	assert.Equal(t, float64(1), listing["count"])

	rr = serve(app, "GET", "/locks?branch=some-other-branch", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listing))
	assert.Equal(t, float64(0), listing["count"])

	// Heartbeat from the holder
	beat, _ := json.Marshal(map[string]interface{}{
		"service":  "test-suite",
		"status":   "healthy",
		"progress": 25.0,
	})
	rr = serve(app, "POST", "/locks/"+lockID+"/heartbeat", beat)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(app, "GET", "/locks/"+lockID+"/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, lockID, health["lock_id"])

	// TTL extension
	extend, _ := json.Marshal(map[string]interface{}{
		"extend_by_seconds": 60,
		"extended_by":       "test-suite",
	})
	rr = serve(app, "POST", "/locks/"+lockID+"/extend", extend)
	assert.Equal(t, http.StatusOK, rr.Code)

	// A non-positive extension is rejected
	rr = serve(app, "POST", "/locks/"+lockID+"/extend", []byte(`{"extend_by_seconds": 0}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Release, then release again
	req := httptest.NewRequest("POST", "/locks/"+lockID+"/release", nil)
	req.Header.Set("X-Released-By", "operator")
	rr = httptest.NewRecorder()
	router := mux.NewRouter()
	app.registerHandlers(router)
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	var released map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &released))
	assert.Equal(t, true, released["released"])
	assert.Equal(t, "operator", released["released_by"])

	rr = serve(app, "POST", "/locks/"+lockID+"/release", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Heartbeats for a released lock are refused
	rr = serve(app, "POST", "/locks/"+lockID+"/heartbeat", beat)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// TestLockCleanupEndpoint tests forced branch cleanup
func TestLockCleanupEndpoint(t *testing.T) {
	app := startTestApp(t)

	_, err := app.lockManager.Acquire(context.Background(), locks.AcquireRequest{
		Branch:   "feature-stuck",
		LockType: types.LockTypeMaintenance,
		LockedBy: "crashed-service",
	})
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{
		"branch": "feature-stuck",
		"reason": "holder crashed",
	})
	rr := serve(app, "POST", "/locks/cleanup", body)
	assert.Equal(t, http.StatusOK, rr.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, float64(1), response["locks_released"])

	// Branch is required
	rr = serve(app, "POST", "/locks/cleanup", []byte(`{"reason": "no branch"}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// TestBranchStateHandler tests the branch state endpoint
func TestBranchStateHandler(t *testing.T) {
	app := startTestApp(t)

	rr := serve(app, "GET", "/branches/main/state", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "main", response["branch"])

	state := response["state"].(map[string]interface{})
	assert.Equal(t, string(types.BranchActive), state["current_state"])
}

// TestDLQEndpoints tests stats, replay, and purge against a parked message
func TestDLQEndpoints(t *testing.T) {
	app := startTestApp(t)

	_, err := app.dlqHandler.SendToDLQ(context.Background(), webhookDeliveryQueue,
		[]byte(`{"event":"commit"}`), types.ReasonWebhookFailed, "connection refused", 0, nil)
	require.NoError(t, err)

	rr := serve(app, "GET", "/dlq/stats", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	var statsResp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &statsResp))
	queues := statsResp["queues"].(map[string]interface{})
	require.Contains(t, queues, webhookDeliveryQueue)
	queueStats := queues[webhookDeliveryQueue].(map[string]interface{})
	assert.Equal(t, float64(1), queueStats["total_messages"])

	// Replay everything
	rr = serve(app, "POST", "/dlq/"+webhookDeliveryQueue+"/replay", []byte(`{"limit": 10}`))
	assert.Equal(t, http.StatusOK, rr.Code)
	var replayResp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &replayResp))
	assert.Equal(t, float64(1), replayResp["replayed"])

	// Purge everything
	rr = serve(app, "POST", "/dlq/"+webhookDeliveryQueue+"/purge", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	var purgeResp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &purgeResp))
	assert.Equal(t, float64(1), purgeResp["purged"])

	// Unknown queues answer 404
	rr = serve(app, "POST", "/dlq/no-such-queue/replay", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// TestBreakersHandler tests the circuit breaker snapshot endpoint
func TestBreakersHandler(t *testing.T) {
	app := startTestApp(t)

	rr := serve(app, "GET", "/debug/circuit-breakers", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	breakers := response["breakers"].(map[string]interface{})
	assert.Contains(t, breakers, "dlq_processor")
	assert.Contains(t, breakers, "webhook_sink")
}

// TestShutdownHandler tests that the shutdown endpoint answers 202 and is
// idempotent
func TestShutdownHandler(t *testing.T) {
	app, err := New(createTestConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Stop() })

	rr := serve(app, "POST", "/admin/shutdown", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case <-app.shutdown:
	default:
		t.Fatal("shutdown channel not closed")
	}

	// A second request must not panic on the closed channel
	rr = serve(app, "POST", "/admin/shutdown", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

// TestOnConfigChanged tests the hot reload callback
func TestOnConfigChanged(t *testing.T) {
	app, err := New(createTestConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Stop() })

	updated := *app.config
	updated.App.LogLevel = "debug"
	updated.Pipeline.MaxDiffSizeMB = 99

	require.NoError(t, app.onConfigChanged(app.config, &updated))
	assert.Equal(t, logrus.DebugLevel, app.logger.GetLevel())
	assert.Equal(t, 99, app.config.Pipeline.MaxDiffSizeMB)

	// A config that fails validation is refused and changes nothing
	broken := *app.config
	broken.App.LogLevel = "shouting"
	assert.Error(t, app.onConfigChanged(app.config, &broken))
	assert.Equal(t, logrus.DebugLevel, app.logger.GetLevel())
}

// TestAppStartStop tests a full lifecycle and verifies every background
// goroutine is gone afterwards
func TestAppStartStop(t *testing.T) {
	app, err := New(createTestConfig(t))
	require.NoError(t, err)

	require.NoError(t, app.Start())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, app.Stop())

	goleak.VerifyNone(t)
}

// TestAppRun tests the complete run cycle ended by an admin shutdown
func TestAppRun(t *testing.T) {
	app, err := New(createTestConfig(t))
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Run()
	}()

	go func() {
		time.Sleep(50 * time.Millisecond)
		app.requestShutdown()
	}()

	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after shutdown request")
	}
}

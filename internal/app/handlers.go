package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"ontogate/internal/metrics"
	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

// statusRecorder captures the response code written by a handler so the
// latency histogram can carry it as a label.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records response time for all admin endpoints. The mux
// route template is used as the route label so lock and queue identifiers
// stay out of the label set.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.AdminRequestDuration.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

// statusForError maps application error codes to HTTP statuses.
func statusForError(err error) int {
	if appErr, ok := errors.AsAppError(err); ok {
		switch appErr.Code {
		case errors.CodeLockNotFound, errors.CodeDLQMessageMissing, errors.CodeDLQNoHandler:
			return http.StatusNotFound
		case errors.CodeLockConflict, errors.CodeInvalidStateTransition:
			return http.StatusConflict
		case errors.CodeInputInvalid:
			return http.StatusBadRequest
		case errors.CodeAuthUnauthorized:
			return http.StatusForbidden
		}
	}
	return http.StatusInternalServerError
}

// registerHandlers configures the admin API routes.
//
// Core endpoints:
//   - GET  /health: application and component health status
//   - GET  /stats: detailed operational statistics
//   - GET  /locks: active branch locks, optionally filtered with ?branch=
//   - POST /locks/cleanup: force-release every lock on a branch
//   - POST /locks/{id}/release: release one lock
//   - POST /locks/{id}/extend: extend a lock TTL
//   - POST /locks/{id}/heartbeat: record a holder liveness beat
//   - GET  /locks/{id}/health: heartbeat health for one lock
//   - GET  /branches/{branch}/state: branch state and recent transitions
//
// Dead letter queue endpoints:
//   - GET  /dlq/stats: per-queue dead letter statistics
//   - POST /dlq/{queue}/replay: reset parked messages for another attempt
//   - POST /dlq/{queue}/purge: drop parked messages
//
// Debug and administration:
//   - GET  /debug/circuit-breakers: breaker state snapshots
//   - POST /admin/shutdown: begin graceful shutdown
//
// All endpoints return JSON. Components that are disabled by configuration
// answer 503 rather than disappearing from the route table.
func (app *App) registerHandlers(router *mux.Router) {
	middleware := metricsMiddleware

	router.Handle("/health", middleware(http.HandlerFunc(app.healthHandler))).Methods("GET")
	router.Handle("/stats", middleware(http.HandlerFunc(app.statsHandler))).Methods("GET")

	router.Handle("/locks", middleware(http.HandlerFunc(app.locksHandler))).Methods("GET")
	router.Handle("/locks/cleanup", middleware(http.HandlerFunc(app.lockCleanupHandler))).Methods("POST")
	router.Handle("/locks/{id}/release", middleware(http.HandlerFunc(app.lockReleaseHandler))).Methods("POST")
	router.Handle("/locks/{id}/extend", middleware(http.HandlerFunc(app.lockExtendHandler))).Methods("POST")
	router.Handle("/locks/{id}/heartbeat", middleware(http.HandlerFunc(app.lockHeartbeatHandler))).Methods("POST")
	router.Handle("/locks/{id}/health", middleware(http.HandlerFunc(app.lockHealthHandler))).Methods("GET")
	router.Handle("/branches/{branch}/state", middleware(http.HandlerFunc(app.branchStateHandler))).Methods("GET")

	router.Handle("/dlq/stats", middleware(http.HandlerFunc(app.dlqStatsHandler))).Methods("GET")
	router.Handle("/dlq/{queue}/replay", middleware(http.HandlerFunc(app.dlqReplayHandler))).Methods("POST")
	router.Handle("/dlq/{queue}/purge", middleware(http.HandlerFunc(app.dlqPurgeHandler))).Methods("POST")

	router.Handle("/debug/circuit-breakers", middleware(http.HandlerFunc(app.breakersHandler))).Methods("GET")
	router.Handle("/admin/shutdown", middleware(http.HandlerFunc(app.shutdownHandler))).Methods("POST")
}

// breakerStats collects every breaker snapshot the application owns.
func (app *App) breakerStats() []types.BreakerStats {
	stats := []types.BreakerStats{app.breaker.GetStats()}
	if app.webhookSink != nil {
		stats = append(stats, app.webhookSink.Breaker().GetStats())
	}
	return stats
}

// healthHandler reports overall and per-component health.
//
// Component checks:
//   - Pipeline executor: queue utilization, warn above 70%, critical above 90%
//   - Dead letter queues: parked depth, warn above 100, critical above 1000
//   - Circuit breakers: an OPEN breaker degrades the report
//   - Memory: warn above 1GB allocated, critical above 2GB
//   - Resource monitor: any active warning degrades the report
//
// Response codes:
//   - 200 OK: every component is healthy
//   - 503 Service Unavailable: at least one component is degraded
//
// Load balancers and monitoring systems poll this endpoint; the body
// carries per-component detail for operators.
func (app *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"version":   app.config.App.Version,
		"uptime":    time.Since(app.startTime).String(),
		"services":  make(map[string]interface{}),
		"checks":    make(map[string]interface{}),
	}

	services := health["services"].(map[string]interface{})
	checks := health["checks"].(map[string]interface{})
	allHealthy := true

	// Pipeline executor queue utilization
	poolStats := app.pipeline.Executor().GetStats()
	pipelineStatus := "healthy"
	if !poolStats.IsRunning {
		pipelineStatus = "critical"
		allHealthy = false
	} else if poolStats.QueueSize > 0 {
		utilization := float64(poolStats.QueuedTasks) / float64(poolStats.QueueSize) * 100
		if utilization > 90 {
			pipelineStatus = "critical"
			allHealthy = false
		} else if utilization > 70 {
			pipelineStatus = "warning"
			allHealthy = false
		}
		checks["executor_queue"] = map[string]interface{}{
			"status":      pipelineStatus,
			"utilization": fmt.Sprintf("%.2f%%", utilization),
			"queued":      poolStats.QueuedTasks,
			"capacity":    poolStats.QueueSize,
		}
	}
	services["pipeline"] = map[string]interface{}{
		"status": pipelineStatus,
		"stats":  app.pipeline.GetStats(),
	}

	// Lock manager
	lockStats := app.lockManager.GetStats()
	services["lock_manager"] = map[string]interface{}{
		"status":       "healthy",
		"active_locks": lockStats.ActiveLocks,
	}

	// Dead letter depth
	if app.dlqHandler != nil {
		dlqStatus := "healthy"
		if dlqStats, err := app.dlqHandler.Stats(r.Context()); err == nil {
			var parked, poisoned int64
			for _, qs := range dlqStats {
				parked += qs.TotalMessages
				poisoned += qs.PoisonMessages
			}
			if parked > 1000 {
				dlqStatus = "critical"
				allHealthy = false
			} else if parked > 100 {
				dlqStatus = "warning"
			}
			checks["dlq_depth"] = map[string]interface{}{
				"status": dlqStatus,
				"parked": parked,
				"poison": poisoned,
			}
		} else {
			dlqStatus = "critical"
			allHealthy = false
			checks["dlq_depth"] = map[string]interface{}{
				"status": dlqStatus,
				"error":  err.Error(),
			}
		}
		services["dlq"] = map[string]interface{}{"status": dlqStatus}
	}

	// Circuit breakers
	breakerStatus := "healthy"
	openBreakers := []string{}
	for _, bs := range app.breakerStats() {
		if bs.State == types.CircuitOpen {
			breakerStatus = "warning"
			allHealthy = false
			openBreakers = append(openBreakers, bs.Name)
		}
	}
	checks["circuit_breakers"] = map[string]interface{}{
		"status": breakerStatus,
		"open":   openBreakers,
	}

	// Memory usage
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	memoryMB := memStats.Alloc / 1024 / 1024
	memoryStatus := "healthy"
	if memoryMB > 2048 {
		memoryStatus = "critical"
		allHealthy = false
	} else if memoryMB > 1024 {
		memoryStatus = "warning"
	}
	checks["memory"] = map[string]interface{}{
		"status":     memoryStatus,
		"alloc_mb":   memoryMB,
		"sys_mb":     memStats.Sys / 1024 / 1024,
		"goroutines": runtime.NumGoroutine(),
	}

	// Resource monitor warnings (RSS, CPU, goroutine ceiling)
	if app.resourceMonitor != nil {
		snapshot := app.resourceMonitor.GetSnapshot()
		resourceStatus := "healthy"
		if len(snapshot.Warnings) > 0 {
			resourceStatus = "warning"
			allHealthy = false
		}
		checks["resources"] = map[string]interface{}{
			"status":   resourceStatus,
			"snapshot": snapshot,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !allHealthy {
		health["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(health)
}

// statsHandler returns a point-in-time snapshot of every component.
//
// The snapshot complements the Prometheus metrics with internal state that
// does not fit a time series: per-queue dead letter breakdowns, branch
// states, sink distributions, and reload history. Always answers 200.
func (app *App) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"application": map[string]interface{}{
			"name":        app.config.App.Name,
			"version":     app.config.App.Version,
			"environment": app.config.App.Environment,
			"uptime":      time.Since(app.startTime).String(),
			"goroutines":  runtime.NumGoroutine(),
			"timestamp":   time.Now().Unix(),
		},
		"pipeline":     app.pipeline.GetStats(),
		"executor":     app.pipeline.Executor().GetStats(),
		"lock_manager": app.lockManager.GetStats(),
		"cleanup":      app.lockManager.Cleanup().GetStats(),
		"retry_budget": app.budget.GetStats(),
		"validation":   app.validationService.GetStats(),
		"sinks": map[string]interface{}{
			"bus":     app.busSink.GetStats(),
			"audit":   app.auditSink.GetStats(),
			"webhook": app.webhookSink.GetStats(),
			"metrics": app.metricsSink.GetStats(),
		},
	}

	if app.dlqHandler != nil {
		if dlqStats, err := app.dlqHandler.Stats(r.Context()); err == nil {
			stats["dlq"] = dlqStats
		} else {
			stats["dlq"] = map[string]interface{}{"error": err.Error()}
		}
	}
	if app.journal != nil {
		stats["journal"] = app.journal.GetStats()
	}
	if app.reloader != nil {
		stats["hot_reload"] = app.reloader.GetStats()
	}
	if app.resourceMonitor != nil {
		stats["resources"] = app.resourceMonitor.GetSnapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// locksHandler lists active branch locks. The optional ?branch= query
// parameter narrows the list to one branch.
func (app *App) locksHandler(w http.ResponseWriter, r *http.Request) {
	var lockList []*types.BranchLock
	if branch := r.URL.Query().Get("branch"); branch != "" {
		lockList = app.lockManager.Registry().ListByBranch(branch)
	} else {
		lockList = app.lockManager.Registry().List()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count": len(lockList),
		"locks": lockList,
	})
}

// lockReleaseHandler releases one lock by id. The releasing identity is
// taken from the X-Released-By header when present.
func (app *App) lockReleaseHandler(w http.ResponseWriter, r *http.Request) {
	lockID := mux.Vars(r)["id"]
	releasedBy := r.Header.Get("X-Released-By")
	if releasedBy == "" {
		releasedBy = "admin_api"
	}

	released, err := app.lockManager.Release(r.Context(), lockID, releasedBy)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to release lock: %v", err), statusForError(err))
		return
	}
	if !released {
		http.Error(w, "Lock not found or already released", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"released":    true,
		"lock_id":     lockID,
		"released_by": releasedBy,
	})
}

// lockExtendHandler extends a lock TTL. Body:
//
//	{"extend_by_seconds": 300, "extended_by": "indexer-2", "reason": "large batch"}
func (app *App) lockExtendHandler(w http.ResponseWriter, r *http.Request) {
	lockID := mux.Vars(r)["id"]

	var req struct {
		ExtendBySeconds int    `json:"extend_by_seconds"`
		ExtendedBy      string `json:"extended_by"`
		Reason          string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ExtendedBy == "" {
		req.ExtendedBy = "admin_api"
	}

	extension := time.Duration(req.ExtendBySeconds) * time.Second
	if err := app.lockManager.ExtendTTL(r.Context(), lockID, extension, req.ExtendedBy, req.Reason); err != nil {
		http.Error(w, fmt.Sprintf("Failed to extend lock: %v", err), statusForError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"extended":          true,
		"lock_id":           lockID,
		"extend_by_seconds": req.ExtendBySeconds,
	})
}

// lockHeartbeatHandler records a liveness beat from a lock holder. Body:
//
//	{"service": "indexer-2", "status": "healthy", "progress": 42.5}
//
// Answers 404 when the lock is missing, released, or held by another
// service; holders should stop beating and re-acquire.
func (app *App) lockHeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	lockID := mux.Vars(r)["id"]

	var req struct {
		Service  string  `json:"service"`
		Status   string  `json:"status"`
		Progress float64 `json:"progress"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := types.HeartbeatStatus(req.Status)
	if status == "" {
		status = types.HeartbeatHealthy
	}

	accepted, err := app.lockManager.Heartbeat().SendHeartbeat(r.Context(), lockID, req.Service, status, req.Progress)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to record heartbeat: %v", err), statusForError(err))
		return
	}
	if !accepted {
		http.Error(w, "Lock not found, released, or held by another service", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": true,
		"lock_id":  lockID,
	})
}

// lockHealthHandler reports heartbeat liveness for one lock.
func (app *App) lockHealthHandler(w http.ResponseWriter, r *http.Request) {
	lockID := mux.Vars(r)["id"]

	health, err := app.lockManager.Heartbeat().Health(lockID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read lock health: %v", err), statusForError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"lock_id": lockID,
		"health":  health,
	})
}

// lockCleanupHandler force-releases every lock on a branch and resets its
// state to ACTIVE. Body:
//
//	{"branch": "feature-x", "reason": "indexer crashed"}
func (app *App) lockCleanupHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string `json:"branch"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Branch == "" {
		http.Error(w, "Missing required field: branch", http.StatusBadRequest)
		return
	}

	released, err := app.lockManager.Cleanup().ForceCleanupBranch(r.Context(), req.Branch, req.Reason)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to clean up branch: %v", err), statusForError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"branch":         req.Branch,
		"locks_released": released,
	})
}

// branchStateHandler returns the current state machine position of a
// branch along with its recent transitions.
func (app *App) branchStateHandler(w http.ResponseWriter, r *http.Request) {
	branch := mux.Vars(r)["branch"]

	info := app.lockManager.State().Get(r.Context(), branch)
	transitions := app.lockManager.State().RecentTransitions(branch, 20)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"branch":             branch,
		"state":              info,
		"recent_transitions": transitions,
	})
}

// dlqStatsHandler returns per-queue dead letter statistics.
func (app *App) dlqStatsHandler(w http.ResponseWriter, r *http.Request) {
	if app.dlqHandler == nil {
		http.Error(w, "DLQ not available", http.StatusServiceUnavailable)
		return
	}

	stats, err := app.dlqHandler.Stats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to collect DLQ stats: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"queues":    stats,
		"timestamp": time.Now().Unix(),
	})
}

// dlqReplayHandler resets parked messages so the processor picks them up
// again. Body (all fields optional):
//
//	{"status": "FAILED", "limit": 100}
//
// An empty status replays every live message in the queue.
func (app *App) dlqReplayHandler(w http.ResponseWriter, r *http.Request) {
	if app.dlqHandler == nil {
		http.Error(w, "DLQ not available", http.StatusServiceUnavailable)
		return
	}
	queue := mux.Vars(r)["queue"]

	var req struct {
		Status string `json:"status"`
		Limit  int64  `json:"limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := types.DLQStatus(strings.ToUpper(req.Status))
	replayed, err := app.dlqHandler.Replay(r.Context(), queue, status, req.Limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to replay queue: %v", err), statusForError(err))
		return
	}

	app.logger.WithFields(logrus.Fields{
		"component": "app",
		"queue":     queue,
		"replayed":  replayed,
	}).Info("DLQ replay requested through admin API")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"queue":    queue,
		"replayed": replayed,
	})
}

// dlqPurgeHandler removes parked messages. Body (all fields optional):
//
//	{"status": "POISON", "older_than_s": 86400}
//
// POISON status purges the poison queue; older_than_s zero matches any age.
func (app *App) dlqPurgeHandler(w http.ResponseWriter, r *http.Request) {
	if app.dlqHandler == nil {
		http.Error(w, "DLQ not available", http.StatusServiceUnavailable)
		return
	}
	queue := mux.Vars(r)["queue"]

	var req struct {
		Status     string `json:"status"`
		OlderThanS int64  `json:"older_than_s"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := types.DLQStatus(strings.ToUpper(req.Status))
	olderThan := time.Duration(req.OlderThanS) * time.Second
	purged, err := app.dlqHandler.Purge(r.Context(), queue, status, olderThan)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to purge queue: %v", err), statusForError(err))
		return
	}

	app.logger.WithFields(logrus.Fields{
		"component": "app",
		"queue":     queue,
		"purged":    purged,
	}).Info("DLQ purge requested through admin API")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"queue":  queue,
		"purged": purged,
	})
}

// breakersHandler returns the state snapshot of every circuit breaker.
func (app *App) breakersHandler(w http.ResponseWriter, r *http.Request) {
	breakers := make(map[string]interface{})
	for _, bs := range app.breakerStats() {
		breakers[bs.Name] = bs
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":    len(breakers),
		"breakers": breakers,
	})
}

// shutdownHandler begins graceful shutdown and answers immediately. The
// response is written before the servers start draining so the caller
// sees it.
func (app *App) shutdownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "shutting_down",
		"message": "Graceful shutdown started",
	})

	app.requestShutdown()
}

// decodeBody unmarshals an optional JSON request body into dst. An empty
// body leaves dst at its zero value.
func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

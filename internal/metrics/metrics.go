// Package metrics exposes the Prometheus endpoint and the cross-cutting
// collectors shared by the platform components. Component-specific
// collectors live next to their components; this package owns component
// health, the error counter, admin API latency and process runtime gauges.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ontogate/pkg/types"
)

var (
	// ComponentHealth reports per-component health (1 healthy, 0 unhealthy).
	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "component_health",
			Help: "Health status of platform components (1 = healthy, 0 = unhealthy)",
		},
		[]string{"component"},
	)

	// ErrorsTotal counts errors by component and type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Errors by component and error type",
		},
		[]string{"component", "error_type"},
	)

	// AdminRequestDuration tracks admin API latency.
	AdminRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admin_request_duration_seconds",
			Help:    "Admin API request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"route", "method", "code"},
	)

	// MemoryUsage reports heap statistics sampled from the runtime.
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memory_usage_bytes",
			Help: "Heap memory usage by type",
		},
		[]string{"type"},
	)

	// Goroutines reports the current goroutine count.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "goroutines",
			Help: "Number of goroutines",
		},
	)

	// CPUUsage reports the process CPU share sampled by the resource monitor.
	CPUUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "Process CPU usage percentage",
		},
	)

	// GCRuns counts completed garbage collection cycles.
	GCRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gc_runs_total",
			Help: "Completed garbage collection cycles",
		},
	)
)

// RecordError increments the error counter for a component.
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetComponentHealth publishes a component health flag.
func SetComponentHealth(component string, healthy bool) {
	var value float64
	if healthy {
		value = 1
	}
	ComponentHealth.WithLabelValues(component).Set(value)
}

// SetCPUUsage publishes the CPU share sampled by the resource monitor.
func SetCPUUsage(percent float64) {
	CPUUsage.Set(percent)
}

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	server *http.Server
	logger *logrus.Logger
}

// NewMetricsServer creates the scrape endpoint server. Collectors register
// themselves at package load; the server only exposes them.
func NewMetricsServer(cfg types.MetricsConfig, logger *logrus.Logger) *MetricsServer {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves the endpoint in the background.
func (ms *MetricsServer) Start() error {
	ms.logger.WithFields(logrus.Fields{
		"component": "metrics_server",
		"addr":      ms.server.Addr,
	}).Info("Starting metrics server")

	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.WithError(err).WithField("component", "metrics_server").Error("Metrics server error")
		}
	}()
	return nil
}

// Stop closes the endpoint.
func (ms *MetricsServer) Stop() error {
	ms.logger.WithField("component", "metrics_server").Info("Stopping metrics server")
	return ms.server.Close()
}

// RuntimeSampler periodically publishes runtime memory, goroutine and GC
// readings.
type RuntimeSampler struct {
	logger   *logrus.Logger
	interval time.Duration

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	lastNumGC uint32
}

// NewRuntimeSampler creates a sampler. A non-positive interval defaults to
// 30 seconds.
func NewRuntimeSampler(interval time.Duration, logger *logrus.Logger) *RuntimeSampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RuntimeSampler{logger: logger, interval: interval}
}

// Start launches the sampling loop.
func (rs *RuntimeSampler) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.running {
		return fmt.Errorf("runtime sampler already running")
	}
	rs.running = true
	rs.stopCh = make(chan struct{})
	rs.doneCh = make(chan struct{})
	go rs.sampleLoop(rs.stopCh, rs.doneCh)
	return nil
}

// Stop halts the sampling loop and waits for it to exit.
func (rs *RuntimeSampler) Stop() error {
	rs.mu.Lock()
	if !rs.running {
		rs.mu.Unlock()
		return nil
	}
	rs.running = false
	close(rs.stopCh)
	done := rs.doneCh
	rs.mu.Unlock()

	<-done
	return nil
}

func (rs *RuntimeSampler) sampleLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	rs.Sample()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			rs.Sample()
		}
	}
}

// Sample publishes one reading.
func (rs *RuntimeSampler) Sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryUsage.WithLabelValues("heap_sys").Set(float64(m.HeapSys))
	MemoryUsage.WithLabelValues("heap_idle").Set(float64(m.HeapIdle))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
	Goroutines.Set(float64(runtime.NumGoroutine()))

	rs.mu.Lock()
	if m.NumGC >= rs.lastNumGC {
		GCRuns.Add(float64(m.NumGC - rs.lastNumGC))
	}
	rs.lastNumGC = m.NumGC
	rs.mu.Unlock()
}

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Pipeline runs by final status",
		},
		[]string{"status"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "Wall time of one pipeline run",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	sizeBypassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_size_bypasses_total",
			Help: "Authorized size-gate bypasses",
		},
	)

	validatorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_validator_failures_total",
			Help: "Validator runs that produced findings or errors",
		},
		[]string{"validator"},
	)

	sinkFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_sink_failures_total",
			Help: "Sink publishes that failed or could not be scheduled",
		},
		[]string{"sink"},
	)

	hookFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_hook_failures_total",
			Help: "Hook executions that returned an error",
		},
		[]string{"phase"},
	)
)

package validators

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	serviceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_service_requests_total",
		Help: "Validation service calls by level, scope, and result",
	}, []string{"level", "scope", "result"})

	serviceCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validation_service_cache_hits_total",
		Help: "Validation results served from the cache",
	})

	serviceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "validation_service_duration_seconds",
		Help:    "Validation service call duration",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	tamperingFindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_tampering_findings_total",
		Help: "Tampering findings by enforcement mode",
	}, []string{"mode"})

	piiFindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_pii_findings_total",
		Help: "PII findings by kind",
	}, []string{"kind"})

	schemaViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_schema_violations_total",
		Help: "Schema validator findings",
	})
)

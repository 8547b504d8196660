package dlq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesAddedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_added_total",
			Help: "Messages sent to the dead letter queue",
		},
		[]string{"queue", "reason"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_retries_total",
			Help: "Retry dispatches by outcome",
		},
		[]string{"queue", "outcome"},
	)

	poisonPromotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_poison_promotions_total",
			Help: "Messages promoted to the poison queue",
		},
		[]string{"queue"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlq_queue_depth",
			Help: "Live messages per queue as of the last processor pass",
		},
		[]string{"queue"},
	)

	poisonDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlq_poison_depth",
			Help: "Poison messages per queue as of the last processor pass",
		},
		[]string{"queue"},
	)

	retryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dlq_retry_duration_seconds",
			Help:    "Wall time of one retry dispatch including backoff",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"queue"},
	)
)

package sinks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commit_events_total",
			Help: "Commits recorded by the metrics sink",
		},
		[]string{"database", "branch", "author_domain"},
	)

	commitDiffBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commit_diff_size_bytes",
			Help:    "Serialized diff size of recorded commits",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
		[]string{"database", "branch", "author_domain"},
	)

	busPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_bus_published_total",
			Help: "Events accepted by the message bus, by transport mode",
		},
		[]string{"mode"},
	)

	busFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sink_bus_failures_total",
			Help: "Events the message bus producer failed to deliver",
		},
	)

	auditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_audit_events_total",
			Help: "Audit events by delivery outcome",
		},
		[]string{"outcome"},
	)

	webhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_webhook_deliveries_total",
			Help: "Webhook notification attempts by outcome",
		},
		[]string{"outcome"},
	)
)

package locks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	locksAcquiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_acquired_total",
		Help: "Locks granted, by lock type and scope",
	}, []string{"lock_type", "scope"})

	locksReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_released_total",
		Help: "Locks released, by release reason",
	}, []string{"reason"})

	lockConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_conflicts_total",
		Help: "Acquisitions refused because of a conflicting active lock",
	}, []string{"scope"})

	activeLocksGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lock_active",
		Help: "Currently held locks per lock type",
	}, []string{"lock_type"})

	stateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "branch_state_transitions_total",
		Help: "Accepted branch state transitions, by target state",
	}, []string{"to_state"})

	heartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_heartbeats_total",
		Help: "Heartbeats accepted, by reported status",
	}, []string{"status"})

	cleanupSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lock_cleanup_sweeps_total",
		Help: "Completed cleanup sweeps",
	})

	cleanupSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lock_cleanup_sweep_duration_seconds",
		Help:    "Wall time of one cleanup sweep",
		Buckets: prometheus.DefBuckets,
	})
)

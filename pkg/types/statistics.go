// Package types - Statistics and monitoring data structures
package types

import (
	"time"
)

// PipelineStats provides counters for the commit hook pipeline.
//
// Thread-safety note: int64 counters should be accessed with sync/atomic;
// complex fields (maps, timestamps) require mutex protection in the owner.
type PipelineStats struct {
	CommitsProcessed int64            `json:"commits_processed"` // Runs that completed validation
	CommitsRejected  int64            `json:"commits_rejected"`  // Runs that failed validation or the size gate
	CommitsBypassed  int64            `json:"commits_bypassed"`  // Authorized size-gate bypasses
	ValidatorsRun    int64            `json:"validators_run"`    // Individual validator invocations
	ValidatorErrors  int64            `json:"validator_errors"`  // Validator invocations that produced errors
	SinksScheduled   int64            `json:"sinks_scheduled"`   // Sink tasks handed to the executor
	SinkFailures     int64            `json:"sink_failures"`     // Sink tasks that returned an error
	HookFailures     int64            `json:"hook_failures"`     // Hook executions that returned an error
	SinkDistribution map[string]int64 `json:"sink_distribution"` // Publishes per sink name (requires mutex)
	LastCommitTime   time.Time        `json:"last_commit_time"`  // Timestamp of the most recent run (requires mutex)
}

// LockManagerStats summarizes lock manager activity.
type LockManagerStats struct {
	ActiveLocks       int              `json:"active_locks"`        // Currently held locks
	LocksByType       map[string]int   `json:"locks_by_type"`       // Active locks per lock type
	LocksByBranch     map[string]int   `json:"locks_by_branch"`     // Active locks per branch
	TotalAcquired     int64            `json:"total_acquired"`      // Locks granted since start
	TotalReleased     int64            `json:"total_released"`      // Locks released since start
	TotalConflicts    int64            `json:"total_conflicts"`     // Acquisitions refused on conflict
	TotalExpired      int64            `json:"total_expired"`       // Cleanup releases with TTL_EXPIRED
	TotalHeartbeatLost int64           `json:"total_heartbeat_lost"` // Cleanup releases with HEARTBEAT_MISSED
	StateTransitions  int64            `json:"state_transitions"`   // Accepted branch state transitions
	BranchStates      map[string]string `json:"branch_states"`      // Current state per tracked branch
}

// CleanupStats summarizes one cleanup sweep.
type CleanupStats struct {
	SweepStarted     time.Time `json:"sweep_started"`
	LocksExamined    int       `json:"locks_examined"`
	TTLReleased      int       `json:"ttl_released"`
	HeartbeatReleased int      `json:"heartbeat_released"`
	Errors           int       `json:"errors"`
	DurationMs       float64   `json:"duration_ms"`
}

// DLQStats summarizes one queue (or all queues aggregated).
type DLQStats struct {
	QueueName      string           `json:"queue_name,omitempty"`
	TotalMessages  int64            `json:"total_messages"`  // Live messages currently stored
	PoisonMessages int64            `json:"poison_messages"` // Messages promoted to the poison queue
	ByStatus       map[string]int64 `json:"by_status"`       // Live message count per status
	TotalAdded     int64            `json:"total_added"`     // Messages ever enqueued
	TotalRetried   int64            `json:"total_retried"`   // Retry attempts dispatched
	TotalSucceeded int64            `json:"total_succeeded"` // Retries that removed the message
	TotalPoisoned  int64            `json:"total_poisoned"`  // Promotions to poison
	TotalReplayed  int64            `json:"total_replayed"`  // Messages reset by replay
	TotalPurged    int64            `json:"total_purged"`    // Messages removed by purge
	OldestMessage  *time.Time       `json:"oldest_message,omitempty"`
}

// BreakerStats is the circuit breaker snapshot.
type BreakerStats struct {
	Name              string       `json:"name"`
	State             CircuitState `json:"state"`
	FailureCount      int64        `json:"failure_count"`       // Consecutive tracked failures
	SuccessCount      int64        `json:"success_count"`       // Consecutive successes in HALF_OPEN
	TotalCalls        int64        `json:"total_calls"`         // Calls admitted to the user function
	TotalFailures     int64        `json:"total_failures"`      // Tracked failures since start
	TotalSuccesses    int64        `json:"total_successes"`     // Successes since start
	Rejections        int64        `json:"rejections"`          // Calls refused while OPEN
	LastStateChangeAt time.Time    `json:"last_state_change_at"`
	LastFailureAt     time.Time    `json:"last_failure_at,omitempty"`
}

// BudgetStats is the retry budget snapshot.
type BudgetStats struct {
	WindowSeconds   float64 `json:"window_seconds"`
	TotalInWindow   int     `json:"total_in_window"`   // All attempts observed in the window
	RetriesInWindow int     `json:"retries_in_window"` // Retry attempts observed in the window
	RetryPercent    float64 `json:"retry_percent"`     // Retries as a share of all attempts
	TokensAvailable float64 `json:"tokens_available"`  // Unconsumed budget tokens
	Denied          int64   `json:"denied"`            // CanRetry refusals since start
}

// RetryResult is the outcome of one retry executor run.
type RetryResult struct {
	Success    bool          `json:"success"`
	Attempts   int           `json:"attempts"`
	TotalDelay time.Duration `json:"total_delay"`
	LastError  string        `json:"last_error,omitempty"`
}

// ComponentHealth is the health view of one component inside HealthStatus.
type ComponentHealth struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`              // "healthy", "degraded", "failed"
	LastCheck time.Time `json:"last_check"`
	Detail    string    `json:"detail,omitempty"`
}

// ValidationServiceStats summarizes enterprise validation service activity.
type ValidationServiceStats struct {
	Validations     int64 `json:"validations"`      // Validate calls since start
	Failures        int64 `json:"failures"`         // Calls that produced an invalid result
	CacheHits       int64 `json:"cache_hits"`       // Results served from the cache
	CacheMisses     int64 `json:"cache_misses"`     // Cache lookups that missed
	RulesEvaluated  int64 `json:"rules_evaluated"`  // Individual rule applications
	RegisteredRules int   `json:"registered_rules"` // Rules currently in the registry
}

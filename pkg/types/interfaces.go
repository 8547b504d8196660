// Package types - Interface definitions for pluggable components
package types

import (
	"context"
	"time"
)

// Validator is a synchronous gate that can reject a commit.
//
// Validators run serially in registration order; a non-nil error from any
// of them fails the commit in sync mode. Implementations must be idempotent
// and must not produce observable side effects other than telemetry.
type Validator interface {
	// Name identifies the validator in logs, metrics and results
	Name() string
	// Enabled reports whether the pipeline should run this validator
	Enabled() bool
	// Initialize prepares the validator; called once, failures isolate the validator
	Initialize(ctx context.Context) error
	// Validate inspects the diff context and returns validation findings
	Validate(ctx context.Context, dc *DiffContext) error
	// Cleanup releases validator resources during shutdown
	Cleanup() error
}

// Sink is an asynchronous consumer of commit events.
//
// Sinks are scheduled on the background executor after validation; a sink
// failure never fails the commit and never blocks other sinks. Sinks must
// not mutate the DiffContext they receive.
type Sink interface {
	// Name identifies the sink in logs, metrics and results
	Name() string
	// Enabled reports whether the pipeline should schedule this sink
	Enabled() bool
	// Initialize prepares the sink; called once, failures isolate the sink
	Initialize(ctx context.Context) error
	// Publish delivers the commit to the sink destination
	Publish(ctx context.Context, dc *DiffContext) error
	// Cleanup flushes and releases sink resources during shutdown
	Cleanup() error
}

// HookPhase places a hook relative to validation and sink fan-out.
type HookPhase string

const (
	HookPre   HookPhase = "pre"
	HookPost  HookPhase = "post"
	HookAsync HookPhase = "async"
)

// Hook is a registered callback around the commit pipeline. Pre-phase hook
// failures abort the commit; post and async failures are logged only.
type Hook interface {
	Name() string
	Enabled() bool
	Phase() HookPhase
	Execute(ctx context.Context, dc *DiffContext) error
	Cleanup() error
}

// Cache is the fast shared key/value collaborator (branch state, lock
// replicas, validation results). Implementations may be in-memory or
// distributed; callers tolerate unavailability.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// SetNX writes the key only when absent; returns true when the write won
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Close() error
}

// DurableStore is the slow source-of-truth collaborator for lock manager
// state. All methods are best-effort from the facade's point of view; the
// in-memory copy stays authoritative when the store is absent.
type DurableStore interface {
	StoreBranchState(ctx context.Context, info *BranchStateInfo) error
	GetBranchState(ctx context.Context, branch string) (*BranchStateInfo, error)
	StoreStateTransition(ctx context.Context, tr *BranchStateTransition) error
	StoreHeartbeatRecord(ctx context.Context, rec *HeartbeatRecord) error
}

// EventPublisher emits lifecycle events (commit events, DLQ lifecycle)
// onto the message bus. Publishing is best-effort.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, payload []byte, headers map[string]string) error
}

// AuditReporter is implemented by sinks that can submit standalone audit
// events outside the commit flow: size-gate bypasses, lax-mode security
// bypasses, async validation failures.
type AuditReporter interface {
	SubmitAuditEvent(ctx context.Context, event *AuditEvent) error
}

// QueueHandler processes one dead-lettered message during retry. A nil
// return removes the message; an error schedules another attempt or
// promotes to poison.
type QueueHandler func(ctx context.Context, msg *DLQMessage) error

// MessageTransform optionally rewrites the original payload before the
// queue handler runs.
type MessageTransform func(payload []byte) ([]byte, error)

// RetryBudget guards the global retry rate.
type RetryBudget interface {
	CanRetry() bool
	RecordAttempt(isRetry bool)
	GetStats() BudgetStats
}

// Breaker is the circuit breaker consumed by the retry executor.
type Breaker interface {
	Execute(fn func() error) error
	GetState() CircuitState
	GetStats() BreakerStats
}

// Package types defines the core data structures shared across the
// ontogate platform: commit pipeline records, branch lock records, DLQ
// messages, and the resilience-layer contracts they depend on.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CommitMeta is the immutable description of an intended commit. It is
// created by the ingress adapter and never mutated afterwards.
type CommitMeta struct {
	Database  string    `json:"database"`
	Branch    string    `json:"branch"`
	CommitID  string    `json:"commit_id,omitempty"`
	Author    string    `json:"author"`
	CommitMsg string    `json:"commit_msg"`
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`
}

// BranchParts splits the three-segment branch path {env}/{service}/{purpose}.
// Returns an error when the branch does not have exactly three segments.
func (m *CommitMeta) BranchParts() (env, service, purpose string, err error) {
	parts := strings.Split(m.Branch, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("branch %q is not a three-segment env/service/purpose path", m.Branch)
	}
	return parts[0], parts[1], parts[2], nil
}

// AuthorDomain returns the part after '@' in the author identity, or
// "unknown" when the author has no domain. Used for metric labels.
func (m *CommitMeta) AuthorDomain() string {
	if idx := strings.LastIndex(m.Author, "@"); idx >= 0 && idx < len(m.Author)-1 {
		return m.Author[idx+1:]
	}
	return "unknown"
}

// DiffContext is the pipeline-scoped view of one commit: the commit
// metadata, the raw diff payload, optional before/after snapshots, and the
// affected type/id sets derived during context build. It lives for exactly
// one pipeline run. Validators and sinks read it; only the pipeline writes it.
type DiffContext struct {
	Meta          CommitMeta             `json:"meta"`
	Diff          map[string]interface{} `json:"diff"`
	Before        map[string]interface{} `json:"before,omitempty"`
	After         map[string]interface{} `json:"after,omitempty"`
	AffectedTypes []string               `json:"affected_types"`
	AffectedIDs   []string               `json:"affected_ids"`
	DiffSizeBytes int                    `json:"diff_size_bytes"`
}

// ValidationCategory classifies a validation error.
type ValidationCategory string

const (
	CategorySyntax      ValidationCategory = "syntax"
	CategorySemantic    ValidationCategory = "semantic"
	CategorySecurity    ValidationCategory = "security"
	CategoryBusiness    ValidationCategory = "business"
	CategoryPerformance ValidationCategory = "performance"
)

// ValidationSeverity ranks how serious a validation error is.
type ValidationSeverity string

const (
	SeverityCritical ValidationSeverity = "critical"
	SeverityHigh     ValidationSeverity = "high"
	SeverityMedium   ValidationSeverity = "medium"
	SeverityLow      ValidationSeverity = "low"
)

// ValidationError is a single finding produced by a validator.
type ValidationError struct {
	Field        string                 `json:"field"`
	Code         string                 `json:"code"`
	Message      string                 `json:"message"`
	Category     ValidationCategory     `json:"category"`
	Severity     ValidationSeverity     `json:"severity"`
	Context      map[string]interface{} `json:"context,omitempty"`
	SuggestedFix string                 `json:"suggested_fix,omitempty"`
}

func (e ValidationError) String() string {
	return fmt.Sprintf("[%s/%s] %s: %s", e.Category, e.Severity, e.Field, e.Message)
}

// ValidationLevel selects how deep the validation service digs.
type ValidationLevel string

const (
	LevelMinimal  ValidationLevel = "MINIMAL"
	LevelStandard ValidationLevel = "STANDARD"
	LevelStrict   ValidationLevel = "STRICT"
	LevelParanoid ValidationLevel = "PARANOID"
)

// ValidationScope selects what kind of payload is being validated.
type ValidationScope string

const (
	ScopeRequest  ValidationScope = "REQUEST"
	ScopeResponse ValidationScope = "RESPONSE"
	ScopeSchema   ValidationScope = "SCHEMA"
	ScopeData     ValidationScope = "DATA"
	ScopeSecurity ValidationScope = "SECURITY"
)

// ValidationResult is the aggregate outcome of a validation service call.
// IsValid holds iff Errors is empty and SecurityScore is at or above the
// configured threshold.
type ValidationResult struct {
	RequestID           string                 `json:"request_id"`
	IsValid             bool                   `json:"is_valid"`
	Level               ValidationLevel        `json:"level"`
	Errors              []ValidationError      `json:"errors"`
	Warnings            []ValidationError      `json:"warnings"`
	SanitizedData       map[string]interface{} `json:"sanitized_data,omitempty"`
	SecurityScore       int                    `json:"security_score"`
	PerformanceImpactMs float64                `json:"performance_impact_ms"`
	CacheUsed           bool                   `json:"cache_used"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// PipelineResult summarizes one hook pipeline run.
type PipelineResult struct {
	Status           string            `json:"status"`
	Reason           string            `json:"reason,omitempty"`
	Authorized       bool              `json:"authorized,omitempty"`
	ValidatorsRun    int               `json:"validators_run"`
	SinksRun         int               `json:"sinks_run"`
	ValidationErrors []ValidationError `json:"validation_errors"`
	DurationMs       float64           `json:"duration_ms"`
}

// Pipeline run status values.
const (
	PipelineStatusSuccess = "success"
	PipelineStatusFailed  = "failed"
	PipelineStatusSkipped = "skipped"
)

// BranchState is the lifecycle position of a branch.
type BranchState string

const (
	BranchActive         BranchState = "ACTIVE"
	BranchLockedForWrite BranchState = "LOCKED_FOR_WRITE"
	BranchReady          BranchState = "READY"
	BranchError          BranchState = "ERROR"
)

// BranchStateInfo is the full lifecycle record for a branch, including the
// set of currently active locks.
type BranchStateInfo struct {
	BranchName          string       `json:"branch_name"`
	CurrentState        BranchState  `json:"current_state"`
	PreviousState       BranchState  `json:"previous_state,omitempty"`
	StateChangedAt      time.Time    `json:"state_changed_at"`
	StateChangedBy      string       `json:"state_changed_by"`
	StateChangeReason   string       `json:"state_change_reason"`
	ActiveLocks         []BranchLock `json:"active_locks"`
	IndexingStartedAt   *time.Time   `json:"indexing_started_at,omitempty"`
	IndexingCompletedAt *time.Time   `json:"indexing_completed_at,omitempty"`
	IndexingService     string       `json:"indexing_service,omitempty"`
	AutoMergeEnabled    bool         `json:"auto_merge_enabled"`
}

// BranchStateTransition records one state change for the transition log.
type BranchStateTransition struct {
	Branch    string      `json:"branch"`
	FromState BranchState `json:"from_state"`
	ToState   BranchState `json:"to_state"`
	ChangedBy string      `json:"changed_by"`
	Reason    string      `json:"reason"`
	Trigger   string      `json:"trigger"`
	ChangedAt time.Time   `json:"changed_at"`
}

// LockType classifies why a lock is held and selects its default TTL.
type LockType string

const (
	LockTypeIndexing    LockType = "INDEXING"
	LockTypeMaintenance LockType = "MAINTENANCE"
	LockTypeMigration   LockType = "MIGRATION"
	LockTypeBackup      LockType = "BACKUP"
	LockTypeManual      LockType = "MANUAL"
)

// LockScope is the granularity of a lock.
type LockScope string

const (
	LockScopeBranch       LockScope = "BRANCH"
	LockScopeResourceType LockScope = "RESOURCE_TYPE"
	LockScopeResource     LockScope = "RESOURCE"
)

// BranchLock is one granted lock. Invariants: RESOURCE scope requires both
// ResourceType and ResourceID; a positive HeartbeatIntervalS implies
// LastHeartbeat is set on acquisition; ExpiresAt is after AcquiredAt.
type BranchLock struct {
	ID                 string     `json:"id"`
	BranchName         string     `json:"branch_name"`
	LockType           LockType   `json:"lock_type"`
	LockScope          LockScope  `json:"lock_scope"`
	ResourceType       string     `json:"resource_type,omitempty"`
	ResourceID         string     `json:"resource_id,omitempty"`
	LockedBy           string     `json:"locked_by"`
	AcquiredAt         time.Time  `json:"acquired_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	Reason             string     `json:"reason"`
	HeartbeatIntervalS int        `json:"heartbeat_interval_s"`
	LastHeartbeat      *time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatSource    string     `json:"heartbeat_source,omitempty"`
	AutoReleaseEnabled bool       `json:"auto_release_enabled"`
	IsActive           bool       `json:"is_active"`
	ReleasedAt         *time.Time `json:"released_at,omitempty"`
	ReleasedBy         string     `json:"released_by,omitempty"`
}

// HeartbeatEnabled reports whether the lock expects liveness beats.
func (l *BranchLock) HeartbeatEnabled() bool {
	return l.HeartbeatIntervalS > 0
}

// ConflictsWith implements the scope overlap rules. Locks on different
// branches never conflict. A BRANCH lock conflicts with any lock on the
// same branch. RESOURCE_TYPE locks conflict on matching resource type, and
// RESOURCE locks on matching (type, id) pairs. Mixed RESOURCE_TYPE vs
// RESOURCE scopes conflict when the resource types match.
func (l *BranchLock) ConflictsWith(other *BranchLock) bool {
	if l.BranchName != other.BranchName {
		return false
	}
	if l.LockScope == LockScopeBranch || other.LockScope == LockScopeBranch {
		return true
	}
	if l.LockScope == LockScopeResourceType && other.LockScope == LockScopeResourceType {
		return l.ResourceType == other.ResourceType
	}
	if l.LockScope == LockScopeResource && other.LockScope == LockScopeResource {
		return l.ResourceType == other.ResourceType && l.ResourceID == other.ResourceID
	}
	return l.ResourceType != "" && l.ResourceType == other.ResourceType
}

// HeartbeatStatus is the reported health of a lock holder.
type HeartbeatStatus string

const (
	HeartbeatHealthy HeartbeatStatus = "healthy"
	HeartbeatWarning HeartbeatStatus = "warning"
	HeartbeatError   HeartbeatStatus = "error"
)

// HeartbeatRecord is one appended liveness beat.
type HeartbeatRecord struct {
	LockID      string          `json:"lock_id"`
	BranchName  string          `json:"branch_name"`
	ServiceName string          `json:"service_name"`
	HeartbeatAt time.Time       `json:"heartbeat_at"`
	Status      HeartbeatStatus `json:"status"`
	Progress    float64         `json:"progress,omitempty"`
}

// LockHealth summarizes heartbeat liveness for one lock.
type LockHealth struct {
	Enabled      bool       `json:"enabled"`
	LastBeat     *time.Time `json:"last_beat,omitempty"`
	SecondsSince float64    `json:"seconds_since"`
	Health       string     `json:"health"`
}

// Lock release reasons used by the cleanup service and the state manager.
const (
	ReleaseReasonTTLExpired      = "TTL_EXPIRED"
	ReleaseReasonHeartbeatMissed = "HEARTBEAT_MISSED"
	ReleaseReasonErrorState      = "error_state"
	ReleaseReasonManual          = "manual"
	ReleaseReasonForceCleanup    = "force_cleanup"
)

// DLQReason classifies why a message was dead-lettered.
type DLQReason string

const (
	ReasonValidationFailed   DLQReason = "VALIDATION_FAILED"
	ReasonExecutionFailed    DLQReason = "EXECUTION_FAILED"
	ReasonTimeout            DLQReason = "TIMEOUT"
	ReasonResourceExhausted  DLQReason = "RESOURCE_EXHAUSTED"
	ReasonWebhookFailed      DLQReason = "WEBHOOK_FAILED"
	ReasonMaxRetriesExceeded DLQReason = "MAX_RETRIES_EXCEEDED"
	ReasonPoisonMessage      DLQReason = "POISON_MESSAGE"
	ReasonNetworkError       DLQReason = "NETWORK_ERROR"
	ReasonAuthError          DLQReason = "AUTH_ERROR"
	ReasonUnknown            DLQReason = "UNKNOWN"
)

// DLQStatus is the processing state of a dead-lettered message.
type DLQStatus string

const (
	DLQStatusPending    DLQStatus = "PENDING"
	DLQStatusProcessing DLQStatus = "PROCESSING"
	DLQStatusRetrying   DLQStatus = "RETRYING"
	DLQStatusFailed     DLQStatus = "FAILED"
	DLQStatusPoison     DLQStatus = "POISON"
	DLQStatusExpired    DLQStatus = "EXPIRED"
	DLQStatusSucceeded  DLQStatus = "SUCCEEDED"
)

// DLQErrorRecord is one entry in a message's error history.
type DLQErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Attempt   int       `json:"attempt"`
}

// DLQMessage is a failed message held for retry or poison promotion.
// RetryCount never decreases and never exceeds MaxRetries.
type DLQMessage struct {
	MessageID        string                 `json:"message_id"`
	QueueName        string                 `json:"queue_name"`
	OriginalMessage  json.RawMessage        `json:"original_message"`
	Reason           DLQReason              `json:"reason"`
	ErrorDetails     string                 `json:"error_details"`
	RetryCount       int                    `json:"retry_count"`
	MaxRetries       int                    `json:"max_retries"`
	FirstFailureTime time.Time              `json:"first_failure_time"`
	LastFailureTime  time.Time              `json:"last_failure_time"`
	NextRetryTime    *time.Time             `json:"next_retry_time,omitempty"`
	Status           DLQStatus              `json:"status"`
	ErrorHistory     []DLQErrorRecord       `json:"error_history"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Compressed       bool                   `json:"compressed,omitempty"`
	Codec            string                 `json:"codec,omitempty"`
}

// CircuitState is the circuit breaker position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CommitEvent is the structured record published to the bus for every
// successful commit, on topic {prefix}.{env}.{service}.
type CommitEvent struct {
	Database      string    `json:"database"`
	Branch        string    `json:"branch"`
	CommitID      string    `json:"commit_id,omitempty"`
	Author        string    `json:"author"`
	CommitMsg     string    `json:"commit_msg"`
	TraceID       string    `json:"trace_id"`
	AffectedTypes []string  `json:"affected_types"`
	AffectedIDs   []string  `json:"affected_ids"`
	DiffSizeBytes int       `json:"diff_size_bytes"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuditOperation is the canonical operation derived from before/after
// snapshot presence.
type AuditOperation string

const (
	AuditOpCreate AuditOperation = "CREATE"
	AuditOpUpdate AuditOperation = "UPDATE"
	AuditOpDelete AuditOperation = "DELETE"
	AuditOpWrite  AuditOperation = "WRITE"
)

// AuditEvent is the canonical audit record submitted to the audit service.
type AuditEvent struct {
	EventType     string                 `json:"event_type"`
	EventCategory string                 `json:"event_category"`
	Severity      string                 `json:"severity"`
	UserID        string                 `json:"user_id"`
	Username      string                 `json:"username"`
	TargetType    string                 `json:"target_type"`
	TargetID      string                 `json:"target_id"`
	Operation     AuditOperation         `json:"operation"`
	Branch        string                 `json:"branch"`
	CommitID      string                 `json:"commit_id,omitempty"`
	TerminusDB    string                 `json:"terminus_db"`
	RequestID     string                 `json:"request_id"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// HealthStatus is the aggregate health view served by the admin API.
type HealthStatus struct {
	Healthy    bool                   `json:"healthy"`
	Timestamp  time.Time              `json:"timestamp"`
	Components map[string]interface{} `json:"components"`
	Resources  map[string]interface{} `json:"resources,omitempty"`
}

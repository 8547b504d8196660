package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"ontogate/pkg/types"
)

// ValidationFailure aggregates validator findings that rejected a commit.
type ValidationFailure struct {
	Code   string
	Errors []types.ValidationError
}

func (e *ValidationFailure) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s: validation failed", e.Code)
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return fmt.Sprintf("%s: %d validation error(s): %s", e.Code, len(e.Errors), strings.Join(msgs, "; "))
}

// NewValidationFailure builds a ValidationFailure with the default code.
func NewValidationFailure(errs []types.ValidationError) *ValidationFailure {
	return &ValidationFailure{Code: CodeValidationFailed, Errors: errs}
}

// NewSizeLimitFailure builds the size-gate rejection.
func NewSizeLimitFailure(sizeBytes, limitBytes int) *ValidationFailure {
	return &ValidationFailure{
		Code: CodeSizeLimitExceeded,
		Errors: []types.ValidationError{{
			Field:    "diff",
			Code:     "size_limit",
			Message:  fmt.Sprintf("diff size %d bytes exceeds limit %d bytes", sizeBytes, limitBytes),
			Category: types.CategoryPerformance,
			Severity: types.SeverityHigh,
		}},
	}
}

// LockConflictError signals that an acquisition overlaps an active lock.
// The caller decides whether to back off and retry.
type LockConflictError struct {
	Branch       string
	Requested    types.LockScope
	ConflictWith string
	HeldBy       string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock conflict on branch %s: requested %s scope conflicts with lock %s held by %s",
		e.Branch, e.Requested, e.ConflictWith, e.HeldBy)
}

// InvalidStateTransitionError signals a branch state change outside the
// allowed transition relation. Never auto-forced.
type InvalidStateTransitionError struct {
	Branch    string
	FromState types.BranchState
	ToState   types.BranchState
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for branch %s: %s -> %s", e.Branch, e.FromState, e.ToState)
}

// RetryErrorKind distinguishes why the retry executor gave up.
type RetryErrorKind string

const (
	RetryExhausted       RetryErrorKind = "exhausted"
	RetryBudgetExhausted RetryErrorKind = "budget_exhausted"
	RetryCircuitOpen     RetryErrorKind = "circuit_open"
)

// RetryError is the only error type the retry executor raises on abandonment.
type RetryError struct {
	Kind     RetryErrorKind
	Attempts int
	LastErr  error
}

func (e *RetryError) Error() string {
	switch e.Kind {
	case RetryBudgetExhausted:
		return fmt.Sprintf("retry budget exhausted after %d attempt(s)", e.Attempts)
	case RetryCircuitOpen:
		return fmt.Sprintf("circuit open, call rejected after %d attempt(s)", e.Attempts)
	default:
		if e.LastErr != nil {
			return fmt.Sprintf("retries exhausted after %d attempt(s): %v", e.Attempts, e.LastErr)
		}
		return fmt.Sprintf("retries exhausted after %d attempt(s)", e.Attempts)
	}
}

func (e *RetryError) Unwrap() error {
	return e.LastErr
}

// CircuitOpenError is the fast rejection returned while a breaker is OPEN.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

// retryable is implemented by errors that carry their own retry decision.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err marks a transient condition. Terminal
// outcomes (exhausted retries, open circuits, validation, lock and state
// errors) are never retryable; an explicit Retryable() method wins next;
// unknown plain errors default to retryable so transient failures from
// external clients are not dropped on the floor.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re *RetryError
	if stderrors.As(err, &re) {
		return false
	}
	var co *CircuitOpenError
	if stderrors.As(err, &co) {
		return false
	}
	var vf *ValidationFailure
	if stderrors.As(err, &vf) {
		return false
	}
	var lc *LockConflictError
	if stderrors.As(err, &lc) {
		return false
	}
	var st *InvalidStateTransitionError
	if stderrors.As(err, &st) {
		return false
	}

	var r retryable
	if stderrors.As(err, &r) {
		return r.Retryable()
	}

	return true
}

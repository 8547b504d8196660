// Package circuit implements the circuit breaker used by the retry
// executor and the sinks. State transitions follow CLOSED -> OPEN on
// consecutive tracked failures, OPEN -> HALF_OPEN after the open timeout,
// HALF_OPEN -> CLOSED after enough consecutive successes and HALF_OPEN ->
// OPEN on any tracked failure.
package circuit

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

// BreakerConfig configures one breaker instance.
type BreakerConfig struct {
	Name             string        `yaml:"name"`
	FailureThreshold int           `yaml:"failure_threshold"`   // Consecutive tracked failures to open
	SuccessThreshold int           `yaml:"success_threshold"`   // Consecutive successes to close from half-open
	Timeout          time.Duration `yaml:"timeout"`             // Time spent open before probing
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"` // Concurrent probes allowed in half-open

	// TrackPredicate marks errors that count against the breaker. When nil
	// and TrackedStatusCodes is empty, every error counts.
	TrackPredicate func(error) bool `yaml:"-"`
	// TrackedStatusCodes marks HTTP-style status codes that count against
	// the breaker for errors exposing StatusCode().
	TrackedStatusCodes []int `yaml:"-"`
}

// statusCoder is implemented by transport errors that carry a status code.
type statusCoder interface {
	StatusCode() int
}

// Breaker is a thread-safe circuit breaker. The internal lock is held only
// to read and transition state; the user function runs outside the lock and
// transition callbacks fire after the lock releases.
type Breaker struct {
	config BreakerConfig
	logger *logrus.Logger

	state          types.CircuitState
	failures       int64 // consecutive tracked failures
	totalFailures  int64
	totalSuccesses int64
	totalCalls     int64
	rejections     int64
	lastFailure    time.Time
	lastChange     time.Time
	nextRetryTime  time.Time

	halfOpenCalls     int
	halfOpenSuccesses int
	halfOpenStart     time.Time

	onStateChange func(from, to types.CircuitState)
	onFailure     func(error)
	onSuccess     func()

	mu sync.RWMutex
}

// NewBreaker creates a breaker, applying defaults for zero config values.
func NewBreaker(config BreakerConfig, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 10
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Breaker{
		config:     config,
		logger:     logger,
		state:      types.CircuitClosed,
		lastChange: time.Now(),
	}
}

// Execute runs fn under breaker protection. The method has three phases so
// the lock is never held across fn:
// 1. pre-check (locked): admit, reject, or transition to half-open
// 2. run fn (unlocked)
// 3. record outcome (locked): update counters, trip or close
func (b *Breaker) Execute(fn func() error) error {
	return b.ExecuteWithFallback(fn, nil)
}

// ExecuteWithFallback behaves like Execute, but when the call is rejected
// while the circuit is open the fallback runs instead (when provided).
func (b *Breaker) ExecuteWithFallback(fn func() error, fallback func() error) error {
	// Phase 1: pre-check under lock.
	b.mu.Lock()
	var pending []func()

	if b.state == types.CircuitOpen {
		if time.Now().Before(b.nextRetryTime) {
			b.rejections++
			b.mu.Unlock()
			if fallback != nil {
				return fallback()
			}
			return &errors.CircuitOpenError{Name: b.config.Name}
		}
		pending = append(pending, b.setStateLocked(types.CircuitHalfOpen)...)
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
		b.halfOpenStart = time.Now()
	}

	if b.state == types.CircuitHalfOpen {
		// A stuck half-open phase reopens instead of blocking forever.
		if time.Since(b.halfOpenStart) > b.config.Timeout*2 {
			b.logger.WithField("breaker", b.config.Name).Warn("Circuit breaker half-open timeout, reopening")
			pending = append(pending, b.tripLocked()...)
			b.rejections++
			b.mu.Unlock()
			b.fire(pending)
			if fallback != nil {
				return fallback()
			}
			return &errors.CircuitOpenError{Name: b.config.Name}
		}

		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.rejections++
			b.mu.Unlock()
			b.fire(pending)
			if fallback != nil {
				return fallback()
			}
			return &errors.CircuitOpenError{Name: b.config.Name}
		}
		b.halfOpenCalls++
	}

	b.totalCalls++
	b.mu.Unlock()
	b.fire(pending)

	// Phase 2: run the user function without the lock.
	err := fn()

	// Phase 3: record the outcome under lock.
	b.mu.Lock()
	pending = pending[:0]

	if err != nil {
		if b.isTracked(err) {
			pending = append(pending, b.recordFailureLocked(err)...)
		}
		b.mu.Unlock()
		b.fire(pending)
		return err
	}

	pending = b.recordSuccessLocked()
	b.mu.Unlock()
	b.fire(pending)
	return nil
}

// isTracked decides whether err counts against the breaker.
func (b *Breaker) isTracked(err error) bool {
	if b.config.TrackPredicate == nil && len(b.config.TrackedStatusCodes) == 0 {
		return true
	}
	if b.config.TrackPredicate != nil && b.config.TrackPredicate(err) {
		return true
	}
	if len(b.config.TrackedStatusCodes) > 0 {
		var sc statusCoder
		if stderrors.As(err, &sc) {
			code := sc.StatusCode()
			for _, tracked := range b.config.TrackedStatusCodes {
				if code == tracked {
					return true
				}
			}
		}
	}
	return false
}

func (b *Breaker) recordFailureLocked(err error) []func() {
	var pending []func()

	b.failures++
	b.totalFailures++
	b.lastFailure = time.Now()

	if b.onFailure != nil {
		cb := b.onFailure
		pending = append(pending, func() { cb(err) })
	}

	if b.state == types.CircuitHalfOpen {
		pending = append(pending, b.tripLocked()...)
		return pending
	}

	if b.state == types.CircuitClosed && b.failures >= int64(b.config.FailureThreshold) {
		pending = append(pending, b.tripLocked()...)
	}
	return pending
}

func (b *Breaker) recordSuccessLocked() []func() {
	var pending []func()

	b.totalSuccesses++

	if b.onSuccess != nil {
		cb := b.onSuccess
		pending = append(pending, func() { cb() })
	}

	switch b.state {
	case types.CircuitHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			pending = append(pending, b.setStateLocked(types.CircuitClosed)...)
			b.resetLocked()
		}
	case types.CircuitClosed:
		// The failure streak is broken.
		b.failures = 0
	}
	return pending
}

// tripLocked opens the breaker and schedules the next probe window.
func (b *Breaker) tripLocked() []func() {
	if b.state == types.CircuitOpen {
		return nil
	}

	pending := b.setStateLocked(types.CircuitOpen)
	b.nextRetryTime = time.Now().Add(b.config.Timeout)

	b.logger.WithFields(logrus.Fields{
		"breaker":         b.config.Name,
		"failures":        b.failures,
		"next_retry_time": b.nextRetryTime,
	}).Warn("Circuit breaker opened")
	return pending
}

func (b *Breaker) resetLocked() {
	b.failures = 0
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
	b.nextRetryTime = time.Time{}

	b.logger.WithFields(logrus.Fields{
		"breaker":   b.config.Name,
		"successes": b.totalSuccesses,
	}).Info("Circuit breaker reset")
}

// setStateLocked records the transition and returns the deferred callback.
func (b *Breaker) setStateLocked(newState types.CircuitState) []func() {
	if b.state == newState {
		return nil
	}

	oldState := b.state
	b.state = newState
	b.lastChange = time.Now()

	b.logger.WithFields(logrus.Fields{
		"breaker":   b.config.Name,
		"old_state": oldState,
		"new_state": newState,
		"failures":  b.failures,
	}).Info("Circuit breaker state changed")

	if b.onStateChange != nil {
		cb := b.onStateChange
		return []func(){func() { cb(oldState, newState) }}
	}
	return nil
}

// fire invokes deferred callbacks outside the lock.
func (b *Breaker) fire(pending []func()) {
	for _, f := range pending {
		f()
	}
}

// GetState returns the current state.
func (b *Breaker) GetState() types.CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsOpen reports whether the breaker currently rejects calls.
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == types.CircuitOpen && time.Now().Before(b.nextRetryTime)
}

// CanExecute reports whether a call would currently be admitted.
func (b *Breaker) CanExecute() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch b.state {
	case types.CircuitClosed:
		return true
	case types.CircuitOpen:
		return time.Now().After(b.nextRetryTime)
	case types.CircuitHalfOpen:
		return b.halfOpenCalls < b.config.HalfOpenMaxCalls
	default:
		return false
	}
}

// Reset forces the breaker back to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	pending := b.setStateLocked(types.CircuitClosed)
	b.resetLocked()
	b.mu.Unlock()
	b.fire(pending)
}

// ForceOpen trips the breaker regardless of counters.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	pending := b.tripLocked()
	b.mu.Unlock()
	b.fire(pending)
}

// GetStats returns the breaker snapshot.
func (b *Breaker) GetStats() types.BreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return types.BreakerStats{
		Name:              b.config.Name,
		State:             b.state,
		FailureCount:      b.failures,
		SuccessCount:      int64(b.halfOpenSuccesses),
		TotalCalls:        b.totalCalls,
		TotalFailures:     b.totalFailures,
		TotalSuccesses:    b.totalSuccesses,
		Rejections:        b.rejections,
		LastStateChangeAt: b.lastChange,
		LastFailureAt:     b.lastFailure,
	}
}

// SetStateChangeCallback registers a transition callback. It fires after
// the internal lock releases.
func (b *Breaker) SetStateChangeCallback(fn func(from, to types.CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// SetFailureCallback registers a tracked-failure callback.
func (b *Breaker) SetFailureCallback(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailure = fn
}

// SetSuccessCallback registers a success callback.
func (b *Breaker) SetSuccessCallback(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSuccess = fn
}

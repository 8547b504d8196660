package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/backoff"
	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

// Executor orchestrates backoff, retry budget and circuit breaker around a
// user callable. The budget and breaker collaborators are optional; a nil
// collaborator disables the corresponding config flag at runtime.
type Executor struct {
	calculator *backoff.Calculator
	budget     types.RetryBudget
	breaker    types.Breaker
	logger     *logrus.Logger
}

// NewExecutor creates an executor. budget and breaker may be nil.
func NewExecutor(budget types.RetryBudget, breaker types.Breaker, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Executor{
		calculator: backoff.NewCalculator(),
		budget:     budget,
		breaker:    breaker,
		logger:     logger,
	}
}

// Execute runs operation under the given retry config. It returns the
// attempt summary plus the terminal error: nil on success, the original
// error when it is not retryable, or a RetryError when attempts or budget
// ran out.
func (e *Executor) Execute(ctx context.Context, operation func(context.Context) error, cfg Config) (*types.RetryResult, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	result := &types.RetryResult{}
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.LastError = err.Error()
			return result, fmt.Errorf("retry cancelled: %w", err)
		}

		isRetry := attempt > 0
		if isRetry && cfg.RetryBudgetEnabled && e.budget != nil {
			if !e.budget.CanRetry() {
				e.logger.WithFields(logrus.Fields{
					"component": "retry_executor",
					"policy":    cfg.PolicyName,
					"attempt":   attempt,
				}).Warn("Retry budget exhausted, abandoning")
				result.LastError = budgetErrString(lastErr)
				return result, &errors.RetryError{Kind: errors.RetryBudgetExhausted, Attempts: attempt, LastErr: lastErr}
			}
		}
		if e.budget != nil && cfg.RetryBudgetEnabled {
			e.budget.RecordAttempt(isRetry)
		}

		var err error
		if cfg.CircuitBreakerEnabled && e.breaker != nil {
			err = e.breaker.Execute(func() error { return operation(ctx) })
		} else {
			err = operation(ctx)
		}
		result.Attempts = attempt + 1

		if err == nil {
			result.Success = true
			e.calculator.Reset()
			return result, nil
		}
		lastErr = err
		result.LastError = err.Error()

		if !cfg.retryable(err) {
			e.logger.WithFields(logrus.Fields{
				"component": "retry_executor",
				"policy":    cfg.PolicyName,
				"attempt":   attempt + 1,
			}).WithError(err).Debug("Error not retryable, surfacing")
			return result, err
		}

		if attempt == cfg.MaxAttempts-1 {
			return result, &errors.RetryError{Kind: errors.RetryExhausted, Attempts: attempt + 1, LastErr: lastErr}
		}

		delay := e.calculator.Delay(attempt+1, cfg.BackoffConfig())
		result.TotalDelay += delay

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		e.logger.WithFields(logrus.Fields{
			"component": "retry_executor",
			"policy":    cfg.PolicyName,
			"attempt":   attempt + 1,
			"delay":     delay.String(),
		}).WithError(err).Debug("Retrying after backoff")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	return result, &errors.RetryError{Kind: errors.RetryExhausted, Attempts: result.Attempts, LastErr: lastErr}
}

// NextDelay exposes the calculator for callers that schedule retries
// themselves, such as the DLQ handler computing next_retry_time.
func (e *Executor) NextDelay(attempt int, cfg Config) time.Duration {
	return e.calculator.Delay(attempt, cfg.BackoffConfig())
}

func budgetErrString(lastErr error) string {
	if lastErr != nil {
		return lastErr.Error()
	}
	return "retry budget exhausted"
}

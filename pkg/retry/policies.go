package retry

import (
	"time"

	"ontogate/pkg/backoff"
	"ontogate/pkg/errors"
)

// Config parameterizes one executor run.
type Config struct {
	PolicyName            string
	Strategy              backoff.Strategy
	MaxAttempts           int
	InitialDelay          time.Duration
	MaxDelay              time.Duration
	ExponentialBase       float64
	Jitter                bool
	JitterFactor          float64
	CircuitBreakerEnabled bool
	RetryBudgetEnabled    bool

	// RetryableFunc decides whether an error is worth another attempt.
	// Defaults to errors.IsRetryable.
	RetryableFunc func(error) bool
	// OnRetry fires before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// BackoffConfig projects the retry config onto the backoff calculator.
func (c Config) BackoffConfig() backoff.Config {
	strategy := c.Strategy
	if strategy == "" {
		strategy = backoff.StrategyExponentialWithJitter
	}
	mode := backoff.JitterMode("")
	if c.Jitter {
		mode = backoff.JitterPartial
	}
	return backoff.Config{
		Strategy:        strategy,
		InitialDelay:    c.InitialDelay,
		MaxDelay:        c.MaxDelay,
		ExponentialBase: c.ExponentialBase,
		JitterMode:      mode,
		JitterFactor:    c.JitterFactor,
	}
}

// retryable applies the configured predicate, falling back to the shared
// taxonomy decision.
func (c Config) retryable(err error) bool {
	if c.RetryableFunc != nil {
		return c.RetryableFunc(err)
	}
	return errors.IsRetryable(err)
}

// Named retry policies. Fixed parameters referenced by name from
// configuration and from the DLQ reason-to-policy map.
const (
	PolicyStandard     = "standard"
	PolicyNetwork      = "network"
	PolicyConservative = "conservative"
	PolicyDatabase     = "database"
	PolicyWebhook      = "webhook"
	PolicyValidation   = "validation"
	PolicyCritical     = "critical"
	PolicyAuth         = "auth"
)

var policies = map[string]Config{
	PolicyStandard: {
		PolicyName:         PolicyStandard,
		Strategy:           backoff.StrategyExponentialWithJitter,
		MaxAttempts:        3,
		InitialDelay:       1 * time.Second,
		MaxDelay:           30 * time.Second,
		ExponentialBase:    2.0,
		Jitter:             true,
		JitterFactor:       0.1,
		RetryBudgetEnabled: true,
	},
	PolicyNetwork: {
		PolicyName:            PolicyNetwork,
		Strategy:              backoff.StrategyExponentialWithJitter,
		MaxAttempts:           5,
		InitialDelay:          500 * time.Millisecond,
		MaxDelay:              15 * time.Second,
		ExponentialBase:       2.0,
		Jitter:                true,
		JitterFactor:          0.2,
		CircuitBreakerEnabled: true,
		RetryBudgetEnabled:    true,
	},
	PolicyConservative: {
		PolicyName:         PolicyConservative,
		Strategy:           backoff.StrategyExponential,
		MaxAttempts:        2,
		InitialDelay:       2 * time.Second,
		MaxDelay:           10 * time.Second,
		ExponentialBase:    2.0,
		RetryBudgetEnabled: true,
	},
	PolicyDatabase: {
		PolicyName:            PolicyDatabase,
		Strategy:              backoff.StrategyExponentialWithJitter,
		MaxAttempts:           4,
		InitialDelay:          250 * time.Millisecond,
		MaxDelay:              5 * time.Second,
		ExponentialBase:       2.0,
		Jitter:                true,
		JitterFactor:          0.25,
		CircuitBreakerEnabled: true,
		RetryBudgetEnabled:    true,
	},
	PolicyWebhook: {
		PolicyName:            PolicyWebhook,
		Strategy:              backoff.StrategyExponentialWithJitter,
		MaxAttempts:           5,
		InitialDelay:          1 * time.Second,
		MaxDelay:              60 * time.Second,
		ExponentialBase:       2.0,
		Jitter:                true,
		JitterFactor:          0.1,
		CircuitBreakerEnabled: true,
		RetryBudgetEnabled:    true,
	},
	PolicyValidation: {
		PolicyName:   PolicyValidation,
		Strategy:     backoff.StrategyFixed,
		MaxAttempts:  2,
		InitialDelay: 1 * time.Second,
		MaxDelay:     1 * time.Second,
	},
	PolicyCritical: {
		PolicyName:            PolicyCritical,
		Strategy:              backoff.StrategyDecorrelatedJitter,
		MaxAttempts:           7,
		InitialDelay:          1 * time.Second,
		MaxDelay:              120 * time.Second,
		ExponentialBase:       2.0,
		CircuitBreakerEnabled: true,
		RetryBudgetEnabled:    true,
	},
	PolicyAuth: {
		PolicyName:   PolicyAuth,
		Strategy:     backoff.StrategyFixed,
		MaxAttempts:  2,
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Second,
	},
}

// Policy returns a named retry policy. Unknown names fall back to standard.
func Policy(name string) Config {
	if cfg, ok := policies[name]; ok {
		return cfg
	}
	return policies[PolicyStandard]
}

// PolicyNames lists the registered policy names.
func PolicyNames() []string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	return names
}

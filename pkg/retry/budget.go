// Package retry provides the retry budget, the named retry policies, and
// the executor that orchestrates backoff, budget and circuit breaker around
// a user callable.
package retry

import (
	"sync"
	"sync/atomic"
	"time"

	"ontogate/pkg/types"
)

// BudgetConfig parameterizes the sliding-window retry budget.
type BudgetConfig struct {
	Window          time.Duration // observation window, default 60s
	BudgetPercent   float64       // max retries as percent of all attempts, default 20
	MinRequests     int           // below this many observations the budget always allows, default 10
	TokensPerSecond float64       // token bucket refill rate, default 1.0
	MaxTokens       float64       // token bucket capacity, default 10
}

type budgetAttempt struct {
	at      time.Time
	isRetry bool
}

// Budget is a sliding-window token bucket guarding the global retry rate.
// All methods are safe for concurrent use.
type Budget struct {
	mu         sync.Mutex
	config     BudgetConfig
	attempts   []budgetAttempt
	tokens     float64
	lastRefill time.Time
	denied     int64
}

// NewBudget creates a retry budget, applying defaults for zero values.
func NewBudget(config BudgetConfig) *Budget {
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.BudgetPercent <= 0 {
		config.BudgetPercent = 20.0
	}
	if config.MinRequests <= 0 {
		config.MinRequests = 10
	}
	if config.TokensPerSecond <= 0 {
		config.TokensPerSecond = 1.0
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 10.0
	}

	return &Budget{
		config:     config,
		attempts:   make([]budgetAttempt, 0, 128),
		tokens:     config.MaxTokens,
		lastRefill: time.Now(),
	}
}

// CanRetry reports whether another retry fits the budget: always true while
// the window holds fewer than MinRequests observations; otherwise the
// projected retry ratio must stay at or below BudgetPercent and at least one
// token must be available.
func (b *Budget) CanRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.pruneLocked(now)
	b.refillLocked(now)

	total := len(b.attempts)
	if total < b.config.MinRequests {
		return true
	}

	retries := 0
	for _, a := range b.attempts {
		if a.isRetry {
			retries++
		}
	}

	projected := float64(retries+1) / float64(total+1) * 100.0
	if projected > b.config.BudgetPercent {
		atomic.AddInt64(&b.denied, 1)
		return false
	}
	if b.tokens < 1.0 {
		atomic.AddInt64(&b.denied, 1)
		return false
	}
	return true
}

// RecordAttempt appends an observation to the window. Retries also consume
// one token.
func (b *Budget) RecordAttempt(isRetry bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.pruneLocked(now)
	b.attempts = append(b.attempts, budgetAttempt{at: now, isRetry: isRetry})

	if isRetry {
		b.refillLocked(now)
		b.tokens -= 1.0
		if b.tokens < 0 {
			b.tokens = 0
		}
	}
}

// GetStats returns the current budget snapshot.
func (b *Budget) GetStats() types.BudgetStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.pruneLocked(now)
	b.refillLocked(now)

	retries := 0
	for _, a := range b.attempts {
		if a.isRetry {
			retries++
		}
	}
	total := len(b.attempts)

	pct := 0.0
	if total > 0 {
		pct = float64(retries) / float64(total) * 100.0
	}

	return types.BudgetStats{
		WindowSeconds:   b.config.Window.Seconds(),
		TotalInWindow:   total,
		RetriesInWindow: retries,
		RetryPercent:    pct,
		TokensAvailable: b.tokens,
		Denied:          atomic.LoadInt64(&b.denied),
	}
}

// pruneLocked drops observations older than the window.
func (b *Budget) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.Window)
	idx := 0
	for idx < len(b.attempts) && b.attempts[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.attempts = append(b.attempts[:0], b.attempts[idx:]...)
	}
}

// refillLocked adds tokens for the elapsed time, capped at MaxTokens.
func (b *Budget) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.config.TokensPerSecond
	if b.tokens > b.config.MaxTokens {
		b.tokens = b.config.MaxTokens
	}
	b.lastRefill = now
}

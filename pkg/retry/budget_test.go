package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetAllowsBelowMinRequests(t *testing.T) {
	budget := NewBudget(BudgetConfig{
		Window:      60 * time.Second,
		MinRequests: 10,
	})

	// Even all-retry traffic is allowed while the window is sparse.
	for i := 0; i < 5; i++ {
		assert.True(t, budget.CanRetry())
		budget.RecordAttempt(true)
	}
}

func TestBudgetDeniesOnRatio(t *testing.T) {
	budget := NewBudget(BudgetConfig{
		Window:          60 * time.Second,
		BudgetPercent:   50,
		MinRequests:     4,
		TokensPerSecond: 100,
		MaxTokens:       100,
	})

	for i := 0; i < 4; i++ {
		budget.RecordAttempt(false)
	}
	// 4 observations, 0 retries: projected (0+1)/(4+1) = 20% <= 50%.
	assert.True(t, budget.CanRetry())

	for i := 0; i < 4; i++ {
		budget.RecordAttempt(true)
	}
	// 8 observations, 4 retries: projected (4+1)/(8+1) = 55.6% > 50%.
	assert.False(t, budget.CanRetry())

	stats := budget.GetStats()
	assert.Equal(t, 8, stats.TotalInWindow)
	assert.Equal(t, 4, stats.RetriesInWindow)
	assert.GreaterOrEqual(t, stats.Denied, int64(1))
}

func TestBudgetDeniesWhenTokensExhausted(t *testing.T) {
	budget := NewBudget(BudgetConfig{
		Window:          60 * time.Second,
		BudgetPercent:   100, // ratio never denies
		MinRequests:     1,
		TokensPerSecond: 0.001, // effectively no refill during the test
		MaxTokens:       2,
	})

	budget.RecordAttempt(false)
	require.True(t, budget.CanRetry())

	budget.RecordAttempt(true)
	budget.RecordAttempt(true)

	assert.False(t, budget.CanRetry(), "bucket should be empty after two retries")

	stats := budget.GetStats()
	assert.Less(t, stats.TokensAvailable, 1.0)
}

func TestBudgetWindowPruning(t *testing.T) {
	budget := NewBudget(BudgetConfig{
		Window:          50 * time.Millisecond,
		BudgetPercent:   10,
		MinRequests:     2,
		TokensPerSecond: 100,
		MaxTokens:       100,
	})

	for i := 0; i < 6; i++ {
		budget.RecordAttempt(true)
	}
	assert.False(t, budget.CanRetry(), "retry-heavy window should deny")

	// Once the observations age out the budget opens again.
	time.Sleep(80 * time.Millisecond)
	assert.True(t, budget.CanRetry())
	assert.Equal(t, 0, budget.GetStats().TotalInWindow)
}

func TestBudgetConcurrentAccess(t *testing.T) {
	budget := NewBudget(BudgetConfig{Window: time.Second})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(isRetry bool) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				budget.CanRetry()
				budget.RecordAttempt(isRetry)
				budget.GetStats()
			}
		}(i%2 == 0)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}

func TestBudgetDefaults(t *testing.T) {
	budget := NewBudget(BudgetConfig{})
	stats := budget.GetStats()
	assert.Equal(t, 60.0, stats.WindowSeconds)
	assert.Equal(t, 10.0, stats.TokensAvailable)
}

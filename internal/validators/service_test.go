package validators

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ontogate/pkg/cache"
	"ontogate/pkg/types"
)

func newTestService(t *testing.T, cfg types.ValidationServiceConfig) *Service {
	t.Helper()
	store := cache.NewMemoryCache(0)
	t.Cleanup(func() { store.Close() })
	return NewService(cfg, store, testLogger())
}

func validateAt(s *Service, data map[string]interface{}, level types.ValidationLevel) *types.ValidationResult {
	return s.Validate(context.Background(), &types.ValidationRequest{
		RequestID: "r-1",
		Data:      data,
		Level:     level,
		Scope:     types.ScopeData,
	})
}

func TestServiceLevelSelection(t *testing.T) {
	s := newTestService(t, types.ValidationServiceConfig{Enabled: true})

	withControlChar := map[string]interface{}{"name": "bad\x00value"}

	t.Run("minimal skips hygiene", func(t *testing.T) {
		result := validateAt(s, withControlChar, types.LevelMinimal)
		assert.True(t, result.IsValid)
	})

	t.Run("standard catches control characters", func(t *testing.T) {
		result := validateAt(s, withControlChar, types.LevelStandard)
		require.False(t, result.IsValid)
		_, ok := findingByCode(result.Errors, "control_characters")
		assert.True(t, ok)
	})

	withInjection := map[string]interface{}{"query": "x' OR '1'='1"}

	t.Run("standard skips injection scan", func(t *testing.T) {
		result := validateAt(s, withInjection, types.LevelStandard)
		assert.True(t, result.IsValid)
	})

	t.Run("strict catches injection", func(t *testing.T) {
		result := validateAt(s, withInjection, types.LevelStrict)
		require.False(t, result.IsValid)
		finding, ok := findingByCode(result.Errors, "sql_injection")
		require.True(t, ok)
		assert.Equal(t, types.SeverityCritical, finding.Severity)
		assert.LessOrEqual(t, result.SecurityScore, 60)
	})

	withOddKey := map[string]interface{}{"bad key!": "x"}

	t.Run("paranoid inspects keys", func(t *testing.T) {
		assert.True(t, validateAt(s, withOddKey, types.LevelStrict).IsValid)

		result := validateAt(s, withOddKey, types.LevelParanoid)
		require.False(t, result.IsValid)
		_, ok := findingByCode(result.Errors, "suspicious_key")
		assert.True(t, ok)
	})
}

func TestServiceStructureLimits(t *testing.T) {
	s := newTestService(t, types.ValidationServiceConfig{
		Enabled:         true,
		MaxDepth:        3,
		MaxStringLength: 10,
		MaxKeys:         2,
	})

	t.Run("depth", func(t *testing.T) {
		deep := map[string]interface{}{
			"a": map[string]interface{}{
				"b": map[string]interface{}{
					"c": map[string]interface{}{"d": "x"},
				},
			},
		}
		result := validateAt(s, deep, types.LevelMinimal)
		require.False(t, result.IsValid)
		_, ok := findingByCode(result.Errors, "max_depth_exceeded")
		assert.True(t, ok)
	})

	t.Run("string length", func(t *testing.T) {
		long := map[string]interface{}{"s": strings.Repeat("x", 11)}
		result := validateAt(s, long, types.LevelMinimal)
		require.False(t, result.IsValid)
		_, ok := findingByCode(result.Errors, "string_too_long")
		assert.True(t, ok)
	})

	t.Run("key count", func(t *testing.T) {
		wide := map[string]interface{}{"a": 1.0, "b": 2.0, "c": 3.0}
		result := validateAt(s, wide, types.LevelMinimal)
		require.False(t, result.IsValid)
		_, ok := findingByCode(result.Errors, "max_keys_exceeded")
		assert.True(t, ok)
	})
}

func TestServiceSkipRules(t *testing.T) {
	s := newTestService(t, types.ValidationServiceConfig{Enabled: true})

	data := map[string]interface{}{"query": "x' OR '1'='1"}
	result := s.Validate(context.Background(), &types.ValidationRequest{
		RequestID: "r-2",
		Data:      data,
		Level:     types.LevelStrict,
		Scope:     types.ScopeData,
		SkipRules: []string{"injection_scan"},
	})
	assert.True(t, result.IsValid)
}

func TestServiceResultCache(t *testing.T) {
	s := newTestService(t, types.ValidationServiceConfig{Enabled: true, CacheEnabled: true})

	data := map[string]interface{}{"name": "clean"}

	first := validateAt(s, data, types.LevelStandard)
	assert.False(t, first.CacheUsed)

	second := validateAt(s, data, types.LevelStandard)
	assert.True(t, second.CacheUsed)
	assert.Equal(t, first.IsValid, second.IsValid)

	// A different level is a different cache entry
	third := validateAt(s, data, types.LevelStrict)
	assert.False(t, third.CacheUsed)

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(2), stats.CacheMisses)
}

type staticRule struct {
	name     string
	levels   []types.ValidationLevel
	scopes   []types.ValidationScope
	findings []types.ValidationError
	calls    int
}

func (r *staticRule) Name() string                    { return r.name }
func (r *staticRule) Levels() []types.ValidationLevel { return r.levels }
func (r *staticRule) Scopes() []types.ValidationScope { return r.scopes }

func (r *staticRule) Apply(_ context.Context, _ *types.ValidationRequest) []types.ValidationError {
	r.calls++
	return r.findings
}

func TestServiceCustomRules(t *testing.T) {
	s := newTestService(t, types.ValidationServiceConfig{Enabled: true})

	rule := &staticRule{
		name:   "invoice_totals",
		levels: levelsFrom(types.LevelStandard),
		scopes: []types.ValidationScope{types.ScopeData},
		findings: []types.ValidationError{{
			Field: "total", Code: "total_mismatch",
			Category: types.CategoryBusiness, Severity: types.SeverityHigh,
		}},
	}
	require.NoError(t, s.RegisterRule(rule))
	assert.Contains(t, s.Rules(), "invoice_totals")

	err := s.RegisterRule(&staticRule{name: "invoice_totals", levels: levelsFrom(types.LevelMinimal)})
	require.Error(t, err, "duplicate rule names are rejected")

	data := map[string]interface{}{"total": 10.0}

	result := validateAt(s, data, types.LevelStandard)
	require.False(t, result.IsValid)
	_, ok := findingByCode(result.Errors, "total_mismatch")
	assert.True(t, ok)

	// MINIMAL is not in the rule's level set
	assert.True(t, validateAt(s, data, types.LevelMinimal).IsValid)

	// REQUEST scope is not in the rule's scope set
	reqScope := s.Validate(context.Background(), &types.ValidationRequest{
		Data: data, Level: types.LevelStandard, Scope: types.ScopeRequest,
	})
	assert.True(t, reqScope.IsValid)

	require.True(t, s.UnregisterRule("invoice_totals"))
	assert.False(t, s.UnregisterRule("invoice_totals"))
	assert.True(t, validateAt(s, data, types.LevelStandard).IsValid)
}

func TestServiceLowSeverityFindingsAreWarnings(t *testing.T) {
	s := newTestService(t, types.ValidationServiceConfig{Enabled: true})

	require.NoError(t, s.RegisterRule(&staticRule{
		name:   "style_hints",
		levels: levelsFrom(types.LevelMinimal),
		findings: []types.ValidationError{{
			Field: "label", Code: "label_style",
			Category: types.CategoryBusiness, Severity: types.SeverityLow,
		}},
	}))

	result := validateAt(s, map[string]interface{}{"label": "x"}, types.LevelStandard)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, 95, result.SecurityScore)
}

func TestServiceSecurityScoreFloor(t *testing.T) {
	s := newTestService(t, types.ValidationServiceConfig{Enabled: true})

	findings := make([]types.ValidationError, 4)
	for i := range findings {
		findings[i] = types.ValidationError{
			Field: "f", Code: "bad", Category: types.CategorySecurity,
			Severity: types.SeverityCritical,
		}
	}
	require.NoError(t, s.RegisterRule(&staticRule{
		name: "always_critical", levels: levelsFrom(types.LevelMinimal), findings: findings,
	}))

	result := validateAt(s, map[string]interface{}{"f": "x"}, types.LevelStandard)
	assert.False(t, result.IsValid)
	assert.Equal(t, 0, result.SecurityScore)
}

func TestServiceDisabled(t *testing.T) {
	s := NewService(types.ValidationServiceConfig{Enabled: false}, nil, testLogger())

	result := validateAt(s, map[string]interface{}{"query": "x' OR '1'='1"}, types.LevelParanoid)
	assert.True(t, result.IsValid)
	assert.Equal(t, true, result.Metadata["skipped"])
	assert.Zero(t, s.GetStats().Validations)
}

func TestServiceDefaultLevelApplied(t *testing.T) {
	s := newTestService(t, types.ValidationServiceConfig{Enabled: true, DefaultLevel: "STRICT"})

	result := s.Validate(context.Background(), &types.ValidationRequest{
		Data:  map[string]interface{}{"query": "x' OR '1'='1"},
		Scope: types.ScopeData,
	})
	assert.False(t, result.IsValid)
	assert.Equal(t, types.LevelStrict, result.Level)
}

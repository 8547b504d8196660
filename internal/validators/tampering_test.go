package validators

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type captureAuditor struct {
	mu     sync.Mutex
	events []*types.AuditEvent
}

func (a *captureAuditor) SubmitAuditEvent(_ context.Context, event *types.AuditEvent) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

func (a *captureAuditor) Events() []*types.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*types.AuditEvent(nil), a.events...)
}

func diffCtx(author string, diff map[string]interface{}) *types.DiffContext {
	return &types.DiffContext{
		Meta: types.CommitMeta{
			Database:  "orders",
			Branch:    "dev/payments/schema-v3",
			CommitID:  "c-1",
			Author:    author,
			TraceID:   "t-1",
			Timestamp: time.Now(),
		},
		Diff: diff,
	}
}

func requireFailure(t *testing.T, err error) *errors.ValidationFailure {
	t.Helper()
	require.Error(t, err)
	var vf *errors.ValidationFailure
	require.True(t, stderrors.As(err, &vf))
	return vf
}

func findingByCode(findings []types.ValidationError, code string) (types.ValidationError, bool) {
	for _, f := range findings {
		if f.Code == code {
			return f, true
		}
	}
	return types.ValidationError{}, false
}

func TestTamperingProtectedFields(t *testing.T) {
	v := NewTamperingValidator(TamperingConfig{Enabled: true, Strict: true}, testLogger())

	diff := map[string]interface{}{
		"created_by": "mallory",
		"label":      "harmless",
	}
	vf := requireFailure(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

	finding, ok := findingByCode(vf.Errors, "protected_field_change")
	require.True(t, ok)
	assert.Equal(t, "created_by", finding.Field)
	assert.Equal(t, types.CategorySecurity, finding.Category)
	assert.Equal(t, types.SeverityCritical, finding.Severity)

	// System identities may touch protected metadata
	assert.NoError(t, v.Validate(context.Background(), diffCtx("system@indexer", diff)))
}

func TestTamperingNestedProtectedField(t *testing.T) {
	v := NewTamperingValidator(TamperingConfig{Enabled: true, Strict: true}, testLogger())

	diff := map[string]interface{}{
		"properties": map[string]interface{}{"_rev": "9-abcdef"},
	}
	vf := requireFailure(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

	finding, ok := findingByCode(vf.Errors, "protected_field_change")
	require.True(t, ok)
	assert.Equal(t, "properties._rev", finding.Field)
}

func TestTamperingSuspiciousPatterns(t *testing.T) {
	v := NewTamperingValidator(TamperingConfig{Enabled: true, Strict: true}, testLogger())

	cases := map[string]struct {
		value string
		code  string
	}{
		"script":    {"<script>alert(1)</script>", "script_injection"},
		"sql":       {"name' OR '1'='1", "sql_injection"},
		"prototype": {"obj.__proto__.polluted", "prototype_pollution"},
		"traversal": {"../../etc/passwd", "path_traversal"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			diff := map[string]interface{}{"description": tc.value}
			vf := requireFailure(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

			finding, ok := findingByCode(vf.Errors, tc.code)
			require.True(t, ok, "expected code %s in %v", tc.code, vf.Errors)
			assert.Equal(t, "description", finding.Field)
			assert.Equal(t, types.SeverityCritical, finding.Severity)
		})
	}
}

func TestTamperingLaxModeAuditsAndPasses(t *testing.T) {
	v := NewTamperingValidator(TamperingConfig{Enabled: true, Strict: false}, testLogger())
	auditor := &captureAuditor{}
	v.SetAuditReporter(auditor)

	diff := map[string]interface{}{"created_at": "2026-01-01T00:00:00Z"}
	require.NoError(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

	events := auditor.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "VALIDATION_BYPASS", events[0].EventType)
	assert.Equal(t, "CRITICAL", events[0].Severity)
	assert.Equal(t, "tampering_check", events[0].Metadata["bypass_type"])
	assert.Equal(t, "alice@co", events[0].UserID)
}

func TestTamperingSetStrict(t *testing.T) {
	v := NewTamperingValidator(TamperingConfig{Enabled: true, Strict: false}, testLogger())
	diff := map[string]interface{}{"_id": "doc-1"}

	require.NoError(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

	v.SetStrict(true)
	requireFailure(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))
}

func TestTamperingCleanDiff(t *testing.T) {
	v := NewTamperingValidator(TamperingConfig{Enabled: true, Strict: true}, testLogger())

	diff := map[string]interface{}{
		"@type": "ObjectType",
		"@id":   "Invoice",
		"label": "An invoice",
	}
	assert.NoError(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))
}

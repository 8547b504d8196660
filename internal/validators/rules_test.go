package validators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ontogate/pkg/types"
)

func newRuleValidator(t *testing.T, cfg RuleConfig) *RuleValidator {
	t.Helper()
	service := newTestService(t, types.ValidationServiceConfig{Enabled: true})
	return NewRuleValidator(cfg, service, testLogger())
}

func TestRuleValidatorStrictBlocks(t *testing.T) {
	v := newRuleValidator(t, RuleConfig{Enabled: true, Strict: true, Level: "STRICT"})

	diff := map[string]interface{}{"query": "x' OR '1'='1"}
	vf := requireFailure(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

	_, ok := findingByCode(vf.Errors, "sql_injection")
	assert.True(t, ok)
}

func TestRuleValidatorLaxModeAudits(t *testing.T) {
	v := newRuleValidator(t, RuleConfig{Enabled: true, Strict: false, Level: "STRICT"})
	auditor := &captureAuditor{}
	v.SetAuditReporter(auditor)

	diff := map[string]interface{}{"query": "x' OR '1'='1"}
	require.NoError(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

	events := auditor.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "VALIDATION_BYPASS", events[0].EventType)
	assert.Equal(t, "rule_engine", events[0].Metadata["bypass_type"])
}

func TestRuleValidatorValidDiff(t *testing.T) {
	v := newRuleValidator(t, RuleConfig{Enabled: true, Strict: true, Level: "STRICT"})
	auditor := &captureAuditor{}
	v.SetAuditReporter(auditor)

	diff := map[string]interface{}{"@type": "ObjectType", "@id": "Invoice"}
	require.NoError(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))
	assert.Empty(t, auditor.Events())
}

func TestRuleValidatorSetStrict(t *testing.T) {
	v := newRuleValidator(t, RuleConfig{Enabled: true, Strict: false, Level: "STRICT"})

	diff := map[string]interface{}{"path": "../../secret"}
	require.NoError(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

	v.SetStrict(true)
	requireFailure(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))
}

func TestRuleValidatorSkipRules(t *testing.T) {
	service := newTestService(t, types.ValidationServiceConfig{Enabled: true})
	v := NewRuleValidator(RuleConfig{
		Enabled: true, Strict: true, Level: "STRICT",
		SkipRules: []string{"injection_scan"},
	}, service, testLogger())

	diff := map[string]interface{}{"query": "x' OR '1'='1"}
	assert.NoError(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))
}

func TestRuleValidatorDisabledWithoutService(t *testing.T) {
	v := NewRuleValidator(RuleConfig{Enabled: true}, nil, testLogger())
	assert.False(t, v.Enabled())
}

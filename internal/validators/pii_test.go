package validators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ontogate/pkg/types"
)

func TestPIIDetectsSSN(t *testing.T) {
	v := NewPIIValidator(PIIConfig{Enabled: true}, testLogger())

	diff := map[string]interface{}{"notes": "customer SSN is 123-45-6789"}
	vf := requireFailure(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

	finding, ok := findingByCode(vf.Errors, "pii_ssn")
	require.True(t, ok)
	assert.Equal(t, "notes", finding.Field)
	assert.Equal(t, types.SeverityHigh, finding.Severity)
}

func TestPIIDetectsCreditCard(t *testing.T) {
	v := NewPIIValidator(PIIConfig{Enabled: true}, testLogger())

	diff := map[string]interface{}{
		"payment": map[string]interface{}{"memo": "card 4111 1111 1111 1111 on file"},
	}
	vf := requireFailure(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

	finding, ok := findingByCode(vf.Errors, "pii_credit_card")
	require.True(t, ok)
	assert.Equal(t, "payment.memo", finding.Field)
}

func TestPIIDetectsPhone(t *testing.T) {
	v := NewPIIValidator(PIIConfig{Enabled: true}, testLogger())

	diff := map[string]interface{}{"support": "call (555) 123-4567 for help"}
	vf := requireFailure(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

	_, ok := findingByCode(vf.Errors, "pii_phone")
	assert.True(t, ok)
}

func TestPIIEmailAllowList(t *testing.T) {
	v := NewPIIValidator(PIIConfig{Enabled: true}, testLogger())

	allowed := map[string]interface{}{"contact_email": "bob@example.com"}
	assert.NoError(t, v.Validate(context.Background(), diffCtx("alice@co", allowed)))

	flagged := map[string]interface{}{"description": "reach bob@example.com for details"}
	vf := requireFailure(t, v.Validate(context.Background(), diffCtx("alice@co", flagged)))

	finding, ok := findingByCode(vf.Errors, "pii_email")
	require.True(t, ok)
	assert.Equal(t, "description", finding.Field)
}

func TestPIIAllowListAppliesToLeafField(t *testing.T) {
	v := NewPIIValidator(PIIConfig{Enabled: true}, testLogger())

	diff := map[string]interface{}{
		"metadata": map[string]interface{}{"owner_email": "ops@example.com"},
	}
	assert.NoError(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))
}

func TestPIICustomAllowList(t *testing.T) {
	v := NewPIIValidator(PIIConfig{Enabled: true, AllowedEmailFields: []string{"support_contact"}}, testLogger())

	diff := map[string]interface{}{"support_contact": "help@example.com"}
	assert.NoError(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))

	// The default allow-list is replaced, not extended
	flagged := map[string]interface{}{"contact_email": "bob@example.com"}
	requireFailure(t, v.Validate(context.Background(), diffCtx("alice@co", flagged)))
}

func TestPIICleanDiff(t *testing.T) {
	v := NewPIIValidator(PIIConfig{Enabled: true}, testLogger())

	diff := map[string]interface{}{
		"@type":   "ObjectType",
		"@id":     "Invoice",
		"label":   "Invoice record",
		"version": "v2 build 2026",
	}
	assert.NoError(t, v.Validate(context.Background(), diffCtx("alice@co", diff)))
}

func TestPIIDisabled(t *testing.T) {
	v := NewPIIValidator(PIIConfig{Enabled: false}, testLogger())
	assert.False(t, v.Enabled())
}

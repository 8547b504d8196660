package validators

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

// RuleConfig configures the rule validator.
type RuleConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Strict    bool     `yaml:"strict"` // strict blocks the commit, lax audits and continues
	Level     string   `yaml:"level"`  // validation level for commit diffs, default STANDARD
	SkipRules []string `yaml:"skip_rules"`
}

// RuleValidator delegates the commit diff to the enterprise validation
// service. In strict mode an invalid result fails the commit; in lax mode
// it becomes an auditable bypass.
type RuleValidator struct {
	logger  *logrus.Logger
	service *Service
	auditor types.AuditReporter

	enabled   bool
	level     types.ValidationLevel
	skipRules []string

	strict bool
	mu     sync.RWMutex
}

func NewRuleValidator(cfg RuleConfig, service *Service, logger *logrus.Logger) *RuleValidator {
	if logger == nil {
		logger = logrus.New()
	}
	level := types.ValidationLevel(cfg.Level)
	if level == "" {
		level = types.LevelStandard
	}
	return &RuleValidator{
		logger:    logger,
		service:   service,
		enabled:   cfg.Enabled,
		level:     level,
		skipRules: cfg.SkipRules,
		strict:    cfg.Strict,
	}
}

func (v *RuleValidator) Name() string  { return "rules" }
func (v *RuleValidator) Enabled() bool { return v.enabled && v.service != nil }

func (v *RuleValidator) Initialize(_ context.Context) error { return nil }
func (v *RuleValidator) Cleanup() error                     { return nil }

// SetStrict toggles strict mode. Used by config hot reload.
func (v *RuleValidator) SetStrict(strict bool) {
	v.mu.Lock()
	v.strict = strict
	v.mu.Unlock()
}

// SetAuditReporter wires the audit path used for lax-mode bypass events.
func (v *RuleValidator) SetAuditReporter(r types.AuditReporter) {
	v.mu.Lock()
	v.auditor = r
	v.mu.Unlock()
}

func (v *RuleValidator) Validate(ctx context.Context, dc *types.DiffContext) error {
	req := &types.ValidationRequest{
		RequestID: dc.Meta.TraceID,
		Data:      dc.Diff,
		Level:     v.level,
		Scope:     types.ScopeData,
		SkipRules: v.skipRules,
		Context: map[string]interface{}{
			"branch":   dc.Meta.Branch,
			"author":   dc.Meta.Author,
			"database": dc.Meta.Database,
		},
	}

	result := v.service.Validate(ctx, req)
	if result.IsValid {
		return nil
	}

	findings := result.Errors
	if len(findings) == 0 {
		// Invalid purely on the score threshold
		findings = []types.ValidationError{{
			Field:    "security_score",
			Code:     "security_score_below_minimum",
			Message:  fmt.Sprintf("security score %d is below the configured minimum", result.SecurityScore),
			Category: types.CategorySecurity,
			Severity: types.SeverityHigh,
		}}
	}

	v.mu.RLock()
	strict := v.strict
	auditor := v.auditor
	v.mu.RUnlock()

	if strict {
		return errors.NewValidationFailure(findings)
	}

	codes := findingCodes(findings)
	v.logger.WithFields(logrus.Fields{
		"component":      "rule_validator",
		"branch":         dc.Meta.Branch,
		"author":         dc.Meta.Author,
		"security_score": result.SecurityScore,
		"findings":       codes,
	}).Warn("Rule engine rejected commit, allowed in lax mode")

	if auditor != nil {
		event := &types.AuditEvent{
			EventType:     "VALIDATION_BYPASS",
			EventCategory: "validation",
			Severity:      "HIGH",
			UserID:        dc.Meta.Author,
			Username:      dc.Meta.Author,
			TargetType:    "diff",
			TargetID:      dc.Meta.CommitID,
			Operation:     types.AuditOpWrite,
			Branch:        dc.Meta.Branch,
			CommitID:      dc.Meta.CommitID,
			TerminusDB:    dc.Meta.Database,
			RequestID:     dc.Meta.TraceID,
			Metadata: map[string]interface{}{
				"bypass_type":    "rule_engine",
				"security_score": result.SecurityScore,
				"codes":          codes,
			},
			Timestamp: time.Now(),
		}
		if err := auditor.SubmitAuditEvent(ctx, event); err != nil {
			v.logger.WithError(err).WithField("component", "rule_validator").
				Warn("Failed to report rule bypass")
		}
	}
	return nil
}

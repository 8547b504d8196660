package validators

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

// Metadata fields only system identities may touch.
var protectedFields = map[string]bool{
	"created_by": true,
	"created_at": true,
	"_id":        true,
	"_rev":       true,
}

const systemAuthorPrefix = "system@"

// TamperingConfig configures the tampering validator.
type TamperingConfig struct {
	Enabled bool `yaml:"enabled"`
	Strict  bool `yaml:"strict"` // strict fails the commit, lax audits and continues
}

// TamperingValidator detects modifications to protected metadata fields by
// non-system authors and scans string values for a fixed set of injection
// patterns. In strict mode findings fail the commit; in lax mode they are
// logged as CRITICAL and reported as an audit bypass.
type TamperingValidator struct {
	logger  *logrus.Logger
	auditor types.AuditReporter

	enabled bool
	strict  bool
	mu      sync.RWMutex
}

func NewTamperingValidator(cfg TamperingConfig, logger *logrus.Logger) *TamperingValidator {
	if logger == nil {
		logger = logrus.New()
	}
	return &TamperingValidator{
		logger:  logger,
		enabled: cfg.Enabled,
		strict:  cfg.Strict,
	}
}

func (v *TamperingValidator) Name() string  { return "tampering" }
func (v *TamperingValidator) Enabled() bool { return v.enabled }

func (v *TamperingValidator) Initialize(_ context.Context) error { return nil }
func (v *TamperingValidator) Cleanup() error                     { return nil }

// SetStrict toggles strict mode. Used by config hot reload.
func (v *TamperingValidator) SetStrict(strict bool) {
	v.mu.Lock()
	v.strict = strict
	v.mu.Unlock()
}

// SetAuditReporter wires the audit path used for lax-mode bypass events.
func (v *TamperingValidator) SetAuditReporter(r types.AuditReporter) {
	v.mu.Lock()
	v.auditor = r
	v.mu.Unlock()
}

func (v *TamperingValidator) Validate(ctx context.Context, dc *types.DiffContext) error {
	findings := v.scan(dc)
	if len(findings) == 0 {
		return nil
	}

	v.mu.RLock()
	strict := v.strict
	auditor := v.auditor
	v.mu.RUnlock()

	tamperingFindingsTotal.WithLabelValues(mode(strict)).Add(float64(len(findings)))

	if strict {
		return errors.NewValidationFailure(findings)
	}

	// Lax mode: the commit proceeds but the detection is loud
	codes := findingCodes(findings)
	v.logger.WithFields(logrus.Fields{
		"component": "tampering_validator",
		"severity":  "CRITICAL",
		"branch":    dc.Meta.Branch,
		"author":    dc.Meta.Author,
		"findings":  codes,
	}).Error("Tampering patterns detected, commit allowed in lax mode")

	if auditor != nil {
		event := &types.AuditEvent{
			EventType:     "VALIDATION_BYPASS",
			EventCategory: "security",
			Severity:      "CRITICAL",
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
				"bypass_type":   "tampering_check",
				"finding_count": len(findings),
				"codes":         codes,
			},
			Timestamp: time.Now(),
		}
		if err := auditor.SubmitAuditEvent(ctx, event); err != nil {
			v.logger.WithError(err).WithField("component", "tampering_validator").
				Warn("Failed to report tampering bypass")
		}
	}
	return nil
}

// scan collects protected-field and pattern findings from the diff.
func (v *TamperingValidator) scan(dc *types.DiffContext) []types.ValidationError {
	var findings []types.ValidationError

	if !strings.HasPrefix(dc.Meta.Author, systemAuthorPrefix) {
		walkFields("", dc.Diff, func(path, key string, _ interface{}) {
			if protectedFields[key] {
				findings = append(findings, types.ValidationError{
					Field:    path,
					Code:     "protected_field_change",
					Message:  fmt.Sprintf("field %q may only be modified by system processes", key),
					Category: types.CategorySecurity,
					Severity: types.SeverityCritical,
				})
			}
		})
	}

	walkStrings("", dc.Diff, func(path, value string) {
		for _, code := range scanSuspicious(value) {
			findings = append(findings, types.ValidationError{
				Field:    path,
				Code:     code,
				Message:  fmt.Sprintf("suspicious content in field %q", path),
				Category: types.CategorySecurity,
				Severity: types.SeverityCritical,
			})
		}
	})
	return findings
}

func mode(strict bool) string {
	if strict {
		return "strict"
	}
	return "lax"
}

func findingCodes(findings []types.ValidationError) []string {
	codes := make([]string, 0, len(findings))
	for _, f := range findings {
		codes = append(codes, f.Code)
	}
	return codes
}

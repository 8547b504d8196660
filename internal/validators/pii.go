package validators

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

type piiPattern struct {
	code string
	re   *regexp.Regexp
}

var piiPatterns = []piiPattern{
	{"pii_ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"pii_credit_card", regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`)},
	{"pii_phone", regexp.MustCompile(`\b(?:\+1[ .-]?)?\(?\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`)},
}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// Field names where an email address is legitimate content.
var defaultAllowedEmailFields = []string{
	"email", "contact_email", "owner_email", "author",
	"created_by", "modified_by", "last_modified_by",
}

// PIIConfig configures the PII validator.
type PIIConfig struct {
	Enabled            bool     `yaml:"enabled"`
	AllowedEmailFields []string `yaml:"allowed_email_fields"`
}

// PIIValidator scans all string values in the diff for personally
// identifiable information. Findings always fail the commit.
type PIIValidator struct {
	logger        *logrus.Logger
	enabled       bool
	allowedEmails map[string]bool
}

func NewPIIValidator(cfg PIIConfig, logger *logrus.Logger) *PIIValidator {
	if logger == nil {
		logger = logrus.New()
	}

	allowed := cfg.AllowedEmailFields
	if len(allowed) == 0 {
		allowed = defaultAllowedEmailFields
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, field := range allowed {
		allowedSet[field] = true
	}

	return &PIIValidator{
		logger:        logger,
		enabled:       cfg.Enabled,
		allowedEmails: allowedSet,
	}
}

func (v *PIIValidator) Name() string  { return "pii" }
func (v *PIIValidator) Enabled() bool { return v.enabled }

func (v *PIIValidator) Initialize(_ context.Context) error { return nil }
func (v *PIIValidator) Cleanup() error                     { return nil }

func (v *PIIValidator) Validate(_ context.Context, dc *types.DiffContext) error {
	var findings []types.ValidationError

	walkStrings("", dc.Diff, func(path, value string) {
		for _, p := range piiPatterns {
			if p.re.MatchString(value) {
				findings = append(findings, piiFinding(path, p.code))
			}
		}
		if emailPattern.MatchString(value) && !v.allowedEmails[leafField(path)] {
			findings = append(findings, piiFinding(path, "pii_email"))
		}
	})

	if len(findings) == 0 {
		return nil
	}

	for _, f := range findings {
		piiFindingsTotal.WithLabelValues(f.Code).Inc()
	}
	v.logger.WithFields(logrus.Fields{
		"component": "pii_validator",
		"branch":    dc.Meta.Branch,
		"findings":  len(findings),
	}).Warn("PII detected in diff")
	return errors.NewValidationFailure(findings)
}

func piiFinding(path, code string) types.ValidationError {
	return types.ValidationError{
		Field:        path,
		Code:         code,
		Message:      fmt.Sprintf("field %q appears to contain %s", path, piiLabel(code)),
		Category:     types.CategorySecurity,
		Severity:     types.SeverityHigh,
		SuggestedFix: "remove or mask the value before committing",
	}
}

func piiLabel(code string) string {
	switch code {
	case "pii_ssn":
		return "a social security number"
	case "pii_credit_card":
		return "a credit card number"
	case "pii_phone":
		return "a phone number"
	case "pii_email":
		return "an email address"
	}
	return "personal data"
}

package validators

import (
	"context"
	"fmt"
	"regexp"

	"ontogate/pkg/types"
)

// structureLimitsRule guards payload shape: nesting depth, per-object key
// count, per-string length. Runs at every level.
type structureLimitsRule struct {
	maxDepth        int
	maxStringLength int
	maxKeys         int
}

func (r *structureLimitsRule) Name() string                    { return "structure_limits" }
func (r *structureLimitsRule) Levels() []types.ValidationLevel { return levelsFrom(types.LevelMinimal) }
func (r *structureLimitsRule) Scopes() []types.ValidationScope { return nil }

func (r *structureLimitsRule) Apply(_ context.Context, req *types.ValidationRequest) []types.ValidationError {
	var findings []types.ValidationError
	depthReported := false

	var walk func(path string, node interface{}, depth int)
	walk = func(path string, node interface{}, depth int) {
		if depth > r.maxDepth {
			if !depthReported {
				depthReported = true
				findings = append(findings, types.ValidationError{
					Field:    path,
					Code:     "max_depth_exceeded",
					Message:  fmt.Sprintf("nesting depth exceeds the limit of %d", r.maxDepth),
					Category: types.CategoryPerformance,
					Severity: types.SeverityHigh,
				})
			}
			return
		}
		switch v := node.(type) {
		case map[string]interface{}:
			if len(v) > r.maxKeys {
				findings = append(findings, types.ValidationError{
					Field:    path,
					Code:     "max_keys_exceeded",
					Message:  fmt.Sprintf("object has %d keys, limit is %d", len(v), r.maxKeys),
					Category: types.CategoryPerformance,
					Severity: types.SeverityHigh,
				})
			}
			for _, key := range sortedMapKeys(v) {
				walk(childPath(path, key), v[key], depth+1)
			}
		case []interface{}:
			for i, child := range v {
				walk(fmt.Sprintf("%s[%d]", path, i), child, depth+1)
			}
		case string:
			if len(v) > r.maxStringLength {
				findings = append(findings, types.ValidationError{
					Field:    path,
					Code:     "string_too_long",
					Message:  fmt.Sprintf("string of %d bytes exceeds the limit of %d", len(v), r.maxStringLength),
					Category: types.CategoryPerformance,
					Severity: types.SeverityHigh,
				})
			}
		}
	}
	walk("", req.Data, 1)
	return findings
}

// stringHygieneRule rejects control characters in string values.
type stringHygieneRule struct{}

func (r *stringHygieneRule) Name() string                    { return "string_hygiene" }
func (r *stringHygieneRule) Levels() []types.ValidationLevel { return levelsFrom(types.LevelStandard) }
func (r *stringHygieneRule) Scopes() []types.ValidationScope { return nil }

func (r *stringHygieneRule) Apply(_ context.Context, req *types.ValidationRequest) []types.ValidationError {
	var findings []types.ValidationError
	walkStrings("", req.Data, func(path, value string) {
		for _, ch := range value {
			if ch < 0x20 && ch != '\t' && ch != '\n' && ch != '\r' {
				findings = append(findings, types.ValidationError{
					Field:    path,
					Code:     "control_characters",
					Message:  fmt.Sprintf("field %q contains control characters", path),
					Category: types.CategorySyntax,
					Severity: types.SeverityMedium,
				})
				break
			}
		}
	})
	return findings
}

// injectionScanRule runs the shared suspicious-pattern set over string
// values at STRICT and above.
type injectionScanRule struct{}

func (r *injectionScanRule) Name() string                    { return "injection_scan" }
func (r *injectionScanRule) Levels() []types.ValidationLevel { return levelsFrom(types.LevelStrict) }
func (r *injectionScanRule) Scopes() []types.ValidationScope {
	return []types.ValidationScope{types.ScopeRequest, types.ScopeData, types.ScopeSecurity}
}

func (r *injectionScanRule) Apply(_ context.Context, req *types.ValidationRequest) []types.ValidationError {
	var findings []types.ValidationError
	walkStrings("", req.Data, func(path, value string) {
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

var keyNamePattern = regexp.MustCompile(`^[@A-Za-z_][A-Za-z0-9_.:/@-]*$`)

// keyNamingRule inspects map keys themselves, PARANOID only. Keys must
// follow the naming convention and must not carry injection payloads.
type keyNamingRule struct{}

func (r *keyNamingRule) Name() string                    { return "key_naming" }
func (r *keyNamingRule) Levels() []types.ValidationLevel { return levelsFrom(types.LevelParanoid) }
func (r *keyNamingRule) Scopes() []types.ValidationScope { return nil }

func (r *keyNamingRule) Apply(_ context.Context, req *types.ValidationRequest) []types.ValidationError {
	var findings []types.ValidationError
	walkFields("", req.Data, func(path, key string, _ interface{}) {
		if codes := scanSuspicious(key); len(codes) > 0 {
			findings = append(findings, types.ValidationError{
				Field:    path,
				Code:     codes[0],
				Message:  fmt.Sprintf("object key %q carries a suspicious payload", key),
				Category: types.CategorySecurity,
				Severity: types.SeverityCritical,
			})
			return
		}
		if !keyNamePattern.MatchString(key) {
			findings = append(findings, types.ValidationError{
				Field:    path,
				Code:     "suspicious_key",
				Message:  fmt.Sprintf("object key %q does not follow the naming convention", key),
				Category: types.CategorySyntax,
				Severity: types.SeverityMedium,
			})
		}
	})
	return findings
}

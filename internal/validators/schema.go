package validators

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_/-]*$`)
	typeNamePattern   = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
)

var (
	defaultReservedPrefixes  = []string{"sys:", "terminus:", "_"}
	defaultProtectedPurposes = []string{"main", "master", "production"}
)

// FieldConstraint is one typed field rule inside a type schema.
type FieldConstraint struct {
	Type      string   `yaml:"type" json:"type"` // string, integer, number, boolean, datetime
	Required  bool     `yaml:"required" json:"required"`
	MinLength int      `yaml:"min_length" json:"min_length,omitempty"`
	MaxLength int      `yaml:"max_length" json:"max_length,omitempty"`
	Pattern   string   `yaml:"pattern" json:"pattern,omitempty"`
	Enum      []string `yaml:"enum" json:"enum,omitempty"`
}

// TypeSchema is the full rule set for one "@type".
type TypeSchema struct {
	Fields map[string]FieldConstraint `yaml:"fields" json:"fields"`
}

// SchemaConfig configures the schema validator.
type SchemaConfig struct {
	Enabled           bool                  `yaml:"enabled"`
	Schemas           map[string]TypeSchema `yaml:"schemas"`
	ProtectedPurposes []string              `yaml:"protected_purposes"`
	ReservedPrefixes  []string              `yaml:"reserved_prefixes"`
	CacheTTLSeconds   int                   `yaml:"cache_ttl_s"`
}

// SchemaValidator checks every typed object in the diff against a resolved
// schema definition plus the platform business rules (naming conventions,
// reserved prefixes, protected branches). Schema definitions come from
// configuration first, then from the storage cache under "schema:{type}".
type SchemaValidator struct {
	cfg    SchemaConfig
	logger *logrus.Logger
	cache  types.Cache

	protectedPurposes map[string]bool
	reservedPrefixes  []string

	compiled map[string]*regexp.Regexp
	mu       sync.Mutex
}

func NewSchemaValidator(cfg SchemaConfig, cache types.Cache, logger *logrus.Logger) *SchemaValidator {
	if logger == nil {
		logger = logrus.New()
	}

	purposes := cfg.ProtectedPurposes
	if len(purposes) == 0 {
		purposes = defaultProtectedPurposes
	}
	purposeSet := make(map[string]bool, len(purposes))
	for _, p := range purposes {
		purposeSet[p] = true
	}

	prefixes := cfg.ReservedPrefixes
	if len(prefixes) == 0 {
		prefixes = defaultReservedPrefixes
	}

	return &SchemaValidator{
		cfg:               cfg,
		logger:            logger,
		cache:             cache,
		protectedPurposes: purposeSet,
		reservedPrefixes:  prefixes,
		compiled:          make(map[string]*regexp.Regexp),
	}
}

func (v *SchemaValidator) Name() string  { return "schema" }
func (v *SchemaValidator) Enabled() bool { return v.cfg.Enabled }

func (v *SchemaValidator) Initialize(_ context.Context) error { return nil }
func (v *SchemaValidator) Cleanup() error                     { return nil }

func (v *SchemaValidator) Validate(ctx context.Context, dc *types.DiffContext) error {
	var findings []types.ValidationError

	findings = append(findings, v.checkBranch(dc)...)

	walkObjects("", dc.Diff, func(path string, obj map[string]interface{}) {
		findings = append(findings, v.checkObject(ctx, path, obj)...)
	})

	if len(findings) == 0 {
		return nil
	}
	schemaViolationsTotal.Add(float64(len(findings)))
	return errors.NewValidationFailure(findings)
}

// checkBranch enforces that protected branch purposes only take commits
// from system identities.
func (v *SchemaValidator) checkBranch(dc *types.DiffContext) []types.ValidationError {
	_, _, purpose, err := dc.Meta.BranchParts()
	if err != nil {
		return nil // malformed branches are rejected at context build
	}
	if !v.protectedPurposes[purpose] || strings.HasPrefix(dc.Meta.Author, systemAuthorPrefix) {
		return nil
	}
	return []types.ValidationError{{
		Field:    "branch",
		Code:     "protected_branch",
		Message:  fmt.Sprintf("branch purpose %q only accepts commits from system processes", purpose),
		Category: types.CategoryBusiness,
		Severity: types.SeverityHigh,
	}}
}

func (v *SchemaValidator) checkObject(ctx context.Context, path string, obj map[string]interface{}) []types.ValidationError {
	var findings []types.ValidationError
	typeName, _ := obj["@type"].(string)

	if !typeNamePattern.MatchString(typeName) {
		findings = append(findings, types.ValidationError{
			Field:    fieldPath(path, "@type"),
			Code:     "invalid_type_name",
			Message:  fmt.Sprintf("type name %q does not follow the CamelCase convention", typeName),
			Category: types.CategoryBusiness,
			Severity: types.SeverityMedium,
		})
	}

	if id, ok := obj["@id"].(string); ok {
		findings = append(findings, v.checkIdentifier(path, id)...)
	}

	schema, ok := v.resolveSchema(ctx, typeName)
	if !ok {
		v.logger.WithFields(logrus.Fields{
			"component": "schema_validator",
			"type":      typeName,
		}).Debug("No schema definition for type, skipping field checks")
		return findings
	}

	for _, name := range sortedConstraintNames(schema.Fields) {
		constraint := schema.Fields[name]
		value, present := obj[name]
		if !present {
			if constraint.Required {
				findings = append(findings, types.ValidationError{
					Field:    fieldPath(path, name),
					Code:     "missing_field",
					Message:  fmt.Sprintf("required field %q is missing", name),
					Category: types.CategorySyntax,
					Severity: types.SeverityHigh,
				})
			}
			continue
		}
		findings = append(findings, v.checkConstraint(fieldPath(path, name), constraint, value)...)
	}
	return findings
}

func (v *SchemaValidator) checkIdentifier(path, id string) []types.ValidationError {
	var findings []types.ValidationError

	for _, prefix := range v.reservedPrefixes {
		if strings.HasPrefix(id, prefix) {
			findings = append(findings, types.ValidationError{
				Field:    fieldPath(path, "@id"),
				Code:     "reserved_prefix",
				Message:  fmt.Sprintf("identifier %q uses the reserved prefix %q", id, prefix),
				Category: types.CategoryBusiness,
				Severity: types.SeverityHigh,
			})
			return findings
		}
	}
	if !identifierPattern.MatchString(id) {
		findings = append(findings, types.ValidationError{
			Field:    fieldPath(path, "@id"),
			Code:     "invalid_identifier",
			Message:  fmt.Sprintf("identifier %q does not follow the naming convention", id),
			Category: types.CategoryBusiness,
			Severity: types.SeverityMedium,
		})
	}
	return findings
}

func (v *SchemaValidator) checkConstraint(path string, c FieldConstraint, value interface{}) []types.ValidationError {
	var findings []types.ValidationError
	fail := func(code, message string, severity types.ValidationSeverity) {
		findings = append(findings, types.ValidationError{
			Field:    path,
			Code:     code,
			Message:  message,
			Category: types.CategorySyntax,
			Severity: severity,
		})
	}

	switch c.Type {
	case "string", "datetime", "":
		str, ok := value.(string)
		if !ok {
			fail("wrong_type", fmt.Sprintf("field %q must be a string", path), types.SeverityHigh)
			return findings
		}
		if c.Type == "datetime" {
			if _, err := time.Parse(time.RFC3339, str); err != nil {
				fail("invalid_datetime", fmt.Sprintf("field %q is not an RFC 3339 timestamp", path), types.SeverityMedium)
			}
			return findings
		}
		if c.MinLength > 0 && len(str) < c.MinLength {
			fail("too_short", fmt.Sprintf("field %q is shorter than %d characters", path, c.MinLength), types.SeverityMedium)
		}
		if c.MaxLength > 0 && len(str) > c.MaxLength {
			fail("too_long", fmt.Sprintf("field %q is longer than %d characters", path, c.MaxLength), types.SeverityMedium)
		}
		if c.Pattern != "" {
			if re := v.pattern(c.Pattern); re != nil && !re.MatchString(str) {
				fail("pattern_mismatch", fmt.Sprintf("field %q does not match %q", path, c.Pattern), types.SeverityMedium)
			}
		}
		if len(c.Enum) > 0 && !contains(c.Enum, str) {
			fail("invalid_enum_value", fmt.Sprintf("field %q must be one of %v", path, c.Enum), types.SeverityMedium)
		}
	case "integer":
		num, ok := value.(float64)
		if !ok || num != math.Trunc(num) {
			fail("wrong_type", fmt.Sprintf("field %q must be an integer", path), types.SeverityHigh)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			fail("wrong_type", fmt.Sprintf("field %q must be a number", path), types.SeverityHigh)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			fail("wrong_type", fmt.Sprintf("field %q must be a boolean", path), types.SeverityHigh)
		}
	}
	return findings
}

// resolveSchema looks up a type schema from configuration first, then from
// the storage cache.
func (v *SchemaValidator) resolveSchema(ctx context.Context, typeName string) (TypeSchema, bool) {
	if schema, ok := v.cfg.Schemas[typeName]; ok {
		return schema, true
	}
	if v.cache == nil {
		return TypeSchema{}, false
	}

	raw, found, err := v.cache.Get(ctx, "schema:"+typeName)
	if err != nil || !found {
		return TypeSchema{}, false
	}
	var schema TypeSchema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		v.logger.WithError(err).WithFields(logrus.Fields{
			"component": "schema_validator",
			"type":      typeName,
		}).Warn("Cached schema definition is unreadable")
		return TypeSchema{}, false
	}
	return schema, true
}

// pattern compiles and memoizes field regex patterns. Invalid patterns are
// logged once and ignored.
func (v *SchemaValidator) pattern(expr string) *regexp.Regexp {
	v.mu.Lock()
	defer v.mu.Unlock()

	if re, ok := v.compiled[expr]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		v.logger.WithError(err).WithFields(logrus.Fields{
			"component": "schema_validator",
			"pattern":   expr,
		}).Warn("Invalid schema field pattern")
		re = nil
	}
	v.compiled[expr] = re
	return re
}

func fieldPath(objPath, name string) string {
	if objPath == "" {
		return name
	}
	return objPath + "." + name
}

func sortedConstraintNames(fields map[string]FieldConstraint) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func contains(list []string, val string) bool {
	for _, item := range list {
		if item == val {
			return true
		}
	}
	return false
}

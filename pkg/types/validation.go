// Package types - Validation service configuration and request shapes
package types

// ValidationServiceConfig configures the enterprise validation service the
// rule validator delegates to.
type ValidationServiceConfig struct {
	Enabled          bool     `yaml:"enabled"`            // Enable the validation service
	DefaultLevel     string   `yaml:"default_level"`      // Level applied when the caller does not pick one
	SecurityScoreMin int      `yaml:"security_score_min"` // Results scoring below this are invalid
	CacheEnabled     bool     `yaml:"cache_enabled"`      // Cache results keyed by payload hash
	CacheTTLSeconds  int      `yaml:"cache_ttl_s"`        // Result cache TTL
	MaxDepth         int      `yaml:"max_depth"`          // Nesting depth ceiling
	MaxStringLength  int      `yaml:"max_string_length"`  // Per-string length ceiling
	MaxKeys          int      `yaml:"max_keys"`           // Per-object key count ceiling
	SkipRules        []string `yaml:"skip_rules"`         // Rule names disabled globally
}

// ValidationRequest is one call into the validation service. Level and Scope
// select the rule set; SkipRules removes individual rules for this call.
type ValidationRequest struct {
	RequestID string                 `json:"request_id"`
	Data      map[string]interface{} `json:"data"`
	Level     ValidationLevel        `json:"level"`
	Scope     ValidationScope        `json:"scope"`
	SkipRules []string               `json:"skip_rules,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

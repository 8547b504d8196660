package validators

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

// Rule is one pluggable validation rule. A rule names the levels it belongs
// to; an empty Scopes list means the rule applies to every scope.
type Rule interface {
	Name() string
	Levels() []types.ValidationLevel
	Scopes() []types.ValidationScope
	Apply(ctx context.Context, req *types.ValidationRequest) []types.ValidationError
}

var levelRank = map[types.ValidationLevel]int{
	types.LevelMinimal:  0,
	types.LevelStandard: 1,
	types.LevelStrict:   2,
	types.LevelParanoid: 3,
}

// levelsFrom returns the given level and every stricter one. Built-in rules
// use it to enroll themselves in a level range.
func levelsFrom(min types.ValidationLevel) []types.ValidationLevel {
	all := []types.ValidationLevel{
		types.LevelMinimal, types.LevelStandard, types.LevelStrict, types.LevelParanoid,
	}
	out := make([]types.ValidationLevel, 0, len(all))
	for _, level := range all {
		if levelRank[level] >= levelRank[min] {
			out = append(out, level)
		}
	}
	return out
}

// Service is the enterprise validation engine behind the rule validator.
// Rules are applied by level and scope; results are cached keyed by the
// payload hash.
type Service struct {
	cfg    types.ValidationServiceConfig
	logger *logrus.Logger
	cache  types.Cache

	rules map[string]Rule
	order []string
	mu    sync.RWMutex

	validations int64
	failures    int64
	cacheHits   int64
	cacheMisses int64
	rulesRun    int64
}

// NewService creates the validation service with the built-in rule set
// registered. The cache is optional.
func NewService(cfg types.ValidationServiceConfig, cache types.Cache, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = string(types.LevelStandard)
	}
	if cfg.SecurityScoreMin <= 0 {
		cfg.SecurityScoreMin = 70
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = 300
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.MaxStringLength <= 0 {
		cfg.MaxStringLength = 10000
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 1000
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		cache:  cache,
		rules:  make(map[string]Rule),
	}
	s.registerBuiltins()
	return s
}

func (s *Service) registerBuiltins() {
	builtins := []Rule{
		&structureLimitsRule{
			maxDepth:        s.cfg.MaxDepth,
			maxStringLength: s.cfg.MaxStringLength,
			maxKeys:         s.cfg.MaxKeys,
		},
		&stringHygieneRule{},
		&injectionScanRule{},
		&keyNamingRule{},
	}
	for _, rule := range builtins {
		if err := s.RegisterRule(rule); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"component": "validation_service",
				"rule":      rule.Name(),
			}).Error("Failed to register built-in rule")
		}
	}
}

// RegisterRule adds a rule to the registry. Rule names must be unique.
func (s *Service) RegisterRule(rule Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := rule.Name()
	if _, exists := s.rules[name]; exists {
		return errors.New(errors.CodeInputInvalid, "validation_service", "register_rule",
			fmt.Sprintf("rule %q is already registered", name))
	}
	if len(rule.Levels()) == 0 {
		return errors.New(errors.CodeInputInvalid, "validation_service", "register_rule",
			fmt.Sprintf("rule %q maps to no levels", name))
	}
	s.rules[name] = rule
	s.order = append(s.order, name)
	return nil
}

// UnregisterRule removes a rule, returning whether it existed.
func (s *Service) UnregisterRule(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[name]; !exists {
		return false
	}
	delete(s.rules, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Rules returns the registered rule names in registration order.
func (s *Service) Rules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Validate runs the applicable rules over the request payload. The result
// is always returned; an invalid payload is reported through
// Result.IsValid and Result.Errors, never through a Go error.
func (s *Service) Validate(ctx context.Context, req *types.ValidationRequest) *types.ValidationResult {
	start := time.Now()

	level := req.Level
	if level == "" {
		level = types.ValidationLevel(s.cfg.DefaultLevel)
	}
	scope := req.Scope
	if scope == "" {
		scope = types.ScopeRequest
	}

	if !s.cfg.Enabled {
		return &types.ValidationResult{
			RequestID:     req.RequestID,
			IsValid:       true,
			Level:         level,
			Errors:        []types.ValidationError{},
			Warnings:      []types.ValidationError{},
			SecurityScore: 100,
			Metadata:      map[string]interface{}{"skipped": true},
		}
	}

	atomic.AddInt64(&s.validations, 1)

	key, keyErr := cacheKey(req.Data, level, scope)
	if s.cacheEnabled() && keyErr == nil {
		if cached, ok := s.cachedResult(ctx, key, req.RequestID); ok {
			atomic.AddInt64(&s.cacheHits, 1)
			serviceCacheHitsTotal.Inc()
			return cached
		}
		atomic.AddInt64(&s.cacheMisses, 1)
	}

	findings := s.applyRules(ctx, req, level, scope)
	result := s.buildResult(req.RequestID, level, findings, start)

	serviceRequestsTotal.WithLabelValues(string(level), string(scope), resultLabel(result.IsValid)).Inc()
	serviceDuration.Observe(time.Since(start).Seconds())

	if !result.IsValid {
		atomic.AddInt64(&s.failures, 1)
		s.logger.WithFields(logrus.Fields{
			"component":      "validation_service",
			"request_id":     req.RequestID,
			"level":          level,
			"scope":          scope,
			"errors":         len(result.Errors),
			"security_score": result.SecurityScore,
		}).Warn("Validation failed")
	}

	if s.cacheEnabled() && keyErr == nil {
		s.storeResult(ctx, key, result)
	}
	return result
}

func (s *Service) applyRules(ctx context.Context, req *types.ValidationRequest, level types.ValidationLevel, scope types.ValidationScope) []types.ValidationError {
	skip := make(map[string]bool, len(req.SkipRules)+len(s.cfg.SkipRules))
	for _, name := range s.cfg.SkipRules {
		skip[name] = true
	}
	for _, name := range req.SkipRules {
		skip[name] = true
	}

	s.mu.RLock()
	ordered := make([]Rule, 0, len(s.order))
	for _, name := range s.order {
		ordered = append(ordered, s.rules[name])
	}
	s.mu.RUnlock()

	var findings []types.ValidationError
	for _, rule := range ordered {
		if skip[rule.Name()] || !ruleAppliesAt(rule, level) || !ruleAppliesTo(rule, scope) {
			continue
		}
		atomic.AddInt64(&s.rulesRun, 1)
		findings = append(findings, rule.Apply(ctx, req)...)
	}
	return findings
}

func (s *Service) buildResult(requestID string, level types.ValidationLevel, findings []types.ValidationError, start time.Time) *types.ValidationResult {
	errs := []types.ValidationError{}
	warnings := []types.ValidationError{}
	for _, f := range findings {
		if f.Severity == types.SeverityLow {
			warnings = append(warnings, f)
		} else {
			errs = append(errs, f)
		}
	}

	score := securityScore(findings)
	return &types.ValidationResult{
		RequestID:           requestID,
		IsValid:             len(errs) == 0 && score >= s.cfg.SecurityScoreMin,
		Level:               level,
		Errors:              errs,
		Warnings:            warnings,
		SecurityScore:       score,
		PerformanceImpactMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (s *Service) cacheEnabled() bool {
	return s.cfg.CacheEnabled && s.cache != nil
}

func (s *Service) cachedResult(ctx context.Context, key, requestID string) (*types.ValidationResult, bool) {
	raw, found, err := s.cache.Get(ctx, key)
	if err != nil || !found {
		return nil, false
	}
	var result types.ValidationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false
	}
	result.RequestID = requestID
	result.CacheUsed = true
	return &result, true
}

func (s *Service) storeResult(ctx context.Context, key string, result *types.ValidationResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	ttl := time.Duration(s.cfg.CacheTTLSeconds) * time.Second
	if err := s.cache.Set(ctx, key, string(payload), ttl); err != nil {
		s.logger.WithError(err).WithField("component", "validation_service").
			Debug("Failed to cache validation result")
	}
}

// GetStats returns a snapshot of service activity.
func (s *Service) GetStats() types.ValidationServiceStats {
	s.mu.RLock()
	registered := len(s.rules)
	s.mu.RUnlock()

	return types.ValidationServiceStats{
		Validations:     atomic.LoadInt64(&s.validations),
		Failures:        atomic.LoadInt64(&s.failures),
		CacheHits:       atomic.LoadInt64(&s.cacheHits),
		CacheMisses:     atomic.LoadInt64(&s.cacheMisses),
		RulesEvaluated:  atomic.LoadInt64(&s.rulesRun),
		RegisteredRules: registered,
	}
}

func ruleAppliesAt(rule Rule, level types.ValidationLevel) bool {
	for _, l := range rule.Levels() {
		if l == level {
			return true
		}
	}
	return false
}

func ruleAppliesTo(rule Rule, scope types.ValidationScope) bool {
	scopes := rule.Scopes()
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// cacheKey hashes the payload together with level and scope. Map keys are
// sorted by json.Marshal, so equal payloads hash equally.
func cacheKey(data map[string]interface{}, level types.ValidationLevel, scope types.ValidationScope) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	h.Write(payload)
	h.Write([]byte(level))
	h.Write([]byte(scope))
	return fmt.Sprintf("validation:result:%016x", h.Sum64()), nil
}

// securityScore starts at 100 and deducts per finding severity, floored at
// zero.
func securityScore(findings []types.ValidationError) int {
	score := 100
	for _, f := range findings {
		switch f.Severity {
		case types.SeverityCritical:
			score -= 40
		case types.SeverityHigh:
			score -= 20
		case types.SeverityMedium:
			score -= 10
		case types.SeverityLow:
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

func resultLabel(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}

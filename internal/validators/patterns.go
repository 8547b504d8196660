// Package validators implements the commit validators consumed by the hook
// pipeline (tampering, schema, PII, rule delegation) and the enterprise
// validation service behind the rule validator.
package validators

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// suspiciousPattern pairs a compiled detector with the finding code it
// produces.
type suspiciousPattern struct {
	code string
	re   *regexp.Regexp
}

// Fixed scan set shared by the tampering validator and the injection rule.
// Matched against every string value in the diff.
var suspiciousPatterns = []suspiciousPattern{
	{"script_injection", regexp.MustCompile(`(?i)(<script[^>]*>|javascript:|\bon(error|load|click)\s*=)`)},
	{"sql_injection", regexp.MustCompile(`(?i)(\bunion\s+select\b|;\s*drop\s+(table|database)\b|'\s*or\s+'1'\s*=\s*'1|\bexec\s+xp_)`)},
	{"prototype_pollution", regexp.MustCompile(`(__proto__|constructor\s*\.\s*prototype)`)},
	{"path_traversal", regexp.MustCompile(`(\.\./|\.\.\\)`)},
}

// scanSuspicious returns the pattern codes matching the value.
func scanSuspicious(value string) []string {
	var codes []string
	for _, p := range suspiciousPatterns {
		if p.re.MatchString(value) {
			codes = append(codes, p.code)
		}
	}
	return codes
}

// walkStrings visits every string value in a JSON-like document with a
// dotted path. Map keys are visited in sorted order so findings are
// deterministic.
func walkStrings(path string, node interface{}, fn func(path, value string)) {
	switch v := node.(type) {
	case string:
		fn(path, v)
	case map[string]interface{}:
		for _, key := range sortedMapKeys(v) {
			walkStrings(childPath(path, key), v[key], fn)
		}
	case []interface{}:
		for i, child := range v {
			walkStrings(fmt.Sprintf("%s[%d]", path, i), child, fn)
		}
	}
}

// walkFields visits every map entry in a JSON-like document, in sorted key
// order, before descending into the value.
func walkFields(path string, node interface{}, fn func(path, key string, value interface{})) {
	switch v := node.(type) {
	case map[string]interface{}:
		for _, key := range sortedMapKeys(v) {
			fn(childPath(path, key), key, v[key])
			walkFields(childPath(path, key), v[key], fn)
		}
	case []interface{}:
		for i, child := range v {
			walkFields(fmt.Sprintf("%s[%d]", path, i), child, fn)
		}
	}
}

// walkObjects visits every map carrying an "@type" string, in sorted key
// order.
func walkObjects(path string, node interface{}, fn func(path string, obj map[string]interface{})) {
	switch v := node.(type) {
	case map[string]interface{}:
		if _, ok := v["@type"].(string); ok {
			fn(path, v)
		}
		for _, key := range sortedMapKeys(v) {
			walkObjects(childPath(path, key), v[key], fn)
		}
	case []interface{}:
		for i, child := range v {
			walkObjects(fmt.Sprintf("%s[%d]", path, i), child, fn)
		}
	}
}

func sortedMapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func childPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// leafField extracts the final field name from a dotted path, stripping any
// array index suffix.
func leafField(path string) string {
	seg := path
	if idx := strings.LastIndex(seg, "."); idx >= 0 {
		seg = seg[idx+1:]
	}
	if idx := strings.Index(seg, "["); idx >= 0 {
		seg = seg[:idx]
	}
	return seg
}

// Package sinks implements the commit event consumers scheduled by the
// hook pipeline: the message bus producer, the audit service reporter, the
// webhook notifier and the metrics recorder. Sinks run on the pipeline's
// background executor; a sink failure is counted and logged but never fails
// the commit that triggered it.
package sinks

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// resolveSecret expands "env:NAME" references so credentials stay out of
// config files. Any other value is returned verbatim.
func resolveSecret(value string) (string, error) {
	name, ok := strings.CutPrefix(value, "env:")
	if !ok {
		return value, nil
	}
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("environment variable %s is empty or unset", name)
}

// newHTTPClient builds the tuned client shared by the HTTP-backed sinks.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

// parseDuration parses a config duration string, falling back when the
// value is empty, malformed or non-positive.
func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

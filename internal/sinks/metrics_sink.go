package sinks

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/types"
)

// MetricsSink records commit telemetry. It has no external destination;
// publishing increments the Prometheus collectors labeled by database,
// branch and author domain.
type MetricsSink struct {
	cfg     types.MetricsSinkConfig
	logger  *logrus.Logger
	commits int64
}

// NewMetricsSink creates the metrics sink.
func NewMetricsSink(cfg types.MetricsSinkConfig, logger *logrus.Logger) *MetricsSink {
	return &MetricsSink{cfg: cfg, logger: logger}
}

// Name identifies the sink.
func (s *MetricsSink) Name() string { return "metrics" }

// Enabled reports whether the pipeline should schedule this sink.
func (s *MetricsSink) Enabled() bool { return s.cfg.Enabled }

// Initialize is a no-op; the collectors register at package load.
func (s *MetricsSink) Initialize(ctx context.Context) error { return nil }

// Publish records one commit.
func (s *MetricsSink) Publish(ctx context.Context, dc *types.DiffContext) error {
	domain := dc.Meta.AuthorDomain()
	commitEventsTotal.WithLabelValues(dc.Meta.Database, dc.Meta.Branch, domain).Inc()
	commitDiffBytes.WithLabelValues(dc.Meta.Database, dc.Meta.Branch, domain).Observe(float64(dc.DiffSizeBytes))
	atomic.AddInt64(&s.commits, 1)
	return nil
}

// Cleanup is a no-op.
func (s *MetricsSink) Cleanup() error { return nil }

// GetStats returns a point-in-time snapshot for the admin API.
func (s *MetricsSink) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"commits": atomic.LoadInt64(&s.commits),
	}
}

package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/types"
)

// nullSink discards every published diff (for measuring pipeline overhead only)
type nullSink struct {
	name string
}

func (s *nullSink) Name() string                       { return s.name }
func (s *nullSink) Enabled() bool                      { return true }
func (s *nullSink) Initialize(_ context.Context) error { return nil }
func (s *nullSink) Cleanup() error                     { return nil }

func (s *nullSink) Publish(_ context.Context, _ *types.DiffContext) error {
	// Discard immediately (no processing)
	return nil
}

func newBenchPipeline(b *testing.B) *Pipeline {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Minimize logging overhead

	p := NewPipeline(types.PipelineConfig{
		ExecutorWorkers:   4,
		ExecutorQueueSize: 10000,
	}, logger)

	for _, name := range []string{"tampering", "schema", "pii", "rules"} {
		p.RegisterValidator(&stubValidator{name: name})
	}
	p.RegisterSink(&nullSink{name: "bus"})
	p.RegisterSink(&nullSink{name: "audit"})

	if err := p.Start(); err != nil {
		b.Fatalf("Failed to start pipeline: %v", err)
	}
	return p
}

// BenchmarkPipelineRun measures end-to-end commit pipeline throughput
//
// This benchmark measures the throughput of the entire commit path:
//   - Size gate and bypass prefix checks
//   - Diff context construction (canonical hash, affected refs)
//   - Synchronous validator chain
//   - Sink fan-out scheduling on the executor
//
// Metrics measured:
//   - ops/sec: Number of commits processed per second
//   - ns/op: Nanoseconds per operation
//   - B/op: Bytes allocated per operation
//   - allocs/op: Number of allocations per operation
//
// Usage:
//   go test -bench=BenchmarkPipelineRun -benchmem ./internal/pipeline/
func BenchmarkPipelineRun(b *testing.B) {
	p := newBenchPipeline(b)
	defer p.Stop()

	ctx := context.Background()
	diff := invoiceDiff()
	meta := testMeta("dev/payments/schema-v3", "alice@co")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		meta.CommitID = fmt.Sprintf("c-%d", i)
		if _, err := p.Run(ctx, meta, diff); err != nil {
			b.Errorf("Run failed: %v", err)
		}
	}

	b.StopTimer()

	// Wait for the executor to drain
	time.Sleep(200 * time.Millisecond)
}

// BenchmarkPipelineRunParallel measures concurrent commit throughput
//
// This benchmark measures pipeline performance under concurrent load from
// multiple goroutines, simulating commit bursts across many branches.
//
// Usage:
//   go test -bench=BenchmarkPipelineRunParallel -benchmem ./internal/pipeline/
func BenchmarkPipelineRunParallel(b *testing.B) {
	p := newBenchPipeline(b)
	defer p.Stop()

	ctx := context.Background()
	diff := invoiceDiff()

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			meta := testMeta(fmt.Sprintf("dev/payments/schema-%d", i%10), "alice@co")
			meta.CommitID = fmt.Sprintf("c-%d", i)
			if _, err := p.Run(ctx, meta, diff); err != nil {
				b.Errorf("Run failed: %v", err)
			}
			i++
		}
	})

	b.StopTimer()
	time.Sleep(200 * time.Millisecond)
}

// BenchmarkBuildDiffContext measures diff context construction cost
//
// Context construction canonicalizes the diff document, hashes it with
// xxhash and walks the tree collecting affected types and IDs. This is
// the fixed per-commit cost paid before any validator runs.
//
// Usage:
//   go test -bench=BenchmarkBuildDiffContext -benchmem ./internal/pipeline/
func BenchmarkBuildDiffContext(b *testing.B) {
	propertyCounts := []int{1, 10, 100, 1000}

	for _, count := range propertyCounts {
		b.Run(fmt.Sprintf("Properties_%d", count), func(b *testing.B) {
			properties := make(map[string]interface{}, count)
			for i := 0; i < count; i++ {
				properties[fmt.Sprintf("field_%d", i)] = map[string]interface{}{
					"@type": "Property",
					"@id":   fmt.Sprintf("Invoice/field_%d", i),
				}
			}
			diff := map[string]interface{}{
				"@type":      "ObjectType",
				"@id":        "Invoice",
				"properties": properties,
			}
			meta := testMeta("dev/payments/schema-v3", "alice@co")

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := BuildDiffContext(meta, diff, nil, nil); err != nil {
					b.Fatalf("BuildDiffContext failed: %v", err)
				}
			}
		})
	}
}

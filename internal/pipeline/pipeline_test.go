package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type stubValidator struct {
	name     string
	disabled bool
	initErr  error
	err      error
	calls    int64
}

func (v *stubValidator) Name() string                        { return v.name }
func (v *stubValidator) Enabled() bool                       { return !v.disabled }
func (v *stubValidator) Initialize(_ context.Context) error  { return v.initErr }
func (v *stubValidator) Cleanup() error                      { return nil }
func (v *stubValidator) Calls() int64                        { return atomic.LoadInt64(&v.calls) }
func (v *stubValidator) Validate(_ context.Context, _ *types.DiffContext) error {
	atomic.AddInt64(&v.calls, 1)
	return v.err
}

type stubSink struct {
	name     string
	disabled bool
	initErr  error
	err      error

	mu        sync.Mutex
	published []*types.DiffContext
}

func (s *stubSink) Name() string                       { return s.name }
func (s *stubSink) Enabled() bool                      { return !s.disabled }
func (s *stubSink) Initialize(_ context.Context) error { return s.initErr }
func (s *stubSink) Cleanup() error                     { return nil }

func (s *stubSink) Publish(_ context.Context, dc *types.DiffContext) error {
	s.mu.Lock()
	s.published = append(s.published, dc)
	s.mu.Unlock()
	return s.err
}

func (s *stubSink) Published() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func (s *stubSink) LastContext() *types.DiffContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.published) == 0 {
		return nil
	}
	return s.published[len(s.published)-1]
}

// auditStubSink is a sink that also accepts standalone audit events.
type auditStubSink struct {
	stubSink

	auditMu sync.Mutex
	events  []*types.AuditEvent
}

func (s *auditStubSink) SubmitAuditEvent(_ context.Context, event *types.AuditEvent) error {
	s.auditMu.Lock()
	s.events = append(s.events, event)
	s.auditMu.Unlock()
	return nil
}

func (s *auditStubSink) AuditEvents() []*types.AuditEvent {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	return append([]*types.AuditEvent(nil), s.events...)
}

func newTestPipeline(t *testing.T, cfg types.PipelineConfig) *Pipeline {
	t.Helper()
	if cfg.ExecutorWorkers == 0 {
		cfg.ExecutorWorkers = 2
	}
	if cfg.ExecutorQueueSize == 0 {
		cfg.ExecutorQueueSize = 64
	}

	p := NewPipeline(cfg, testLogger())
	t.Cleanup(func() { p.Stop() })
	return p
}

func invoiceDiff() map[string]interface{} {
	return map[string]interface{}{
		"@type": "ObjectType",
		"@id":   "Invoice",
		"properties": map[string]interface{}{
			"total":    map[string]interface{}{"@type": "Property", "@id": "Invoice/total"},
			"currency": map[string]interface{}{"@type": "Property", "@id": "Invoice/currency"},
		},
	}
}

func oversizeDiff() map[string]interface{} {
	return map[string]interface{}{
		"@type": "ObjectType",
		"@id":   "Blob",
		"data":  strings.Repeat("x", 11*1024*1024),
	}
}

func TestRunHappyCommit(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{})

	validators := []*stubValidator{
		{name: "tampering"}, {name: "schema"}, {name: "pii"}, {name: "rules"},
	}
	for _, v := range validators {
		p.RegisterValidator(v)
	}

	audit := &auditStubSink{stubSink: stubSink{name: "audit"}}
	bus := &stubSink{name: "bus"}
	webhook := &stubSink{name: "webhook"}
	metricsSink := &stubSink{name: "metrics"}
	p.RegisterSink(bus)
	p.RegisterSink(audit)
	p.RegisterSink(webhook)
	p.RegisterSink(metricsSink)
	require.NoError(t, p.Start())

	result, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "alice@co"), invoiceDiff())
	require.NoError(t, err)

	assert.Equal(t, types.PipelineStatusSuccess, result.Status)
	assert.Equal(t, 4, result.ValidatorsRun)
	assert.Equal(t, 4, result.SinksRun)
	assert.Empty(t, result.ValidationErrors)

	for _, v := range validators {
		assert.Equal(t, int64(1), v.Calls(), "validator %s", v.name)
	}

	assert.Eventually(t, func() bool {
		return audit.Published() == 1 && bus.Published() == 1 &&
			webhook.Published() == 1 && metricsSink.Published() == 1
	}, time.Second, 10*time.Millisecond)

	// No snapshots were given, so the diff becomes the after image
	dc := audit.LastContext()
	require.NotNil(t, dc)
	assert.Nil(t, dc.Before)
	assert.NotNil(t, dc.After)
	assert.Contains(t, dc.AffectedTypes, "ObjectType")
	assert.Contains(t, dc.AffectedIDs, "Invoice")

	stats := p.GetStats()
	assert.Equal(t, int64(1), stats.CommitsProcessed)
	assert.Equal(t, int64(0), stats.CommitsRejected)
	assert.Equal(t, int64(4), stats.ValidatorsRun)
	assert.False(t, stats.LastCommitTime.IsZero())
}

func TestRunRejectsOversizeDiff(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{})

	v := &stubValidator{name: "schema"}
	sink := &stubSink{name: "bus"}
	p.RegisterValidator(v)
	p.RegisterSink(sink)
	require.NoError(t, p.Start())

	result, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "alice@co"), oversizeDiff())
	require.Error(t, err)

	var vf *errors.ValidationFailure
	require.True(t, stderrors.As(err, &vf))
	require.Len(t, vf.Errors, 1)
	assert.Equal(t, "size_limit", vf.Errors[0].Code)
	assert.Equal(t, "diff", vf.Errors[0].Field)

	assert.Equal(t, types.PipelineStatusFailed, result.Status)
	assert.Equal(t, "size_limit", result.Reason)
	assert.False(t, result.Authorized)
	assert.Equal(t, 0, result.SinksRun)
	require.Len(t, result.ValidationErrors, 1)
	assert.Equal(t, "size_limit", result.ValidationErrors[0].Code)

	assert.Equal(t, int64(0), v.Calls())
	stats := p.GetStats()
	assert.Equal(t, int64(1), stats.CommitsRejected)
	assert.Equal(t, int64(0), stats.SinksScheduled)
}

func TestRunBypassesSizeGateForPrivilegedAuthor(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{})

	v := &stubValidator{name: "schema"}
	audit := &auditStubSink{stubSink: stubSink{name: "audit"}}
	bus := &stubSink{name: "bus"}
	p.RegisterValidator(v)
	p.RegisterSink(audit)
	p.RegisterSink(bus)
	require.NoError(t, p.Start())

	result, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "migration@co"), oversizeDiff())
	require.NoError(t, err)

	assert.Equal(t, types.PipelineStatusSkipped, result.Status)
	assert.Equal(t, "diff_too_large", result.Reason)
	assert.True(t, result.Authorized)
	assert.Equal(t, 0, result.ValidatorsRun)
	assert.Equal(t, 2, result.SinksRun)

	assert.Eventually(t, func() bool {
		return len(audit.AuditEvents()) == 1 && bus.Published() == 1
	}, time.Second, 10*time.Millisecond)

	events := audit.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "VALIDATION_BYPASS", events[0].EventType)
	assert.Equal(t, "CRITICAL", events[0].Severity)
	assert.Equal(t, "diff_size_limit", events[0].Metadata["bypass_type"])
	assert.Equal(t, "migration@co", events[0].UserID)
	assert.Equal(t, "dev/payments/schema-v3", events[0].Branch)

	assert.Equal(t, int64(0), v.Calls(), "validators must not run on an authorized bypass")
	assert.Equal(t, int64(1), p.GetStats().CommitsBypassed)
}

func TestRunAggregatesValidatorFindings(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{})

	failing := &stubValidator{name: "schema", err: errors.NewValidationFailure([]types.ValidationError{
		{Field: "@id", Code: "missing_field", Category: types.CategorySemantic, Severity: types.SeverityHigh},
		{Field: "label", Code: "too_long", Category: types.CategorySemantic, Severity: types.SeverityMedium},
	})}
	broken := &stubValidator{name: "rules", err: fmt.Errorf("rule engine unreachable")}
	passing := &stubValidator{name: "pii"}
	sink := &stubSink{name: "bus"}

	p.RegisterValidator(failing)
	p.RegisterValidator(broken)
	p.RegisterValidator(passing)
	p.RegisterSink(sink)
	require.NoError(t, p.Start())

	result, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "alice@co"), invoiceDiff())
	require.Error(t, err)

	var vf *errors.ValidationFailure
	require.True(t, stderrors.As(err, &vf))

	assert.Equal(t, types.PipelineStatusFailed, result.Status)
	assert.Equal(t, "validation_failed", result.Reason)
	assert.Equal(t, 3, result.ValidatorsRun)
	require.Len(t, result.ValidationErrors, 3)

	// Plain validator errors surface as a single synthetic finding
	synthetic := result.ValidationErrors[2]
	assert.Equal(t, "rules", synthetic.Field)
	assert.Equal(t, "validator_error", synthetic.Code)
	assert.Equal(t, types.SeverityHigh, synthetic.Severity)

	assert.Equal(t, 0, result.SinksRun)
	assert.Equal(t, int64(0), int64(sink.Published()))

	stats := p.GetStats()
	assert.Equal(t, int64(1), stats.CommitsRejected)
	assert.Equal(t, int64(2), stats.ValidatorErrors)
}

func TestRunPreHookAborts(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{})

	v := &stubValidator{name: "schema"}
	sink := &stubSink{name: "bus"}
	p.RegisterValidator(v)
	p.RegisterSink(sink)
	p.RegisterHook(NewFuncHook("branch-freeze", types.HookPre, func(_ context.Context, _ *types.DiffContext) error {
		return fmt.Errorf("branch is frozen")
	}))
	require.NoError(t, p.Start())

	result, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "alice@co"), invoiceDiff())
	require.Error(t, err)

	appErr, ok := errors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeHookFailed, appErr.Code)

	assert.Equal(t, types.PipelineStatusFailed, result.Status)
	assert.Equal(t, "pre_hook_failed", result.Reason)
	assert.Equal(t, int64(0), v.Calls())
	assert.Equal(t, 0, result.SinksRun)
	assert.Equal(t, int64(1), p.GetStats().HookFailures)
}

func TestRunPostHookFailureTolerated(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{})

	p.RegisterValidator(&stubValidator{name: "schema"})
	p.RegisterSink(&stubSink{name: "bus"})
	p.RegisterHook(NewFuncHook("notify", types.HookPost, func(_ context.Context, _ *types.DiffContext) error {
		return fmt.Errorf("notification endpoint down")
	}))
	require.NoError(t, p.Start())

	result, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "alice@co"), invoiceDiff())
	require.NoError(t, err)

	assert.Equal(t, types.PipelineStatusSuccess, result.Status)
	assert.Equal(t, int64(1), p.GetStats().HookFailures)
}

func TestRunAsyncHooksExecute(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{})

	var ran int64
	p.RegisterHook(NewFuncHook("reindex", types.HookAsync, func(_ context.Context, _ *types.DiffContext) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	require.NoError(t, p.Start())

	_, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "alice@co"), invoiceDiff())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return atomic.LoadInt64(&ran) == 1 }, time.Second, 10*time.Millisecond)
}

func TestRunAsyncValidationMode(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{ValidationAsync: true})

	failing := &stubValidator{name: "schema", err: errors.NewValidationFailure([]types.ValidationError{
		{Field: "@id", Code: "missing_field", Category: types.CategorySemantic, Severity: types.SeverityCritical},
	})}
	audit := &auditStubSink{stubSink: stubSink{name: "audit"}}
	p.RegisterValidator(failing)
	p.RegisterSink(audit)
	require.NoError(t, p.Start())

	result, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "alice@co"), invoiceDiff())
	require.NoError(t, err)

	// The commit is not blocked in async mode
	assert.Equal(t, types.PipelineStatusSuccess, result.Status)
	assert.Equal(t, 0, result.ValidatorsRun)
	assert.Equal(t, 1, result.SinksRun)

	assert.Eventually(t, func() bool { return failing.Calls() == 1 }, time.Second, 10*time.Millisecond)

	// Critical findings are re-reported through the audit path
	assert.Eventually(t, func() bool {
		for _, e := range audit.AuditEvents() {
			if e.EventType == "ASYNC_VALIDATION_FAILED" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	events := audit.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "CRITICAL", events[0].Severity)
	assert.Equal(t, 1, events[0].Metadata["error_count"])
}

func TestRunAsyncShedsToSyncWhenDegraded(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{ValidationAsync: true})

	failing := &stubValidator{name: "schema", err: errors.NewValidationFailure([]types.ValidationError{
		{Field: "@id", Code: "missing_field", Category: types.CategorySemantic, Severity: types.SeverityHigh},
	})}
	p.RegisterValidator(failing)
	p.SetDegradedCheck(func() bool { return true })
	require.NoError(t, p.Start())

	result, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "alice@co"), invoiceDiff())
	require.Error(t, err)

	assert.Equal(t, types.PipelineStatusFailed, result.Status)
	assert.Equal(t, "validation_failed", result.Reason)
	assert.Equal(t, 1, result.ValidatorsRun)
}

func TestInitializeIsolatesFailingComponents(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{})

	healthy := &stubValidator{name: "schema"}
	brokenInit := &stubValidator{name: "rules", initErr: fmt.Errorf("rule engine offline")}
	goodSink := &stubSink{name: "bus"}
	badSink := &stubSink{name: "webhook", initErr: fmt.Errorf("bad endpoint")}

	p.RegisterValidator(healthy)
	p.RegisterValidator(brokenInit)
	p.RegisterSink(goodSink)
	p.RegisterSink(badSink)
	require.NoError(t, p.Start())

	result, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "alice@co"), invoiceDiff())
	require.NoError(t, err)

	assert.Equal(t, 1, result.ValidatorsRun)
	assert.Equal(t, 1, result.SinksRun)
	assert.Equal(t, int64(0), brokenInit.Calls())
}

func TestDisabledComponentsSkipped(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{})

	off := &stubValidator{name: "pii", disabled: true}
	on := &stubValidator{name: "schema"}
	offSink := &stubSink{name: "webhook", disabled: true}
	onSink := &stubSink{name: "bus"}

	p.RegisterValidator(off)
	p.RegisterValidator(on)
	p.RegisterSink(offSink)
	p.RegisterSink(onSink)
	require.NoError(t, p.Start())

	result, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "alice@co"), invoiceDiff())
	require.NoError(t, err)

	assert.Equal(t, 1, result.ValidatorsRun)
	assert.Equal(t, 1, result.SinksRun)
	assert.Equal(t, int64(0), off.Calls())
}

func TestApplyConfigUpdatesSizeLimit(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{})
	require.NoError(t, p.Start())

	diff := map[string]interface{}{"data": strings.Repeat("y", 2*1024*1024)}
	meta := testMeta("dev/payments/schema-v3", "alice@co")

	_, err := p.Run(context.Background(), meta, diff)
	require.NoError(t, err, "2MiB diff passes the default 10MiB gate")

	p.ApplyConfig(types.PipelineConfig{MaxDiffSizeMB: 1})
	result, err := p.Run(context.Background(), meta, diff)
	require.Error(t, err)
	assert.Equal(t, "size_limit", result.Reason)

	p.ApplyConfig(types.PipelineConfig{MaxDiffSizeMB: 10})
	_, err = p.Run(context.Background(), meta, diff)
	require.NoError(t, err)
}

func TestRunSinkFailureDoesNotFailCommit(t *testing.T) {
	p := newTestPipeline(t, types.PipelineConfig{})

	bad := &stubSink{name: "webhook", err: fmt.Errorf("endpoint 500")}
	good := &stubSink{name: "bus"}
	p.RegisterSink(bad)
	p.RegisterSink(good)
	require.NoError(t, p.Start())

	result, err := p.Run(context.Background(), testMeta("dev/payments/schema-v3", "alice@co"), invoiceDiff())
	require.NoError(t, err)
	assert.Equal(t, types.PipelineStatusSuccess, result.Status)
	assert.Equal(t, 2, result.SinksRun)

	assert.Eventually(t, func() bool {
		return p.GetStats().SinkFailures == 1 && good.Published() == 1
	}, time.Second, 10*time.Millisecond)

	dist := p.GetStats().SinkDistribution
	assert.Equal(t, int64(1), dist["bus"])
	assert.Zero(t, dist["webhook"])
}

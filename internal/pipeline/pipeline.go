package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
	"ontogate/pkg/workerpool"
)

const (
	defaultMaxDiffSizeMB     = 10
	defaultValidationTimeout = 30 * time.Second
)

// Authors whose prefix match may bypass the size gate. Overridable via
// pipeline.size_bypass_prefixes.
var defaultBypassPrefixes = []string{"system@", "admin@", "migration@", "import@"}

// Pipeline orchestrates one commit through context build, the size gate,
// hooks, validators, and sink fan-out. Validators gate the commit; sinks
// and async hooks never do.
type Pipeline struct {
	logger   *logrus.Logger
	executor *workerpool.Pool

	cfg            types.PipelineConfig
	maxDiffBytes   int
	bypassPrefixes []string
	valTimeout     time.Duration
	cfgMu          sync.RWMutex

	validators []types.Validator
	sinks      []types.Sink
	hooks      map[types.HookPhase][]types.Hook
	auditor    types.AuditReporter
	degraded   func() bool
	regMu      sync.RWMutex

	initialized bool
	isolated    map[string]bool
	initMu      sync.Mutex

	processed      int64
	rejected       int64
	bypassed       int64
	validatorsRun  int64
	validatorErrs  int64
	sinksScheduled int64
	sinkFailures   int64
	hookFailures   int64

	distribution map[string]int64
	lastCommit   time.Time
	statsMu      sync.Mutex
}

// NewPipeline creates a pipeline with its own background executor sized
// from the config.
func NewPipeline(cfg types.PipelineConfig, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}

	p := &Pipeline{
		logger: logger,
		executor: workerpool.NewPool(workerpool.Config{
			MaxWorkers: cfg.ExecutorWorkers,
			QueueSize:  cfg.ExecutorQueueSize,
		}, logger),
		hooks:        make(map[types.HookPhase][]types.Hook),
		isolated:     make(map[string]bool),
		distribution: make(map[string]int64),
	}
	p.applyDynamic(cfg)
	return p
}

// applyDynamic installs the hot-reloadable flags. Caller holds cfgMu or is
// the constructor.
func (p *Pipeline) applyDynamic(cfg types.PipelineConfig) {
	if cfg.MaxDiffSizeMB <= 0 {
		cfg.MaxDiffSizeMB = defaultMaxDiffSizeMB
	}
	p.maxDiffBytes = cfg.MaxDiffSizeMB * 1024 * 1024

	p.bypassPrefixes = cfg.SizeBypassPrefixes
	if len(p.bypassPrefixes) == 0 {
		p.bypassPrefixes = defaultBypassPrefixes
	}

	p.valTimeout = defaultValidationTimeout
	if cfg.ValidationTimeout != "" {
		if d, err := time.ParseDuration(cfg.ValidationTimeout); err == nil && d > 0 {
			p.valTimeout = d
		}
	}
	p.cfg = cfg
}

// ApplyConfig swaps the dynamic pipeline flags (size limit, bypass
// prefixes, async mode, validation timeout). Used by config hot reload.
func (p *Pipeline) ApplyConfig(cfg types.PipelineConfig) {
	p.cfgMu.Lock()
	p.applyDynamic(cfg)
	p.cfgMu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"component":        "pipeline",
		"max_diff_size_mb": cfg.MaxDiffSizeMB,
		"validation_async": cfg.ValidationAsync,
	}).Info("Pipeline configuration updated")
}

// RegisterValidator appends a validator. Registration order is execution
// order.
func (p *Pipeline) RegisterValidator(v types.Validator) {
	p.regMu.Lock()
	p.validators = append(p.validators, v)
	p.regMu.Unlock()
}

// RegisterSink appends a sink. The first sink implementing AuditReporter
// also becomes the target for standalone audit events.
func (p *Pipeline) RegisterSink(s types.Sink) {
	p.regMu.Lock()
	p.sinks = append(p.sinks, s)
	if p.auditor == nil {
		if reporter, ok := s.(types.AuditReporter); ok {
			p.auditor = reporter
		}
	}
	p.regMu.Unlock()
}

// RegisterHook appends a hook to its phase.
func (p *Pipeline) RegisterHook(h types.Hook) {
	p.regMu.Lock()
	p.hooks[h.Phase()] = append(p.hooks[h.Phase()], h)
	p.regMu.Unlock()
}

// SetDegradedCheck installs the resource-pressure probe. While it reports
// true the pipeline runs validators synchronously even in async mode.
func (p *Pipeline) SetDegradedCheck(fn func() bool) {
	p.regMu.Lock()
	p.degraded = fn
	p.regMu.Unlock()
}

// Initialize prepares all registered validators and sinks exactly once.
// A component failing to initialize is isolated and logged; the others
// stay active.
func (p *Pipeline) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.initialized {
		return nil
	}

	p.regMu.RLock()
	validators := append([]types.Validator(nil), p.validators...)
	sinks := append([]types.Sink(nil), p.sinks...)
	p.regMu.RUnlock()

	for _, v := range validators {
		if err := v.Initialize(ctx); err != nil {
			p.isolated[v.Name()] = true
			p.logger.WithError(err).WithFields(logrus.Fields{
				"component": "pipeline",
				"validator": v.Name(),
			}).Error("Validator initialization failed, isolating")
		}
	}
	for _, s := range sinks {
		if err := s.Initialize(ctx); err != nil {
			p.isolated[s.Name()] = true
			p.logger.WithError(err).WithFields(logrus.Fields{
				"component": "pipeline",
				"sink":      s.Name(),
			}).Error("Sink initialization failed, isolating")
		}
	}

	p.initialized = true
	return nil
}

// Start launches the background executor and initializes the components.
func (p *Pipeline) Start() error {
	if err := p.executor.Start(); err != nil {
		return err
	}
	return p.Initialize(context.Background())
}

// Stop drains the executor and cleans up all components.
func (p *Pipeline) Stop() error {
	if err := p.executor.Stop(); err != nil {
		p.logger.WithError(err).WithField("component", "pipeline").Warn("Executor stop failed")
	}

	p.regMu.RLock()
	defer p.regMu.RUnlock()

	for _, v := range p.validators {
		if err := v.Cleanup(); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"component": "pipeline",
				"validator": v.Name(),
			}).Warn("Validator cleanup failed")
		}
	}
	for _, s := range p.sinks {
		if err := s.Cleanup(); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"component": "pipeline",
				"sink":      s.Name(),
			}).Warn("Sink cleanup failed")
		}
	}
	for _, hooks := range p.hooks {
		for _, h := range hooks {
			if err := h.Cleanup(); err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"component": "pipeline",
					"hook":      h.Name(),
				}).Warn("Hook cleanup failed")
			}
		}
	}
	return nil
}

// Executor exposes the background pool for stats and health checks.
func (p *Pipeline) Executor() *workerpool.Pool { return p.executor }

// Run processes one commit with the diff as the after image.
func (p *Pipeline) Run(ctx context.Context, meta types.CommitMeta, diff map[string]interface{}) (*types.PipelineResult, error) {
	return p.RunWithSnapshots(ctx, meta, diff, nil, nil)
}

// RunWithSnapshots processes one commit with explicit before/after
// snapshots controlling the derived audit operation.
func (p *Pipeline) RunWithSnapshots(ctx context.Context, meta types.CommitMeta, diff, before, after map[string]interface{}) (*types.PipelineResult, error) {
	start := time.Now()
	p.Initialize(ctx)

	p.cfgMu.RLock()
	cfg := p.cfg
	maxBytes := p.maxDiffBytes
	prefixes := p.bypassPrefixes
	p.cfgMu.RUnlock()

	dc, err := BuildDiffContext(meta, diff, before, after)
	if err != nil {
		atomic.AddInt64(&p.rejected, 1)
		result := &types.PipelineResult{Status: types.PipelineStatusFailed, Reason: "context_invalid"}
		return p.finish(result, start), err
	}

	log := p.logger.WithFields(logrus.Fields{
		"component": "pipeline",
		"branch":    meta.Branch,
		"author":    meta.Author,
		"trace_id":  meta.TraceID,
	})

	// Size gate
	if dc.DiffSizeBytes > maxBytes {
		if !authorMatchesPrefix(meta.Author, prefixes) {
			atomic.AddInt64(&p.rejected, 1)
			vf := errors.NewSizeLimitFailure(dc.DiffSizeBytes, maxBytes)
			log.WithField("diff_size_bytes", dc.DiffSizeBytes).Warn("Commit rejected by size gate")
			result := &types.PipelineResult{
				Status:           types.PipelineStatusFailed,
				Reason:           "size_limit",
				ValidationErrors: vf.Errors,
			}
			return p.finish(result, start), vf
		}

		// Authorized bypass: audited, validators skipped, sinks still run
		atomic.AddInt64(&p.bypassed, 1)
		sizeBypassesTotal.Inc()
		log.WithField("diff_size_bytes", dc.DiffSizeBytes).Warn("Diff size limit bypassed by privileged author")
		p.submitAudit(bypassAuditEvent(dc, maxBytes))

		sinksRun := p.scheduleSinks(dc)
		p.scheduleAsyncHooks(dc)
		p.markCommit()

		result := &types.PipelineResult{
			Status:     types.PipelineStatusSkipped,
			Reason:     "diff_too_large",
			Authorized: true,
			SinksRun:   sinksRun,
		}
		return p.finish(result, start), nil
	}

	// Pre-commit hooks abort the run on first failure
	if err := p.runPreHooks(ctx, dc); err != nil {
		atomic.AddInt64(&p.rejected, 1)
		result := &types.PipelineResult{Status: types.PipelineStatusFailed, Reason: "pre_hook_failed"}
		return p.finish(result, start), err
	}

	validatorsRun := 0
	if cfg.ValidationAsync && !p.isDegraded() {
		p.scheduleAsyncValidation(dc)
	} else {
		var findings []types.ValidationError
		validatorsRun, findings = p.runValidators(ctx, dc)
		if len(findings) > 0 {
			atomic.AddInt64(&p.rejected, 1)
			vf := errors.NewValidationFailure(findings)
			log.WithField("validation_errors", len(findings)).Warn("Commit rejected by validators")
			result := &types.PipelineResult{
				Status:           types.PipelineStatusFailed,
				Reason:           "validation_failed",
				ValidatorsRun:    validatorsRun,
				ValidationErrors: findings,
			}
			return p.finish(result, start), vf
		}
	}

	p.runPostHooks(ctx, dc)
	sinksRun := p.scheduleSinks(dc)
	p.scheduleAsyncHooks(dc)

	atomic.AddInt64(&p.processed, 1)
	p.markCommit()

	log.WithFields(logrus.Fields{
		"validators_run":  validatorsRun,
		"sinks_run":       sinksRun,
		"affected_types":  len(dc.AffectedTypes),
		"diff_size_bytes": dc.DiffSizeBytes,
	}).Info("Commit processed")

	result := &types.PipelineResult{
		Status:        types.PipelineStatusSuccess,
		ValidatorsRun: validatorsRun,
		SinksRun:      sinksRun,
	}
	return p.finish(result, start), nil
}

func (p *Pipeline) finish(result *types.PipelineResult, start time.Time) *types.PipelineResult {
	if result.ValidationErrors == nil {
		result.ValidationErrors = []types.ValidationError{}
	}
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	runsTotal.WithLabelValues(result.Status).Inc()
	runDuration.Observe(time.Since(start).Seconds())
	return result
}

func (p *Pipeline) markCommit() {
	p.statsMu.Lock()
	p.lastCommit = time.Now()
	p.statsMu.Unlock()
}

func authorMatchesPrefix(author string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if len(author) >= len(prefix) && author[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (p *Pipeline) isDegraded() bool {
	p.regMu.RLock()
	fn := p.degraded
	p.regMu.RUnlock()
	return fn != nil && fn()
}

func (p *Pipeline) isIsolated(name string) bool {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	return p.isolated[name]
}

func (p *Pipeline) activeValidators() []types.Validator {
	p.regMu.RLock()
	defer p.regMu.RUnlock()

	out := make([]types.Validator, 0, len(p.validators))
	for _, v := range p.validators {
		if v.Enabled() && !p.isIsolated(v.Name()) {
			out = append(out, v)
		}
	}
	return out
}

func (p *Pipeline) activeSinks() []types.Sink {
	p.regMu.RLock()
	defer p.regMu.RUnlock()

	out := make([]types.Sink, 0, len(p.sinks))
	for _, s := range p.sinks {
		if s.Enabled() && !p.isIsolated(s.Name()) {
			out = append(out, s)
		}
	}
	return out
}

func (p *Pipeline) hooksFor(phase types.HookPhase) []types.Hook {
	p.regMu.RLock()
	defer p.regMu.RUnlock()
	return append([]types.Hook(nil), p.hooks[phase]...)
}

// runValidators executes the enabled validators serially, aggregating
// findings. A non-ValidationFailure error becomes a single high-severity
// finding attributed to the validator.
func (p *Pipeline) runValidators(ctx context.Context, dc *types.DiffContext) (int, []types.ValidationError) {
	run := 0
	var findings []types.ValidationError

	for _, v := range p.activeValidators() {
		run++
		atomic.AddInt64(&p.validatorsRun, 1)

		vctx, cancel := context.WithTimeout(ctx, p.valTimeout)
		err := v.Validate(vctx, dc)
		cancel()
		if err == nil {
			continue
		}

		atomic.AddInt64(&p.validatorErrs, 1)
		validatorFailuresTotal.WithLabelValues(v.Name()).Inc()

		var vf *errors.ValidationFailure
		if stderrors.As(err, &vf) {
			findings = append(findings, vf.Errors...)
		} else {
			findings = append(findings, types.ValidationError{
				Field:    v.Name(),
				Code:     "validator_error",
				Message:  err.Error(),
				Category: types.CategorySemantic,
				Severity: types.SeverityHigh,
			})
		}

		p.logger.WithError(err).WithFields(logrus.Fields{
			"component": "pipeline",
			"validator": v.Name(),
			"branch":    dc.Meta.Branch,
		}).Warn("Validator rejected commit")
	}
	return run, findings
}

// scheduleAsyncValidation runs the validator set detached from the commit.
// Findings are logged; critical and high severity findings are re-reported
// through the audit sink.
func (p *Pipeline) scheduleAsyncValidation(dc *types.DiffContext) {
	task := workerpool.Task{
		ID:   dc.Meta.TraceID,
		Kind: "async_validation",
		Execute: func(taskCtx context.Context) error {
			_, findings := p.runValidators(taskCtx, dc)
			if len(findings) == 0 {
				return nil
			}

			p.logger.WithFields(logrus.Fields{
				"component": "pipeline",
				"branch":    dc.Meta.Branch,
				"trace_id":  dc.Meta.TraceID,
				"errors":    len(findings),
			}).Warn("Async validation found errors after commit")

			if high := highSeverity(findings); len(high) > 0 {
				p.submitAudit(asyncValidationAuditEvent(dc, high))
			}
			return nil
		},
	}
	if err := p.executor.Submit(task); err != nil {
		p.logger.WithError(err).WithField("component", "pipeline").Warn("Failed to schedule async validation")
	}
}

// scheduleSinks fans the context out to all enabled sinks on the executor.
// Returns the number of sinks scheduled.
func (p *Pipeline) scheduleSinks(dc *types.DiffContext) int {
	scheduled := 0
	for _, s := range p.activeSinks() {
		s := s
		task := workerpool.Task{
			ID:   fmt.Sprintf("%s/%s", s.Name(), dc.Meta.TraceID),
			Kind: "sink_publish",
			Execute: func(taskCtx context.Context) error {
				if err := s.Publish(taskCtx, dc); err != nil {
					atomic.AddInt64(&p.sinkFailures, 1)
					sinkFailuresTotal.WithLabelValues(s.Name()).Inc()
					return err
				}
				p.statsMu.Lock()
				p.distribution[s.Name()]++
				p.statsMu.Unlock()
				return nil
			},
		}
		if err := p.executor.Submit(task); err != nil {
			atomic.AddInt64(&p.sinkFailures, 1)
			sinkFailuresTotal.WithLabelValues(s.Name()).Inc()
			p.logger.WithError(err).WithFields(logrus.Fields{
				"component": "pipeline",
				"sink":      s.Name(),
			}).Warn("Failed to schedule sink publish")
			continue
		}
		scheduled++
		atomic.AddInt64(&p.sinksScheduled, 1)
	}
	return scheduled
}

func (p *Pipeline) runPreHooks(ctx context.Context, dc *types.DiffContext) error {
	for _, h := range p.hooksFor(types.HookPre) {
		if !h.Enabled() {
			continue
		}
		if err := h.Execute(ctx, dc); err != nil {
			atomic.AddInt64(&p.hookFailures, 1)
			hookFailuresTotal.WithLabelValues(string(types.HookPre)).Inc()
			p.logger.WithError(err).WithFields(logrus.Fields{
				"component": "pipeline",
				"hook":      h.Name(),
				"branch":    dc.Meta.Branch,
			}).Warn("Pre-commit hook aborted commit")
			return errors.New(errors.CodeHookFailed, "pipeline", "pre_commit_hooks",
				fmt.Sprintf("pre-commit hook %s failed", h.Name())).Wrap(err)
		}
	}
	return nil
}

func (p *Pipeline) runPostHooks(ctx context.Context, dc *types.DiffContext) {
	for _, h := range p.hooksFor(types.HookPost) {
		if !h.Enabled() {
			continue
		}
		if err := h.Execute(ctx, dc); err != nil {
			atomic.AddInt64(&p.hookFailures, 1)
			hookFailuresTotal.WithLabelValues(string(types.HookPost)).Inc()
			p.logger.WithError(err).WithFields(logrus.Fields{
				"component": "pipeline",
				"hook":      h.Name(),
			}).Warn("Post-commit hook failed")
		}
	}
}

func (p *Pipeline) scheduleAsyncHooks(dc *types.DiffContext) {
	for _, h := range p.hooksFor(types.HookAsync) {
		if !h.Enabled() {
			continue
		}
		h := h
		task := workerpool.Task{
			ID:   fmt.Sprintf("%s/%s", h.Name(), dc.Meta.TraceID),
			Kind: "async_hook",
			Execute: func(taskCtx context.Context) error {
				if err := h.Execute(taskCtx, dc); err != nil {
					atomic.AddInt64(&p.hookFailures, 1)
					hookFailuresTotal.WithLabelValues(string(types.HookAsync)).Inc()
					return err
				}
				return nil
			},
		}
		if err := p.executor.Submit(task); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"component": "pipeline",
				"hook":      h.Name(),
			}).Warn("Failed to schedule async hook")
		}
	}
}

// submitAudit hands a standalone audit event to the audit reporter on the
// background executor.
func (p *Pipeline) submitAudit(event *types.AuditEvent) {
	p.regMu.RLock()
	auditor := p.auditor
	p.regMu.RUnlock()

	if auditor == nil {
		p.logger.WithField("component", "pipeline").Warn("No audit reporter registered, dropping audit event")
		return
	}

	task := workerpool.Task{
		ID:   event.RequestID,
		Kind: "audit_report",
		Execute: func(taskCtx context.Context) error {
			return auditor.SubmitAuditEvent(taskCtx, event)
		},
	}
	if err := p.executor.Submit(task); err != nil {
		p.logger.WithError(err).WithField("component", "pipeline").Warn("Failed to schedule audit report")
	}
}

func bypassAuditEvent(dc *types.DiffContext, limitBytes int) *types.AuditEvent {
	return &types.AuditEvent{
		EventType:     "VALIDATION_BYPASS",
		EventCategory: "security",
		Severity:      "CRITICAL",
		UserID:        dc.Meta.Author,
		Username:      dc.Meta.Author,
		TargetType:    "diff",
		TargetID:      dc.Meta.CommitID,
		Operation:     types.AuditOpWrite,
		Branch:        dc.Meta.Branch,
		CommitID:      dc.Meta.CommitID,
		TerminusDB:    dc.Meta.Database,
		RequestID:     dc.Meta.TraceID,
		Metadata: map[string]interface{}{
			"bypass_type":     "diff_size_limit",
			"diff_size_bytes": dc.DiffSizeBytes,
			"limit_bytes":     limitBytes,
		},
		Timestamp: time.Now(),
	}
}

func asyncValidationAuditEvent(dc *types.DiffContext, findings []types.ValidationError) *types.AuditEvent {
	codes := make([]string, 0, len(findings))
	severity := "HIGH"
	for _, f := range findings {
		codes = append(codes, f.Code)
		if f.Severity == types.SeverityCritical {
			severity = "CRITICAL"
		}
	}
	return &types.AuditEvent{
		EventType:     "ASYNC_VALIDATION_FAILED",
		EventCategory: "validation",
		Severity:      severity,
		UserID:        dc.Meta.Author,
		Username:      dc.Meta.Author,
		TargetType:    "diff",
		TargetID:      dc.Meta.CommitID,
		Operation:     types.AuditOpWrite,
		Branch:        dc.Meta.Branch,
		CommitID:      dc.Meta.CommitID,
		TerminusDB:    dc.Meta.Database,
		RequestID:     dc.Meta.TraceID,
		Metadata: map[string]interface{}{
			"error_count": len(findings),
			"error_codes": codes,
		},
		Timestamp: time.Now(),
	}
}

func highSeverity(findings []types.ValidationError) []types.ValidationError {
	var out []types.ValidationError
	for _, f := range findings {
		if f.Severity == types.SeverityCritical || f.Severity == types.SeverityHigh {
			out = append(out, f)
		}
	}
	return out
}

// GetStats returns a snapshot of pipeline activity.
func (p *Pipeline) GetStats() types.PipelineStats {
	stats := types.PipelineStats{
		CommitsProcessed: atomic.LoadInt64(&p.processed),
		CommitsRejected:  atomic.LoadInt64(&p.rejected),
		CommitsBypassed:  atomic.LoadInt64(&p.bypassed),
		ValidatorsRun:    atomic.LoadInt64(&p.validatorsRun),
		ValidatorErrors:  atomic.LoadInt64(&p.validatorErrs),
		SinksScheduled:   atomic.LoadInt64(&p.sinksScheduled),
		SinkFailures:     atomic.LoadInt64(&p.sinkFailures),
		HookFailures:     atomic.LoadInt64(&p.hookFailures),
		SinkDistribution: make(map[string]int64),
	}

	p.statsMu.Lock()
	for name, count := range p.distribution {
		stats.SinkDistribution[name] = count
	}
	stats.LastCommitTime = p.lastCommit
	p.statsMu.Unlock()
	return stats
}

package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/circuit"
	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

const (
	defaultAuditTimeout   = 10 * time.Second
	defaultReplayDelay    = 30 * time.Second
	defaultAuditSpoolPath = "data/audit_spool.jsonl"
)

// auditSpool is the append-only local fallback for audit events. One JSON
// event per line; the replayer drains and truncates the file under the lock,
// re-appending whatever it could not deliver.
type auditSpool struct {
	mu   sync.Mutex
	path string
}

func newAuditSpool(path string) (*auditSpool, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &auditSpool{path: path}, nil
}

func (sp *auditSpool) append(line []byte) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	f, err := os.OpenFile(sp.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// drain returns all spooled lines and truncates the file.
func (sp *auditSpool) drain() ([][]byte, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	data, err := os.ReadFile(sp.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	if err := os.Truncate(sp.path, 0); err != nil {
		return nil, err
	}

	var lines [][]byte
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), raw...))
	}
	return lines, nil
}

func (sp *auditSpool) depth() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	data, err := os.ReadFile(sp.path)
	if err != nil {
		return 0
	}
	depth := 0
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(raw)) > 0 {
			depth++
		}
	}
	return depth
}

// AuditSink submits audit events to the central audit service. The commit
// pipeline uses it two ways: as a regular sink recording every accepted
// commit, and through types.AuditReporter for standalone events such as
// size-gate bypasses.
//
// When the service is unreachable events are spooled to a local append-only
// file and re-submitted by a background replayer once the service recovers.
// Events the service rejects outright are dropped, not spooled.
type AuditSink struct {
	cfg    types.AuditSinkConfig
	logger *logrus.Logger

	client  *http.Client
	breaker *circuit.Breaker
	spool   *auditSpool

	timeout     time.Duration
	replayDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	initialized bool

	submitted int64
	spooled   int64
	replayed  int64
	failed    int64
}

// NewAuditSink creates the audit sink. Spool and replayer start in
// Initialize.
func NewAuditSink(cfg types.AuditSinkConfig, logger *logrus.Logger) *AuditSink {
	if cfg.SpoolPath == "" {
		cfg.SpoolPath = defaultAuditSpoolPath
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AuditSink{
		cfg:         cfg,
		logger:      logger,
		timeout:     parseDuration(cfg.Timeout, defaultAuditTimeout),
		replayDelay: parseDuration(cfg.ReplayDelay, defaultReplayDelay),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Name identifies the sink.
func (s *AuditSink) Name() string { return "audit" }

// Enabled reports whether the pipeline should schedule this sink.
func (s *AuditSink) Enabled() bool { return s.cfg.Enabled }

// Initialize opens the spool and starts the replayer.
func (s *AuditSink) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	spool, err := newAuditSpool(s.cfg.SpoolPath)
	if err != nil {
		return errors.New(errors.CodeConfigInvalid, "audit_sink", "initialize", "audit spool unavailable").Wrap(err)
	}
	s.spool = spool
	s.client = newHTTPClient(s.timeout)
	s.breaker = circuit.NewBreaker(circuit.BreakerConfig{
		Name:             "audit_sink",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}, s.logger)

	if s.cfg.URL == "" {
		s.logger.WithField("component", "audit_sink").
			Warn("No audit service URL configured, events go to the local spool only")
	} else if s.cfg.ReplayEnabled {
		s.wg.Add(1)
		go s.replayLoop()
	}

	s.initialized = true
	s.logger.WithFields(logrus.Fields{
		"component":  "audit_sink",
		"url":        s.cfg.URL,
		"spool_path": s.cfg.SpoolPath,
	}).Info("Audit sink initialized")
	return nil
}

// Publish records one accepted commit as an audit event.
func (s *AuditSink) Publish(ctx context.Context, dc *types.DiffContext) error {
	event := &types.AuditEvent{
		EventType:     "SCHEMA_COMMIT",
		EventCategory: "data_change",
		Severity:      "INFO",
		UserID:        dc.Meta.Author,
		Username:      usernameOf(dc.Meta.Author),
		TargetType:    primaryRef(dc.AffectedTypes, "schema"),
		TargetID:      primaryRef(dc.AffectedIDs, dc.Meta.Branch),
		Operation:     operationFor(dc),
		Branch:        dc.Meta.Branch,
		CommitID:      dc.Meta.CommitID,
		TerminusDB:    dc.Meta.Database,
		RequestID:     dc.Meta.TraceID,
		Metadata: map[string]interface{}{
			"commit_msg":      dc.Meta.CommitMsg,
			"affected_types":  dc.AffectedTypes,
			"affected_ids":    dc.AffectedIDs,
			"diff_size_bytes": dc.DiffSizeBytes,
		},
		Timestamp: time.Now().UTC(),
	}
	return s.SubmitAuditEvent(ctx, event)
}

// SubmitAuditEvent implements types.AuditReporter. Unreachable-service
// failures are absorbed into the spool; only serialization errors, permanent
// rejections and spool write failures surface to the caller.
func (s *AuditSink) SubmitAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	ready := s.initialized
	s.mu.Unlock()
	if !ready {
		return errors.New(errors.CodeConnectionFailed, "audit_sink", "submit", "audit sink not initialized")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.InputError("audit_sink", "submit", "audit event not serializable").Wrap(err)
	}

	err = s.breaker.Execute(func() error {
		return s.post(ctx, payload)
	})
	if err == nil {
		atomic.AddInt64(&s.submitted, 1)
		auditEventsTotal.WithLabelValues("delivered").Inc()
		return nil
	}

	if !shouldSpool(err) {
		atomic.AddInt64(&s.failed, 1)
		auditEventsTotal.WithLabelValues("rejected").Inc()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"component":  "audit_sink",
			"event_type": event.EventType,
		}).Error("Audit service rejected event")
		return err
	}

	if spoolErr := s.spool.append(payload); spoolErr != nil {
		atomic.AddInt64(&s.failed, 1)
		auditEventsTotal.WithLabelValues("lost").Inc()
		s.logger.WithError(spoolErr).WithFields(logrus.Fields{
			"component":  "audit_sink",
			"event_type": event.EventType,
		}).Error("Audit event lost, service unreachable and spool write failed")
		return errors.New(errors.CodeResourceExhausted, "audit_sink", "spool", "audit spool write failed").Wrap(spoolErr)
	}

	atomic.AddInt64(&s.spooled, 1)
	auditEventsTotal.WithLabelValues("spooled").Inc()
	s.logger.WithError(err).WithFields(logrus.Fields{
		"component":  "audit_sink",
		"event_type": event.EventType,
	}).Warn("Audit service unreachable, event spooled")
	return nil
}

func (s *AuditSink) post(ctx context.Context, payload []byte) error {
	if s.cfg.URL == "" {
		return errors.New(errors.CodeConnectionFailed, "audit_sink", "post", "audit service url not configured")
	}
	url := strings.TrimRight(s.cfg.URL, "/") + "/api/v2/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.InputError("audit_sink", "post", "building audit request failed").Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.NetworkError("audit_sink", "post", "audit service request failed").Wrap(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.New(errors.CodeNetworkTimeout, "audit_sink", "post",
			fmt.Sprintf("audit service returned status %d", resp.StatusCode))
	default:
		return errors.New(errors.CodeInputInvalid, "audit_sink", "post",
			fmt.Sprintf("audit service rejected event with status %d", resp.StatusCode))
	}
}

// replayLoop periodically re-submits spooled events.
func (s *AuditSink) replayLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.replayDelay)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.replaySweep()
		}
	}
}

// replaySweep drains the spool and re-posts each line. Retryable failures
// put the current and remaining lines back; permanent rejections are
// dropped.
func (s *AuditSink) replaySweep() {
	if s.breaker.IsOpen() {
		return
	}
	lines, err := s.spool.drain()
	if err != nil {
		s.logger.WithError(err).WithField("component", "audit_sink").Warn("Audit spool drain failed")
		return
	}

	for i, line := range lines {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		err := s.breaker.Execute(func() error {
			return s.post(ctx, line)
		})
		cancel()

		if err == nil {
			atomic.AddInt64(&s.replayed, 1)
			auditEventsTotal.WithLabelValues("replayed").Inc()
			continue
		}
		if !shouldSpool(err) {
			atomic.AddInt64(&s.failed, 1)
			auditEventsTotal.WithLabelValues("rejected").Inc()
			s.logger.WithError(err).WithField("component", "audit_sink").
				Warn("Dropping spooled audit event the service rejected")
			continue
		}
		for _, rest := range lines[i:] {
			if spoolErr := s.spool.append(rest); spoolErr != nil {
				atomic.AddInt64(&s.failed, 1)
				auditEventsTotal.WithLabelValues("lost").Inc()
				s.logger.WithError(spoolErr).WithField("component", "audit_sink").
					Error("Audit event lost during replay re-spool")
			}
		}
		return
	}
}

// ReplayNow runs one replay sweep immediately. Used by the admin API and
// tests instead of waiting for the ticker.
func (s *AuditSink) ReplayNow() {
	s.replaySweep()
}

// Cleanup stops the replayer.
func (s *AuditSink) Cleanup() error {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()
	return nil
}

// GetStats returns a point-in-time snapshot for the admin API.
func (s *AuditSink) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"submitted": atomic.LoadInt64(&s.submitted),
		"spooled":   atomic.LoadInt64(&s.spooled),
		"replayed":  atomic.LoadInt64(&s.replayed),
		"failed":    atomic.LoadInt64(&s.failed),
	}
	s.mu.Lock()
	spool := s.spool
	breaker := s.breaker
	s.mu.Unlock()
	if spool != nil {
		stats["spool_depth"] = spool.depth()
	}
	if breaker != nil {
		stats["breaker_state"] = string(breaker.GetState())
	}
	return stats
}

// shouldSpool reports whether the failure is a delivery problem (service
// unreachable or circuit open) rather than a rejection of the event itself.
func shouldSpool(err error) bool {
	var co *errors.CircuitOpenError
	if stderrors.As(err, &co) {
		return true
	}
	return errors.IsRetryable(err)
}

// operationFor derives the audit operation from snapshot presence: only an
// after snapshot means the document was created, only a before snapshot
// means it was deleted, both mean it changed, neither is a raw write.
func operationFor(dc *types.DiffContext) types.AuditOperation {
	switch {
	case dc.Before == nil && dc.After != nil:
		return types.AuditOpCreate
	case dc.Before != nil && dc.After == nil:
		return types.AuditOpDelete
	case dc.Before != nil && dc.After != nil:
		return types.AuditOpUpdate
	default:
		return types.AuditOpWrite
	}
}

// usernameOf strips the domain from an author identity.
func usernameOf(author string) string {
	if idx := strings.Index(author, "@"); idx > 0 {
		return author[:idx]
	}
	return author
}

// primaryRef picks the first affected reference, or the fallback when the
// diff touched nothing identifiable.
func primaryRef(refs []string, fallback string) string {
	if len(refs) > 0 {
		return refs[0]
	}
	return fallback
}

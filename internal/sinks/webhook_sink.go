package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/circuit"
	"ontogate/pkg/errors"
	"ontogate/pkg/retry"
	"ontogate/pkg/types"
)

const defaultWebhookTimeout = 5 * time.Second

// webhookPayload is the notification body sent for each accepted commit.
type webhookPayload struct {
	Event         string    `json:"event"`
	Database      string    `json:"database"`
	Branch        string    `json:"branch"`
	CommitID      string    `json:"commit_id,omitempty"`
	Author        string    `json:"author"`
	CommitMsg     string    `json:"commit_msg"`
	TraceID       string    `json:"trace_id"`
	AffectedTypes []string  `json:"affected_types"`
	AffectedIDs   []string  `json:"affected_ids"`
	DiffSizeBytes int       `json:"diff_size_bytes"`
	Timestamp     time.Time `json:"timestamp"`
}

// WebhookSink notifies an external endpoint about accepted commits.
// Deliveries run through the retry executor under the webhook policy;
// endpoint rejections (4xx) surface immediately without retries.
type WebhookSink struct {
	cfg    types.WebhookSinkConfig
	logger *logrus.Logger

	client   *http.Client
	executor *retry.Executor
	breaker  *circuit.Breaker

	mu        sync.RWMutex
	policy    retry.Config
	onExhaust func(ctx context.Context, payload []byte, traceID string, cause error)

	delivered int64
	failed    int64
}

// NewWebhookSink creates the webhook sink.
func NewWebhookSink(cfg types.WebhookSinkConfig, logger *logrus.Logger) *WebhookSink {
	policyName := cfg.Policy
	if policyName == "" {
		policyName = retry.PolicyWebhook
	}
	breaker := circuit.NewBreaker(circuit.BreakerConfig{
		Name:             "webhook_sink",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}, logger)
	return &WebhookSink{
		cfg:      cfg,
		logger:   logger,
		client:   newHTTPClient(parseDuration(cfg.Timeout, defaultWebhookTimeout)),
		executor: retry.NewExecutor(retry.NewBudget(retry.BudgetConfig{}), breaker, logger),
		breaker:  breaker,
		policy:   retry.Policy(policyName),
	}
}

// Breaker exposes the delivery circuit breaker for the admin API.
func (s *WebhookSink) Breaker() *circuit.Breaker { return s.breaker }

// SetFailureHandler installs the hand-off invoked when a delivery
// exhausts its retries. The handler receives the serialized payload so a
// dead letter queue can redrive it later.
func (s *WebhookSink) SetFailureHandler(fn func(ctx context.Context, payload []byte, traceID string, cause error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExhaust = fn
}

func (s *WebhookSink) failureHandler() func(ctx context.Context, payload []byte, traceID string, cause error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onExhaust
}

// Name identifies the sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Enabled reports whether the pipeline should schedule this sink. A sink
// without an endpoint is treated as disabled.
func (s *WebhookSink) Enabled() bool { return s.cfg.Enabled && s.cfg.URL != "" }

// Initialize is a no-op; the client is built in the constructor.
func (s *WebhookSink) Initialize(ctx context.Context) error { return nil }

// SetRetryPolicy overrides the delivery retry policy.
func (s *WebhookSink) SetRetryPolicy(policy retry.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy
}

func (s *WebhookSink) retryPolicy() retry.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Publish delivers the commit notification.
func (s *WebhookSink) Publish(ctx context.Context, dc *types.DiffContext) error {
	payload, err := json.Marshal(webhookPayload{
		Event:         "schema_commit",
		Database:      dc.Meta.Database,
		Branch:        dc.Meta.Branch,
		CommitID:      dc.Meta.CommitID,
		Author:        dc.Meta.Author,
		CommitMsg:     dc.Meta.CommitMsg,
		TraceID:       dc.Meta.TraceID,
		AffectedTypes: dc.AffectedTypes,
		AffectedIDs:   dc.AffectedIDs,
		DiffSizeBytes: dc.DiffSizeBytes,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return errors.InputError("webhook_sink", "publish", "webhook payload not serializable").Wrap(err)
	}

	result, err := s.executor.Execute(ctx, func(ctx context.Context) error {
		return s.post(ctx, payload, dc.Meta.TraceID)
	}, s.retryPolicy())
	if err != nil {
		atomic.AddInt64(&s.failed, 1)
		webhookDeliveriesTotal.WithLabelValues("failed").Inc()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"component": "webhook_sink",
			"branch":    dc.Meta.Branch,
			"attempts":  result.Attempts,
		}).Warn("Webhook delivery failed")
		if fn := s.failureHandler(); fn != nil {
			fn(ctx, payload, dc.Meta.TraceID, err)
		}
		return err
	}

	atomic.AddInt64(&s.delivered, 1)
	webhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	return nil
}

func (s *WebhookSink) post(ctx context.Context, payload []byte, traceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return errors.InputError("webhook_sink", "post", "building webhook request failed").Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-Id", traceID)
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.NetworkError("webhook_sink", "post", "webhook request failed").Wrap(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.New(errors.CodeNetworkTimeout, "webhook_sink", "post",
			fmt.Sprintf("webhook returned status %d", resp.StatusCode))
	default:
		return errors.New(errors.CodeInputInvalid, "webhook_sink", "post",
			fmt.Sprintf("webhook rejected delivery with status %d", resp.StatusCode))
	}
}

// Deliver posts a previously serialized notification exactly once. The
// redelivery path owns its own retry schedule, so this bypasses the
// executor.
func (s *WebhookSink) Deliver(ctx context.Context, payload []byte, traceID string) error {
	if err := s.post(ctx, payload, traceID); err != nil {
		webhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return err
	}
	atomic.AddInt64(&s.delivered, 1)
	webhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	return nil
}

// Cleanup releases idle connections.
func (s *WebhookSink) Cleanup() error {
	s.client.CloseIdleConnections()
	return nil
}

// GetStats returns a point-in-time snapshot for the admin API.
func (s *WebhookSink) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"delivered": atomic.LoadInt64(&s.delivered),
		"failed":    atomic.LoadInt64(&s.failed),
	}
}

package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/retry"
	"ontogate/pkg/types"
)

const (
	defaultProcessInterval   = 30 * time.Second
	defaultProcessingTimeout = 30 * time.Second
	defaultMaxRetries        = 5
	defaultBatchSize         = 10
)

// Lifecycle event names emitted on the bus as dlq.{queue}.{event}.
const (
	EventMessageAdded = "message_added"
	EventRetrySuccess = "retry_success"
	EventPoison       = "poison"
)

// queueState is one registered queue with its handler and counters.
type queueState struct {
	cfg       types.DLQQueueConfig
	handler   types.QueueHandler
	transform types.MessageTransform
	onSuccess func(msg *types.DLQMessage)
	onFailure func(msg *types.DLQMessage)

	timeout time.Duration

	added     int64
	retried   int64
	succeeded int64
	poisoned  int64
	replayed  int64
	purged    int64
}

// Handler is the dead letter queue service: it accepts failed messages,
// dispatches retries through the retry executor and promotes messages that
// exhausted their retries to the poison queue.
type Handler struct {
	store     Store
	executor  *retry.Executor
	publisher types.EventPublisher
	logger    *logrus.Logger

	processInterval time.Duration
	queues          map[string]*queueState
	mu              sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewHandler creates the DLQ handler. The publisher may be nil; lifecycle
// events are then skipped.
func NewHandler(cfg types.DLQServiceConfig, store Store, executor *retry.Executor, publisher types.EventPublisher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}

	interval := time.Duration(cfg.ProcessIntervalS) * time.Second
	if interval <= 0 {
		interval = defaultProcessInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		store:           store,
		executor:        executor,
		publisher:       publisher,
		logger:          logger,
		processInterval: interval,
		queues:          make(map[string]*queueState),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// RegisterQueue registers a queue and its retry handler. Defaults are
// applied for zero config values.
func (h *Handler) RegisterQueue(cfg types.DLQQueueConfig, handler types.QueueHandler) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	timeout := defaultProcessingTimeout
	if cfg.ProcessingTimeout != "" {
		if d, err := time.ParseDuration(cfg.ProcessingTimeout); err == nil && d > 0 {
			timeout = d
		} else {
			h.logger.WithFields(logrus.Fields{
				"component": "dlq",
				"queue":     cfg.Name,
				"value":     cfg.ProcessingTimeout,
			}).Warn("Invalid processing timeout, using default")
		}
	}

	h.mu.Lock()
	h.queues[cfg.Name] = &queueState{cfg: cfg, handler: handler, timeout: timeout}
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"component":   "dlq",
		"queue":       cfg.Name,
		"max_retries": cfg.MaxRetries,
		"batch_size":  cfg.BatchSize,
	}).Info("Registered DLQ queue")
}

// SetTransform installs an optional payload rewrite applied before the
// queue handler runs.
func (h *Handler) SetTransform(queue string, fn types.MessageTransform) {
	h.mu.Lock()
	if qs, ok := h.queues[queue]; ok {
		qs.transform = fn
	}
	h.mu.Unlock()
}

// SetCallbacks installs the per-queue retry outcome callbacks.
func (h *Handler) SetCallbacks(queue string, onSuccess, onFailure func(msg *types.DLQMessage)) {
	h.mu.Lock()
	if qs, ok := h.queues[queue]; ok {
		qs.onSuccess = onSuccess
		qs.onFailure = onFailure
	}
	h.mu.Unlock()
}

func (h *Handler) queue(name string) *queueState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.queues[name]
}

// PolicyForReason maps a dead-letter reason onto the retry policy used to
// schedule and execute its retries.
func PolicyForReason(reason types.DLQReason) retry.Config {
	switch reason {
	case types.ReasonNetworkError, types.ReasonTimeout:
		return retry.Policy(retry.PolicyNetwork)
	case types.ReasonWebhookFailed:
		return retry.Policy(retry.PolicyWebhook)
	case types.ReasonExecutionFailed:
		return retry.Policy(retry.PolicyCritical)
	case types.ReasonValidationFailed:
		return retry.Policy(retry.PolicyValidation)
	case types.ReasonAuthError:
		return retry.Policy(retry.PolicyAuth)
	default:
		return retry.Policy(retry.PolicyStandard)
	}
}

// SendToDLQ stores a failed message and schedules its first retry.
func (h *Handler) SendToDLQ(ctx context.Context, queue string, original []byte, reason types.DLQReason, errDetail string, retryCount int, metadata map[string]interface{}) (string, error) {
	qs := h.queue(queue)
	if qs == nil {
		return "", errors.New(errors.CodeDLQNoHandler, "dlq", "send_to_dlq",
			fmt.Sprintf("queue %s is not registered", queue))
	}

	now := time.Now()
	policy := PolicyForReason(reason)
	next := now.Add(h.executor.NextDelay(retryCount+1, policy))

	msg := &types.DLQMessage{
		MessageID:        uuid.NewString(),
		QueueName:        queue,
		OriginalMessage:  json.RawMessage(original),
		Reason:           reason,
		ErrorDetails:     errDetail,
		RetryCount:       retryCount,
		MaxRetries:       qs.cfg.MaxRetries,
		FirstFailureTime: now,
		LastFailureTime:  now,
		NextRetryTime:    &next,
		Status:           types.DLQStatusPending,
		ErrorHistory: []types.DLQErrorRecord{
			{Timestamp: now, Error: errDetail, Attempt: retryCount},
		},
		Metadata: metadata,
	}

	if err := h.store.Put(ctx, msg); err != nil {
		return "", errors.New(errors.CodeDLQStoreFailed, "dlq", "send_to_dlq", "failed to store message").Wrap(err)
	}

	atomic.AddInt64(&qs.added, 1)
	messagesAddedTotal.WithLabelValues(queue, string(reason)).Inc()

	h.logger.WithFields(logrus.Fields{
		"component":  "dlq",
		"queue":      queue,
		"message_id": msg.MessageID,
		"reason":     reason,
		"next_retry": next,
	}).Info("Message sent to DLQ")

	h.emit(ctx, queue, EventMessageAdded, msg)
	return msg.MessageID, nil
}

// Retry loads one message, runs the queue handler through the retry
// executor and applies the outcome: delete on success, poison promotion on
// terminal failure, reschedule otherwise.
func (h *Handler) Retry(ctx context.Context, queue, id string) error {
	qs := h.queue(queue)
	if qs == nil || qs.handler == nil {
		return errors.New(errors.CodeDLQNoHandler, "dlq", "retry",
			fmt.Sprintf("no handler registered for queue %s", queue))
	}

	msg, err := h.store.Get(ctx, queue, id)
	if err != nil {
		return errors.New(errors.CodeDLQStoreFailed, "dlq", "retry", "failed to load message").Wrap(err)
	}
	if msg == nil {
		return errors.New(errors.CodeDLQMessageMissing, "dlq", "retry",
			fmt.Sprintf("message %s not found in queue %s", id, queue))
	}

	// Only one worker retries a message at a time
	won, err := h.store.Claim(ctx, queue, id, qs.timeout)
	if err != nil {
		return errors.New(errors.CodeDLQStoreFailed, "dlq", "retry", "failed to claim message").Wrap(err)
	}
	if !won {
		h.logger.WithFields(logrus.Fields{
			"component":  "dlq",
			"queue":      queue,
			"message_id": id,
		}).Debug("Message already claimed, skipping")
		return nil
	}
	defer h.store.Unclaim(ctx, queue, id)

	payload := []byte(msg.OriginalMessage)
	if qs.transform != nil {
		payload, err = qs.transform(payload)
		if err != nil {
			return h.recordFailure(ctx, qs, msg, fmt.Errorf("transform failed: %w", err), 1)
		}
	}

	cfg := PolicyForReason(msg.Reason)
	cfg.MaxAttempts = msg.MaxRetries - msg.RetryCount
	if cfg.MaxAttempts <= 0 {
		return h.promote(ctx, qs, msg)
	}

	attempt := *msg
	attempt.OriginalMessage = payload
	attempt.Status = types.DLQStatusProcessing

	runCtx, cancel := context.WithTimeout(ctx, qs.timeout)
	defer cancel()

	start := time.Now()
	atomic.AddInt64(&qs.retried, 1)
	result, execErr := h.executor.Execute(runCtx, func(c context.Context) error {
		return qs.handler(c, &attempt)
	}, cfg)
	retryDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())

	if execErr == nil {
		if err := h.store.Delete(ctx, queue, id); err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"component":  "dlq",
				"queue":      queue,
				"message_id": id,
			}).Warn("Failed to delete retried message")
		}
		atomic.AddInt64(&qs.succeeded, 1)
		retriesTotal.WithLabelValues(queue, "success").Inc()
		if qs.onSuccess != nil {
			qs.onSuccess(msg)
		}
		h.logger.WithFields(logrus.Fields{
			"component":  "dlq",
			"queue":      queue,
			"message_id": id,
			"attempts":   result.Attempts,
		}).Info("DLQ retry succeeded")
		h.emit(ctx, queue, EventRetrySuccess, msg)
		return nil
	}

	attempts := 1
	if result != nil && result.Attempts > 0 {
		attempts = result.Attempts
	}
	return h.recordFailure(ctx, qs, msg, execErr, attempts)
}

// recordFailure advances the retry counter and either reschedules the
// message or promotes it to poison.
func (h *Handler) recordFailure(ctx context.Context, qs *queueState, msg *types.DLQMessage, cause error, attempts int) error {
	now := time.Now()

	msg.RetryCount += attempts
	if msg.RetryCount > msg.MaxRetries {
		msg.RetryCount = msg.MaxRetries
	}
	msg.LastFailureTime = now
	msg.ErrorDetails = cause.Error()
	msg.ErrorHistory = append(msg.ErrorHistory, types.DLQErrorRecord{
		Timestamp: now,
		Error:     cause.Error(),
		Attempt:   msg.RetryCount,
	})

	retriesTotal.WithLabelValues(qs.cfg.Name, "failure").Inc()

	if msg.RetryCount >= msg.MaxRetries {
		return h.promote(ctx, qs, msg)
	}

	cfg := PolicyForReason(msg.Reason)
	next := now.Add(h.executor.NextDelay(msg.RetryCount+1, cfg))
	msg.NextRetryTime = &next
	msg.Status = types.DLQStatusRetrying

	if err := h.store.Update(ctx, msg); err != nil {
		return errors.New(errors.CodeDLQStoreFailed, "dlq", "retry", "failed to reschedule message").Wrap(err)
	}

	h.logger.WithFields(logrus.Fields{
		"component":   "dlq",
		"queue":       qs.cfg.Name,
		"message_id":  msg.MessageID,
		"retry_count": msg.RetryCount,
		"max_retries": msg.MaxRetries,
		"next_retry":  next,
	}).Warn("DLQ retry failed, rescheduled")
	return nil
}

func (h *Handler) promote(ctx context.Context, qs *queueState, msg *types.DLQMessage) error {
	if err := h.store.PromotePoison(ctx, msg); err != nil {
		return errors.New(errors.CodeDLQStoreFailed, "dlq", "promote_poison", "failed to promote message").Wrap(err)
	}

	atomic.AddInt64(&qs.poisoned, 1)
	poisonPromotionsTotal.WithLabelValues(qs.cfg.Name).Inc()
	if qs.onFailure != nil {
		qs.onFailure(msg)
	}

	h.logger.WithFields(logrus.Fields{
		"component":   "dlq",
		"queue":       qs.cfg.Name,
		"message_id":  msg.MessageID,
		"retry_count": msg.RetryCount,
	}).Error("Message promoted to poison queue")

	h.emit(ctx, qs.cfg.Name, EventPoison, msg)
	return nil
}

// emit publishes a lifecycle event; failures are logged only.
func (h *Handler) emit(ctx context.Context, queue, event string, msg *types.DLQMessage) {
	if h.publisher == nil {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event":       event,
		"queue":       queue,
		"message_id":  msg.MessageID,
		"reason":      msg.Reason,
		"retry_count": msg.RetryCount,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	topic := fmt.Sprintf("dlq.%s.%s", queue, event)
	headers := map[string]string{"queue": queue, "message_id": msg.MessageID}
	if err := h.publisher.PublishEvent(ctx, topic, payload, headers); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"component": "dlq",
			"topic":     topic,
		}).Debug("Failed to publish DLQ event")
	}
}

// Start launches the background processor.
func (h *Handler) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("dlq handler already running")
	}
	h.running = true
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"component": "dlq",
		"interval":  h.processInterval,
	}).Info("Starting DLQ processor")

	h.wg.Add(1)
	go h.processLoop()
	return nil
}

// Stop cancels the processor and waits for in-flight retries.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	h.logger.WithField("component", "dlq").Info("Stopping DLQ processor")
	h.cancel()
	h.wg.Wait()
	return nil
}

func (h *Handler) processLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.ProcessOnce(h.ctx)
		}
	}
}

// ProcessOnce polls every registered queue for due messages and dispatches
// retries, concurrency bounded by the queue batch size.
func (h *Handler) ProcessOnce(ctx context.Context) {
	h.mu.RLock()
	names := make([]string, 0, len(h.queues))
	for name := range h.queues {
		names = append(names, name)
	}
	h.mu.RUnlock()

	for _, name := range names {
		h.processQueue(ctx, name)
	}
}

func (h *Handler) processQueue(ctx context.Context, queue string) {
	qs := h.queue(queue)
	if qs == nil {
		return
	}

	ready, err := h.store.ListReady(ctx, queue, time.Now(), int64(qs.cfg.BatchSize))
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"component": "dlq",
			"queue":     queue,
		}).Error("Failed to list ready messages")
		return
	}
	if len(ready) == 0 {
		h.refreshDepth(ctx, queue)
		return
	}

	sem := make(chan struct{}, qs.cfg.BatchSize)
	var wg sync.WaitGroup
	for _, msg := range ready {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := h.Retry(ctx, queue, id); err != nil {
				h.logger.WithError(err).WithFields(logrus.Fields{
					"component":  "dlq",
					"queue":      queue,
					"message_id": id,
				}).Warn("DLQ retry dispatch failed")
			}
		}(msg.MessageID)
	}
	wg.Wait()

	h.refreshDepth(ctx, queue)
}

func (h *Handler) refreshDepth(ctx context.Context, queue string) {
	stats, err := h.store.Stats(ctx, queue)
	if err != nil {
		return
	}
	queueDepth.WithLabelValues(queue).Set(float64(stats.TotalMessages))
	poisonDepth.WithLabelValues(queue).Set(float64(stats.PoisonMessages))
}

// Replay resets matching messages to PENDING with zeroed retry counters and
// schedules them for immediate retry. An empty status matches everything.
func (h *Handler) Replay(ctx context.Context, queue string, status types.DLQStatus, limit int64) (int, error) {
	qs := h.queue(queue)
	if qs == nil {
		return 0, errors.New(errors.CodeDLQNoHandler, "dlq", "replay",
			fmt.Sprintf("queue %s is not registered", queue))
	}

	messages, err := h.store.List(ctx, queue, limit)
	if err != nil {
		return 0, errors.New(errors.CodeDLQStoreFailed, "dlq", "replay", "failed to list messages").Wrap(err)
	}

	now := time.Now()
	count := 0
	for _, msg := range messages {
		if status != "" && msg.Status != status {
			continue
		}
		msg.Status = types.DLQStatusPending
		msg.RetryCount = 0
		msg.ErrorHistory = nil
		msg.NextRetryTime = &now

		// Put rather than Update so replayed messages get a fresh TTL
		if err := h.store.Put(ctx, msg); err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"component":  "dlq",
				"queue":      queue,
				"message_id": msg.MessageID,
			}).Warn("Failed to replay message")
			continue
		}
		count++
	}

	atomic.AddInt64(&qs.replayed, int64(count))
	h.logger.WithFields(logrus.Fields{
		"component": "dlq",
		"queue":     queue,
		"replayed":  count,
	}).Info("DLQ replay completed")
	return count, nil
}

// Purge removes matching messages. POISON status purges the poison queue;
// olderThan zero matches any age.
func (h *Handler) Purge(ctx context.Context, queue string, status types.DLQStatus, olderThan time.Duration) (int, error) {
	qs := h.queue(queue)
	if qs == nil {
		return 0, errors.New(errors.CodeDLQNoHandler, "dlq", "purge",
			fmt.Sprintf("queue %s is not registered", queue))
	}

	cutoff := time.Time{}
	if olderThan > 0 {
		cutoff = time.Now().Add(-olderThan)
	}

	count := 0
	if status == types.DLQStatusPoison {
		messages, err := h.store.ListPoison(ctx, queue, 0)
		if err != nil {
			return 0, errors.New(errors.CodeDLQStoreFailed, "dlq", "purge", "failed to list poison messages").Wrap(err)
		}
		for _, msg := range messages {
			if !cutoff.IsZero() && msg.FirstFailureTime.After(cutoff) {
				continue
			}
			if err := h.store.DeletePoison(ctx, queue, msg.MessageID); err == nil {
				count++
			}
		}
	} else {
		messages, err := h.store.List(ctx, queue, 0)
		if err != nil {
			return 0, errors.New(errors.CodeDLQStoreFailed, "dlq", "purge", "failed to list messages").Wrap(err)
		}
		for _, msg := range messages {
			if status != "" && msg.Status != status {
				continue
			}
			if !cutoff.IsZero() && msg.FirstFailureTime.After(cutoff) {
				continue
			}
			if err := h.store.Delete(ctx, queue, msg.MessageID); err == nil {
				count++
			}
		}
	}

	atomic.AddInt64(&qs.purged, int64(count))
	h.logger.WithFields(logrus.Fields{
		"component": "dlq",
		"queue":     queue,
		"purged":    count,
		"status":    status,
	}).Info("DLQ purge completed")
	return count, nil
}

// Stats merges store gauges with handler counters for every queue.
func (h *Handler) Stats(ctx context.Context) (map[string]types.DLQStats, error) {
	h.mu.RLock()
	states := make(map[string]*queueState, len(h.queues))
	for name, qs := range h.queues {
		states[name] = qs
	}
	h.mu.RUnlock()

	out := make(map[string]types.DLQStats, len(states))
	for name, qs := range states {
		stats, err := h.store.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		stats.TotalAdded = atomic.LoadInt64(&qs.added)
		stats.TotalRetried = atomic.LoadInt64(&qs.retried)
		stats.TotalSucceeded = atomic.LoadInt64(&qs.succeeded)
		stats.TotalPoisoned = atomic.LoadInt64(&qs.poisoned)
		stats.TotalReplayed = atomic.LoadInt64(&qs.replayed)
		stats.TotalPurged = atomic.LoadInt64(&qs.purged)
		out[name] = stats
	}
	return out, nil
}

package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

const (
	defaultTopicPrefix      = "terminus.commit"
	defaultFlushFrequency   = 500 * time.Millisecond
	defaultBrokerTimeout    = 10 * time.Second
	defaultFallbackCapacity = 1024
)

// BrokerEvent is one event held by the in-memory fallback broker.
type BrokerEvent struct {
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// memoryBroker stands in when no external broker is reachable. It keeps a
// bounded window of the most recent events so the admin API and tests can
// inspect what would have been published.
type memoryBroker struct {
	mu       sync.RWMutex
	capacity int
	events   []BrokerEvent
	dropped  int64
}

func newMemoryBroker(capacity int) *memoryBroker {
	if capacity <= 0 {
		capacity = defaultFallbackCapacity
	}
	return &memoryBroker{capacity: capacity}
}

func (b *memoryBroker) publish(topic string, payload []byte, headers map[string]string) {
	event := BrokerEvent{
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}
	if len(headers) > 0 {
		event.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			event.Headers[k] = v
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) >= b.capacity {
		b.events = b.events[1:]
		b.dropped++
	}
	b.events = append(b.events, event)
}

func (b *memoryBroker) snapshot() []BrokerEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BrokerEvent, len(b.events))
	copy(out, b.events)
	return out
}

func (b *memoryBroker) stats() (depth int, dropped int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events), b.dropped
}

// BusSink publishes commit events onto the message bus. Commit events go to
// "{prefix}.{env}.{service}" derived from the branch path; the sink also
// implements types.EventPublisher so the DLQ handler can emit its lifecycle
// events through the same producer.
//
// When the configured brokers are unreachable at startup the sink falls back
// to an in-process broker instead of failing initialization, so a missing
// bus never takes the commit pipeline down with it.
type BusSink struct {
	cfg    types.BusSinkConfig
	logger *logrus.Logger

	mu       sync.RWMutex
	producer sarama.AsyncProducer
	fallback *memoryBroker

	loopWg sync.WaitGroup

	initialized bool
	published   int64
	failed      int64
}

// NewBusSink creates the bus sink. Connection happens in Initialize.
func NewBusSink(cfg types.BusSinkConfig, logger *logrus.Logger) *BusSink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	return &BusSink{cfg: cfg, logger: logger}
}

// Name identifies the sink.
func (s *BusSink) Name() string { return "bus" }

// Enabled reports whether the pipeline should schedule this sink.
func (s *BusSink) Enabled() bool { return s.cfg.Enabled }

// Initialize connects the producer, or arms the in-memory fallback when the
// brokers are unreachable or not configured.
func (s *BusSink) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	if len(s.cfg.Brokers) > 0 {
		producer, err := s.connect()
		if err == nil {
			s.producer = producer
			s.loopWg.Add(1)
			go s.handleProducerResponses(producer.Successes(), producer.Errors())
			s.initialized = true
			s.logger.WithFields(logrus.Fields{
				"component":    "bus_sink",
				"brokers":      s.cfg.Brokers,
				"topic_prefix": s.cfg.TopicPrefix,
			}).Info("Bus sink connected")
			return nil
		}
		if !s.cfg.FallbackInMemory {
			return errors.NetworkError("bus_sink", "initialize", "broker connection failed").Wrap(err)
		}
		s.logger.WithError(err).WithField("component", "bus_sink").
			Warn("Brokers unreachable, bus sink falling back to in-memory broker")
	} else {
		s.logger.WithField("component", "bus_sink").
			Info("No brokers configured, bus sink using in-memory broker")
	}

	s.fallback = newMemoryBroker(defaultFallbackCapacity)
	s.initialized = true
	return nil
}

func (s *BusSink) connect() (sarama.AsyncProducer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Retry.Max = 3
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Flush.Frequency = parseDuration(s.cfg.FlushFrequency, defaultFlushFrequency)
	config.Net.DialTimeout = defaultBrokerTimeout
	config.Net.ReadTimeout = defaultBrokerTimeout
	config.Net.WriteTimeout = defaultBrokerTimeout

	acks, err := requiredAcks(s.cfg.RequiredAcks)
	if err != nil {
		return nil, err
	}
	config.Producer.RequiredAcks = acks

	codec, err := compressionCodec(s.cfg.Compression)
	if err != nil {
		return nil, err
	}
	config.Producer.Compression = codec

	if s.cfg.SASLEnabled {
		if err := s.configureSASL(config); err != nil {
			return nil, err
		}
	}
	if s.cfg.TLSEnabled {
		config.Net.TLS.Enable = true
	}

	return sarama.NewAsyncProducer(s.cfg.Brokers, config)
}

func (s *BusSink) configureSASL(config *sarama.Config) error {
	password, err := resolveSecret(s.cfg.SASLPassword)
	if err != nil {
		return errors.New(errors.CodeConfigInvalid, "bus_sink", "configure_sasl", "SASL password unavailable").Wrap(err)
	}
	config.Net.SASL.Enable = true
	config.Net.SASL.User = s.cfg.SASLUsername
	config.Net.SASL.Password = password

	switch s.cfg.SASLMechanism {
	case "", "PLAIN":
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	case "SCRAM-SHA-256":
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
		}
	case "SCRAM-SHA-512":
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
		}
	default:
		return errors.New(errors.CodeConfigInvalid, "bus_sink", "configure_sasl",
			fmt.Sprintf("unsupported SASL mechanism %q", s.cfg.SASLMechanism))
	}
	return nil
}

// requiredAcks maps the config ack level onto sarama's.
func requiredAcks(level string) (sarama.RequiredAcks, error) {
	switch level {
	case "", "all":
		return sarama.WaitForAll, nil
	case "local":
		return sarama.WaitForLocal, nil
	case "none":
		return sarama.NoResponse, nil
	default:
		return 0, errors.New(errors.CodeConfigInvalid, "bus_sink", "configure",
			fmt.Sprintf("unsupported ack level %q", level))
	}
}

// compressionCodec maps the config codec name onto sarama's.
func compressionCodec(name string) (sarama.CompressionCodec, error) {
	switch name {
	case "", "none":
		return sarama.CompressionNone, nil
	case "gzip":
		return sarama.CompressionGZIP, nil
	case "snappy":
		return sarama.CompressionSnappy, nil
	case "lz4":
		return sarama.CompressionLZ4, nil
	case "zstd":
		return sarama.CompressionZSTD, nil
	default:
		return 0, errors.New(errors.CodeConfigInvalid, "bus_sink", "configure",
			fmt.Sprintf("unsupported compression codec %q", name))
	}
}

// handleProducerResponses drains the async producer channels until both are
// closed by producer.Close.
func (s *BusSink) handleProducerResponses(successes <-chan *sarama.ProducerMessage, producerErrors <-chan *sarama.ProducerError) {
	defer s.loopWg.Done()

	for successes != nil || producerErrors != nil {
		select {
		case _, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			atomic.AddInt64(&s.published, 1)
			busPublishedTotal.WithLabelValues("kafka").Inc()
		case perr, ok := <-producerErrors:
			if !ok {
				producerErrors = nil
				continue
			}
			atomic.AddInt64(&s.failed, 1)
			busFailuresTotal.Inc()
			s.logger.WithError(perr.Err).WithFields(logrus.Fields{
				"component": "bus_sink",
				"topic":     perr.Msg.Topic,
			}).Warn("Bus publish failed")
		}
	}
}

// Publish emits the commit event for one pipeline run.
func (s *BusSink) Publish(ctx context.Context, dc *types.DiffContext) error {
	env, service, _, err := dc.Meta.BranchParts()
	if err != nil {
		return errors.InputError("bus_sink", "publish", "commit branch is not routable").Wrap(err)
	}

	event := &types.CommitEvent{
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
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.InputError("bus_sink", "publish", "commit event not serializable").Wrap(err)
	}

	topic := fmt.Sprintf("%s.%s.%s", s.cfg.TopicPrefix, env, service)
	headers := map[string]string{
		"trace-id": dc.Meta.TraceID,
		"author":   dc.Meta.Author,
		"branch":   dc.Meta.Branch,
	}
	return s.PublishEvent(ctx, topic, payload, headers)
}

// PublishEvent implements types.EventPublisher. The partition key keeps
// per-branch (or per-queue) ordering on the topic.
func (s *BusSink) PublishEvent(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	s.mu.RLock()
	producer := s.producer
	fallback := s.fallback
	s.mu.RUnlock()

	if producer != nil {
		msg := &sarama.ProducerMessage{
			Topic: topic,
			Value: sarama.ByteEncoder(payload),
		}
		if key := partitionKey(headers); key != "" {
			msg.Key = sarama.StringEncoder(key)
		}
		for k, v := range headers {
			msg.Headers = append(msg.Headers, sarama.RecordHeader{
				Key:   []byte(k),
				Value: []byte(v),
			})
		}
		select {
		case producer.Input() <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if fallback != nil {
		fallback.publish(topic, payload, headers)
		atomic.AddInt64(&s.published, 1)
		busPublishedTotal.WithLabelValues("memory").Inc()
		return nil
	}

	return errors.New(errors.CodeConnectionFailed, "bus_sink", "publish", "bus sink not initialized")
}

func partitionKey(headers map[string]string) string {
	if branch := headers["branch"]; branch != "" {
		return branch
	}
	return headers["queue"]
}

// UsingFallback reports whether events go to the in-memory broker.
func (s *BusSink) UsingFallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback != nil
}

// FallbackEvents returns the events held by the in-memory broker, newest
// last. Nil when the sink is connected to real brokers.
func (s *BusSink) FallbackEvents() []BrokerEvent {
	s.mu.RLock()
	fallback := s.fallback
	s.mu.RUnlock()
	if fallback == nil {
		return nil
	}
	return fallback.snapshot()
}

// Cleanup flushes and closes the producer.
func (s *BusSink) Cleanup() error {
	s.mu.Lock()
	producer := s.producer
	s.producer = nil
	s.initialized = false
	s.mu.Unlock()

	if producer != nil {
		// Close flushes buffered messages; the response loop keeps draining
		// until the producer channels close.
		if err := producer.Close(); err != nil {
			s.logger.WithError(err).WithField("component", "bus_sink").Warn("Producer close failed")
		}
		s.loopWg.Wait()
	}
	return nil
}

// GetStats returns a point-in-time snapshot for the admin API.
func (s *BusSink) GetStats() map[string]interface{} {
	s.mu.RLock()
	fallback := s.fallback
	connected := s.producer != nil
	s.mu.RUnlock()

	stats := map[string]interface{}{
		"published": atomic.LoadInt64(&s.published),
		"failed":    atomic.LoadInt64(&s.failed),
		"connected": connected,
	}
	if fallback != nil {
		depth, dropped := fallback.stats()
		stats["fallback_depth"] = depth
		stats["fallback_dropped"] = dropped
	}
	return stats
}

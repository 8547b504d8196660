// Package dlq implements the dead letter queue: a store holding failed
// messages for scheduled retry, and a handler that dispatches retries,
// promotes repeat offenders to the poison queue and emits lifecycle events.
//
// Store layout (shared key/value store):
//
//	dlq:{queue}:{id}      serialized DLQMessage, expires with the queue TTL
//	dlq:index:{queue}     sorted set, score = next_retry_time epoch seconds
//	poison:{queue}:{id}   serialized DLQMessage, no TTL
//	poison:index:{queue}  sorted set, score = promotion time epoch seconds
package dlq

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"ontogate/pkg/compression"
	"ontogate/pkg/types"
)

// DefaultTTL applies to queues configured without an explicit TTL.
const DefaultTTL = 7 * 24 * time.Hour

// statsScanLimit bounds how many live messages a Stats call inspects for
// the per-status breakdown.
const statsScanLimit = 500

// Store persists dead-lettered messages per queue.
type Store interface {
	// Put writes a new message and indexes it by next retry time
	Put(ctx context.Context, msg *types.DLQMessage) error
	// Get loads one message; returns (nil, nil) when absent
	Get(ctx context.Context, queue, id string) (*types.DLQMessage, error)
	// Update rewrites an existing message and its index score
	Update(ctx context.Context, msg *types.DLQMessage) error
	// Delete removes a message from the live queue and index
	Delete(ctx context.Context, queue, id string) error
	// ListReady returns messages whose next retry time is due at now
	ListReady(ctx context.Context, queue string, now time.Time, limit int64) ([]*types.DLQMessage, error)
	// List returns live messages regardless of schedule
	List(ctx context.Context, queue string, limit int64) ([]*types.DLQMessage, error)
	// PromotePoison moves a message to the poison queue (no TTL)
	PromotePoison(ctx context.Context, msg *types.DLQMessage) error
	// ListPoison returns poison messages, oldest promotion first
	ListPoison(ctx context.Context, queue string, limit int64) ([]*types.DLQMessage, error)
	// DeletePoison removes a message from the poison queue
	DeletePoison(ctx context.Context, queue, id string) error
	// Claim takes a short-lived exclusive claim on a message so only one
	// worker retries it; returns true when the claim was won
	Claim(ctx context.Context, queue, id string, ttl time.Duration) (bool, error)
	// Unclaim drops a claim before it expires
	Unclaim(ctx context.Context, queue, id string) error
	// Stats reports live and poison gauges for one queue
	Stats(ctx context.Context, queue string) (types.DLQStats, error)
	Close() error
}

// QueueOptions is the per-queue storage tuning resolved from configuration.
type QueueOptions struct {
	KeyPrefix string            // optional namespace in front of every key
	TTL       time.Duration     // live message lifetime, DefaultTTL when zero
	Codec     compression.Codec // payload codec, nil disables compression
}

func (o QueueOptions) ttl() time.Duration {
	if o.TTL > 0 {
		return o.TTL
	}
	return DefaultTTL
}

func (o QueueOptions) prefix() string {
	if o.KeyPrefix == "" {
		return ""
	}
	return o.KeyPrefix + ":"
}

// OptionsFromConfig maps a queue configuration block onto storage options.
func OptionsFromConfig(cfg types.DLQQueueConfig) QueueOptions {
	opts := QueueOptions{
		KeyPrefix: cfg.RedisKeyPrefix,
		TTL:       time.Duration(cfg.TTLSeconds) * time.Second,
	}
	if cfg.EnableCompression {
		codecName := cfg.CompressionCodec
		if codecName == "" {
			codecName = string(compression.AlgorithmZstd)
		}
		opts.Codec = compression.ForName(codecName)
	}
	return opts
}

func liveKey(prefix, queue, id string) string {
	return fmt.Sprintf("%sdlq:%s:%s", prefix, queue, id)
}

func liveIndexKey(prefix, queue string) string {
	return fmt.Sprintf("%sdlq:index:%s", prefix, queue)
}

func poisonKey(prefix, queue, id string) string {
	return fmt.Sprintf("%spoison:%s:%s", prefix, queue, id)
}

func poisonIndexKey(prefix, queue string) string {
	return fmt.Sprintf("%spoison:index:%s", prefix, queue)
}

func claimKey(prefix, queue, id string) string {
	return fmt.Sprintf("%sdlq:claim:%s:%s", prefix, queue, id)
}

// retryScore is the sorted set score for a live message.
func retryScore(msg *types.DLQMessage) float64 {
	if msg.NextRetryTime != nil {
		return float64(msg.NextRetryTime.Unix())
	}
	return float64(time.Now().Unix())
}

// encodeMessage serializes a message, compressing the original payload when
// the queue codec is set and the payload clears the codec threshold. The
// compressed payload is stored as a base64 JSON string.
func encodeMessage(msg *types.DLQMessage, codec compression.Codec) ([]byte, error) {
	if codec == nil || codec.Name() == compression.AlgorithmNone ||
		len(msg.OriginalMessage) < codec.MinSize() {
		return json.Marshal(msg)
	}

	compressed, err := codec.Compress(msg.OriginalMessage)
	if err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}

	clone := *msg
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(compressed))
	if err != nil {
		return nil, err
	}
	clone.OriginalMessage = encoded
	clone.Compressed = true
	clone.Codec = string(codec.Name())
	return json.Marshal(&clone)
}

// decodeMessage deserializes a stored message, transparently restoring a
// compressed payload.
func decodeMessage(data []byte) (*types.DLQMessage, error) {
	var msg types.DLQMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	if !msg.Compressed {
		return &msg, nil
	}

	var b64 string
	if err := json.Unmarshal(msg.OriginalMessage, &b64); err != nil {
		return nil, fmt.Errorf("decode compressed payload envelope: %w", err)
	}
	compressed, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode compressed payload: %w", err)
	}

	codec := compression.ForName(msg.Codec)
	payload, err := codec.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}

	msg.OriginalMessage = payload
	msg.Compressed = false
	msg.Codec = ""
	return &msg, nil
}

package dlq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ontogate/pkg/types"
)

// RedisStore implements Store on a Redis connection pool.
type RedisStore struct {
	client  *redis.Client
	logger  *logrus.Logger
	options map[string]QueueOptions
	mu      sync.RWMutex
}

// NewRedisStore wraps an existing client. Queues are registered with
// ConfigureQueue; unregistered queues use default options.
func NewRedisStore(client *redis.Client, logger *logrus.Logger) *RedisStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisStore{
		client:  client,
		logger:  logger,
		options: make(map[string]QueueOptions),
	}
}

// ConfigureQueue sets the storage options for one queue.
func (s *RedisStore) ConfigureQueue(queue string, opts QueueOptions) {
	s.mu.Lock()
	s.options[queue] = opts
	s.mu.Unlock()
}

func (s *RedisStore) opts(queue string) QueueOptions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.options[queue]
}

func (s *RedisStore) Put(ctx context.Context, msg *types.DLQMessage) error {
	opts := s.opts(msg.QueueName)

	data, err := encodeMessage(msg, opts.Codec)
	if err != nil {
		return err
	}

	prefix := opts.prefix()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, liveKey(prefix, msg.QueueName, msg.MessageID), data, opts.ttl())
		pipe.ZAdd(ctx, liveIndexKey(prefix, msg.QueueName), redis.Z{
			Score:  retryScore(msg),
			Member: msg.MessageID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("dlq put %s/%s: %w", msg.QueueName, msg.MessageID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, queue, id string) (*types.DLQMessage, error) {
	prefix := s.opts(queue).prefix()

	data, err := s.client.Get(ctx, liveKey(prefix, queue, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dlq get %s/%s: %w", queue, id, err)
	}
	return decodeMessage(data)
}

func (s *RedisStore) Update(ctx context.Context, msg *types.DLQMessage) error {
	opts := s.opts(msg.QueueName)

	data, err := encodeMessage(msg, opts.Codec)
	if err != nil {
		return err
	}

	prefix := opts.prefix()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// KeepTTL so status updates do not extend the message lifetime
		pipe.Set(ctx, liveKey(prefix, msg.QueueName, msg.MessageID), data, redis.KeepTTL)
		pipe.ZAdd(ctx, liveIndexKey(prefix, msg.QueueName), redis.Z{
			Score:  retryScore(msg),
			Member: msg.MessageID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("dlq update %s/%s: %w", msg.QueueName, msg.MessageID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, queue, id string) error {
	prefix := s.opts(queue).prefix()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, liveKey(prefix, queue, id))
		pipe.ZRem(ctx, liveIndexKey(prefix, queue), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dlq delete %s/%s: %w", queue, id, err)
	}
	return nil
}

func (s *RedisStore) ListReady(ctx context.Context, queue string, now time.Time, limit int64) ([]*types.DLQMessage, error) {
	prefix := s.opts(queue).prefix()

	ids, err := s.client.ZRangeByScore(ctx, liveIndexKey(prefix, queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq list ready %s: %w", queue, err)
	}

	return s.loadLive(ctx, prefix, queue, ids)
}

func (s *RedisStore) List(ctx context.Context, queue string, limit int64) ([]*types.DLQMessage, error) {
	prefix := s.opts(queue).prefix()

	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	ids, err := s.client.ZRange(ctx, liveIndexKey(prefix, queue), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq list %s: %w", queue, err)
	}

	return s.loadLive(ctx, prefix, queue, ids)
}

// loadLive fetches messages by id and prunes index entries whose value
// already expired.
func (s *RedisStore) loadLive(ctx context.Context, prefix, queue string, ids []string) ([]*types.DLQMessage, error) {
	messages := make([]*types.DLQMessage, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, liveKey(prefix, queue, id)).Bytes()
		if err == redis.Nil {
			// Value expired under the index entry
			if zerr := s.client.ZRem(ctx, liveIndexKey(prefix, queue), id).Err(); zerr != nil {
				s.logger.WithError(zerr).WithFields(logrus.Fields{
					"component":  "dlq",
					"queue":      queue,
					"message_id": id,
				}).Warn("Failed to prune expired index entry")
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dlq load %s/%s: %w", queue, id, err)
		}

		msg, err := decodeMessage(data)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"component":  "dlq",
				"queue":      queue,
				"message_id": id,
			}).Warn("Skipping undecodable message")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisStore) PromotePoison(ctx context.Context, msg *types.DLQMessage) error {
	opts := s.opts(msg.QueueName)
	prefix := opts.prefix()

	promoted := *msg
	promoted.Status = types.DLQStatusPoison
	now := time.Now()

	data, err := encodeMessage(&promoted, opts.Codec)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, poisonKey(prefix, msg.QueueName, msg.MessageID), data, 0)
		pipe.ZAdd(ctx, poisonIndexKey(prefix, msg.QueueName), redis.Z{
			Score:  float64(now.Unix()),
			Member: msg.MessageID,
		})
		pipe.Del(ctx, liveKey(prefix, msg.QueueName, msg.MessageID))
		pipe.ZRem(ctx, liveIndexKey(prefix, msg.QueueName), msg.MessageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dlq promote poison %s/%s: %w", msg.QueueName, msg.MessageID, err)
	}
	return nil
}

func (s *RedisStore) ListPoison(ctx context.Context, queue string, limit int64) ([]*types.DLQMessage, error) {
	prefix := s.opts(queue).prefix()

	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	ids, err := s.client.ZRange(ctx, poisonIndexKey(prefix, queue), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq list poison %s: %w", queue, err)
	}

	messages := make([]*types.DLQMessage, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, poisonKey(prefix, queue, id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dlq load poison %s/%s: %w", queue, id, err)
		}
		msg, err := decodeMessage(data)
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisStore) DeletePoison(ctx context.Context, queue, id string) error {
	prefix := s.opts(queue).prefix()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, poisonKey(prefix, queue, id))
		pipe.ZRem(ctx, poisonIndexKey(prefix, queue), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dlq delete poison %s/%s: %w", queue, id, err)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, queue, id string, ttl time.Duration) (bool, error) {
	prefix := s.opts(queue).prefix()

	won, err := s.client.SetNX(ctx, claimKey(prefix, queue, id), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dlq claim %s/%s: %w", queue, id, err)
	}
	return won, nil
}

func (s *RedisStore) Unclaim(ctx context.Context, queue, id string) error {
	prefix := s.opts(queue).prefix()
	return s.client.Del(ctx, claimKey(prefix, queue, id)).Err()
}

func (s *RedisStore) Stats(ctx context.Context, queue string) (types.DLQStats, error) {
	prefix := s.opts(queue).prefix()

	stats := types.DLQStats{
		QueueName: queue,
		ByStatus:  make(map[string]int64),
	}

	live, err := s.client.ZCard(ctx, liveIndexKey(prefix, queue)).Result()
	if err != nil {
		return stats, fmt.Errorf("dlq stats %s: %w", queue, err)
	}
	poison, err := s.client.ZCard(ctx, poisonIndexKey(prefix, queue)).Result()
	if err != nil {
		return stats, fmt.Errorf("dlq stats %s: %w", queue, err)
	}
	stats.TotalMessages = live
	stats.PoisonMessages = poison

	messages, err := s.List(ctx, queue, statsScanLimit)
	if err != nil {
		return stats, err
	}
	for _, msg := range messages {
		stats.ByStatus[string(msg.Status)]++
		if stats.OldestMessage == nil || msg.FirstFailureTime.Before(*stats.OldestMessage) {
			first := msg.FirstFailureTime
			stats.OldestMessage = &first
		}
	}
	return stats, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)

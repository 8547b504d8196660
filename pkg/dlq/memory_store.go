package dlq

import (
	"context"
	"sort"
	"sync"
	"time"

	"ontogate/pkg/types"
)

type memoryRecord struct {
	msg       *types.DLQMessage
	expiresAt time.Time // zero for poison records
	score     float64
}

// MemoryStore is the in-process Store used when Redis is disabled and in
// tests. Semantics mirror RedisStore including TTL expiry.
type MemoryStore struct {
	live    map[string]map[string]*memoryRecord // queue -> id -> record
	poison  map[string]map[string]*memoryRecord
	claims  map[string]time.Time // claim key -> expiry
	options map[string]QueueOptions
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		live:    make(map[string]map[string]*memoryRecord),
		poison:  make(map[string]map[string]*memoryRecord),
		claims:  make(map[string]time.Time),
		options: make(map[string]QueueOptions),
	}
}

// ConfigureQueue sets the storage options for one queue.
func (s *MemoryStore) ConfigureQueue(queue string, opts QueueOptions) {
	s.mu.Lock()
	s.options[queue] = opts
	s.mu.Unlock()
}

func (s *MemoryStore) optsLocked(queue string) QueueOptions {
	return s.options[queue]
}

func cloneMessage(msg *types.DLQMessage) *types.DLQMessage {
	clone := *msg
	if msg.NextRetryTime != nil {
		next := *msg.NextRetryTime
		clone.NextRetryTime = &next
	}
	clone.ErrorHistory = append([]types.DLQErrorRecord(nil), msg.ErrorHistory...)
	if msg.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(msg.Metadata))
		for k, v := range msg.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func (s *MemoryStore) Put(ctx context.Context, msg *types.DLQMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := msg.QueueName
	if s.live[queue] == nil {
		s.live[queue] = make(map[string]*memoryRecord)
	}
	s.live[queue][msg.MessageID] = &memoryRecord{
		msg:       cloneMessage(msg),
		expiresAt: time.Now().Add(s.optsLocked(queue).ttl()),
		score:     retryScore(msg),
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, queue, id string) (*types.DLQMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.live[queue][id]
	if !ok || time.Now().After(rec.expiresAt) {
		return nil, nil
	}
	return cloneMessage(rec.msg), nil
}

func (s *MemoryStore) Update(ctx context.Context, msg *types.DLQMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live[msg.QueueName][msg.MessageID]
	if !ok {
		return s.putLocked(msg)
	}
	rec.msg = cloneMessage(msg)
	rec.score = retryScore(msg)
	return nil
}

func (s *MemoryStore) putLocked(msg *types.DLQMessage) error {
	queue := msg.QueueName
	if s.live[queue] == nil {
		s.live[queue] = make(map[string]*memoryRecord)
	}
	s.live[queue][msg.MessageID] = &memoryRecord{
		msg:       cloneMessage(msg),
		expiresAt: time.Now().Add(s.optsLocked(queue).ttl()),
		score:     retryScore(msg),
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, queue, id string) error {
	s.mu.Lock()
	delete(s.live[queue], id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListReady(ctx context.Context, queue string, now time.Time, limit int64) ([]*types.DLQMessage, error) {
	return s.list(queue, limit, func(rec *memoryRecord) bool {
		return rec.score <= float64(now.Unix())
	})
}

func (s *MemoryStore) List(ctx context.Context, queue string, limit int64) ([]*types.DLQMessage, error) {
	return s.list(queue, limit, func(*memoryRecord) bool { return true })
}

func (s *MemoryStore) list(queue string, limit int64, match func(*memoryRecord) bool) ([]*types.DLQMessage, error) {
	now := time.Now()

	s.mu.Lock()
	records := make([]*memoryRecord, 0, len(s.live[queue]))
	for id, rec := range s.live[queue] {
		if now.After(rec.expiresAt) {
			delete(s.live[queue], id)
			continue
		}
		if match(rec) {
			records = append(records, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].score < records[j].score })

	if limit > 0 && int64(len(records)) > limit {
		records = records[:limit]
	}
	messages := make([]*types.DLQMessage, len(records))
	for i, rec := range records {
		messages[i] = cloneMessage(rec.msg)
	}
	return messages, nil
}

func (s *MemoryStore) PromotePoison(ctx context.Context, msg *types.DLQMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := msg.QueueName
	promoted := cloneMessage(msg)
	promoted.Status = types.DLQStatusPoison

	if s.poison[queue] == nil {
		s.poison[queue] = make(map[string]*memoryRecord)
	}
	s.poison[queue][msg.MessageID] = &memoryRecord{
		msg:   promoted,
		score: float64(time.Now().Unix()),
	}
	delete(s.live[queue], msg.MessageID)
	return nil
}

func (s *MemoryStore) ListPoison(ctx context.Context, queue string, limit int64) ([]*types.DLQMessage, error) {
	s.mu.RLock()
	records := make([]*memoryRecord, 0, len(s.poison[queue]))
	for _, rec := range s.poison[queue] {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].score < records[j].score })
	if limit > 0 && int64(len(records)) > limit {
		records = records[:limit]
	}
	messages := make([]*types.DLQMessage, len(records))
	for i, rec := range records {
		messages[i] = cloneMessage(rec.msg)
	}
	return messages, nil
}

func (s *MemoryStore) DeletePoison(ctx context.Context, queue, id string) error {
	s.mu.Lock()
	delete(s.poison[queue], id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, queue, id string, ttl time.Duration) (bool, error) {
	key := claimKey("", queue, id)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, held := s.claims[key]; held && now.Before(expiry) {
		return false, nil
	}
	s.claims[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Unclaim(ctx context.Context, queue, id string) error {
	s.mu.Lock()
	delete(s.claims, claimKey("", queue, id))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context, queue string) (types.DLQStats, error) {
	stats := types.DLQStats{
		QueueName: queue,
		ByStatus:  make(map[string]int64),
	}

	messages, err := s.List(ctx, queue, statsScanLimit)
	if err != nil {
		return stats, err
	}
	stats.TotalMessages = int64(len(messages))
	for _, msg := range messages {
		stats.ByStatus[string(msg.Status)]++
		if stats.OldestMessage == nil || msg.FirstFailureTime.Before(*stats.OldestMessage) {
			first := msg.FirstFailureTime
			stats.OldestMessage = &first
		}
	}

	s.mu.RLock()
	stats.PoisonMessages = int64(len(s.poison[queue]))
	s.mu.RUnlock()
	return stats, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)

package ordering

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Sequence hands out order numbers. Numbers are never reused.
type Sequence interface {
	Next(ctx context.Context) (int64, error)
}

type RedisSequence struct {
	client redis.Cmdable
	key    string
}

func NewRedisSequence(client redis.Cmdable, key string) *RedisSequence {
	return &RedisSequence{client: client, key: key}
}

func (s *RedisSequence) Next(ctx context.Context) (int64, error) {
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate order number: %w", err)
	}
	return n, nil
}

type MemorySequence struct {
	last atomic.Int64
}

// NewMemorySequence starts after start.
func NewMemorySequence(start int64) *MemorySequence {
	s := &MemorySequence{}
	s.last.Store(start)
	return s
}

func (s *MemorySequence) Next(context.Context) (int64, error) {
	return s.last.Add(1), nil
}

// StoreSequence continues after the highest order number in an OrderStore.
// The store is read once, on the first successful Next; later numbers come
// from memory, so only one process may allocate numbers this way.
type StoreSequence struct {
	orders OrderStore

	mu   sync.Mutex
	next *MemorySequence
}

func NewStoreSequence(orders OrderStore) *StoreSequence {
	return &StoreSequence{orders: orders}
}

func (s *StoreSequence) Next(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next == nil {
		last, err := s.orders.LastOrderNumber(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to allocate order number: %w", err)
		}
		s.next = NewMemorySequence(last)
	}
	return s.next.Next(ctx)
}

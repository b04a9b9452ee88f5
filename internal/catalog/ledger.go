package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ordersync/internal/events"

	"github.com/redis/go-redis/v9"
)

// Ledger records which stock adjustments were already applied, so a
// redelivered event does not adjust stock twice.
type Ledger interface {
	// Claim records token and reports whether this call was the first to do so.
	Claim(ctx context.Context, token string) (bool, error)
	// Release forgets token after the adjustment it guarded failed.
	Release(ctx context.Context, token string) error
	Claimed(ctx context.Context, token string) (bool, error)
}

// AdjustmentToken identifies one line item of one order for one event kind.
// orderRef is the order number, or "id-<id>" for orders without one.
func AdjustmentToken(kind events.EventKind, orderRef string, index int, productID int64) string {
	return fmt.Sprintf("%s:%s:%d:%d", kind, orderRef, index, productID)
}

type RedisLedger struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(token string) string {
	return l.prefix + token
}

func (l *RedisLedger) Claim(ctx context.Context, token string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(token), time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", token, err)
	}
	return ok, nil
}

func (l *RedisLedger) Release(ctx context.Context, token string) error {
	if err := l.client.Del(ctx, l.key(token)).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", token, err)
	}
	return nil
}

func (l *RedisLedger) Claimed(ctx context.Context, token string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", token, err)
	}
	return n > 0, nil
}

// MemoryLedger is a process-local Ledger without expiry.
type MemoryLedger struct {
	mu     sync.Mutex
	tokens map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{tokens: make(map[string]struct{})}
}

func (l *MemoryLedger) Claim(_ context.Context, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[token]; ok {
		return false, nil
	}
	l.tokens[token] = struct{}{}
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tokens, token)
	return nil
}

func (l *MemoryLedger) Claimed(_ context.Context, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tokens[token]
	return ok, nil
}

package payment

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard 维护已消费的交易引用集合。MarkUsed 必须是原子的检查并标记操作。
type ReplayGuard interface {
	// MarkUsed 在引用尚未消费时将其标记并返回 true，已消费时返回 false。
	MarkUsed(ctx context.Context, key string) (bool, error)
	// Unmark 撤销尚未绑定交易记录的标记，使引用可在确认后重试。
	Unmark(ctx context.Context, key string) error
}

// MemoryReplayGuard 在进程内保存已消费集合。
type MemoryReplayGuard struct {
	mu   sync.Mutex
	used map[string]time.Time
}

var _ ReplayGuard = (*MemoryReplayGuard)(nil)

// NewMemoryReplayGuard 创建 MemoryReplayGuard。
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{used: make(map[string]time.Time)}
}

// MarkUsed 实现 ReplayGuard。
func (m *MemoryReplayGuard) MarkUsed(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.used[key]; ok {
		return false, nil
	}
	m.used[key] = time.Now().UTC()
	return true, nil
}

// Unmark 实现 ReplayGuard。
func (m *MemoryReplayGuard) Unmark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.used, key)
	return nil
}

// RedisReplayGuard 使用 SETNX 保存已消费集合，适合多实例部署。
// ttl 为 0 时记录永久保留，否则保留至链的最终性窗口之后。
type RedisReplayGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ ReplayGuard = (*RedisReplayGuard)(nil)

// NewRedisReplayGuard 创建 RedisReplayGuard。
func NewRedisReplayGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisReplayGuard {
	if prefix == "" {
		prefix = "agentpay:used_tx"
	}
	return &RedisReplayGuard{client: client, prefix: prefix, ttl: ttl}
}

// MarkUsed 实现 ReplayGuard。
func (r *RedisReplayGuard) MarkUsed(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+":"+key, time.Now().UTC().Unix(), r.ttl).Result()
}

// Unmark 实现 ReplayGuard。
func (r *RedisReplayGuard) Unmark(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+":"+key).Err()
}

package spending

import (
	"context"
	"sort"
	"sync"
)

// Store 抽象了消费台账的持久化接口。SaveRecord 需原子地写入台账及其全部未结预扣。
type Store interface {
	LoadRecord(ctx context.Context, identity string) (*Record, error)
	SaveRecord(ctx context.Context, record *Record) error
	// OpenIdentities 列出仍持有未结预扣的身份。
	OpenIdentities(ctx context.Context) ([]string, error)
}

// MemoryStore 以内存方式保存消费台账。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// LoadRecord 实现 Store 接口。
func (m *MemoryStore) LoadRecord(_ context.Context, identity string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[identity]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.clone(), nil
}

// SaveRecord 实现 Store 接口。
func (m *MemoryStore) SaveRecord(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Identity] = record.clone()
	return nil
}

// OpenIdentities 实现 Store 接口。
func (m *MemoryStore) OpenIdentities(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for identity, record := range m.records {
		if len(record.Reservations) > 0 {
			out = append(out, identity)
		}
	}
	sort.Strings(out)
	return out, nil
}

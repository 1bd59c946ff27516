package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store 抽象了交易记录的持久化接口。
type Store interface {
	Insert(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	ListRecent(ctx context.Context, identity string, limit int) ([]*Record, error)
	// Update 仅当持久化状态仍为 prev 时写入 record，否则返回 ErrStaleRecord。
	Update(ctx context.Context, record *Record, prev Status) error
	// Rate 为已履约且未评分的记录写入评分。
	Rate(ctx context.Context, id string, score int, review string, at time.Time) error
}

// MemoryStore 以内存方式保存交易记录。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	proofs  map[string]string
	order   []string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		proofs:  make(map[string]string),
	}
}

// Insert 实现 Store 接口。
func (m *MemoryStore) Insert(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return ErrStaleRecord
	}
	if _, ok := m.proofs[record.ProofKey]; ok {
		return ErrDuplicateProof
	}
	m.records[record.ID] = record.Clone()
	m.proofs[record.ProofKey] = record.ID
	m.order = append(m.order, record.ID)
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

// ListRecent 实现 Store 接口，按创建时间倒序返回。
func (m *MemoryStore) ListRecent(_ context.Context, identity string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		record := m.records[m.order[i]]
		if identity != "" && record.Identity != identity {
			continue
		}
		out = append(out, record.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, record *Record, prev Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[record.ID]
	if !ok {
		return ErrRecordNotFound
	}
	if current.Status != prev {
		return ErrStaleRecord
	}
	m.records[record.ID] = record.Clone()
	return nil
}

// Rate 实现 Store 接口。
func (m *MemoryStore) Rate(_ context.Context, id string, score int, review string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if current.Rating != nil {
		return ErrAlreadyRated
	}
	if current.Status != StatusFulfilled {
		return ErrNotRateable
	}
	next := current.Clone()
	next.Rating = &score
	next.Review = review
	next.UpdatedAt = at
	m.records[id] = next
	return nil
}

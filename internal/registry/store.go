package registry

import (
	"context"
	"sort"
	"sync"
)

// Store 抽象了服务描述符的持久化接口。
type Store interface {
	SaveService(ctx context.Context, descriptor *ServiceDescriptor) error
	ListServices(ctx context.Context) ([]*ServiceDescriptor, error)
}

// MemoryStore 以内存方式保存服务描述符，主要用于测试与本地开发。
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]*ServiceDescriptor
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{services: make(map[string]*ServiceDescriptor)}
}

// SaveService 插入或更新服务描述符。
func (m *MemoryStore) SaveService(_ context.Context, descriptor *ServiceDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[descriptor.ID] = descriptor.Clone()
	return nil
}

// ListServices 按注册顺序返回全部服务，包括已注销的服务。
func (m *MemoryStore) ListServices(_ context.Context) ([]*ServiceDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ServiceDescriptor, 0, len(m.services))
	for _, descriptor := range m.services {
		out = append(out, descriptor.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

package store

import (
	"context"
	"sync"

	"github.com/xela07ax/guestgate-engine/internal/domain"
)

// Store — namespaced KV-контракт персистентности живого состояния.
// Сбои оборачиваются в PersistenceError; in-memory состояние реестра при
// этом не портится — операция падает и повторяется следующей попыткой.
type Store interface {
	Get(ctx context.Context, ns, key string) ([]byte, error) // ErrNotFound, если записи нет
	Set(ctx context.Context, ns, key string, value []byte) error
	Delete(ctx context.Context, ns, key string) error
	Keys(ctx context.Context, ns string) ([]string, error)
}

// MemoryStore — потокобезопасная in-memory реализация для тестов и MVP.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // ns -> key -> value
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, ns, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[ns][key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, nil
}

func (m *MemoryStore) Set(ctx context.Context, ns, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[ns] == nil {
		m.data[ns] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[ns][key] = cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return nil
}

func (m *MemoryStore) Keys(ctx context.Context, ns string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[ns]))
	for k := range m.data[ns] {
		keys = append(keys, k)
	}
	return keys, nil
}

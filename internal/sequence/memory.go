package sequence

import (
	"context"
	"sync"
)

// MemoryStore is an in-process counter store for tests and dry runs.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]int64)}
}

// Reserve implements Store.
func (m *MemoryStore) Reserve(_ context.Context, name string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := m.counters[name] + 1
	m.counters[name] += n
	return first, nil
}

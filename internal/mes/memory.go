package mes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leafscale/aps/internal/store"
)

// MemoryStore is an in-process DispatchStore for tests and dry runs,
// mirroring the mongo implementation's semantics.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*DispatchRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*DispatchRecord)}
}

// Save implements DispatchStore.
func (m *MemoryStore) Save(_ context.Context, rec *DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rec
	m.recs[rec.PlanID] = &clone
	return nil
}

// Get implements DispatchStore.
func (m *MemoryStore) Get(_ context.Context, planID string) (*DispatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[planID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

// ListBatch implements DispatchStore.
func (m *MemoryStore) ListBatch(_ context.Context, batchID string) ([]*DispatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DispatchRecord
	for _, rec := range m.recs {
		if rec.BatchID == batchID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out, nil
}

// MarkSent implements DispatchStore.
func (m *MemoryStore) MarkSent(_ context.Context, planID string, attempts int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[planID]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = StatusSent
	rec.Attempts = attempts
	rec.SentAt = at
	rec.LastError = ""
	return nil
}

// MarkFailed implements DispatchStore.
func (m *MemoryStore) MarkFailed(_ context.Context, planID string, attempts int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[planID]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = StatusFailed
	rec.Attempts = attempts
	rec.LastError = reason
	return nil
}

// SetStatus implements DispatchStore.
func (m *MemoryStore) SetStatus(_ context.Context, planID string, status DispatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[planID]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = status
	return nil
}

package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leafscale/aps/internal/store"
)

// MemoryStore is an in-process task store for tests and single-node dry
// runs. It implements the same transition semantics as the mongo store.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record)}
}

func cloneRecord(rec *Record) *Record {
	out := *rec
	if rec.Timings != nil {
		out.Timings = make(map[Stage]time.Duration, len(rec.Timings))
		for k, v := range rec.Timings {
			out.Timings[k] = v
		}
	}
	return &out
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.recs[rec.ID]; exists {
		return fmt.Errorf("task %s already exists", rec.ID)
	}
	m.recs[rec.ID] = cloneRecord(rec)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// FindActiveByBatch implements Store.
func (m *MemoryStore) FindActiveByBatch(_ context.Context, batchID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.recs {
		if rec.BatchID == batchID && !rec.State.Terminal() {
			return cloneRecord(rec), nil
		}
	}
	return nil, store.ErrNotFound
}

// Transition implements Store.
func (m *MemoryStore) Transition(_ context.Context, id string, from, to State, update StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok || rec.State != from {
		return store.ErrNotFound
	}
	rec.State = to
	if update.Error != "" {
		rec.Error = update.Error
	}
	if to == StatePending {
		rec.Error = ""
	}
	if update.Summary != nil {
		rec.Summary = *update.Summary
	}
	if update.Timings != nil {
		rec.Timings = update.Timings
	}
	if !update.StartedAt.IsZero() {
		rec.StartedAt = update.StartedAt
	}
	if !update.FinishedAt.IsZero() {
		rec.FinishedAt = update.FinishedAt
	}
	return nil
}

// UpdateProgress implements Store.
func (m *MemoryStore) UpdateProgress(_ context.Context, id string, stage Stage, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Stage = stage
	rec.Progress = progress
	return nil
}

// ListRunningBefore implements Store.
func (m *MemoryStore) ListRunningBefore(_ context.Context, cutoff time.Time) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, rec := range m.recs {
		if rec.State == StateRunning && rec.StartedAt.Before(cutoff) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

package persistence

import (
	"context"
	"sync"
)

type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record)}
}

func (r *MemoryRepository) Upsert(_ context.Context, rec Record) (WriteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[rec.MessageID]
	if !ok {
		r.records[rec.MessageID] = rec.clone()
		return WriteCreated, nil
	}
	if sameOutcome(existing, rec) {
		return WriteUnchanged, nil
	}
	r.records[rec.MessageID] = rec.clone()
	return WriteUpdated, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	out := rec.clone()
	return &out, nil
}

func (r *MemoryRepository) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.records)), nil
}

func (r *MemoryRepository) Backend() string {
	return "memory"
}

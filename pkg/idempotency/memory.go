package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Claim(_ context.Context, e *Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[e.Key]; ok && cur.Status != StatusRecoverable && cur.ExpiresAt.After(e.CreatedAt) {
		return false, nil
	}
	cp := *e
	s.entries[e.Key] = &cp
	return true, nil
}

func (s *MemoryStore) Finish(_ context.Context, key string, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.Status, e.Result, e.UpdatedAt = StatusFinished, result, at
	}
	return nil
}

func (s *MemoryStore) MarkRecoverable(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.Status, e.UpdatedAt = StatusRecoverable, at
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.ExpiresAt.Before(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

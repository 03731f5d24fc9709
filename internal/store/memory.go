package store

import (
	"context"
	"sort"
	"sync"

	"github.com/aperturehq/aperture-sync/internal/mutation"
)

// MemoryStore keeps pending mutations for the process lifetime only.
// It backs tests and the degraded path taken when a durable append
// fails: the mutation stays replayable until the process exits, but
// will not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]mutation.QueuedMutation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return NewMemoryAt(1)
}

// NewMemoryAt creates an in-memory store whose first assigned id is
// firstID. The queue manager uses a high base so overlay ids can never
// collide with ids assigned by the durable backend.
func NewMemoryAt(firstID int64) *MemoryStore {
	return &MemoryStore{
		nextID: firstID,
		items:  make(map[int64]mutation.QueuedMutation),
	}
}

// Append implements Store.Append.
func (s *MemoryStore) Append(_ context.Context, m *mutation.QueuedMutation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	m.ID = id
	cp := *m
	cp.Payload = append([]byte(nil), m.Payload...)
	s.items[id] = cp
	return id, nil
}

// List implements Store.List.
func (s *MemoryStore) List(_ context.Context) ([]mutation.QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mutation.QueuedMutation, 0, len(s.items))
	for _, m := range s.items {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

// Remove implements Store.Remove.
func (s *MemoryStore) Remove(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

// UpdateRetry implements Store.UpdateRetry.
func (s *MemoryStore) UpdateRetry(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return nil
	}
	m.RetryCount++
	m.LastError = errMsg
	s.items[id] = m
	return nil
}

// Clear implements Store.Clear.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[int64]mutation.QueuedMutation)
	return nil
}

// Count implements Store.Count.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

// Close implements Store.Close.
func (s *MemoryStore) Close() error {
	return nil
}

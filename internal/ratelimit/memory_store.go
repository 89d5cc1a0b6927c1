package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process BucketStore. It exists for single-instance
// deployments and tests; buckets are not shared across processes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	state     BucketState
	expiresAt time.Time
}

// NewMemoryStore creates a new in-process bucket store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
	}
}

// Get implements BucketStore
func (s *MemoryStore) Get(ctx context.Context, key string) (BucketState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return BucketState{}, false, nil
	}
	return entry.state, true, nil
}

// CompareAndSet implements BucketStore
func (s *MemoryStore) CompareAndSet(ctx context.Context, key string, expected *BucketState, newState BucketState, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if exists && time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		exists = false
	}

	if expected == nil {
		if exists {
			return false, nil
		}
	} else {
		if !exists || !entry.state.Equal(*expected) {
			return false, nil
		}
	}

	s.entries[key] = &memoryEntry{
		state:     newState,
		expiresAt: time.Now().Add(ttl),
	}
	return true, nil
}

// Ping implements BucketStore
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements BucketStore
func (s *MemoryStore) Close() error {
	return nil
}

// Cleanup removes expired buckets
func (s *MemoryStore) Cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// StartCleanup starts a goroutine that removes expired buckets periodically.
// Stop it by cancelling the context.
func (s *MemoryStore) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	}()
}

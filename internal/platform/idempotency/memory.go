package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore provides an in-memory implementation useful for testing and
// local development. Production deployments use the Firestore store so the
// dedup facts survive restarts and are shared across workers.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// MarkProcessed implements the Store interface.
func (s *MemoryStore) MarkProcessed(_ context.Context, key Key, now time.Time, ttl time.Duration) (bool, error) {
	normalized, err := key.normalize()
	if err != nil {
		return false, err
	}
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := normalized.digest()
	if record, ok := s.records[id]; ok {
		if record.ExpiresAt.IsZero() || now.Before(record.ExpiresAt) {
			return false, nil
		}
	}

	s.records[id] = Record{
		Source:      normalized.Source,
		ExternalRef: normalized.ExternalRef,
		Status:      normalized.Status,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	return true, nil
}

// CleanupExpired implements the Store interface.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}

	removed := 0
	for id, record := range s.records {
		if record.ExpiresAt.IsZero() || now.Before(record.ExpiresAt) {
			continue
		}
		delete(s.records, id)
		removed++
		if removed >= limit {
			break
		}
	}

	return removed, nil
}

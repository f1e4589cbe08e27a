package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[uuid.UUID][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID][]Entry)}
}

func (s *MemoryStore) Append(_ context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, entries []Entry) error {
	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries[aggregateID]) != expectedVersion {
		return ErrConcurrencyConflict
	}
	for i, entry := range entries {
		s.nextID++
		entry.ID = s.nextID
		entry.AggregateID = aggregateID
		entry.AggregateType = aggregateType
		entry.Version = expectedVersion + i + 1
		entry.CreatedAt = time.Now().UTC()
		s.entries[aggregateID] = append(s.entries[aggregateID], entry)
	}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, aggregateID uuid.UUID) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries[aggregateID]))
	copy(out, s.entries[aggregateID])
	return out, nil
}

func (s *MemoryStore) Version(_ context.Context, aggregateID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[aggregateID]), nil
}

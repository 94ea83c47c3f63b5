package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore implements Store purely in memory, for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	bulk    map[string]BulkCheckpoint
	polling map[string]PollingCheckpoint
	stream  map[string]StreamResumePoint
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bulk:    make(map[string]BulkCheckpoint),
		polling: make(map[string]PollingCheckpoint),
		stream:  make(map[string]StreamResumePoint),
	}
}

func (s *MemoryStore) LoadBulk(ctx context.Context, collection string) (BulkCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bulk[collection], nil
}

func (s *MemoryStore) SaveBulk(ctx context.Context, collection string, cp BulkCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulk[collection] = cp
	return nil
}

func (s *MemoryStore) LoadPolling(ctx context.Context, collection string) (PollingCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polling[collection], nil
}

func (s *MemoryStore) SavePolling(ctx context.Context, collection string, delta PollingCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.polling[collection]
	merged := PollingCheckpoint{
		LastUpdatedAt:     delta.LastUpdatedAt,
		LastOperationTime: delta.LastOperationTime,
		UpdatesTotal:      existing.UpdatesTotal + delta.UpdatesTotal,
		DeletionsTotal:    existing.DeletionsTotal + delta.DeletionsTotal,
		Timestamp:         delta.Timestamp,
	}
	if merged.LastUpdatedAt == nil {
		merged.LastUpdatedAt = existing.LastUpdatedAt
	}
	if merged.LastOperationTime == "" {
		merged.LastOperationTime = existing.LastOperationTime
	}
	s.polling[collection] = merged
	return nil
}

func (s *MemoryStore) LoadStream(ctx context.Context, collection string) (StreamResumePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream[collection], nil
}

func (s *MemoryStore) SaveStream(ctx context.Context, collection string, rp StreamResumePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream[collection] = rp
	return nil
}

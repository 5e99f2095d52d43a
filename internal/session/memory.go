package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	session   Session
	expiresAt time.Time
}

// MemoryStore implements Store on a mutex-guarded map. It is suitable for
// single-node deployments and tests; expiry is enforced lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
}

// NewMemoryStore returns an in-memory store whose entries expire after ttl
// of inactivity.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
	}
}

func (s *MemoryStore) Create(ctx context.Context, resourceID, filename string, totalSize int64, metadata map[string]string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[resourceID]; ok && time.Now().Before(entry.expiresAt) {
		return fmt.Errorf("%w: %s", ErrExists, resourceID)
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	s.entries[resourceID] = &memoryEntry{
		session: Session{
			Filename:  filename,
			TotalSize: totalSize,
			Offset:    0,
			Metadata:  meta,
		},
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

func (s *MemoryStore) Get(ctx context.Context, resourceID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.live(resourceID)
	if err != nil {
		return nil, err
	}

	snapshot := entry.session
	snapshot.Metadata = make(map[string]string, len(entry.session.Metadata))
	for k, v := range entry.session.Metadata {
		snapshot.Metadata[k] = v
	}
	entry.expiresAt = time.Now().Add(s.ttl)

	return &snapshot, nil
}

func (s *MemoryStore) IncrementOffset(ctx context.Context, resourceID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.live(resourceID)
	if err != nil {
		return 0, err
	}

	entry.session.Offset += delta
	entry.expiresAt = time.Now().Add(s.ttl)

	return entry.session.Offset, nil
}

func (s *MemoryStore) Delete(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, resourceID)

	return nil
}

// live returns the entry for resourceID, discarding it when expired.
// Callers must hold s.mu.
func (s *MemoryStore) live(resourceID string) (*memoryEntry, error) {
	entry, ok := s.entries[resourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, resourceID)
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, resourceID)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, resourceID)
	}
	return entry, nil
}

package persistence

import (
	"context"
	"errors"
	"sync"
)

/*
LEARNING: PERSISTENCE CONTRACT

The collaboration core does not care where document state lives. Anything
that can load and save an opaque blob per document ID is a Store:

  - MemoryStore   in-process map, for tests and local dev
  - ObjectStore   one object per document in MinIO / S3
  - repository.SnapshotRepository  versioned rows in Postgres via GORM

Saved bytes are always a full-state update, so loading never needs history.
*/

var (
	// ErrNotFound means the document has never been saved. Callers treat it
	// as an empty document.
	ErrNotFound = errors.New("document not found")

	// ErrStorageUnavailable wraps any other load or save failure
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Store loads and saves the encoded state of a document
type Store interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Save(ctx context.Context, documentID string, state []byte) error
}

// MemoryStore keeps state in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Load returns a copy of the saved state or ErrNotFound
func (s *MemoryStore) Load(_ context.Context, documentID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.docs[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), state...), nil
}

// Save replaces the saved state
func (s *MemoryStore) Save(_ context.Context, documentID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[documentID] = append([]byte(nil), state...)
	return nil
}

package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/padsign/padsign/domain"
)

// MemoryBlobStore keeps artifacts in process memory. Development and
// test use only; nothing survives a restart.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Store(_ context.Context, data []byte, _ map[string]string) (string, error) {
	id := uuid.NewString()
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.blobs[id] = buf
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryBlobStore) Retrieve(_ context.Context, storageID string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[storageID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

var _ domain.BlobStore = (*MemoryBlobStore)(nil)

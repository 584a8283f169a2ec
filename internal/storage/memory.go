package storage

import (
	"context"
	"fmt"
	"sync"

	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// MemoryBlobs implements BlobAPI with in-memory maps. It backs development
// setups and tests; contents do not survive a restart.
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte // key: "bucket/name"
}

// NewMemoryBlobs creates an empty MemoryBlobs.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

func blobKey(bucket, name string) string {
	return bucket + "/" + name
}

// GetBlob returns a copy of the stored blob.
func (m *MemoryBlobs) GetBlob(_ context.Context, bucket, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[blobKey(bucket, name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", stamperr.ErrNotFound, bucket, name)
	}
	return append([]byte(nil), data...), nil
}

// PutBlob stores a copy of data.
func (m *MemoryBlobs) PutBlob(_ context.Context, bucket, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobKey(bucket, name)] = append([]byte(nil), data...)
	return nil
}

// HealthCheck always succeeds.
func (m *MemoryBlobs) HealthCheck(context.Context, string) error {
	return nil
}

// Len returns the number of stored blobs.
func (m *MemoryBlobs) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

var _ BlobAPI = (*MemoryBlobs)(nil)

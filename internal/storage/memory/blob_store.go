// Package memory provides in-process storage backends for tests and
// single-node runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore keeps archived page bodies in memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), buf...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Object returns the stored bytes for path, or nil when absent.
func (s *BlobStore) Object(path string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.data[path]
	if !ok {
		return nil
	}
	return append([]byte(nil), buf...)
}

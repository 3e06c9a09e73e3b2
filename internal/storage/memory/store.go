// Package memory provides an in-memory key-value store for development and
// tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/crawlforge/crawlforge/internal/storage"
)

// Store keeps values in a map guarded by a single mutex. Update runs its
// callback while the mutex is held, which gives the per-key atomicity the
// contract requires.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		data: make(map[string][]byte),
	}
}

// Get returns a copy of the value for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Put stores a copy of value under key.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List returns the sorted keys with the given prefix.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Update applies fn to the current value of key under the store lock.
func (s *Store) Update(_ context.Context, key string, fn storage.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current []byte
	if value, ok := s.data[key]; ok {
		current = append([]byte(nil), value...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.data, key)
		return nil
	}
	s.data[key] = next
	return nil
}

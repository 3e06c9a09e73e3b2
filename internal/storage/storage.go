// Package storage defines the durable key-addressed store the request
// queue, session pool, and statistics persist through. A purely in-memory
// implementation is valid when durability is not required.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("key not found")

// UpdateFunc transforms the current value of a key. A nil current value
// means the key does not exist; returning a nil new value deletes it.
type UpdateFunc func(current []byte) ([]byte, error)

// KeyValueStore is the persistence contract. Update runs its function under
// the store's per-key exclusive lock so read-modify-write sequences are
// atomic under concurrent producers.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

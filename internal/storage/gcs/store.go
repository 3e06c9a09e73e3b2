// Package gcs provides a key-value store backed by Google Cloud Storage
// objects. Suitable for durable queue snapshots where latency is not the
// concern.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/crawlforge/crawlforge/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Store maps keys to objects under a configured prefix. Exclusive update is
// process-local (a mutex around read-modify-write); cross-process leasing
// is out of scope for this backend.
type Store struct {
	client *gstorage.Client
	bucket string
	prefix string

	updateMu sync.Mutex
}

// New creates a GCS-backed store.
func New(client *gstorage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *Store) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Get downloads the object for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewReader(ctx)
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer reader.Close()
	value, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return value, nil
}

// Put uploads value for key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	writer := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewWriter(ctx)
	if _, err := writer.Write(value); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Delete removes the object for key. Missing objects are a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, gstorage.ErrObjectNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// List returns keys with the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	strip := 0
	if s.prefix != "" {
		strip = len(s.prefix) + 1
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &gstorage.Query{
		Prefix: s.objectName(prefix),
	})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		keys = append(keys, attrs.Name[strip:])
	}
}

// Update applies fn to key under the process-local update mutex.
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	current, err := s.Get(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return s.Delete(ctx, key)
	}
	return s.Put(ctx, key, next)
}

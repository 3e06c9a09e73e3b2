// Package redis provides a Redis-backed key-value store for durable queue
// and session-pool state.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crawlforge/crawlforge/internal/storage"
)

// Config captures connection parameters for the Redis store.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	LockTTL   time.Duration
}

// Store persists values as Redis strings under a configured namespace.
// Update takes a short SETNX lease on a lock key so read-modify-write
// sequences stay exclusive across processes.
type Store struct {
	client    *redis.Client
	namespace string
	lockTTL   time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &Store{
		client:    client,
		namespace: cfg.Namespace,
		lockTTL:   lockTTL,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (s *Store) namespaced(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

// Get returns the value for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.namespaced(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.namespaced(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespaced(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// List scans for keys with the given prefix and returns them without the
// namespace.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.namespaced(prefix) + "*"
	var (
		keys   []string
		cursor uint64
	)
	strip := 0
	if s.namespace != "" {
		strip = len(s.namespace) + 1
	}
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, key := range batch {
			keys = append(keys, key[strip:])
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Update applies fn to key while holding a lease lock on key+":lock".
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	lockKey := s.namespaced(key) + ":lock"
	if err := s.acquireLock(ctx, lockKey); err != nil {
		return err
	}
	defer s.client.Del(context.WithoutCancel(ctx), lockKey)

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

func (s *Store) acquireLock(ctx context.Context, lockKey string) error {
	for {
		ok, err := s.client.SetNX(ctx, lockKey, "1", s.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("redis lock: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis lock wait: %w", ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}
}

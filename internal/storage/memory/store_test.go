package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlforge/crawlforge/internal/storage"
)

func TestStoreGetPutDelete(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", []byte("one")))
	value, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), value)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreListFiltersByPrefix(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "queue/default/1", []byte("x")))
	require.NoError(t, s.Put(ctx, "queue/default/2", []byte("y")))
	require.NoError(t, s.Put(ctx, "sessions/1", []byte("z")))

	keys, err := s.List(ctx, "queue/default/")
	require.NoError(t, err)
	require.Equal(t, []string{"queue/default/1", "queue/default/2"}, keys)
}

func TestStoreUpdateIsAtomic(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "counter", []byte{0}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, "counter", func(current []byte) ([]byte, error) {
				return []byte{current[0] + 1}, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	value, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, byte(50), value[0])
}

func TestStoreUpdateNilDeletes(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", []byte("one")))

	err := s.Update(ctx, "a", func(current []byte) ([]byte, error) {
		require.Equal(t, []byte("one"), current)
		return nil, nil
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreUpdatePropagatesCallbackError(t *testing.T) {
	t.Parallel()

	s := NewStore()
	boom := errors.New("boom")
	err := s.Update(context.Background(), "a", func([]byte) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
}

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ephemera-project/ephemera/pkg/storage"
)

func TestStore_PutGetDelete(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	rec, err := s.Get(ctx, "sess/a")
	require.NoError(t, err)
	require.Nil(t, rec)

	require.NoError(t, s.Put(ctx, "sess/a", []byte(`{"x":1}`), exp))

	rec, err = s.Get(ctx, "sess/a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, []byte(`{"x":1}`), rec.Value)
	require.Equal(t, int64(1), rec.Version)

	require.NoError(t, s.Put(ctx, "sess/a", []byte(`{"x":2}`), exp))
	rec, err = s.Get(ctx, "sess/a")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.Version)

	deleted, err := s.Delete(ctx, "sess/a")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = s.Delete(ctx, "sess/a")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestStore_PutIfVersion(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	t.Run("create requires absent key", func(t *testing.T) {
		require.NoError(t, s.PutIfVersion(ctx, "pin/x", []byte("a"), 0, exp))
		err := s.PutIfVersion(ctx, "pin/x", []byte("b"), 0, exp)
		require.ErrorIs(t, err, storage.ErrVersionConflict)
	})

	t.Run("update requires matching version", func(t *testing.T) {
		require.NoError(t, s.PutIfVersion(ctx, "pin/x", []byte("c"), 1, exp))
		err := s.PutIfVersion(ctx, "pin/x", []byte("d"), 1, exp)
		require.ErrorIs(t, err, storage.ErrVersionConflict)

		rec, err := s.Get(ctx, "pin/x")
		require.NoError(t, err)
		require.Equal(t, []byte("c"), rec.Value)
		require.Equal(t, int64(2), rec.Version)
	})
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("abc"), time.Now().Add(time.Minute)))

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	rec.Value[0] = 'z'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again.Value)
}

func TestStore_ExpiredRecordsStayVisible(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	past := time.Now().Add(-time.Second)
	require.NoError(t, s.Put(ctx, "k", []byte("old"), past))

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.False(t, storage.Alive(rec, time.Now()))
}

func TestStore_List(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	require.NoError(t, s.Put(ctx, "sess/a", []byte("1"), exp))
	require.NoError(t, s.Put(ctx, "sess/b", []byte("2"), exp))
	require.NoError(t, s.Put(ctx, "pin/c", []byte("3"), exp))

	keys, err := s.List(ctx, "sess/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sess/a", "sess/b"}, keys)
}

func TestStore_ConcurrentPutIfVersion(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.PutIfVersion(ctx, "k", []byte("v"), 0, exp); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	require.Equal(t, 1, count, "exactly one creator must win")
}

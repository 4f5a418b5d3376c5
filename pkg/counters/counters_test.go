package counters

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Increment(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	t.Run("starts_at_zero_and_returns_previous", func(t *testing.T) {
		prev, err := store.Increment("seq")
		require.NoError(t, err)
		assert.Equal(t, int64(0), prev)

		prev, err = store.Increment("seq")
		require.NoError(t, err)
		assert.Equal(t, int64(1), prev)
	})

	t.Run("counters_are_independent", func(t *testing.T) {
		prev, err := store.Increment("other")
		require.NoError(t, err)
		assert.Equal(t, int64(0), prev)
	})
}

func TestStore_SetAndGet(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set("seq", 100))

	got, err := store.Get("seq")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got)

	prev, err := store.Increment("seq")
	require.NoError(t, err)
	assert.Equal(t, int64(100), prev)
}

func TestStore_ConcurrentIncrements(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	const workers = 8
	const perWorker = 50

	seen := make(map[int64]struct{})
	var seenMu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				prev, err := store.Increment("seq")
				assert.NoError(t, err)
				seenMu.Lock()
				_, dup := seen[prev]
				seen[prev] = struct{}{}
				seenMu.Unlock()
				assert.False(t, dup, "counter value %d handed out twice", prev)
			}
		}()
	}
	wg.Wait()

	final, err := store.Get("seq")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), final)
}

func TestStore_DurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := store.Increment("seq")
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("seq")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
}

package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGid_Packing(t *testing.T) {
	g := MakeGid(7, 123456)
	assert.Equal(t, 7, g.WorkerID())
	assert.Equal(t, uint64(123456), g.LocalID())

	edge := MakeGid(1023, MaxLocalID)
	assert.Equal(t, 1023, edge.WorkerID())
	assert.Equal(t, MaxLocalID, edge.LocalID())
}

func TestGidGenerator_Next(t *testing.T) {
	gen := NewGidGenerator(3)

	first := gen.Next(nil)
	second := gen.Next(nil)
	assert.Equal(t, uint64(0), first.LocalID())
	assert.Equal(t, uint64(1), second.LocalID())
	assert.Equal(t, 3, first.WorkerID())
}

func TestGidGenerator_ExplicitIdBumpsHighWater(t *testing.T) {
	gen := NewGidGenerator(0)

	requested := uint64(100)
	explicit := gen.Next(&requested)
	assert.Equal(t, uint64(100), explicit.LocalID())

	// Generated ids continue past the explicit one.
	next := gen.Next(nil)
	assert.Equal(t, uint64(101), next.LocalID())

	// A lower explicit id does not move the mark backwards.
	low := uint64(5)
	gen.Next(&low)
	assert.GreaterOrEqual(t, gen.HighWater(), uint64(102))
}

func TestGidGenerator_ConcurrentUniqueness(t *testing.T) {
	gen := NewGidGenerator(0)

	const workers = 8
	const perWorker = 200
	ids := make(chan Gid, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- gen.Next(nil)
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[Gid]struct{})
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "gid %s generated twice", id)
		seen[id] = struct{}{}
	}
}

func TestNameIdMapper_RoundTrip(t *testing.T) {
	m := NewNameIdMapper()

	id := m.NameToID("Person")
	assert.Equal(t, id, m.NameToID("Person"))
	assert.Equal(t, "Person", m.IDToName(id))

	other := m.NameToID("Admin")
	assert.NotEqual(t, id, other)
}

func TestNameIdMapper_ConcurrentNoDuplicateIds(t *testing.T) {
	m := NewNameIdMapper()

	const workers = 16
	ids := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- m.NameToID("contested")
		}()
	}
	wg.Wait()
	close(ids)

	first := <-ids
	for id := range ids {
		assert.Equal(t, first, id, "same name mapped to two ids")
	}
	assert.Equal(t, "contested", m.IDToName(first))
}

func TestConcurrentMap(t *testing.T) {
	t.Run("insert_find_remove_size", func(t *testing.T) {
		var m ConcurrentMap[Gid, int]

		_, inserted := m.Insert(MakeGid(0, 1), 10)
		assert.True(t, inserted)
		_, inserted = m.Insert(MakeGid(0, 1), 20)
		assert.False(t, inserted, "double insert must report the existing entry")

		v, ok := m.Find(MakeGid(0, 1))
		require.True(t, ok)
		assert.Equal(t, 10, v)
		assert.Equal(t, int64(1), m.Size())

		assert.True(t, m.Remove(MakeGid(0, 1)))
		assert.False(t, m.Remove(MakeGid(0, 1)))
		assert.Equal(t, int64(0), m.Size())
	})

	t.Run("concurrent_inserts_count_once", func(t *testing.T) {
		var m ConcurrentMap[int, int]
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				for k := 0; k < 100; k++ {
					m.Insert(k, n)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int64(100), m.Size())
	})
}

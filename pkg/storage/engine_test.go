package storage

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleNodeEngine_Begin(t *testing.T) {
	e := NewSingleNodeEngine(nil)

	t.Run("ids_increase_monotonically", func(t *testing.T) {
		t1, err := e.Begin()
		require.NoError(t, err)
		t2, err := e.Begin()
		require.NoError(t, err)

		assert.Equal(t, t1.ID()+1, t2.ID())
		assert.Equal(t, t2.ID(), e.LocalLast())

		require.NoError(t, e.Commit(t1))
		require.NoError(t, e.Commit(t2))
	})

	t.Run("snapshot_captures_active_set", func(t *testing.T) {
		t1, _ := e.Begin()
		t2, _ := e.Begin()

		assert.True(t, t2.Snapshot().Contains(t1.ID()))
		assert.False(t, t1.Snapshot().Contains(t2.ID()))

		// Snapshot is immutable: committing t1 does not change it.
		require.NoError(t, e.Commit(t1))
		assert.True(t, t2.Snapshot().Contains(t1.ID()))
		require.NoError(t, e.Commit(t2))
	})
}

func TestSingleNodeEngine_CommitAbort(t *testing.T) {
	e := NewSingleNodeEngine(nil)

	t1, _ := e.Begin()
	t2, _ := e.Begin()

	require.NoError(t, e.Commit(t1))
	require.NoError(t, e.Abort(t2))

	assert.True(t, e.Info(t1.ID()).Committed)
	assert.True(t, e.Info(t2.ID()).Aborted)
	assert.False(t, e.GlobalIsActive(t1.ID()))
	assert.False(t, e.GlobalIsActive(t2.ID()))

	// Terminal transactions are gone from the store.
	assert.ErrorIs(t, e.Commit(t1), ErrUnknownTransaction)
	_, err := e.Advance(t1.ID())
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestSingleNodeEngine_AdvanceCommand(t *testing.T) {
	e := NewSingleNodeEngine(nil)
	tx, _ := e.Begin()
	defer e.Abort(tx)

	cid, err := e.UpdateCommand(tx.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cid)

	cid, err = e.Advance(tx.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cid)

	cid, err = e.UpdateCommand(tx.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cid)
}

func TestSingleNodeEngine_CommandOverflow(t *testing.T) {
	e := NewSingleNodeEngine(nil)
	tx, _ := e.Begin()

	e.mu.Lock()
	e.store[tx.ID()].cid = math.MaxUint64
	e.mu.Unlock()

	_, err := e.Advance(tx.ID())
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, tx.ID(), txErr.TxID)

	// The transaction stays abortable.
	assert.NoError(t, e.Abort(tx))
}

func TestSingleNodeEngine_GlobalGcSnapshot(t *testing.T) {
	t.Run("no_active_transactions", func(t *testing.T) {
		e := NewSingleNodeEngine(nil)
		t1, _ := e.Begin()
		require.NoError(t, e.Commit(t1))

		snapshot := e.GlobalGcSnapshot()
		require.Equal(t, 1, snapshot.Size())
		assert.Equal(t, e.LocalLast()+1, snapshot.Front())
	})

	t.Run("oldest_active_transaction_bounds_the_horizon", func(t *testing.T) {
		e := NewSingleNodeEngine(nil)
		t1, _ := e.Begin()
		t2, _ := e.Begin()

		snapshot := e.GlobalGcSnapshot()
		assert.Equal(t, t1.ID(), snapshot.Front())
		assert.True(t, snapshot.Contains(t1.ID()))
		// t2 began after t1, so it is not part of t1's horizon.
		assert.False(t, snapshot.Contains(t2.ID()))

		require.NoError(t, e.Commit(t1))
		require.NoError(t, e.Commit(t2))
	})
}

func TestSingleNodeEngine_ForEachActive(t *testing.T) {
	e := NewSingleNodeEngine(nil)
	t1, _ := e.Begin()
	t2, _ := e.Begin()
	t3, _ := e.Begin()
	require.NoError(t, e.Commit(t2))

	var seen []uint64
	e.ForEachActive(func(tx *Transaction) {
		seen = append(seen, tx.ID())
	})
	assert.Equal(t, []uint64{t1.ID(), t3.ID()}, seen)

	require.NoError(t, e.Commit(t1))
	require.NoError(t, e.Commit(t3))
}

func TestSingleNodeEngine_Listeners(t *testing.T) {
	e := NewSingleNodeEngine(nil)

	var mu sync.Mutex
	var notified []uint64
	e.RegisterListener(func(txID uint64) {
		mu.Lock()
		notified = append(notified, txID)
		mu.Unlock()
	})

	t1, _ := e.Begin()
	t2, _ := e.Begin()
	require.NoError(t, e.Commit(t1))
	require.NoError(t, e.Abort(t2))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{t1.ID(), t2.ID()}, notified)
}

func TestSingleNodeEngine_ConcurrentBegins(t *testing.T) {
	e := NewSingleNodeEngine(nil)

	const workers = 16
	ids := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := e.Begin()
			assert.NoError(t, err)
			ids <- tx.ID()
			assert.NoError(t, e.Commit(tx))
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]struct{})
	for id := range ids {
		_, dup := seen[id]
		assert.False(t, dup, "transaction id %d issued twice", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, workers)
}

func TestCommitLog(t *testing.T) {
	t.Run("unknown_by_default", func(t *testing.T) {
		clog := NewCommitLog()
		info := clog.Info(42)
		assert.False(t, info.Active)
		assert.False(t, info.Committed)
		assert.False(t, info.Aborted)
	})

	t.Run("state_transitions", func(t *testing.T) {
		clog := NewCommitLog()
		clog.SetActive(1)
		assert.True(t, clog.Info(1).Active)

		clog.SetCommitted(1)
		assert.True(t, clog.IsCommitted(1))

		clog.SetActive(2)
		clog.SetAborted(2)
		assert.True(t, clog.IsAborted(2))
	})

	t.Run("terminal_states_are_absorbing", func(t *testing.T) {
		clog := NewCommitLog()
		clog.SetCommitted(7)
		clog.SetAborted(7)
		assert.True(t, clog.IsCommitted(7))
		assert.False(t, clog.IsAborted(7))
	})

	t.Run("spans_chunk_boundaries", func(t *testing.T) {
		clog := NewCommitLog()
		tx := uint64(commitLogChunkSize*3 + 5)
		clog.SetCommitted(tx)
		assert.True(t, clog.IsCommitted(tx))
		assert.False(t, clog.IsCommitted(tx-1))
	})
}

func TestTxSnapshot(t *testing.T) {
	t.Run("sorted_insert_and_remove", func(t *testing.T) {
		s := NewTxSnapshot()
		for _, id := range []uint64{5, 1, 9, 3} {
			s.Insert(id)
		}
		assert.Equal(t, []uint64{1, 3, 5, 9}, s.All())
		assert.Equal(t, uint64(1), s.Front())

		assert.True(t, s.Remove(3))
		assert.False(t, s.Remove(3))
		assert.Equal(t, []uint64{1, 5, 9}, s.All())
	})

	t.Run("duplicate_inserts_ignored", func(t *testing.T) {
		s := NewTxSnapshot(4, 4, 4)
		assert.Equal(t, 1, s.Size())
	})

	t.Run("clone_is_independent", func(t *testing.T) {
		s := NewTxSnapshot(1, 2)
		c := s.Clone()
		c.Insert(3)
		assert.False(t, s.Contains(3))
		assert.True(t, c.Contains(3))
	})
}

package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/runedb/pkg/config"
	"github.com/orneryd/runedb/pkg/property"
)

// newTestGraph opens a graph with durability and background GC off.
func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	cfg := config.Default()
	cfg.Features.WALEnabled = false
	cfg.Durability.DataDir = ""
	cfg.Storage.GCInterval = 0

	g, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func access(t *testing.T, g *Graph) *Accessor {
	t.Helper()
	acc, err := g.Access()
	require.NoError(t, err)
	return acc
}

func TestAccessor_InsertCommitRead(t *testing.T) {
	g := newTestGraph(t)

	// T1 inserts, labels and sets a property, then commits.
	t1 := access(t, g)
	gid := MakeGid(0, 1)
	v, err := t1.InsertVertex(&gid)
	require.NoError(t, err)
	require.NoError(t, t1.AddLabel(v, "A"))
	require.NoError(t, t1.SetProperty(v, "x", property.Int(42)))
	require.NoError(t, t1.Commit())

	// T2 sees the committed state.
	t2 := access(t, g)
	defer t2.Close()
	found, ok := t2.FindVertex(gid, true)
	require.True(t, ok)
	assert.Equal(t, []string{"A"}, found.Labels())
	assert.True(t, property.Equal(property.Int(42), found.Property("x")))
}

func TestAccessor_SnapshotIsolation(t *testing.T) {
	g := newTestGraph(t)

	t1 := access(t, g)
	defer t1.Close()

	t2 := access(t, g)
	v, err := t2.InsertVertex(nil)
	require.NoError(t, err)
	gid := v.Gid()
	require.NoError(t, t2.Commit())

	// T1 began before T2 committed: T2's vertex must not appear.
	var seen []Gid
	require.NoError(t, t1.Vertices(func(ref *VertexRef) error {
		seen = append(seen, ref.Gid())
		return nil
	}))
	assert.NotContains(t, seen, gid)
	_, ok := t1.FindVertex(gid, true)
	assert.False(t, ok)

	// T3 began after: it sees the vertex.
	t3 := access(t, g)
	defer t3.Close()
	_, ok = t3.FindVertex(gid, true)
	assert.True(t, ok)
}

func TestAccessor_WriteWriteConflict(t *testing.T) {
	g := newTestGraph(t)

	setup := access(t, g)
	v, err := setup.InsertVertex(nil)
	require.NoError(t, err)
	gid := v.Gid()
	require.NoError(t, setup.Commit())

	t1 := access(t, g)
	t2 := access(t, g)

	r1, ok := t1.FindVertex(gid, true)
	require.True(t, ok)
	r2, ok := t2.FindVertex(gid, true)
	require.True(t, ok)

	err1 := t1.SetProperty(r1, "x", property.Int(1))
	err2 := t2.SetProperty(r2, "x", property.Int(2))

	// Exactly one writer wins; the other observes a serialization error.
	if err1 == nil {
		assert.ErrorIs(t, err2, ErrSerialization)
		require.NoError(t, t1.Commit())
		require.NoError(t, t2.Abort())
	} else {
		assert.ErrorIs(t, err1, ErrSerialization)
		require.NoError(t, err2)
		require.NoError(t, t2.Commit())
		require.NoError(t, t1.Abort())
	}
}

func TestAccessor_ReadYourWritesAcrossCommands(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	defer acc.Close()

	v, err := acc.InsertVertex(nil)
	require.NoError(t, err)
	require.NoError(t, acc.SetProperty(v, "x", property.Int(1)))

	// Same command: the old view does not include the insert yet.
	_, ok := acc.FindVertex(v.Gid(), false)
	assert.False(t, ok)

	require.NoError(t, acc.AdvanceCommand())

	old, ok := acc.FindVertex(v.Gid(), false)
	require.True(t, ok)
	assert.True(t, property.Equal(property.Int(1), old.Property("x")))
}

func TestAccessor_Edges(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	a, err := acc.InsertVertex(nil)
	require.NoError(t, err)
	b, err := acc.InsertVertex(nil)
	require.NoError(t, err)

	e, err := acc.InsertEdge(a, b, "KNOWS", nil)
	require.NoError(t, err)
	require.NoError(t, acc.SetEdgeProperty(e, "since", property.Int(2020)))

	assert.Equal(t, 1, a.OutDegree())
	assert.Equal(t, 1, b.InDegree())
	assert.Equal(t, a.Gid(), e.From())
	assert.Equal(t, b.Gid(), e.To())
	assert.Equal(t, "KNOWS", e.Type())
	require.NoError(t, acc.Commit())

	reader := access(t, g)
	defer reader.Close()
	eref, ok := reader.FindEdge(e.Gid(), true)
	require.True(t, ok)
	assert.True(t, property.Equal(property.Int(2020), eref.Property("since")))

	var edgeCount int
	require.NoError(t, reader.Edges(func(*EdgeRef) error {
		edgeCount++
		return nil
	}))
	assert.Equal(t, 1, edgeCount)
}

func TestAccessor_SelfLoop(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	defer acc.Close()

	v, err := acc.InsertVertex(nil)
	require.NoError(t, err)
	_, err = acc.InsertEdge(v, v, "SELF", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, v.OutDegree())
	assert.Equal(t, 1, v.InDegree())
}

func TestAccessor_RemoveVertex(t *testing.T) {
	g := newTestGraph(t)

	t.Run("refuses_with_incident_edge", func(t *testing.T) {
		acc := access(t, g)
		defer acc.Close()

		a, _ := acc.InsertVertex(nil)
		b, _ := acc.InsertVertex(nil)
		_, err := acc.InsertEdge(a, b, "KNOWS", nil)
		require.NoError(t, err)

		removed, err := acc.RemoveVertex(a)
		require.NoError(t, err)
		assert.False(t, removed)

		// No mutation happened: the vertex is still there.
		_, ok := acc.FindVertex(a.Gid(), true)
		assert.True(t, ok)
	})

	t.Run("removes_isolated_vertex", func(t *testing.T) {
		acc := access(t, g)
		v, _ := acc.InsertVertex(nil)
		gid := v.Gid()
		require.NoError(t, acc.Commit())

		remover := access(t, g)
		ref, ok := remover.FindVertex(gid, true)
		require.True(t, ok)
		removed, err := remover.RemoveVertex(ref)
		require.NoError(t, err)
		assert.True(t, removed)

		// Idempotent within the transaction.
		removed, err = remover.RemoveVertex(ref)
		require.NoError(t, err)
		assert.True(t, removed)
		require.NoError(t, remover.Commit())

		reader := access(t, g)
		defer reader.Close()
		_, ok = reader.FindVertex(gid, true)
		assert.False(t, ok)
	})
}

func TestAccessor_DetachRemoveVertex(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	a, _ := acc.InsertVertex(nil)
	b, _ := acc.InsertVertex(nil)
	c, _ := acc.InsertVertex(nil)
	inEdge, err := acc.InsertEdge(b, a, "IN", nil)
	require.NoError(t, err)
	outEdge, err := acc.InsertEdge(a, c, "OUT", nil)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	remover := access(t, g)
	ref, ok := remover.FindVertex(a.Gid(), true)
	require.True(t, ok)
	require.NoError(t, remover.DetachRemoveVertex(ref))
	require.NoError(t, remover.Commit())

	reader := access(t, g)
	defer reader.Close()

	_, ok = reader.FindVertex(a.Gid(), true)
	assert.False(t, ok)
	_, ok = reader.FindEdge(inEdge.Gid(), true)
	assert.False(t, ok)
	_, ok = reader.FindEdge(outEdge.Gid(), true)
	assert.False(t, ok)

	// The surviving endpoints lost their adjacency entries.
	bRef, ok := reader.FindVertex(b.Gid(), true)
	require.True(t, ok)
	assert.Equal(t, 0, bRef.OutDegree())
	cRef, ok := reader.FindVertex(c.Gid(), true)
	require.True(t, ok)
	assert.Equal(t, 0, cRef.InDegree())
}

func TestAccessor_RemoveEdge(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	a, _ := acc.InsertVertex(nil)
	b, _ := acc.InsertVertex(nil)
	e, err := acc.InsertEdge(a, b, "KNOWS", nil)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	remover := access(t, g)
	eref, ok := remover.FindEdge(e.Gid(), true)
	require.True(t, ok)
	require.NoError(t, remover.RemoveEdge(eref))

	// Both endpoints are detached; the vertex is now removable.
	aref, ok := remover.FindVertex(a.Gid(), true)
	require.True(t, ok)
	removed, err := remover.RemoveVertex(aref)
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, remover.Commit())
}

func TestAccessor_FinishedAccessorRejectsOperations(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	v, err := acc.InsertVertex(nil)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	_, err = acc.InsertVertex(nil)
	assert.ErrorIs(t, err, ErrAccessorFinished)
	assert.ErrorIs(t, acc.AddLabel(v, "X"), ErrAccessorFinished)
	assert.ErrorIs(t, acc.Commit(), ErrAccessorFinished)
	assert.ErrorIs(t, acc.AdvanceCommand(), ErrAccessorFinished)
}

func TestAccessor_CloseAbortsAbandonedTransaction(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	v, err := acc.InsertVertex(nil)
	require.NoError(t, err)
	gid := v.Gid()
	txID := acc.TransactionID()
	require.NoError(t, acc.Close())

	assert.True(t, g.engine.Info(txID).Aborted)

	reader := access(t, g)
	defer reader.Close()
	_, ok := reader.FindVertex(gid, true)
	assert.False(t, ok, "aborted insert must not be visible")
}

func TestAccessor_ShouldAbortFlag(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	defer acc.Close()

	assert.False(t, acc.ShouldAbort())
	acc.tx.SetShouldAbort()
	assert.True(t, acc.ShouldAbort())
}

func TestAccessor_Counters(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	defer acc.Close()

	first, err := acc.Counter("seq")
	require.NoError(t, err)
	second, err := acc.Counter("seq")
	require.NoError(t, err)
	assert.Equal(t, int64(0), first)
	assert.Equal(t, int64(1), second)

	require.NoError(t, acc.CounterSet("seq", 50))
	third, err := acc.Counter("seq")
	require.NoError(t, err)
	assert.Equal(t, int64(50), third)
}

func TestAccessor_ExplicitGidCollisionIsFatal(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	defer acc.Close()

	gid := MakeGid(0, 9)
	_, err := acc.InsertVertex(&gid)
	require.NoError(t, err)

	assert.Panics(t, func() {
		acc.InsertVertex(&gid)
	})
}

func TestAccessor_ConcurrentWritersDisjointVertices(t *testing.T) {
	g := newTestGraph(t)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := g.Access()
			if !assert.NoError(t, err) {
				return
			}
			v, err := acc.InsertVertex(nil)
			if !assert.NoError(t, err) {
				acc.Close()
				return
			}
			assert.NoError(t, acc.AddLabel(v, "Worker"))
			assert.NoError(t, acc.Commit())
		}()
	}
	wg.Wait()

	reader := access(t, g)
	defer reader.Close()
	var count int
	require.NoError(t, reader.VerticesByLabel("Worker", func(*VertexRef) error {
		count++
		return nil
	}))
	assert.Equal(t, workers, count)
}

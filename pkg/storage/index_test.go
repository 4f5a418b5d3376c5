package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/runedb/pkg/property"
)

func insertPerson(t *testing.T, acc *Accessor, name string, age int64) *VertexRef {
	t.Helper()
	v, err := acc.InsertVertex(nil)
	require.NoError(t, err)
	require.NoError(t, acc.AddLabel(v, "Person"))
	require.NoError(t, acc.SetProperty(v, "name", property.String(name)))
	require.NoError(t, acc.SetProperty(v, "age", property.Int(age)))
	return v
}

func TestLabelIndex_TracksLabeledVertices(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	insertPerson(t, acc, "alice", 30)
	insertPerson(t, acc, "bob", 40)
	v, err := acc.InsertVertex(nil)
	require.NoError(t, err)
	require.NoError(t, acc.AddLabel(v, "Robot"))
	require.NoError(t, acc.Commit())

	reader := access(t, g)
	defer reader.Close()

	var people []string
	require.NoError(t, reader.VerticesByLabel("Person", func(ref *VertexRef) error {
		s, err := ref.Property("name").Str()
		require.NoError(t, err)
		people = append(people, s)
		return nil
	}))
	assert.ElementsMatch(t, []string{"alice", "bob"}, people)
	assert.Equal(t, int64(2), reader.VerticesCountByLabel("Person"))
	assert.Equal(t, int64(1), reader.VerticesCountByLabel("Robot"))
}

func TestLabelIndex_RemovedLabelFilteredOnRead(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	v := insertPerson(t, acc, "alice", 30)
	gid := v.Gid()
	require.NoError(t, acc.Commit())

	editor := access(t, g)
	ref, ok := editor.FindVertex(gid, true)
	require.True(t, ok)
	require.NoError(t, editor.RemoveLabel(ref, "Person"))
	require.NoError(t, editor.Commit())

	// The stale index entry stays, but the visibility re-check hides it.
	reader := access(t, g)
	defer reader.Close()
	var count int
	require.NoError(t, reader.VerticesByLabel("Person", func(*VertexRef) error {
		count++
		return nil
	}))
	assert.Equal(t, 0, count)
}

func TestBuildIndex_BackfillsExistingVertices(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	insertPerson(t, acc, "alice", 30)
	insertPerson(t, acc, "bob", 40)
	insertPerson(t, acc, "carol", 40)
	require.NoError(t, acc.Commit())

	builder := access(t, g)
	require.NoError(t, builder.BuildIndex("Person", "age"))
	require.NoError(t, builder.Commit())

	reader := access(t, g)
	defer reader.Close()

	assert.Equal(t, int64(3), reader.VerticesCountByLabelProperty("Person", "age"))
	assert.Equal(t, int64(2), reader.VerticesCountForValue("Person", "age", property.Int(40)))
	assert.Contains(t, reader.IndexInfo(), ":Person(age)")
}

func TestBuildIndex_DuplicateFails(t *testing.T) {
	g := newTestGraph(t)

	builder := access(t, g)
	require.NoError(t, builder.BuildIndex("Person", "age"))
	err := builder.BuildIndex("Person", "age")
	assert.ErrorIs(t, err, ErrIndexExists)
	require.NoError(t, builder.Commit())
}

func TestBuildIndex_NullValuesNeverIndexed(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	v, err := acc.InsertVertex(nil)
	require.NoError(t, err)
	require.NoError(t, acc.AddLabel(v, "Person"))
	// No age property at all.
	require.NoError(t, acc.Commit())

	builder := access(t, g)
	require.NoError(t, builder.BuildIndex("Person", "age"))
	require.NoError(t, builder.Commit())

	reader := access(t, g)
	defer reader.Close()
	assert.Equal(t, int64(0), reader.VerticesCountByLabelProperty("Person", "age"))
}

func TestIndex_WritersFeedIndexAfterBuild(t *testing.T) {
	g := newTestGraph(t)

	builder := access(t, g)
	require.NoError(t, builder.BuildIndex("Person", "age"))
	require.NoError(t, builder.Commit())

	acc := access(t, g)
	insertPerson(t, acc, "dave", 25)
	require.NoError(t, acc.Commit())

	reader := access(t, g)
	defer reader.Close()
	assert.Equal(t, int64(1), reader.VerticesCountForValue("Person", "age", property.Int(25)))
}

func TestBuildIndex_UnderLoad(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	for i := 0; i < 20; i++ {
		insertPerson(t, acc, fmt.Sprintf("pre-%d", i), int64(i))
	}
	require.NoError(t, acc.Commit())

	// Writers keep inserting while the index builds.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	var inserted sync.Map
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				wacc, err := g.Access()
				if !assert.NoError(t, err) {
					return
				}
				v, err := wacc.InsertVertex(nil)
				if !assert.NoError(t, err) {
					wacc.Close()
					return
				}
				assert.NoError(t, wacc.AddLabel(v, "Person"))
				assert.NoError(t, wacc.SetProperty(v, "age", property.Int(1000)))
				if err := wacc.Commit(); err == nil {
					inserted.Store(v.Gid(), struct{}{})
				}
			}
		}(w)
	}

	builder := access(t, g)
	require.NoError(t, builder.BuildIndex("Person", "age"))
	require.NoError(t, builder.Commit())
	close(stop)
	wg.Wait()

	var committedDuringBuild int64
	inserted.Range(func(_, _ any) bool {
		committedDuringBuild++
		return true
	})

	reader := access(t, g)
	defer reader.Close()

	// Every committed concurrent insert is reachable through the index.
	var found int64
	require.NoError(t, reader.VerticesByLabelProperty("Person", "age",
		&Bound{Value: property.Int(1000), Inclusive: true},
		&Bound{Value: property.Int(1000), Inclusive: true},
		func(ref *VertexRef) error {
			found++
			return nil
		}))
	assert.Equal(t, committedDuringBuild, found)
	assert.GreaterOrEqual(t, reader.VerticesCountForValue("Person", "age", property.Int(1000)), committedDuringBuild)

	// The backfilled vertices are present too.
	assert.GreaterOrEqual(t, reader.VerticesCountByLabelProperty("Person", "age"), int64(20)+committedDuringBuild)
}

func TestLabelPropertyIndex_PositionAndCount(t *testing.T) {
	ix := NewLabelPropertyIndex()
	key := LPKey{Label: 1, Property: 1}
	require.True(t, ix.CreateIndex(key))

	for i, v := range []int64{10, 20, 20, 20, 30} {
		ix.Update(key, property.Int(v), MakeGid(0, uint64(i)))
	}

	pos, count := ix.PositionAndCount(key, property.Int(20))
	assert.Equal(t, int64(1), pos)
	assert.Equal(t, int64(3), count)

	pos, count = ix.PositionAndCount(key, property.Int(5))
	assert.Equal(t, int64(0), pos)
	assert.Equal(t, int64(0), count)

	pos, count = ix.PositionAndCount(key, property.Int(99))
	assert.Equal(t, int64(5), pos)
	assert.Equal(t, int64(0), count)
}

func TestLabelPropertyIndex_DuplicateEntriesCoalesce(t *testing.T) {
	ix := NewLabelPropertyIndex()
	key := LPKey{Label: 1, Property: 1}
	require.True(t, ix.CreateIndex(key))

	gid := MakeGid(0, 7)
	ix.Update(key, property.Int(1), gid)
	ix.Update(key, property.Int(1), gid)
	assert.Equal(t, int64(1), ix.Count(key))
}

func TestVerticesCountForRange(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	for _, age := range []int64{10, 20, 20, 30, 40} {
		insertPerson(t, acc, "p", age)
	}
	require.NoError(t, acc.Commit())

	builder := access(t, g)
	require.NoError(t, builder.BuildIndex("Person", "age"))
	require.NoError(t, builder.Commit())

	reader := access(t, g)
	defer reader.Close()

	cases := []struct {
		name  string
		lower *Bound
		upper *Bound
		want  int64
	}{
		{"inclusive_both", &Bound{property.Int(20), true}, &Bound{property.Int(30), true}, 3},
		{"exclusive_lower", &Bound{property.Int(20), false}, &Bound{property.Int(30), true}, 1},
		{"exclusive_upper", &Bound{property.Int(20), true}, &Bound{property.Int(30), false}, 2},
		{"lower_only", &Bound{property.Int(20), true}, nil, 4},
		{"lower_only_exclusive", &Bound{property.Int(20), false}, nil, 2},
		{"upper_only", nil, &Bound{property.Int(20), true}, 3},
		{"upper_only_exclusive", nil, &Bound{property.Int(20), false}, 1},
		{"empty_range", &Bound{property.Int(50), true}, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := reader.VerticesCountForRange("Person", "age", tc.lower, tc.upper)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("null_bound_rejected", func(t *testing.T) {
		_, err := reader.VerticesCountForRange("Person", "age", &Bound{Value: property.Null(), Inclusive: true}, nil)
		assert.ErrorIs(t, err, ErrNullBound)
	})
}

func TestVerticesByLabelProperty_RangeScan(t *testing.T) {
	g := newTestGraph(t)

	acc := access(t, g)
	for _, age := range []int64{10, 20, 30, 40} {
		insertPerson(t, acc, "p", age)
	}
	require.NoError(t, acc.Commit())

	builder := access(t, g)
	require.NoError(t, builder.BuildIndex("Person", "age"))
	require.NoError(t, builder.Commit())

	reader := access(t, g)
	defer reader.Close()

	var ages []int64
	require.NoError(t, reader.VerticesByLabelProperty("Person", "age",
		&Bound{Value: property.Int(15), Inclusive: true},
		&Bound{Value: property.Int(35), Inclusive: true},
		func(ref *VertexRef) error {
			age, err := ref.Property("age").Int()
			require.NoError(t, err)
			ages = append(ages, age)
			return nil
		}))
	assert.Equal(t, []int64{20, 30}, ages)
}

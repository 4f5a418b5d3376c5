package storage

// LabelIndex maps a label id to the set of vertex gids that have ever
// carried the label in an uncollected version. Entries are added in the
// write path and only removed by the index cleaner; readers re-check
// visibility against the version chain on every scan, so a stale entry
// costs a lookup, never a wrong answer.
type LabelIndex struct {
	keys ConcurrentMap[uint64, *ConcurrentMap[Gid, struct{}]]
}

// NewLabelIndex returns an empty label index.
func NewLabelIndex() *LabelIndex {
	return &LabelIndex{}
}

// Update records that the vertex currently carries the label.
func (ix *LabelIndex) Update(labelID uint64, gid Gid) {
	set, ok := ix.keys.Find(labelID)
	if !ok {
		set, _ = ix.keys.Insert(labelID, &ConcurrentMap[Gid, struct{}]{})
	}
	set.Insert(gid, struct{}{})
}

// Count returns the number of index entries for the label, stale
// entries included. It is an upper bound on the number of visible
// vertices, which is what the planner wants for cardinality estimates.
func (ix *LabelIndex) Count(labelID uint64) int64 {
	set, ok := ix.keys.Find(labelID)
	if !ok {
		return 0
	}
	return set.Size()
}

// ForEach calls fn for every gid recorded under the label until fn
// returns false.
func (ix *LabelIndex) ForEach(labelID uint64, fn func(gid Gid) bool) {
	set, ok := ix.keys.Find(labelID)
	if !ok {
		return
	}
	set.Range(func(gid Gid, _ struct{}) bool {
		return fn(gid)
	})
}

// Keys returns all label ids with entries.
func (ix *LabelIndex) Keys() []uint64 {
	var out []uint64
	ix.keys.Range(func(labelID uint64, _ *ConcurrentMap[Gid, struct{}]) bool {
		out = append(out, labelID)
		return true
	})
	return out
}

// RemoveEntry drops one (label, gid) entry. Called by the index cleaner
// once the backing version list is gone.
func (ix *LabelIndex) RemoveEntry(labelID uint64, gid Gid) {
	if set, ok := ix.keys.Find(labelID); ok {
		set.Remove(gid)
	}
}

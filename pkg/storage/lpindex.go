package storage

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/orneryd/runedb/pkg/property"
)

// LPKey identifies one (label, property) index.
type LPKey struct {
	Label    uint64
	Property uint64
}

// Bound is an inclusive or exclusive range endpoint for index counts.
// A Null bound value is an invariant violation, checked at the accessor.
type Bound struct {
	Value     property.Value
	Inclusive bool
}

type lpEntry struct {
	value property.Value
	gid   Gid
}

// lpContainer is the ordered (value, gid) container behind one index
// key. A read-write mutex over a sorted slice: inserts are rare
// relative to scans and position queries, and binary search keeps both
// cheap.
type lpContainer struct {
	mu       sync.RWMutex
	entries  []lpEntry
	finished atomic.Bool
}

// search returns the first position whose entry is >= (value, gid).
func (c *lpContainer) search(value property.Value, gid Gid) int {
	return sort.Search(len(c.entries), func(i int) bool {
		if cmp := property.Compare(c.entries[i].value, value); cmp != 0 {
			return cmp > 0
		}
		return c.entries[i].gid >= gid
	})
}

func (c *lpContainer) insert(value property.Value, gid Gid) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.search(value, gid)
	if i < len(c.entries) && property.Equal(c.entries[i].value, value) && c.entries[i].gid == gid {
		return
	}
	c.entries = append(c.entries, lpEntry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = lpEntry{value: value, gid: gid}
}

func (c *lpContainer) remove(value property.Value, gid Gid) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.search(value, gid)
	if i < len(c.entries) && property.Equal(c.entries[i].value, value) && c.entries[i].gid == gid {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}
}

// LabelPropertyIndex holds every (label, property) index. Indexes are
// created online (see Accessor.BuildIndex) and, in this engine, never
// dropped.
type LabelPropertyIndex struct {
	mu         sync.RWMutex
	containers map[LPKey]*lpContainer
}

// NewLabelPropertyIndex returns an empty index set.
func NewLabelPropertyIndex() *LabelPropertyIndex {
	return &LabelPropertyIndex{containers: make(map[LPKey]*lpContainer)}
}

// CreateIndex installs an empty, unfinished index under key. It reports
// false when the index already exists or is being built.
func (ix *LabelPropertyIndex) CreateIndex(key LPKey) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.containers[key]; exists {
		return false
	}
	ix.containers[key] = &lpContainer{}
	return true
}

// IndexExists reports whether an index (finished or building) exists.
func (ix *LabelPropertyIndex) IndexExists(key LPKey) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.containers[key]
	return ok
}

// IndexReady reports whether the index exists and finished building.
func (ix *LabelPropertyIndex) IndexReady(key LPKey) bool {
	ix.mu.RLock()
	c, ok := ix.containers[key]
	ix.mu.RUnlock()
	return ok && c.finished.Load()
}

// IndexFinishedBuilding marks the index live for scans.
func (ix *LabelPropertyIndex) IndexFinishedBuilding(key LPKey) {
	ix.mu.RLock()
	c, ok := ix.containers[key]
	ix.mu.RUnlock()
	if ok {
		c.finished.Store(true)
	}
}

// Keys returns every installed index key.
func (ix *LabelPropertyIndex) Keys() []LPKey {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	keys := make([]LPKey, 0, len(ix.containers))
	for k := range ix.containers {
		keys = append(keys, k)
	}
	return keys
}

func (ix *LabelPropertyIndex) container(key LPKey) *lpContainer {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.containers[key]
}

// Update inserts (value, gid) under key. Null values are never indexed.
func (ix *LabelPropertyIndex) Update(key LPKey, value property.Value, gid Gid) {
	if value.IsNull() {
		return
	}
	if c := ix.container(key); c != nil {
		c.insert(value, gid)
	}
}

// UpdateOnLabel indexes every (prop, value) of the vertex under indexes
// whose label just got added.
func (ix *LabelPropertyIndex) UpdateOnLabel(labelID uint64, vertex *Vertex, gid Gid) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for key, c := range ix.containers {
		if key.Label != labelID {
			continue
		}
		if value := vertex.Property(key.Property); !value.IsNull() {
			c.insert(value, gid)
		}
	}
}

// UpdateOnProperty indexes the new value under indexes on this property
// whose label the vertex carries.
func (ix *LabelPropertyIndex) UpdateOnProperty(propID uint64, value property.Value, vertex *Vertex, gid Gid) {
	if value.IsNull() {
		return
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for key, c := range ix.containers {
		if key.Property != propID {
			continue
		}
		if vertex.HasLabel(key.Label) {
			c.insert(value, gid)
		}
	}
}

// Count returns the total number of entries under key, stale entries
// included.
func (ix *LabelPropertyIndex) Count(key LPKey) int64 {
	c := ix.container(key)
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.entries))
}

// PositionAndCount returns the position of the first entry with the
// given value and the length of the equal run: how many entries order
// strictly below the value, and how many equal it.
func (ix *LabelPropertyIndex) PositionAndCount(key LPKey, value property.Value) (int64, int64) {
	c := ix.container(key)
	if c == nil {
		return 0, 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	lower := sort.Search(len(c.entries), func(i int) bool {
		return property.Compare(c.entries[i].value, value) >= 0
	})
	upper := sort.Search(len(c.entries), func(i int) bool {
		return property.Compare(c.entries[i].value, value) > 0
	})
	return int64(lower), int64(upper - lower)
}

// ForEach calls fn over the entries under key in value order until fn
// returns false.
func (ix *LabelPropertyIndex) ForEach(key LPKey, fn func(value property.Value, gid Gid) bool) {
	c := ix.container(key)
	if c == nil {
		return
	}

	// Snapshot under the read lock; visibility is re-checked by the
	// caller against the version chain anyway.
	c.mu.RLock()
	entries := make([]lpEntry, len(c.entries))
	copy(entries, c.entries)
	c.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.value, e.gid) {
			return
		}
	}
}

// RemoveEntry drops one (value, gid) entry. Called by the index cleaner.
func (ix *LabelPropertyIndex) RemoveEntry(key LPKey, value property.Value, gid Gid) {
	if c := ix.container(key); c != nil {
		c.remove(value, gid)
	}
}

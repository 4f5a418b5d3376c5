package storage

import (
	"sync"
	"sync/atomic"
)

// ConcurrentMap is a lock-free map supporting insert, find, remove and
// size, the concurrency primitive shared by the record stores, the
// index containers and the index-build bookkeeping.
//
// It wraps sync.Map with an insert-if-absent API and a size counter;
// sync.Map's contention profile (mostly-grow, read-heavy, disjoint key
// ranges) matches how the storage engine uses these maps.
type ConcurrentMap[K comparable, V any] struct {
	m    sync.Map
	size atomic.Int64
}

// Insert stores value under key if the key is absent. It returns the
// stored value and whether this call inserted it; a losing race returns
// the winner's value.
func (c *ConcurrentMap[K, V]) Insert(key K, value V) (V, bool) {
	actual, loaded := c.m.LoadOrStore(key, value)
	if !loaded {
		c.size.Add(1)
	}
	return actual.(V), !loaded
}

// Find returns the value stored under key.
func (c *ConcurrentMap[K, V]) Find(key K) (V, bool) {
	v, ok := c.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Contains reports whether key is present.
func (c *ConcurrentMap[K, V]) Contains(key K) bool {
	_, ok := c.m.Load(key)
	return ok
}

// Remove deletes key and reports whether it was present.
func (c *ConcurrentMap[K, V]) Remove(key K) bool {
	_, loaded := c.m.LoadAndDelete(key)
	if loaded {
		c.size.Add(-1)
	}
	return loaded
}

// Size returns the number of entries.
func (c *ConcurrentMap[K, V]) Size() int64 { return c.size.Load() }

// Range calls fn for each entry until fn returns false.
func (c *ConcurrentMap[K, V]) Range(fn func(key K, value V) bool) {
	c.m.Range(func(k, v any) bool {
		return fn(k.(K), v.(V))
	})
}

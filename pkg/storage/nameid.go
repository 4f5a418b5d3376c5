package storage

import (
	"log"
	"sync"
	"sync/atomic"
)

// NameIdMapper maintains bidirectional, monotonically growing maps
// between human-readable names (labels, edge types, property keys) and
// dense numeric ids. The graph holds one mapper per name space.
//
// NameToID is thread-safe without locks: two goroutines racing on the
// same new name both allocate an id, one insert wins, and the loser's id
// is simply wasted. The same name never maps to two ids.
type NameIdMapper struct {
	counter  atomic.Uint64
	nameToID sync.Map // string -> uint64
	idToName sync.Map // uint64 -> string
}

// NewNameIdMapper returns an empty mapper.
func NewNameIdMapper() *NameIdMapper {
	return &NameIdMapper{}
}

// NameToID returns the id for name, assigning a fresh one if the name is
// new. Idempotent and safe for concurrent use.
func (m *NameIdMapper) NameToID(name string) uint64 {
	if id, ok := m.nameToID.Load(name); ok {
		return id.(uint64)
	}

	// Allocate before inserting; if the insert loses a race the id is
	// wasted, which is the price of staying lock-free.
	newID := m.counter.Add(1)
	actual, _ := m.nameToID.LoadOrStore(name, newID)
	id := actual.(uint64)

	// Store the reverse mapping even when we lost the race, so both
	// directions exist by the time this method returns.
	m.idToName.LoadOrStore(id, name)
	return id
}

// IDToName returns the name for an id previously assigned by NameToID.
// Asking for an id that was never assigned is an invariant violation.
func (m *NameIdMapper) IDToName(id uint64) string {
	name, ok := m.idToName.Load(id)
	if !ok {
		log.Panicf("[NameIdMapper] no name registered for id %d", id)
	}
	return name.(string)
}

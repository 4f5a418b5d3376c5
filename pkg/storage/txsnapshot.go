package storage

import (
	"sort"
)

// TxSnapshot is an ordered set of transaction ids. A transaction's
// snapshot (the transactions active at its Begin) and the engine's
// active set are both TxSnapshots. The zero value is an empty set.
//
// TxSnapshot is not safe for concurrent mutation; the engine mutates
// its active set only under the engine lock and transactions treat
// their snapshot as immutable after Begin.
type TxSnapshot struct {
	ids []uint64 // sorted ascending
}

// NewTxSnapshot returns a snapshot holding the given ids.
func NewTxSnapshot(ids ...uint64) *TxSnapshot {
	s := &TxSnapshot{}
	for _, id := range ids {
		s.Insert(id)
	}
	return s
}

// Insert adds an id, keeping the set sorted. Duplicates are ignored.
func (s *TxSnapshot) Insert(id uint64) {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	if i < len(s.ids) && s.ids[i] == id {
		return
	}
	s.ids = append(s.ids, 0)
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = id
}

// Remove deletes an id and reports whether it was present.
func (s *TxSnapshot) Remove(id uint64) bool {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	if i >= len(s.ids) || s.ids[i] != id {
		return false
	}
	s.ids = append(s.ids[:i], s.ids[i+1:]...)
	return true
}

// Contains reports membership.
func (s *TxSnapshot) Contains(id uint64) bool {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	return i < len(s.ids) && s.ids[i] == id
}

// Empty reports whether the set has no ids.
func (s *TxSnapshot) Empty() bool { return len(s.ids) == 0 }

// Size returns the number of ids.
func (s *TxSnapshot) Size() int { return len(s.ids) }

// Front returns the smallest id. The set must not be empty.
func (s *TxSnapshot) Front() uint64 { return s.ids[0] }

// Clone returns an independent copy.
func (s *TxSnapshot) Clone() *TxSnapshot {
	ids := make([]uint64, len(s.ids))
	copy(ids, s.ids)
	return &TxSnapshot{ids: ids}
}

// All returns the ids in ascending order. The caller must not mutate
// the returned slice.
func (s *TxSnapshot) All() []uint64 { return s.ids }

package storage

import (
	"github.com/orneryd/runedb/pkg/property"
)

// Edge is the record payload of an edge version. Endpoints are
// referenced by gid and resolved through the shared record store.
// Endpoints and type never change across versions; only properties do.
type Edge struct {
	from       Gid
	to         Gid
	typeID     uint64
	properties map[uint64]property.Value
}

// NewEdge returns an edge record connecting from to to.
func NewEdge(from, to Gid, typeID uint64) *Edge {
	return &Edge{
		from:       from,
		to:         to,
		typeID:     typeID,
		properties: make(map[uint64]property.Value),
	}
}

// CloneRecord deep-copies the edge for a new version.
func (e *Edge) CloneRecord() *Edge {
	cp := &Edge{
		from:       e.from,
		to:         e.to,
		typeID:     e.typeID,
		properties: make(map[uint64]property.Value, len(e.properties)),
	}
	for k, v := range e.properties {
		cp.properties[k] = v
	}
	return cp
}

// From returns the source vertex gid.
func (e *Edge) From() Gid { return e.from }

// To returns the target vertex gid.
func (e *Edge) To() Gid { return e.to }

// TypeID returns the edge type id.
func (e *Edge) TypeID() uint64 { return e.typeID }

// Property returns the value under the property id, Null when unset.
func (e *Edge) Property(propID uint64) property.Value {
	return e.properties[propID]
}

// SetProperty sets or, for a Null value, clears a property.
func (e *Edge) SetProperty(propID uint64, value property.Value) {
	if value.IsNull() {
		delete(e.properties, propID)
		return
	}
	e.properties[propID] = value
}

// Properties returns the property map. Read-only for non-owners.
func (e *Edge) Properties() map[uint64]property.Value { return e.properties }

// EdgeList is an edge's version chain.
type EdgeList = VersionList[*Edge]

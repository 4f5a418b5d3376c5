package storage

import (
	"github.com/orneryd/runedb/pkg/property"
)

// EdgeEntry is one adjacency slot on a vertex: the edge and the vertex
// on its other end, referenced by gid and resolved through the shared
// record store, never by owning pointer. Storing gids is what keeps the
// edge/vertex reference graph acyclic.
type EdgeEntry struct {
	EdgeGid  Gid
	OtherGid Gid
	TypeID   uint64
}

// Vertex is the record payload of a vertex version: label ids, property
// values keyed by property id, and in/out adjacency.
type Vertex struct {
	labels     []uint64
	properties map[uint64]property.Value
	out        []EdgeEntry
	in         []EdgeEntry
}

// NewVertex returns an empty vertex record.
func NewVertex() *Vertex {
	return &Vertex{properties: make(map[uint64]property.Value)}
}

// CloneRecord deep-copies the vertex for a new version.
func (v *Vertex) CloneRecord() *Vertex {
	cp := &Vertex{
		labels:     append([]uint64(nil), v.labels...),
		properties: make(map[uint64]property.Value, len(v.properties)),
		out:        append([]EdgeEntry(nil), v.out...),
		in:         append([]EdgeEntry(nil), v.in...),
	}
	for k, val := range v.properties {
		cp.properties[k] = val
	}
	return cp
}

// HasLabel reports whether the label id is present.
func (v *Vertex) HasLabel(labelID uint64) bool {
	for _, l := range v.labels {
		if l == labelID {
			return true
		}
	}
	return false
}

// AddLabel adds a label id if absent and reports whether it was added.
func (v *Vertex) AddLabel(labelID uint64) bool {
	if v.HasLabel(labelID) {
		return false
	}
	v.labels = append(v.labels, labelID)
	return true
}

// RemoveLabel removes a label id and reports whether it was present.
func (v *Vertex) RemoveLabel(labelID uint64) bool {
	for i, l := range v.labels {
		if l == labelID {
			v.labels = append(v.labels[:i], v.labels[i+1:]...)
			return true
		}
	}
	return false
}

// Labels returns the label ids. Read-only for non-owners.
func (v *Vertex) Labels() []uint64 { return v.labels }

// Property returns the value under the property id, Null when unset.
func (v *Vertex) Property(propID uint64) property.Value {
	return v.properties[propID]
}

// SetProperty sets or, for a Null value, clears a property.
func (v *Vertex) SetProperty(propID uint64, value property.Value) {
	if value.IsNull() {
		delete(v.properties, propID)
		return
	}
	v.properties[propID] = value
}

// Properties returns the property map. Read-only for non-owners.
func (v *Vertex) Properties() map[uint64]property.Value { return v.properties }

// OutEdges returns the outgoing adjacency. Read-only for non-owners.
func (v *Vertex) OutEdges() []EdgeEntry { return v.out }

// InEdges returns the incoming adjacency. Read-only for non-owners.
func (v *Vertex) InEdges() []EdgeEntry { return v.in }

// OutDegree returns the number of outgoing edges.
func (v *Vertex) OutDegree() int { return len(v.out) }

// InDegree returns the number of incoming edges.
func (v *Vertex) InDegree() int { return len(v.in) }

func (v *Vertex) addOut(entry EdgeEntry) { v.out = append(v.out, entry) }
func (v *Vertex) addIn(entry EdgeEntry)  { v.in = append(v.in, entry) }

func (v *Vertex) removeOut(edgeGid Gid) {
	for i, e := range v.out {
		if e.EdgeGid == edgeGid {
			v.out = append(v.out[:i], v.out[i+1:]...)
			return
		}
	}
}

func (v *Vertex) removeIn(edgeGid Gid) {
	for i, e := range v.in {
		if e.EdgeGid == edgeGid {
			v.in = append(v.in[:i], v.in[i+1:]...)
			return
		}
	}
}

// VertexList is a vertex's version chain.
type VertexList = VersionList[*Vertex]

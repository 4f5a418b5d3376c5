package storage

import (
	"log"

	"github.com/orneryd/runedb/pkg/durability"
	"github.com/orneryd/runedb/pkg/property"
)

// Accessor ties one transaction to the storage API. It is short-lived,
// single-threaded, and the sole vehicle for reads and writes. Every
// operation checks that the accessor is still live; Close aborts the
// transaction if neither Commit nor Abort ran.
type Accessor struct {
	graph *Graph
	tx    *Transaction

	// cid mirrors the transaction's command id so visibility checks do
	// not take the engine lock on every read.
	cid uint64

	committed bool
	aborted   bool
}

// VertexRef is a borrowed handle on one vertex, valid only within its
// accessor's transaction.
type VertexRef struct {
	acc   *Accessor
	vlist *VertexList
	cur   *Version[*Vertex]
}

// EdgeRef is a borrowed handle on one edge.
type EdgeRef struct {
	acc   *Accessor
	elist *EdgeList
	cur   *Version[*Edge]
}

func (a *Accessor) check() error {
	if a.committed || a.aborted {
		return ErrAccessorFinished
	}
	return nil
}

func (a *Accessor) clog() *CommitLog { return a.graph.engine.clog }

func (a *Accessor) view(currentState bool) view {
	return view{tx: a.tx, cid: a.cid, currentState: currentState}
}

// TransactionID returns the bound transaction's id.
func (a *Accessor) TransactionID() uint64 { return a.tx.id }

// ShouldAbort reports whether cooperative cancellation was requested,
// observed at command boundaries by query execution.
func (a *Accessor) ShouldAbort() bool { return a.tx.ShouldAbort() }

// AdvanceCommand moves the transaction to its next command id. Writes
// stamped at earlier commands become visible to reads at the new one.
func (a *Accessor) AdvanceCommand() error {
	if err := a.check(); err != nil {
		return err
	}
	cid, err := a.graph.engine.Advance(a.tx.id)
	if err != nil {
		return err
	}
	a.cid = cid
	return nil
}

// Commit commits the transaction. The accessor is dead afterwards.
func (a *Accessor) Commit() error {
	if err := a.check(); err != nil {
		return err
	}
	if err := a.graph.engine.Commit(a.tx); err != nil {
		return err
	}
	a.committed = true
	return nil
}

// Abort aborts the transaction. The accessor is dead afterwards.
func (a *Accessor) Abort() error {
	if err := a.check(); err != nil {
		return err
	}
	if err := a.graph.engine.Abort(a.tx); err != nil {
		return err
	}
	a.aborted = true
	return nil
}

// Close aborts the transaction if the accessor was abandoned without
// Commit or Abort. Safe to defer unconditionally.
func (a *Accessor) Close() error {
	if a.committed || a.aborted {
		return nil
	}
	return a.Abort()
}

// ---------------------------------------------------------------------
// Name registries

// LabelID interns a label name.
func (a *Accessor) LabelID(name string) uint64 { return a.graph.labels.NameToID(name) }

// LabelName resolves a label id.
func (a *Accessor) LabelName(id uint64) string { return a.graph.labels.IDToName(id) }

// EdgeTypeID interns an edge type name.
func (a *Accessor) EdgeTypeID(name string) uint64 { return a.graph.edgeTypes.NameToID(name) }

// EdgeTypeName resolves an edge type id.
func (a *Accessor) EdgeTypeName(id uint64) string { return a.graph.edgeTypes.IDToName(id) }

// PropertyID interns a property key.
func (a *Accessor) PropertyID(name string) uint64 { return a.graph.properties.NameToID(name) }

// PropertyName resolves a property id.
func (a *Accessor) PropertyName(id uint64) string { return a.graph.properties.IDToName(id) }

// ---------------------------------------------------------------------
// Inserts and lookups

// InsertVertex creates a vertex. A nil gid draws the next generated id;
// an explicit gid must carry this worker's id, and inserting a gid that
// already exists is a fatal invariant violation.
func (a *Accessor) InsertVertex(gid *Gid) (*VertexRef, error) {
	if err := a.check(); err != nil {
		return nil, err
	}

	var requested *uint64
	if gid != nil {
		if gid.WorkerID() != a.graph.vertexGen.WorkerID() {
			log.Panicf("[Storage] attempting to set incompatible worker id on vertex gid %s", gid)
		}
		local := gid.LocalID()
		requested = &local
	}

	id := a.graph.vertexGen.Next(requested)
	vlist := NewVersionList(a.tx, a.cid, id, NewVertex())
	if _, inserted := a.graph.vertices.Insert(id, vlist); !inserted {
		log.Panicf("[Storage] attempting to insert a vertex with an existing gid: %s", id)
	}
	if err := a.graph.walAppend(durability.CreateVertex(a.tx.id, uint64(id))); err != nil {
		return nil, err
	}
	return &VertexRef{acc: a, vlist: vlist, cur: vlist.head.Load()}, nil
}

// InsertEdge creates an edge between two vertices. Both endpoint
// adjacency lists get the new entry in the same command.
func (a *Accessor) InsertEdge(from, to *VertexRef, edgeType string, gid *Gid) (*EdgeRef, error) {
	if err := a.check(); err != nil {
		return nil, err
	}

	var requested *uint64
	if gid != nil {
		if gid.WorkerID() != a.graph.edgeGen.WorkerID() {
			log.Panicf("[Storage] attempting to set incompatible worker id on edge gid %s", gid)
		}
		local := gid.LocalID()
		requested = &local
	}

	typeID := a.EdgeTypeID(edgeType)
	id := a.graph.edgeGen.Next(requested)
	elist := NewVersionList(a.tx, a.cid, id, NewEdge(from.Gid(), to.Gid(), typeID))
	if _, inserted := a.graph.edges.Insert(id, elist); !inserted {
		log.Panicf("[Storage] attempting to insert an edge with an existing gid: %s", id)
	}

	entry := EdgeEntry{EdgeGid: id, OtherGid: to.Gid(), TypeID: typeID}

	fromVer, err := from.vlist.Update(a.clog(), a.tx, a.cid)
	if err != nil {
		return nil, err
	}
	fromVer.record.addOut(entry)
	from.cur = fromVer

	// A self-loop shares the version list; Update coalesces within the
	// command, so both adjacency entries land on the same version.
	toVer, err := to.vlist.Update(a.clog(), a.tx, a.cid)
	if err != nil {
		return nil, err
	}
	toVer.record.addIn(EdgeEntry{EdgeGid: id, OtherGid: from.Gid(), TypeID: typeID})
	to.cur = toVer

	if err := a.graph.walAppend(durability.CreateEdge(
		a.tx.id, uint64(id), uint64(from.Gid()), uint64(to.Gid()), edgeType,
	)); err != nil {
		return nil, err
	}
	return &EdgeRef{acc: a, elist: elist, cur: elist.head.Load()}, nil
}

// FindVertex returns the vertex visible to this transaction, if any.
// With currentState the transaction's own writes at the current command
// are included; without it the read sees the state before them.
func (a *Accessor) FindVertex(gid Gid, currentState bool) (*VertexRef, bool) {
	if a.check() != nil {
		return nil, false
	}
	vlist, ok := a.graph.vertices.Find(gid)
	if !ok {
		return nil, false
	}
	ver := vlist.find(a.clog(), a.view(currentState))
	if ver == nil {
		return nil, false
	}
	return &VertexRef{acc: a, vlist: vlist, cur: ver}, true
}

// FindEdge returns the edge visible to this transaction, if any.
func (a *Accessor) FindEdge(gid Gid, currentState bool) (*EdgeRef, bool) {
	if a.check() != nil {
		return nil, false
	}
	elist, ok := a.graph.edges.Find(gid)
	if !ok {
		return nil, false
	}
	ver := elist.find(a.clog(), a.view(currentState))
	if ver == nil {
		return nil, false
	}
	return &EdgeRef{acc: a, elist: elist, cur: ver}, true
}

// ---------------------------------------------------------------------
// Iteration

// Vertices streams every vertex visible to this transaction. Returning
// an error from fn stops the scan.
func (a *Accessor) Vertices(fn func(*VertexRef) error) error {
	if err := a.check(); err != nil {
		return err
	}
	var iterErr error
	a.graph.vertices.Range(func(_ Gid, vlist *VertexList) bool {
		ver := vlist.find(a.clog(), a.view(true))
		if ver == nil {
			return true
		}
		if err := fn(&VertexRef{acc: a, vlist: vlist, cur: ver}); err != nil {
			iterErr = err
			return false
		}
		return true
	})
	return iterErr
}

// VerticesByLabel streams visible vertices that carry the label,
// using the label index and re-checking visibility per entry.
func (a *Accessor) VerticesByLabel(label string, fn func(*VertexRef) error) error {
	if err := a.check(); err != nil {
		return err
	}
	labelID := a.LabelID(label)
	var iterErr error
	a.graph.labelIndex.ForEach(labelID, func(gid Gid) bool {
		vlist, ok := a.graph.vertices.Find(gid)
		if !ok {
			return true // stale entry, cleaner will drop it
		}
		ver := vlist.find(a.clog(), a.view(true))
		if ver == nil || !ver.record.HasLabel(labelID) {
			return true
		}
		if err := fn(&VertexRef{acc: a, vlist: vlist, cur: ver}); err != nil {
			iterErr = err
			return false
		}
		return true
	})
	return iterErr
}

// VerticesByLabelProperty streams visible vertices through a (label,
// property) index, optionally bounded. Bounds follow the property total
// ordering; a Null bound is an invariant violation.
func (a *Accessor) VerticesByLabelProperty(label, prop string, lower, upper *Bound, fn func(*VertexRef) error) error {
	if err := a.check(); err != nil {
		return err
	}
	if err := checkBounds(lower, upper); err != nil {
		return err
	}

	key := LPKey{Label: a.LabelID(label), Property: a.PropertyID(prop)}
	var iterErr error
	a.graph.lpIndex.ForEach(key, func(value property.Value, gid Gid) bool {
		if !inBounds(value, lower, upper) {
			return true
		}
		vlist, ok := a.graph.vertices.Find(gid)
		if !ok {
			return true
		}
		ver := vlist.find(a.clog(), a.view(true))
		if ver == nil || !ver.record.HasLabel(key.Label) {
			return true
		}
		if !property.Equal(ver.record.Property(key.Property), value) {
			return true // stale value entry
		}
		if err := fn(&VertexRef{acc: a, vlist: vlist, cur: ver}); err != nil {
			iterErr = err
			return false
		}
		return true
	})
	return iterErr
}

// Edges streams every edge visible to this transaction.
func (a *Accessor) Edges(fn func(*EdgeRef) error) error {
	if err := a.check(); err != nil {
		return err
	}
	var iterErr error
	a.graph.edges.Range(func(_ Gid, elist *EdgeList) bool {
		ver := elist.find(a.clog(), a.view(true))
		if ver == nil {
			return true
		}
		if err := fn(&EdgeRef{acc: a, elist: elist, cur: ver}); err != nil {
			iterErr = err
			return false
		}
		return true
	})
	return iterErr
}

func checkBounds(lower, upper *Bound) error {
	if lower != nil && lower.Value.IsNull() {
		return ErrNullBound
	}
	if upper != nil && upper.Value.IsNull() {
		return ErrNullBound
	}
	return nil
}

func inBounds(value property.Value, lower, upper *Bound) bool {
	if lower != nil {
		cmp := property.Compare(value, lower.Value)
		if cmp < 0 || (cmp == 0 && !lower.Inclusive) {
			return false
		}
	}
	if upper != nil {
		cmp := property.Compare(value, upper.Value)
		if cmp > 0 || (cmp == 0 && !upper.Inclusive) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------
// Counts

// VerticesCount returns the total number of vertex version lists. An
// estimate by design: uncollected and invisible lists are included.
func (a *Accessor) VerticesCount() int64 { return a.graph.vertices.Size() }

// EdgesCount returns the total number of edge version lists.
func (a *Accessor) EdgesCount() int64 { return a.graph.edges.Size() }

// VerticesCountByLabel returns the label index cardinality.
func (a *Accessor) VerticesCountByLabel(label string) int64 {
	return a.graph.labelIndex.Count(a.LabelID(label))
}

// VerticesCountByLabelProperty returns the (label, property) index
// cardinality.
func (a *Accessor) VerticesCountByLabelProperty(label, prop string) int64 {
	return a.graph.lpIndex.Count(LPKey{Label: a.LabelID(label), Property: a.PropertyID(prop)})
}

// VerticesCountForValue returns how many index entries equal the value.
func (a *Accessor) VerticesCountForValue(label, prop string, value property.Value) int64 {
	key := LPKey{Label: a.LabelID(label), Property: a.PropertyID(prop)}
	_, count := a.graph.lpIndex.PositionAndCount(key, value)
	return count
}

// VerticesCountForRange returns how many index entries fall within the
// bounds. At least one bound must be given; Null bounds are invalid.
func (a *Accessor) VerticesCountForRange(label, prop string, lower, upper *Bound) (int64, error) {
	if lower == nil && upper == nil {
		log.Panicf("[Storage] range count needs at least one bound")
	}
	if err := checkBounds(lower, upper); err != nil {
		return 0, err
	}

	key := LPKey{Label: a.LabelID(label), Property: a.PropertyID(prop)}
	total := a.graph.lpIndex.Count(key)

	switch {
	case upper == nil:
		pos, count := a.graph.lpIndex.PositionAndCount(key, lower.Value)
		result := total - pos
		if !lower.Inclusive {
			result -= count
		}
		return max(0, result), nil
	case lower == nil:
		pos, count := a.graph.lpIndex.PositionAndCount(key, upper.Value)
		if upper.Inclusive {
			return pos + count, nil
		}
		return pos, nil
	default:
		lowerPos, lowerCount := a.graph.lpIndex.PositionAndCount(key, lower.Value)
		upperPos, upperCount := a.graph.lpIndex.PositionAndCount(key, upper.Value)
		result := upperPos - lowerPos
		if !lower.Inclusive {
			result -= lowerCount
		}
		if upper.Inclusive {
			result += upperCount
		}
		return max(0, result), nil
	}
}

// ---------------------------------------------------------------------
// Mutation

// updateVertex prepares a writable version for the ref and keeps the
// ref on the newest state.
func (a *Accessor) updateVertex(ref *VertexRef) (*Version[*Vertex], error) {
	ver, err := ref.vlist.Update(a.clog(), a.tx, a.cid)
	if err != nil {
		return nil, err
	}
	ref.cur = ver
	return ver, nil
}

// AddLabel adds a label to the vertex and feeds the indexes with the
// new current version.
func (a *Accessor) AddLabel(ref *VertexRef, label string) error {
	if err := a.check(); err != nil {
		return err
	}
	labelID := a.LabelID(label)

	ver, err := a.updateVertex(ref)
	if err != nil {
		return err
	}
	if !ver.record.AddLabel(labelID) {
		return nil // already present
	}
	if err := a.graph.walAppend(durability.AddLabel(a.tx.id, uint64(ref.Gid()), label)); err != nil {
		return err
	}

	a.graph.labelIndex.Update(labelID, ref.Gid())
	a.graph.lpIndex.UpdateOnLabel(labelID, ver.record, ref.Gid())
	return nil
}

// RemoveLabel removes a label from the vertex. Index entries stay until
// the cleaner drops them; readers re-check visibility anyway.
func (a *Accessor) RemoveLabel(ref *VertexRef, label string) error {
	if err := a.check(); err != nil {
		return err
	}
	labelID := a.LabelID(label)

	ver, err := a.updateVertex(ref)
	if err != nil {
		return err
	}
	if !ver.record.RemoveLabel(labelID) {
		return nil
	}
	return a.graph.walAppend(durability.RemoveLabel(a.tx.id, uint64(ref.Gid()), label))
}

// SetProperty sets a vertex property. A Null value clears it. The new
// current version feeds the label-property indexes.
func (a *Accessor) SetProperty(ref *VertexRef, prop string, value property.Value) error {
	if err := a.check(); err != nil {
		return err
	}
	propID := a.PropertyID(prop)

	ver, err := a.updateVertex(ref)
	if err != nil {
		return err
	}
	ver.record.SetProperty(propID, value)
	if err := a.graph.walAppend(durability.SetProperty(a.tx.id, uint64(ref.Gid()), prop, value)); err != nil {
		return err
	}

	a.graph.lpIndex.UpdateOnProperty(propID, value, ver.record, ref.Gid())
	return nil
}

// SetEdgeProperty sets an edge property. A Null value clears it.
func (a *Accessor) SetEdgeProperty(ref *EdgeRef, prop string, value property.Value) error {
	if err := a.check(); err != nil {
		return err
	}
	propID := a.PropertyID(prop)

	ver, err := ref.elist.Update(a.clog(), a.tx, a.cid)
	if err != nil {
		return err
	}
	ref.cur = ver
	ver.record.SetProperty(propID, value)
	return a.graph.walAppend(durability.SetEdgeProperty(a.tx.id, uint64(ref.Gid()), prop, value))
}

// RemoveVertex logically deletes the vertex. It refuses (returns false,
// no mutation) while any incident edge is still visible; use
// DetachRemoveVertex to cascade. Removing a vertex this transaction
// already removed reports success.
func (a *Accessor) RemoveVertex(ref *VertexRef) (bool, error) {
	if err := a.check(); err != nil {
		return false, err
	}

	ver := ref.vlist.find(a.clog(), a.view(true))
	if ver == nil {
		if ref.vlist.expiredBy(a.clog(), a.tx, a.cid) {
			return true, nil // matched twice by some pattern; already gone
		}
		return false, ErrRecordDeleted
	}
	ref.cur = ver

	if ver.record.OutDegree() > 0 || ver.record.InDegree() > 0 {
		return false, nil
	}

	if err := a.graph.walAppend(durability.RemoveVertex(a.tx.id, uint64(ref.Gid()))); err != nil {
		return false, err
	}
	if err := ref.vlist.Remove(a.clog(), a.tx, a.cid); err != nil {
		return false, err
	}
	return true, nil
}

// DetachRemoveVertex removes the vertex after removing every incident
// edge visible to this transaction.
func (a *Accessor) DetachRemoveVertex(ref *VertexRef) error {
	if err := a.check(); err != nil {
		return err
	}

	ver := ref.vlist.find(a.clog(), a.view(true))
	if ver == nil {
		return nil // already removed
	}
	ref.cur = ver

	for _, entry := range ver.record.InEdges() {
		if eref, ok := a.FindEdge(entry.EdgeGid, true); ok {
			if err := a.removeEdge(eref, true, false); err != nil {
				return err
			}
		}
	}
	// Re-resolve: the in-edge removals may have produced a newer version.
	ver = ref.vlist.find(a.clog(), a.view(true))
	if ver == nil {
		return nil
	}
	ref.cur = ver
	for _, entry := range ver.record.OutEdges() {
		if eref, ok := a.FindEdge(entry.EdgeGid, true); ok {
			if err := a.removeEdge(eref, false, true); err != nil {
				return err
			}
		}
	}

	if ref.vlist.expiredBy(a.clog(), a.tx, a.cid) {
		return nil
	}
	if err := a.graph.walAppend(durability.RemoveVertex(a.tx.id, uint64(ref.Gid()))); err != nil {
		return err
	}
	return ref.vlist.Remove(a.clog(), a.tx, a.cid)
}

// RemoveEdge logically deletes the edge and detaches it from both
// endpoint adjacency lists.
func (a *Accessor) RemoveEdge(ref *EdgeRef) error {
	if err := a.check(); err != nil {
		return err
	}
	return a.removeEdge(ref, true, true)
}

// removeEdge detaches the edge from the chosen endpoint sides and
// expires it. Sides already being deleted themselves are skipped by the
// caller.
func (a *Accessor) removeEdge(ref *EdgeRef, fromSide, toSide bool) error {
	ver := ref.elist.find(a.clog(), a.view(true))
	if ver == nil {
		return nil // already removed in this transaction
	}
	ref.cur = ver
	edge := ver.record

	if fromSide {
		if fromRef, ok := a.FindVertex(edge.From(), true); ok {
			fv, err := a.updateVertex(fromRef)
			if err != nil {
				return err
			}
			fv.record.removeOut(ref.Gid())
		}
	}
	if toSide {
		if toRef, ok := a.FindVertex(edge.To(), true); ok {
			tv, err := a.updateVertex(toRef)
			if err != nil {
				return err
			}
			tv.record.removeIn(ref.Gid())
		}
	}

	if err := ref.elist.Remove(a.clog(), a.tx, a.cid); err != nil {
		return err
	}
	return a.graph.walAppend(durability.RemoveEdge(a.tx.id, uint64(ref.Gid())))
}

// ---------------------------------------------------------------------
// Counters

// Counter atomically fetches-and-increments the named counter, backed
// by the durable counter store.
func (a *Accessor) Counter(name string) (int64, error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	return a.graph.counters.Increment(name)
}

// CounterSet overwrites the named counter.
func (a *Accessor) CounterSet(name string, value int64) error {
	if err := a.check(); err != nil {
		return err
	}
	return a.graph.counters.Set(name, value)
}

// ---------------------------------------------------------------------
// Ref methods

// Gid returns the vertex's global id.
func (r *VertexRef) Gid() Gid { return r.vlist.Gid() }

// Labels returns the vertex's label names in the ref's current version.
func (r *VertexRef) Labels() []string {
	ids := r.cur.record.Labels()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = r.acc.LabelName(id)
	}
	return names
}

// HasLabel reports whether the current version carries the label.
func (r *VertexRef) HasLabel(label string) bool {
	return r.cur.record.HasLabel(r.acc.LabelID(label))
}

// Property returns the named property, Null when unset.
func (r *VertexRef) Property(name string) property.Value {
	return r.cur.record.Property(r.acc.PropertyID(name))
}

// Properties returns the current version's properties keyed by name.
func (r *VertexRef) Properties() map[string]property.Value {
	out := make(map[string]property.Value, len(r.cur.record.Properties()))
	for id, v := range r.cur.record.Properties() {
		out[r.acc.PropertyName(id)] = v
	}
	return out
}

// InDegree returns the number of incoming edges in the current version.
func (r *VertexRef) InDegree() int { return r.cur.record.InDegree() }

// OutDegree returns the number of outgoing edges.
func (r *VertexRef) OutDegree() int { return r.cur.record.OutDegree() }

// InEdges returns the incoming adjacency entries.
func (r *VertexRef) InEdges() []EdgeEntry { return r.cur.record.InEdges() }

// OutEdges returns the outgoing adjacency entries.
func (r *VertexRef) OutEdges() []EdgeEntry { return r.cur.record.OutEdges() }

// Gid returns the edge's global id.
func (r *EdgeRef) Gid() Gid { return r.elist.Gid() }

// From returns the source vertex gid.
func (r *EdgeRef) From() Gid { return r.cur.record.From() }

// To returns the target vertex gid.
func (r *EdgeRef) To() Gid { return r.cur.record.To() }

// Type returns the edge type name.
func (r *EdgeRef) Type() string { return r.acc.EdgeTypeName(r.cur.record.TypeID()) }

// Property returns the named property, Null when unset.
func (r *EdgeRef) Property(name string) property.Value {
	return r.cur.record.Property(r.acc.PropertyID(name))
}

// Properties returns the current version's properties keyed by name.
func (r *EdgeRef) Properties() map[string]property.Value {
	out := make(map[string]property.Value, len(r.cur.record.Properties()))
	for id, v := range r.cur.record.Properties() {
		out[r.acc.PropertyName(id)] = v
	}
	return out
}

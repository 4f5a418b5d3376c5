package storage

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/orneryd/runedb/pkg/durability"
)

// RecoveryStatus is the tri-state outcome of recovery.
type RecoveryStatus int

const (
	// RecoveryFully means every snapshot and WAL byte that should have
	// been replayed was replayed.
	RecoveryFully RecoveryStatus = iota
	// RecoveryPartial means a WAL tail was truncated or a newer
	// snapshot failed validation; the recovered state is a consistent
	// prefix of the committed history.
	RecoveryPartial
	// RecoveryFailed means recovery could not produce a usable state.
	RecoveryFailed
)

// RecoveryInfo reports what recovery did.
type RecoveryInfo struct {
	Status RecoveryStatus
	// SnapshotTxID is the snapshotter transaction of the snapshot that
	// was replayed, 0 when none validated.
	SnapshotTxID uint64
	// MaxTxID is the highest (pre-crash) transaction id seen in the
	// replayed WAL.
	MaxTxID uint64
}

// recoveryData carries state between the snapshot and WAL phases.
type recoveryData struct {
	snapshotterTxID       uint64
	snapshotterTxSnapshot []uint64
	indexes               []durability.IndexSpec
}

func (rd *recoveryData) clear() {
	rd.snapshotterTxID = 0
	rd.snapshotterTxSnapshot = nil
	rd.indexes = nil
}

// Recover reconstructs the graph from the durability directory: the
// newest snapshot that validates is replayed in a single transaction,
// then the WAL segments replay on top of it, then the recorded indexes
// are rebuilt. Truncated WAL tails degrade the result to
// RecoveryPartial; they never fail recovery.
func Recover(dir string, g *Graph) (RecoveryInfo, error) {
	var data recoveryData
	info := RecoveryInfo{Status: RecoveryFully}

	snapshots, err := durability.ListSnapshots(dir)
	if err != nil {
		return RecoveryInfo{Status: RecoveryFailed}, err
	}
	for i, path := range snapshots {
		log.Printf("[Recovery] starting snapshot recovery from %s", filepath.Base(path))
		applied, err := recoverSnapshot(path, g, &data)
		if err != nil {
			if applied {
				// Replay started from a hash-valid file and failed
				// anyway; the graph holds partial state no older
				// snapshot can be layered over.
				return RecoveryInfo{Status: RecoveryFailed}, err
			}
			data.clear()
			log.Printf("[Recovery] snapshot recovery failed (%v), trying older snapshot...", err)
			if i == len(snapshots)-1 {
				// All snapshots invalid; the WAL alone decides.
				info.Status = RecoveryPartial
			}
			continue
		}
		log.Printf("[Recovery] snapshot recovery successful")
		if i > 0 {
			info.Status = RecoveryPartial
		}
		break
	}
	info.SnapshotTxID = data.snapshotterTxID

	walComplete, maxTx, err := recoverWal(dir, g, &data)
	if err != nil {
		return RecoveryInfo{Status: RecoveryFailed}, err
	}
	if !walComplete {
		info.Status = RecoveryPartial
	}
	info.MaxTxID = maxTx

	// New transactions must outrank everything the old WAL mentions so
	// fresh segment filenames keep sorting after the replayed ones.
	g.engine.FastForward(max(maxTx, data.snapshotterTxID))

	if err := rebuildIndexes(g, data.indexes); err != nil {
		return RecoveryInfo{Status: RecoveryFailed}, err
	}
	return info, nil
}

// validateSnapshot streams the whole file once and checks the hash
// without applying anything. Replay must not start on a file that could
// fail halfway: partially replayed vertices would collide with the next
// snapshot candidate's explicit gids.
func validateSnapshot(path string) error {
	sr, err := durability.OpenSnapshot(path)
	if err != nil {
		return err
	}
	for i := int64(0); i < sr.VertexCount; i++ {
		if _, err := sr.ReadVertex(); err != nil {
			sr.Close()
			return err
		}
	}
	for i := int64(0); i < sr.EdgeCount; i++ {
		if _, err := sr.ReadEdge(); err != nil {
			sr.Close()
			return err
		}
	}
	return sr.VerifyAndClose()
}

// recoverSnapshot replays one pre-validated snapshot file inside one
// transaction. The returned bool reports whether replay touched the
// graph: validation failures leave it untouched and the caller may try
// an older snapshot; failures after that are unrecoverable.
func recoverSnapshot(path string, g *Graph, data *recoveryData) (bool, error) {
	if err := validateSnapshot(path); err != nil {
		return false, err
	}

	sr, err := durability.OpenSnapshot(path)
	if err != nil {
		return false, err
	}

	acc, err := g.Access()
	if err != nil {
		sr.Close()
		return false, err
	}

	fail := func(err error) (bool, error) {
		sr.Close()
		acc.Abort()
		return true, err
	}

	for i := int64(0); i < sr.VertexCount; i++ {
		rec, err := sr.ReadVertex()
		if err != nil {
			return fail(err)
		}
		gid := Gid(rec.Gid)
		ref, err := acc.InsertVertex(&gid)
		if err != nil {
			return fail(err)
		}
		for _, label := range rec.Labels {
			if err := acc.AddLabel(ref, label); err != nil {
				return fail(err)
			}
		}
		for name, value := range rec.Properties {
			if err := acc.SetProperty(ref, name, value); err != nil {
				return fail(err)
			}
		}
	}

	for i := int64(0); i < sr.EdgeCount; i++ {
		rec, err := sr.ReadEdge()
		if err != nil {
			return fail(err)
		}
		from, ok := acc.FindVertex(Gid(rec.From), true)
		if !ok {
			return fail(fmt.Errorf("%w: edge %d references missing vertex %d",
				durability.ErrSnapshotCorrupt, rec.Gid, rec.From))
		}
		to, ok := acc.FindVertex(Gid(rec.To), true)
		if !ok {
			return fail(fmt.Errorf("%w: edge %d references missing vertex %d",
				durability.ErrSnapshotCorrupt, rec.Gid, rec.To))
		}
		gid := Gid(rec.Gid)
		ref, err := acc.InsertEdge(from, to, rec.Type, &gid)
		if err != nil {
			return fail(err)
		}
		for name, value := range rec.Properties {
			if err := acc.SetEdgeProperty(ref, name, value); err != nil {
				return fail(err)
			}
		}
	}

	if err := sr.VerifyAndClose(); err != nil {
		acc.Abort()
		return true, err
	}
	if err := acc.Commit(); err != nil {
		return true, err
	}

	g.vertexGen.SetHighWater(sr.Header.VertexGeneratorHigh)
	g.edgeGen.SetHighWater(sr.Header.EdgeGeneratorHigh)
	data.snapshotterTxID = sr.Header.TxID
	data.snapshotterTxSnapshot = sr.Header.TxSnapshot
	data.indexes = append(data.indexes, sr.Header.Indexes...)
	return true, nil
}

// recoverWal replays the WAL segments on top of the snapshot state. It
// keeps one long-lived accessor per pre-crash transaction; deltas of
// transactions the snapshot already covers are skipped.
func recoverWal(dir string, g *Graph, data *recoveryData) (complete bool, maxTx uint64, err error) {
	files, err := durability.ListWALFiles(dir)
	if err != nil {
		return false, 0, err
	}

	// A transaction needs replay if it committed after the snapshot was
	// taken, or was still active while it was taken.
	txSn := NewTxSnapshot(data.snapshotterTxSnapshot...)
	firstToRecover := data.snapshotterTxID + 1
	if !txSn.Empty() {
		firstToRecover = txSn.Front()
	}
	shouldSkip := func(tx uint64) bool {
		return tx < firstToRecover ||
			(tx < data.snapshotterTxID && !txSn.Contains(tx))
	}

	accessors := make(map[uint64]*Accessor)
	getAccessor := func(tx uint64) *Accessor {
		acc, ok := accessors[tx]
		if !ok {
			log.Panicf("[Recovery] accessor does not exist for transaction %d", tx)
		}
		return acc
	}

	complete = true
	for _, path := range files {
		if fileTx, ok := durability.TxFromWALFilename(path); ok && fileTx < firstToRecover {
			continue
		}
		segComplete, err := durability.ReadSegment(path, func(d *durability.StateDelta) error {
			if d.TxID > maxTx {
				maxTx = d.TxID
			}
			if shouldSkip(d.TxID) {
				return nil
			}
			switch d.Type {
			case durability.DeltaTxBegin:
				if _, exists := accessors[d.TxID]; exists {
					log.Panicf("[Recovery] double transaction begin for %d", d.TxID)
				}
				acc, err := g.Access()
				if err != nil {
					return err
				}
				accessors[d.TxID] = acc
			case durability.DeltaTxCommit:
				if err := getAccessor(d.TxID).Commit(); err != nil {
					return err
				}
				delete(accessors, d.TxID)
			case durability.DeltaTxAbort:
				if err := getAccessor(d.TxID).Abort(); err != nil {
					return err
				}
				delete(accessors, d.TxID)
			case durability.DeltaBuildIndex:
				// Queued and executed once all WAL replay is done.
				data.indexes = append(data.indexes, durability.IndexSpec{
					Label:    d.Name,
					Property: d.Property,
				})
			default:
				return applyDelta(getAccessor(d.TxID), d)
			}
			return nil
		})
		if err != nil {
			return false, maxTx, err
		}
		if !segComplete {
			complete = false
		}
	}

	// Transactions with a begin but no terminal delta were in flight at
	// the crash; their writes must not survive.
	for tx, acc := range accessors {
		log.Printf("[Recovery] aborting unfinished transaction %d", tx)
		acc.Abort()
	}
	return complete, maxTx, nil
}

// applyDelta applies one data delta through the owning transaction's
// accessor.
func applyDelta(acc *Accessor, d *durability.StateDelta) error {
	switch d.Type {
	case durability.DeltaCreateVertex:
		gid := Gid(d.Gid)
		_, err := acc.InsertVertex(&gid)
		return err
	case durability.DeltaRemoveVertex:
		if ref, ok := acc.FindVertex(Gid(d.Gid), true); ok {
			_, err := acc.RemoveVertex(ref)
			return err
		}
		return nil
	case durability.DeltaCreateEdge:
		from, ok := acc.FindVertex(Gid(d.FromGid), true)
		if !ok {
			return fmt.Errorf("storage: recovery: edge %d references missing vertex %d", d.Gid, d.FromGid)
		}
		to, ok := acc.FindVertex(Gid(d.ToGid), true)
		if !ok {
			return fmt.Errorf("storage: recovery: edge %d references missing vertex %d", d.Gid, d.ToGid)
		}
		gid := Gid(d.Gid)
		_, err := acc.InsertEdge(from, to, d.Name, &gid)
		return err
	case durability.DeltaRemoveEdge:
		if ref, ok := acc.FindEdge(Gid(d.Gid), true); ok {
			return acc.RemoveEdge(ref)
		}
		return nil
	case durability.DeltaSetProperty:
		if d.OnEdge {
			if ref, ok := acc.FindEdge(Gid(d.Gid), true); ok {
				return acc.SetEdgeProperty(ref, d.Name, d.Value)
			}
			return nil
		}
		if ref, ok := acc.FindVertex(Gid(d.Gid), true); ok {
			return acc.SetProperty(ref, d.Name, d.Value)
		}
		return nil
	case durability.DeltaAddLabel:
		if ref, ok := acc.FindVertex(Gid(d.Gid), true); ok {
			return acc.AddLabel(ref, d.Name)
		}
		return nil
	case durability.DeltaRemoveLabel:
		if ref, ok := acc.FindVertex(Gid(d.Gid), true); ok {
			return acc.RemoveLabel(ref, d.Name)
		}
		return nil
	default:
		return fmt.Errorf("storage: recovery: unexpected delta %s", d.Type)
	}
}

// rebuildIndexes builds every index recorded in the snapshot header and
// the replayed WAL, deduplicated, under one final accessor.
func rebuildIndexes(g *Graph, specs []durability.IndexSpec) error {
	if len(specs) == 0 {
		return nil
	}

	seen := make(map[durability.IndexSpec]struct{}, len(specs))
	acc, err := g.Access()
	if err != nil {
		return err
	}
	defer acc.Close()

	for _, spec := range specs {
		if _, dup := seen[spec]; dup {
			continue
		}
		seen[spec] = struct{}{}
		if err := acc.BuildIndex(spec.Label, spec.Property); err != nil {
			return err
		}
	}
	return acc.Commit()
}

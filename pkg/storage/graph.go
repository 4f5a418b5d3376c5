package storage

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/orneryd/runedb/pkg/config"
	"github.com/orneryd/runedb/pkg/counters"
	"github.com/orneryd/runedb/pkg/durability"
)

// Graph owns the storage state: the gid-keyed version list maps for
// vertices and edges, the name registries, the gid generators, the
// indexes, the transaction engine, the WAL and the counter store.
// Accessors borrow from it; they never own any of it.
type Graph struct {
	cfg    *config.Config
	engine *SingleNodeEngine
	wal    *durability.WAL

	vertices ConcurrentMap[Gid, *VertexList]
	edges    ConcurrentMap[Gid, *EdgeList]

	labels     *NameIdMapper
	edgeTypes  *NameIdMapper
	properties *NameIdMapper

	vertexGen *GidGenerator
	edgeGen   *GidGenerator

	labelIndex *LabelIndex
	lpIndex    *LabelPropertyIndex

	// indexBuilds holds the transactions currently creating an index,
	// so concurrent builders do not wait on each other.
	indexBuilds ConcurrentMap[uint64, struct{}]

	counters *counters.Store
	gc       *GarbageCollector

	snapStop chan struct{}
	snapWg   sync.WaitGroup

	closed atomic.Bool
}

// Open builds a Graph from configuration. With WAL enabled and a data
// directory configured it first recovers from the newest valid snapshot
// plus the WAL, then attaches a fresh WAL segment for new activity.
func Open(cfg *config.Config) (*Graph, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	g := &Graph{
		cfg:        cfg,
		labels:     NewNameIdMapper(),
		edgeTypes:  NewNameIdMapper(),
		properties: NewNameIdMapper(),
		vertexGen:  NewGidGenerator(cfg.Storage.WorkerID),
		edgeGen:    NewGidGenerator(cfg.Storage.WorkerID),
		labelIndex: NewLabelIndex(),
		lpIndex:    NewLabelPropertyIndex(),
	}
	g.engine = NewSingleNodeEngine(nil)

	durable := cfg.Features.WALEnabled && cfg.Durability.DataDir != ""

	var ctrStore *counters.Store
	var err error
	if durable {
		ctrStore, err = counters.Open(filepath.Join(cfg.Durability.DataDir, "counters"))
	} else {
		ctrStore, err = counters.OpenInMemory()
	}
	if err != nil {
		return nil, err
	}
	g.counters = ctrStore

	if durable {
		// Recovery runs before the WAL attaches: replayed mutations are
		// already durable in the files being replayed.
		info, err := Recover(cfg.Durability.DataDir, g)
		if err != nil {
			ctrStore.Close()
			return nil, err
		}
		if info.Status == RecoveryFailed {
			ctrStore.Close()
			return nil, fmt.Errorf("storage: recovery failed")
		}
		if info.Status == RecoveryPartial {
			log.Printf("[Storage] partial WAL recovery: recovered through tx %d", info.MaxTxID)
		}

		walCfg := &durability.WALConfig{
			SyncMode:          cfg.Durability.SyncMode,
			BatchSyncInterval: cfg.Durability.BatchSyncInterval,
			MaxSegmentSize:    cfg.Durability.MaxSegmentSize,
			MaxSegmentEntries: cfg.Durability.MaxSegmentEntries,
		}
		wal, err := durability.NewWAL(cfg.Durability.DataDir, walCfg)
		if err != nil {
			ctrStore.Close()
			return nil, err
		}
		g.wal = wal
		g.engine.wal = wal
	}

	if cfg.Storage.GCInterval > 0 {
		g.gc = NewGarbageCollector(g, cfg.Storage.GCInterval)
		g.gc.Start()
	}

	if durable && cfg.Durability.SnapshotInterval > 0 {
		g.snapStop = make(chan struct{})
		g.snapWg.Add(1)
		go func() {
			defer g.snapWg.Done()
			g.SnapshotLoop(cfg.Durability.SnapshotInterval, g.snapStop)
		}()
	}

	return g, nil
}

// Engine returns the transaction engine.
func (g *Graph) Engine() Engine { return g.engine }

// Access begins a transaction and returns its accessor.
func (g *Graph) Access() (*Accessor, error) {
	tx, err := g.engine.Begin()
	if err != nil {
		return nil, err
	}
	return &Accessor{graph: g, tx: tx}, nil
}

// walAppend writes a data delta. Outside the engine lock; concurrent
// transactions interleave freely and recovery tolerates it.
func (g *Graph) walAppend(delta durability.StateDelta) error {
	if g.wal == nil {
		return nil
	}
	return g.wal.Append(delta)
}

// VerticesTotal returns the number of vertex version lists, visible or
// not. Transaction-aware counts live on the accessor.
func (g *Graph) VerticesTotal() int64 { return g.vertices.Size() }

// EdgesTotal returns the number of edge version lists.
func (g *Graph) EdgesTotal() int64 { return g.edges.Size() }

// Close stops background work and closes the WAL and counter store.
// With SnapshotOnExit set, a final snapshot is written first.
func (g *Graph) Close() error {
	if g.closed.Swap(true) {
		return nil
	}

	if g.gc != nil {
		g.gc.Stop()
	}
	if g.snapStop != nil {
		close(g.snapStop)
		g.snapWg.Wait()
	}

	var firstErr error
	if g.cfg.Features.SnapshotOnExit && g.wal != nil {
		if _, err := g.CreateSnapshot(); err != nil {
			log.Printf("[Storage] snapshot on exit failed: %v", err)
			firstErr = err
		}
	}
	if g.wal != nil {
		if err := g.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := g.counters.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

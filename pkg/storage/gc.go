package storage

import (
	"log"
	"sync"
	"time"

	"github.com/orneryd/runedb/pkg/property"
)

// GarbageCollector prunes record versions no current or future reader
// can see and drops index entries whose backing version list is gone.
// It runs on its own goroutine, owned by the graph as a joinable
// handle; Stop signals shutdown and waits for the current pass.
type GarbageCollector struct {
	graph    *Graph
	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewGarbageCollector creates a collector; Start launches it.
func NewGarbageCollector(graph *Graph, interval time.Duration) *GarbageCollector {
	return &GarbageCollector{
		graph:    graph,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the background loop.
func (gc *GarbageCollector) Start() {
	gc.wg.Add(1)
	go func() {
		defer gc.wg.Done()
		ticker := time.NewTicker(gc.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				gc.Collect()
			case <-gc.stop:
				return
			}
		}
	}()
}

// Stop signals shutdown and joins the worker.
func (gc *GarbageCollector) Stop() {
	close(gc.stop)
	gc.wg.Wait()
}

// Collect runs one collection pass. Exposed so tests and shutdown paths
// can trigger a deterministic pass.
func (gc *GarbageCollector) Collect() {
	snapshot := gc.graph.engine.GlobalGcSnapshot()
	if snapshot.Empty() {
		return
	}
	minTx := snapshot.Front()
	clog := gc.graph.engine.clog

	var prunedVertices, prunedEdges int

	gc.graph.vertices.Range(func(gid Gid, vlist *VertexList) bool {
		if vlist.GcDeleted(clog, minTx) {
			if gc.graph.vertices.Remove(gid) {
				prunedVertices++
			}
		}
		return true
	})
	gc.graph.edges.Range(func(gid Gid, elist *EdgeList) bool {
		if elist.GcDeleted(clog, minTx) {
			if gc.graph.edges.Remove(gid) {
				prunedEdges++
			}
		}
		return true
	})

	gc.cleanIndexes()

	if prunedVertices > 0 || prunedEdges > 0 {
		log.Printf("[GC] collected %d vertices, %d edges (horizon tx %d)",
			prunedVertices, prunedEdges, minTx)
	}
}

// cleanIndexes drops index entries whose backing version list has been
// collected. Entries pointing at live lists stay even when stale:
// readers re-check visibility, and dropping them here could race a
// writer re-adding the label or value.
func (gc *GarbageCollector) cleanIndexes() {
	g := gc.graph

	for _, labelID := range g.labelIndex.Keys() {
		g.labelIndex.ForEach(labelID, func(gid Gid) bool {
			if !g.vertices.Contains(gid) {
				g.labelIndex.RemoveEntry(labelID, gid)
			}
			return true
		})
	}

	for _, key := range g.lpIndex.Keys() {
		type deadEntry struct {
			value property.Value
			gid   Gid
		}
		var dead []deadEntry
		g.lpIndex.ForEach(key, func(value property.Value, gid Gid) bool {
			if !g.vertices.Contains(gid) {
				dead = append(dead, deadEntry{value: value, gid: gid})
			}
			return true
		})
		for _, d := range dead {
			g.lpIndex.RemoveEntry(key, d.value, d.gid)
		}
	}
}

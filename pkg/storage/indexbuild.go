package storage

import (
	"fmt"
	"log"
	"time"

	"github.com/orneryd/runedb/pkg/durability"
)

// indexBuildPollInterval is how long a builder sleeps between polls
// while waiting for pre-existing writers to terminate.
const indexBuildPollInterval = 100 * time.Microsecond

// BuildIndex creates a (label, property) index online, without blocking
// concurrent writers:
//
//  1. Register this transaction in the building set and install the
//     empty index; from here on every writer feeds it.
//  2. Wait for every transaction that was active before the install to
//     terminate (other index builders excepted), polling the engine.
//  3. Scan with a fresh reader transaction, itself registered in the
//     building set so parallel builds cannot deadlock on each other,
//     and backfill everything the writers predate.
//  4. Commit the reader, log the BuildIndex delta, mark the index live.
func (a *Accessor) BuildIndex(label, prop string) error {
	if err := a.check(); err != nil {
		return err
	}

	key := LPKey{Label: a.LabelID(label), Property: a.PropertyID(prop)}

	a.graph.indexBuilds.Insert(a.tx.id, struct{}{})
	defer func() {
		if !a.graph.indexBuilds.Remove(a.tx.id) {
			log.Panicf("[Storage] index creation transaction missing from building set")
		}
	}()

	if !a.graph.lpIndex.CreateIndex(key) {
		return fmt.Errorf("%w: :%s(%s)", ErrIndexExists, label, prop)
	}

	// Writers that begin after CreateIndex insert into the new index on
	// their own. Everything earlier must drain before the backfill scan,
	// or the scan's snapshot could miss their writes.
	for _, id := range a.graph.engine.GlobalActiveTransactions().All() {
		if a.graph.indexBuilds.Contains(id) {
			continue
		}
		for a.graph.engine.GlobalIsActive(id) {
			// The id could join the building set after the check above;
			// re-checking inside the loop avoids waiting on it forever.
			if a.graph.indexBuilds.Contains(id) {
				break
			}
			time.Sleep(indexBuildPollInterval)
		}
	}

	// This reader surely sees everything that committed before
	// CreateIndex.
	dba, err := a.graph.Access()
	if err != nil {
		return err
	}
	readerID := dba.tx.id
	a.graph.indexBuilds.Insert(readerID, struct{}{})
	defer func() {
		if !a.graph.indexBuilds.Remove(readerID) {
			log.Panicf("[Storage] index building reader missing from building set")
		}
	}()

	if err := dba.VerticesByLabel(label, func(ref *VertexRef) error {
		value := ref.cur.record.Property(key.Property)
		a.graph.lpIndex.Update(key, value, ref.Gid())
		return nil
	}); err != nil {
		dba.Abort()
		return err
	}

	// Commit before logging: the index contents are complete at this
	// point even if this accessor's own transaction later aborts.
	buildTx := dba.tx.id
	if err := dba.Commit(); err != nil {
		return err
	}
	if err := a.graph.walAppend(durability.BuildIndex(buildTx, label, prop)); err != nil {
		return err
	}

	a.graph.lpIndex.IndexFinishedBuilding(key)
	return nil
}

// IndexInfo lists existing indexes: ":Label" for label indexes and
// ":Label(property)" for label-property indexes.
func (a *Accessor) IndexInfo() []string {
	var info []string
	for _, labelID := range a.graph.labelIndex.Keys() {
		info = append(info, ":"+a.LabelName(labelID))
	}
	for _, key := range a.graph.lpIndex.Keys() {
		info = append(info, fmt.Sprintf(":%s(%s)", a.LabelName(key.Label), a.PropertyName(key.Property)))
	}
	return info
}

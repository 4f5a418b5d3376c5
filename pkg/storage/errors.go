// Package storage implements the RuneDB transactional storage engine: an
// MVCC property graph with per-record version chains, a global transaction
// engine with commit log and snapshot computation, label and
// label-property indexes kept consistent with visibility, and the
// snapshot + WAL recovery pipeline that makes the graph durable.
//
// All reads and writes go through an Accessor bound to one transaction:
//
//	graph, err := storage.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer graph.Close()
//
//	acc, _ := graph.Access()
//	defer acc.Close() // aborts if neither Commit nor Abort ran
//
//	v, _ := acc.InsertVertex(nil)
//	_ = acc.AddLabel(v, "Person")
//	_ = acc.SetProperty(v, "name", property.String("alice"))
//	if err := acc.Commit(); err != nil {
//		log.Fatal(err)
//	}
//
// Concurrency model: transactions run on parallel goroutines sharing the
// graph. Version-chain writes are lock-free (CAS on head pointers and
// expiration stamps); a lost CAS surfaces ErrSerialization and the losing
// transaction must abort. A single short engine lock protects the
// transaction counter, active set, commit log and the WAL append of
// begin/commit/abort deltas; no user code runs under it.
package storage

import (
	"errors"
	"fmt"
)

// Errors surfaced by the storage core.
var (
	// ErrSerialization reports a write-write conflict: another
	// transaction already expired the version being updated. The losing
	// transaction must abort.
	ErrSerialization = errors.New("storage: serialization conflict")

	// ErrRecordDeleted reports a current-view access to a record this
	// transaction has already deleted.
	ErrRecordDeleted = errors.New("storage: record deleted")

	// ErrIndexExists reports BuildIndex on an existing (label, property)
	// pair, or one being built by another transaction.
	ErrIndexExists = errors.New("storage: index already exists")

	// ErrAccessorFinished reports an operation on an accessor that has
	// already committed or aborted.
	ErrAccessorFinished = errors.New("storage: accessor already committed or aborted")

	// ErrNotYetImplemented marks remote (distributed) mutation paths.
	// Distributed mutation is out of scope for the single-node engine;
	// the error makes that explicit at the API boundary.
	ErrNotYetImplemented = errors.New("storage: remote operation not implemented")

	// ErrNullBound reports a Null value used as an index range bound.
	ErrNullBound = errors.New("storage: null is not a valid index bound")

	// ErrUnknownTransaction reports an engine call naming a transaction
	// the engine does not hold.
	ErrUnknownTransaction = errors.New("storage: unknown transaction")
)

// TransactionError reports an impossible transaction state, most notably
// command-id overflow. The transaction remains abortable.
type TransactionError struct {
	TxID uint64
	Msg  string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("storage: transaction %d: %s", e.TxID, e.Msg)
}

package storage

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/orneryd/runedb/pkg/durability"
)

// Transaction is one unit of isolation. The engine exclusively owns
// Transaction objects from Begin to Commit or Abort; accessors hold a
// non-owning reference. A transaction is single-threaded internally.
type Transaction struct {
	id       uint64
	snapshot *TxSnapshot
	engine   Engine

	// cid is the per-transaction command counter. Guarded by the engine
	// lock, matching the ownership of the transaction store.
	cid uint64

	// shouldAbort is the cooperative cancellation flag, observed at
	// command boundaries by query execution.
	shouldAbort atomic.Bool
}

// ID returns the transaction id.
func (t *Transaction) ID() uint64 { return t.id }

// Snapshot returns the set of transactions that were active at Begin.
// Immutable for the transaction's lifetime.
func (t *Transaction) Snapshot() *TxSnapshot { return t.snapshot }

// CommandID returns the transaction's current command id.
func (t *Transaction) CommandID() uint64 {
	cid, _ := t.engine.UpdateCommand(t.id)
	return cid
}

// SetShouldAbort requests cooperative cancellation.
func (t *Transaction) SetShouldAbort() { t.shouldAbort.Store(true) }

// ShouldAbort reports whether cancellation was requested.
func (t *Transaction) ShouldAbort() bool { return t.shouldAbort.Load() }

// Engine issues transaction ids, tracks the active set, maintains the
// commit log and computes GC snapshots. SingleNodeEngine is the local
// implementation; distributed deployments put an RPC-delegating
// implementation behind the same interface and leave the local code
// path unchanged.
type Engine interface {
	// Begin starts a transaction: allocates the next id, snapshots the
	// active set, and appends a TxBegin delta to the WAL atomically with
	// the active-set update.
	Begin() (*Transaction, error)

	// Advance bumps the transaction's command counter and returns the
	// new command id. Overflow returns a TransactionError.
	Advance(tx uint64) (uint64, error)

	// UpdateCommand returns the transaction's current command id.
	UpdateCommand(tx uint64) (uint64, error)

	// Commit marks the transaction committed and releases it.
	Commit(t *Transaction) error

	// Abort marks the transaction aborted and releases it.
	Abort(t *Transaction) error

	// Info returns the commit-log state of any transaction.
	Info(tx uint64) CommitInfo

	// GlobalActiveTransactions returns a copy of the active set.
	GlobalActiveTransactions() *TxSnapshot

	// GlobalIsActive reports whether the transaction is still active.
	GlobalIsActive(tx uint64) bool

	// GlobalGcSnapshot returns the set of transactions no version
	// visible to any current or future reader may be older than.
	GlobalGcSnapshot() *TxSnapshot

	// LocalLast returns the last transaction id issued.
	LocalLast() uint64

	// ForEachActive calls fn for every active transaction under the
	// engine lock. fn must be short and must not call back into the
	// engine.
	ForEachActive(fn func(*Transaction))
}

// SingleNodeEngine is the process-local transaction engine.
//
// One short lock protects the counter, the active set, the transaction
// store, the commit log, and the WAL append of begin/commit/abort
// deltas. Holding the lock across those appends is what guarantees that
// the WAL's begin/commit/abort ordering is a legal serialization.
type SingleNodeEngine struct {
	mu      sync.Mutex
	counter uint64
	active  *TxSnapshot
	store   map[uint64]*Transaction
	clog    *CommitLog
	wal     *durability.WAL // nil when durability is disabled

	listenerMu sync.Mutex
	listeners  []func(txID uint64)
}

// NewSingleNodeEngine creates an engine. wal may be nil.
func NewSingleNodeEngine(wal *durability.WAL) *SingleNodeEngine {
	return &SingleNodeEngine{
		active: NewTxSnapshot(),
		store:  make(map[uint64]*Transaction),
		clog:   NewCommitLog(),
		wal:    wal,
	}
}

// CommitLog exposes the engine's commit log to the MVCC layer.
func (e *SingleNodeEngine) CommitLog() *CommitLog { return e.clog }

// Begin implements Engine.
func (e *SingleNodeEngine) Begin() (*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.counter++
	id := e.counter
	t := &Transaction{
		id:       id,
		snapshot: e.active.Clone(),
		engine:   e,
	}
	e.active.Insert(id)
	e.clog.SetActive(id)
	e.store[id] = t

	if e.wal != nil {
		if err := e.wal.Append(durability.TxBegin(id)); err != nil {
			// Roll the bookkeeping back; the transaction never existed.
			e.active.Remove(id)
			delete(e.store, id)
			e.clog.SetAborted(id)
			return nil, fmt.Errorf("storage: begin: %w", err)
		}
	}
	return t, nil
}

// Advance implements Engine.
func (e *SingleNodeEngine) Advance(tx uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.store[tx]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTransaction, tx)
	}
	if t.cid == math.MaxUint64 {
		return 0, &TransactionError{TxID: tx, Msg: "reached maximum number of commands"}
	}
	t.cid++
	return t.cid, nil
}

// UpdateCommand implements Engine.
func (e *SingleNodeEngine) UpdateCommand(tx uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.store[tx]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTransaction, tx)
	}
	return t.cid, nil
}

// Commit implements Engine.
func (e *SingleNodeEngine) Commit(t *Transaction) error {
	if err := e.finish(t, true); err != nil {
		return err
	}
	e.notifyListeners(t.id)
	return nil
}

// Abort implements Engine.
func (e *SingleNodeEngine) Abort(t *Transaction) error {
	if err := e.finish(t, false); err != nil {
		return err
	}
	e.notifyListeners(t.id)
	return nil
}

func (e *SingleNodeEngine) finish(t *Transaction, commit bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.store[t.id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTransaction, t.id)
	}

	if commit {
		e.clog.SetCommitted(t.id)
	} else {
		e.clog.SetAborted(t.id)
	}
	e.active.Remove(t.id)

	if e.wal != nil {
		var delta durability.StateDelta
		if commit {
			delta = durability.TxCommit(t.id)
		} else {
			delta = durability.TxAbort(t.id)
		}
		if err := e.wal.Append(delta); err != nil {
			// The commit log already flipped; the in-memory state is
			// authoritative, the WAL loss is a durability error only.
			delete(e.store, t.id)
			return fmt.Errorf("storage: wal append on finish: %w", err)
		}
	}
	delete(e.store, t.id)
	return nil
}

// Info implements Engine.
func (e *SingleNodeEngine) Info(tx uint64) CommitInfo {
	return e.clog.Info(tx)
}

// GlobalActiveTransactions implements Engine.
func (e *SingleNodeEngine) GlobalActiveTransactions() *TxSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.Clone()
}

// GlobalIsActive implements Engine.
func (e *SingleNodeEngine) GlobalIsActive(tx uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.Contains(tx)
}

// GlobalGcSnapshot implements Engine.
//
// With no active transactions the horizon is everything issued so far,
// expressed as {counter+1}. Otherwise it is the oldest active
// transaction's own snapshot plus that transaction, which no active
// reader's visible set can be older than.
func (e *SingleNodeEngine) GlobalGcSnapshot() *TxSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active.Empty() {
		snapshot := NewTxSnapshot()
		snapshot.Insert(e.counter + 1)
		return snapshot
	}

	oldest := e.active.Front()
	snapshot := e.store[oldest].snapshot.Clone()
	snapshot.Insert(oldest)
	return snapshot
}

// FastForward raises the transaction counter so future ids outrank tx.
// Used by recovery to keep new WAL segments sorting after replayed ones.
func (e *SingleNodeEngine) FastForward(tx uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counter < tx {
		e.counter = tx
	}
}

// LocalLast implements Engine.
func (e *SingleNodeEngine) LocalLast() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

// ForEachActive implements Engine.
func (e *SingleNodeEngine) ForEachActive(fn func(*Transaction)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.active.All() {
		fn(e.store[id])
	}
}

// RegisterListener adds a callback invoked after every commit or abort,
// outside the engine lock.
func (e *SingleNodeEngine) RegisterListener(fn func(txID uint64)) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *SingleNodeEngine) notifyListeners(txID uint64) {
	e.listenerMu.Lock()
	listeners := make([]func(uint64), len(e.listeners))
	copy(listeners, e.listeners)
	e.listenerMu.Unlock()

	for _, fn := range listeners {
		fn(txID)
	}
}

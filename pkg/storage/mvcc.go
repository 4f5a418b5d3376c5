package storage

import (
	"sync/atomic"
)

// Record is the payload constraint for version lists. A record is
// immutable once its version becomes visible to other transactions;
// mutation clones it into a fresh version first.
type Record[R any] interface {
	CloneRecord() R
}

// Version is one node in an entity's version chain: the record payload
// plus the creating and expiring (transaction, command) stamps. A zero
// txExpired means the version has not been expired.
type Version[R Record[R]] struct {
	record     R
	txCreated  uint64
	cmdCreated uint64
	txExpired  atomic.Uint64
	cmdExpired atomic.Uint64
	next       atomic.Pointer[Version[R]]
}

// Record returns the version's payload. Callers other than the creating
// transaction must treat it as read-only.
func (v *Version[R]) Record() R { return v.record }

// CreatedBy returns the creating transaction id.
func (v *Version[R]) CreatedBy() uint64 { return v.txCreated }

// ExpiredBy returns the expiring transaction id, 0 if none.
func (v *Version[R]) ExpiredBy() uint64 { return v.txExpired.Load() }

// view is a reader's identity for visibility decisions: the transaction,
// its current command id, and whether the read wants the current state
// (including this transaction's writes at the current command) or the
// old state (the state before the current command).
type view struct {
	tx           *Transaction
	cid          uint64
	currentState bool
}

// committedForView reports whether txID is committed, began before the
// reader and is outside the reader's snapshot, i.e. its effects are
// visible to the reader.
func committedForView(clog *CommitLog, reader *Transaction, txID uint64) bool {
	return txID < reader.id && clog.IsCommitted(txID) && !reader.snapshot.Contains(txID)
}

// visible applies the MVCC visibility rule:
//
//  1. the creating transaction began before the reader, is committed and
//     is not in the reader's snapshot, or it is the reader itself at an
//     earlier (or, in the current-state view, the same) command; and
//  2. the version is not expired for the reader: the expiring
//     transaction, if any, is aborted, still active, in-snapshot or
//     began after the reader (and is not the reader), or is the reader
//     itself at a later command.
func (v *Version[R]) visible(clog *CommitLog, vw view) bool {
	var created bool
	if v.txCreated == vw.tx.id {
		if vw.currentState {
			created = v.cmdCreated <= vw.cid
		} else {
			created = v.cmdCreated < vw.cid
		}
	} else {
		created = committedForView(clog, vw.tx, v.txCreated)
	}
	if !created {
		return false
	}

	exp := v.txExpired.Load()
	if exp == 0 {
		return true
	}
	if exp == vw.tx.id {
		cmdExp := v.cmdExpired.Load()
		if vw.currentState {
			return cmdExp > vw.cid
		}
		return cmdExp >= vw.cid
	}
	return !committedForView(clog, vw.tx, exp)
}

// VersionList is the single mutation point for one entity: the head of
// a singly linked chain of versions, newest first. Head installation and
// expiration stamping are lock-free; a failed CAS means another
// transaction won and the operation reports a serialization failure.
type VersionList[R Record[R]] struct {
	gid  Gid
	head atomic.Pointer[Version[R]]
}

// NewVersionList creates a list whose first version is stamped with the
// creating transaction and command.
func NewVersionList[R Record[R]](t *Transaction, cid uint64, gid Gid, rec R) *VersionList[R] {
	vl := &VersionList[R]{gid: gid}
	vl.head.Store(&Version[R]{
		record:     rec,
		txCreated:  t.id,
		cmdCreated: cid,
	})
	return vl
}

// Gid returns the entity's global id.
func (vl *VersionList[R]) Gid() Gid { return vl.gid }

// find returns the newest version visible to the reader, or nil.
func (vl *VersionList[R]) find(clog *CommitLog, vw view) *Version[R] {
	for v := vl.head.Load(); v != nil; v = v.next.Load() {
		if v.visible(clog, vw) {
			return v
		}
	}
	return nil
}

// lockVersion installs the writer's expiration stamp on cur. An
// existing stamp from an aborted transaction is overwritten; any other
// stamp means a concurrent writer won and the caller gets
// ErrSerialization.
func (vl *VersionList[R]) lockVersion(clog *CommitLog, t *Transaction, cid uint64, cur *Version[R]) error {
	for {
		exp := cur.txExpired.Load()
		if exp == t.id {
			// Already expired by this transaction.
			return ErrRecordDeleted
		}
		if exp != 0 && !clog.IsAborted(exp) {
			return ErrSerialization
		}
		if cur.txExpired.CompareAndSwap(exp, t.id) {
			cur.cmdExpired.Store(cid)
			return nil
		}
	}
}

// Update prepares a version the transaction may mutate. Repeated
// updates within one command coalesce into the same version; crossing a
// command boundary creates a fresh version so earlier commands keep
// their view. The version visible to the writer is expired in the same
// step, which is what makes concurrent writers collide.
func (vl *VersionList[R]) Update(clog *CommitLog, t *Transaction, cid uint64) (*Version[R], error) {
	head := vl.head.Load()
	if head != nil && head.txCreated == t.id && head.cmdCreated == cid {
		if head.txExpired.Load() == t.id {
			return nil, ErrRecordDeleted
		}
		return head, nil
	}

	cur := vl.find(clog, view{tx: t, cid: cid, currentState: true})
	if cur == nil {
		return nil, ErrRecordDeleted
	}
	if err := vl.lockVersion(clog, t, cid, cur); err != nil {
		return nil, err
	}

	nv := &Version[R]{
		record:     cur.record.CloneRecord(),
		txCreated:  t.id,
		cmdCreated: cid,
	}
	for {
		h := vl.head.Load()
		nv.next.Store(h)
		if vl.head.CompareAndSwap(h, nv) {
			return nv, nil
		}
	}
}

// Remove logically deletes the entity: the visible version is expired
// with no successor. Removing an entity this transaction already
// removed is a no-op.
func (vl *VersionList[R]) Remove(clog *CommitLog, t *Transaction, cid uint64) error {
	cur := vl.find(clog, view{tx: t, cid: cid, currentState: true})
	if cur == nil {
		if vl.expiredBy(clog, t, cid) {
			return nil
		}
		return ErrRecordDeleted
	}
	err := vl.lockVersion(clog, t, cid, cur)
	if err == ErrRecordDeleted {
		return nil
	}
	return err
}

// expiredBy reports whether the visible version is already expired by
// the given transaction. Used to make repeated removes idempotent.
func (vl *VersionList[R]) expiredBy(clog *CommitLog, t *Transaction, cid uint64) bool {
	for v := vl.head.Load(); v != nil; v = v.next.Load() {
		if v.txExpired.Load() == t.id {
			return true
		}
	}
	return false
}

// GcDeleted prunes versions no current or future reader can see. minTx
// is the front of the engine's GC snapshot: every transaction below it
// has terminated and is outside every reader's snapshot. It returns
// true when the whole list is invisible and may be unlinked from the
// record store.
//
// Only the collector mutates next pointers below the head, so a single
// background collector may truncate chains without coordination beyond
// the atomic stores.
func (vl *VersionList[R]) GcDeleted(clog *CommitLog, minTx uint64) bool {
	// Versions created by aborted transactions are invisible to
	// everyone; swing the head past them.
	for {
		h := vl.head.Load()
		if h == nil {
			return true
		}
		if !clog.IsAborted(h.txCreated) {
			break
		}
		vl.head.CompareAndSwap(h, h.next.Load())
	}

	head := vl.head.Load()

	// The first committed version older than every reader is the base
	// any reader bottoms out on; everything beneath it is unreachable.
	for v := head; v != nil; v = v.next.Load() {
		if v.txCreated < minTx && clog.IsCommitted(v.txCreated) {
			v.next.Store(nil)
			break
		}
	}

	// The whole list is garbage when its only remaining version is both
	// created and expired before every possible reader.
	if head.next.Load() != nil {
		return false
	}
	if !(head.txCreated < minTx && clog.IsCommitted(head.txCreated)) {
		return false
	}
	exp := head.txExpired.Load()
	return exp != 0 && exp < minTx && clog.IsCommitted(exp)
}

// Package counters provides durable named counters backed by BadgerDB.
//
// Counters power the storage accessor's Counter/CounterSet operations:
// atomic fetch-add sequences that user queries can allocate ids from.
// Because they hand out values that may end up referenced by committed
// data, counter state must survive restarts; keeping them in a Badger
// keyspace gives that durability without threading counter traffic
// through the graph WAL.
//
// Example:
//
//	store, err := counters.Open(filepath.Join(dataDir, "counters"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	seq, _ := store.Increment("invoice") // 0, then 1, then 2, ...
package counters

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefix for counter entries, following the single-byte prefix
// convention used across RuneDB's Badger keyspaces.
const prefixCounter = byte(0x01)

// Store holds named counters in a Badger database.
//
// Increment is serialized under an internal mutex; Badger write
// transactions give the on-disk atomicity, the mutex gives fetch-add
// semantics across concurrent callers.
type Store struct {
	mu sync.Mutex
	db *badger.DB
}

// Open opens (or creates) a counter store in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("counters: failed to open store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a non-durable store. Used by tests and by engines
// running without a durability directory.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("counters: failed to open in-memory store: %w", err)
	}
	return &Store{db: db}, nil
}

func counterKey(name string) []byte {
	key := make([]byte, 1+len(name))
	key[0] = prefixCounter
	copy(key[1:], name)
	return key
}

// Increment atomically adds one to the named counter and returns the
// value it held before the increment. A counter that was never set
// starts at zero.
func (s *Store) Increment(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev int64
	err := s.db.Update(func(txn *badger.Txn) error {
		key := counterKey(name)
		item, err := txn.Get(key)
		switch {
		case err == badger.ErrKeyNotFound:
			prev = 0
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				prev = int64(binary.BigEndian.Uint64(val))
				return nil
			}); err != nil {
				return err
			}
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(prev+1))
		return txn.Set(key, buf[:])
	})
	if err != nil {
		return 0, fmt.Errorf("counters: failed to increment %q: %w", name, err)
	}
	return prev, nil
}

// Set overwrites the named counter.
func (s *Store) Set(name string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(value))
		return txn.Set(counterKey(name), buf[:])
	})
	if err != nil {
		return fmt.Errorf("counters: failed to set %q: %w", name, err)
	}
	return nil
}

// Get returns the current value of the named counter without modifying
// it. Unset counters read as zero.
func (s *Store) Get(name string) (int64, error) {
	var value int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(counterKey(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("counters: failed to read %q: %w", name, err)
	}
	return value, nil
}

// Close closes the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

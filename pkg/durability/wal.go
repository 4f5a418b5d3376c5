package durability

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Common WAL errors.
var (
	ErrWALClosed = errors.New("wal: closed")
)

// WALConfig configures WAL behavior.
type WALConfig struct {
	// SyncMode controls when writes are synced to disk:
	// "immediate": fsync after each append (safest, slowest)
	// "batch": fsync periodically (faster, bounded loss window)
	// "none": no fsync (fastest, data loss on crash)
	SyncMode string

	// BatchSyncInterval for "batch" sync mode.
	BatchSyncInterval time.Duration

	// MaxSegmentSize triggers rotation when exceeded, in bytes.
	MaxSegmentSize int64

	// MaxSegmentEntries triggers rotation when exceeded.
	MaxSegmentEntries int64
}

// DefaultWALConfig returns sensible defaults.
func DefaultWALConfig() *WALConfig {
	return &WALConfig{
		SyncMode:          "batch",
		BatchSyncInterval: 100 * time.Millisecond,
		MaxSegmentSize:    64 * 1024 * 1024,
		MaxSegmentEntries: 100000,
	}
}

// WAL is the segmented write-ahead log. Deltas are appended to an
// in-progress segment (current.wal); when the segment exceeds its size or
// entry threshold it is finalized under a name carrying the maximum
// transaction id it contains, so segment filenames sort chronologically.
//
// Append is safe for concurrent use. The transaction engine serializes
// begin/commit/abort deltas itself by appending them under the engine
// lock, which is what makes WAL order a legal serialization for those
// deltas. Data deltas from concurrent transactions interleave freely.
type WAL struct {
	mu      sync.Mutex
	dir     string
	config  *WALConfig
	file    *os.File
	writer  *bufio.Writer
	entries int64
	bytes   int64
	maxTx   uint64
	closed  atomic.Bool

	syncTicker *time.Ticker
	stopSync   chan struct{}

	totalAppends atomic.Int64
	totalSyncs   atomic.Int64
	rotations    atomic.Int64
}

// WALStats provides observability into WAL state.
type WALStats struct {
	SegmentEntries int64
	SegmentBytes   int64
	MaxTxID        uint64
	TotalAppends   int64
	TotalSyncs     int64
	Rotations      int64
	Closed         bool
}

// NewWAL opens the write-ahead log under <root>/wal. A leftover
// in-progress segment from a previous run is finalized first so it is
// never overwritten.
func NewWAL(root string, cfg *WALConfig) (*WAL, error) {
	if cfg == nil {
		cfg = DefaultWALConfig()
	}
	if err := EnsureLayout(root); err != nil {
		return nil, err
	}

	w := &WAL{
		dir:      WalDir(root),
		config:   cfg,
		stopSync: make(chan struct{}),
	}

	if err := w.finalizeLeftover(); err != nil {
		return nil, err
	}
	if err := w.openSegment(); err != nil {
		return nil, err
	}

	if cfg.SyncMode == "batch" && cfg.BatchSyncInterval > 0 {
		w.syncTicker = time.NewTicker(cfg.BatchSyncInterval)
		go w.batchSyncLoop()
	}

	return w, nil
}

// finalizeLeftover renames an in-progress segment left behind by a crash
// so its deltas survive under a sortable name.
func (w *WAL) finalizeLeftover() error {
	path := filepath.Join(w.dir, currentWALName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: failed to open leftover segment: %w", err)
	}

	var maxTx uint64
	r := bufio.NewReader(f)
	for {
		delta, err := DecodeDelta(r)
		if err != nil {
			break
		}
		if delta.TxID > maxTx {
			maxTx = delta.TxID
		}
	}
	f.Close()

	if maxTx == 0 {
		// Empty or unreadable segment, nothing worth keeping.
		return os.Remove(path)
	}
	return os.Rename(path, filepath.Join(w.dir, WALFilename(maxTx)))
}

func (w *WAL) openSegment() error {
	file, err := os.OpenFile(filepath.Join(w.dir, currentWALName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("wal: failed to open segment: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriterSize(file, 64*1024)
	w.entries = 0
	w.bytes = 0
	w.maxTx = 0
	return nil
}

func (w *WAL) batchSyncLoop() {
	for {
		select {
		case <-w.syncTicker.C:
			if err := w.Sync(); err != nil && !errors.Is(err, ErrWALClosed) {
				log.Printf("[WAL] batch sync failed: %v", err)
			}
		case <-w.stopSync:
			return
		}
	}
}

// countingWriter tracks bytes written through it so rotation thresholds
// see frame overhead too.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Append writes one delta to the current segment, rotating it afterwards
// if the segment exceeded its thresholds.
func (w *WAL) Append(delta StateDelta) error {
	if w.closed.Load() {
		return ErrWALClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cw := &countingWriter{w: w.writer}
	if err := delta.Encode(cw); err != nil {
		return fmt.Errorf("wal: failed to append %s: %w", delta.Type, err)
	}

	w.entries++
	w.bytes += cw.n
	if delta.TxID > w.maxTx {
		w.maxTx = delta.TxID
	}
	w.totalAppends.Add(1)

	if w.config.SyncMode == "immediate" {
		if err := w.syncLocked(); err != nil {
			return err
		}
	}

	if w.entries >= w.config.MaxSegmentEntries || w.bytes >= w.config.MaxSegmentSize {
		return w.rotateLocked()
	}
	return nil
}

// Sync flushes buffered deltas to disk.
func (w *WAL) Sync() error {
	if w.closed.Load() {
		return ErrWALClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush failed: %w", err)
	}
	if w.config.SyncMode != "none" {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync failed: %w", err)
		}
	}
	w.totalSyncs.Add(1)
	return nil
}

// Rotate finalizes the current segment and opens a fresh one. Called
// automatically from Append; exposed for snapshot coordination.
func (w *WAL) Rotate() error {
	if w.closed.Load() {
		return ErrWALClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *WAL) rotateLocked() error {
	if w.entries == 0 {
		return nil
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: failed to close segment: %w", err)
	}
	if err := os.Rename(
		filepath.Join(w.dir, currentWALName),
		filepath.Join(w.dir, WALFilename(w.maxTx)),
	); err != nil {
		return fmt.Errorf("wal: failed to finalize segment: %w", err)
	}
	w.rotations.Add(1)
	return w.openSegment()
}

// Close flushes and finalizes the current segment.
func (w *WAL) Close() error {
	if w.closed.Swap(true) {
		return nil
	}

	if w.syncTicker != nil {
		w.syncTicker.Stop()
		close(w.stopSync)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.entries > 0 {
		if err := w.rotateLocked(); err != nil {
			w.file.Close()
			return err
		}
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return os.Remove(filepath.Join(w.dir, currentWALName))
}

// Stats returns current WAL statistics.
func (w *WAL) Stats() WALStats {
	w.mu.Lock()
	entries, bytes, maxTx := w.entries, w.bytes, w.maxTx
	w.mu.Unlock()
	return WALStats{
		SegmentEntries: entries,
		SegmentBytes:   bytes,
		MaxTxID:        maxTx,
		TotalAppends:   w.totalAppends.Load(),
		TotalSyncs:     w.totalSyncs.Load(),
		Rotations:      w.rotations.Load(),
		Closed:         w.closed.Load(),
	}
}

// ReadSegment streams the deltas of one WAL segment file. Decoding stops
// at the first truncated or unknown frame; everything before it is
// surfaced. A partial tail is expected after a crash and is not an
// error: the returned bool reports whether the segment ended cleanly.
func ReadSegment(path string, fn func(*StateDelta) error) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("wal: failed to open segment: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		delta, err := DecodeDelta(r)
		if err != nil {
			if err == io.EOF {
				return true, nil
			}
			log.Printf("[WAL] segment %s: replay stopped: %v", filepath.Base(path), err)
			return false, nil
		}
		if err := fn(delta); err != nil {
			return false, err
		}
	}
}

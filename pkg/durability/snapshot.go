package durability

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Snapshot file format:
//
//	MAGIC (4 bytes) || VERSION (int64) ||
//	vertex_generator_high (int64) || edge_generator_high (int64) ||
//	snapshotter_tx_id (int64) || snapshotter_snapshot (list<int64>) ||
//	indexes (list<string>, label/property interleaved) ||
//	vertices || edges ||
//	FOOTER: vertex_count (int64) || edge_count (int64) || hash (uint64)
//
// The hash covers everything from MAGIC through the trailing counts
// inclusive; only the eight hash bytes themselves are excluded.

var snapshotMagic = [4]byte{'R', 'U', 'N', 'E'}

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion int64 = 1

const snapshotFooterSize = 8 + 8 + 8

// Snapshot errors.
var (
	ErrSnapshotCorrupt = errors.New("durability: snapshot corrupt")
)

// IndexSpec names one (label, property) index recorded in a snapshot.
type IndexSpec struct {
	Label    string
	Property string
}

// SnapshotHeader carries everything a snapshot stores ahead of the
// vertex and edge records.
type SnapshotHeader struct {
	VertexGeneratorHigh uint64
	EdgeGeneratorHigh   uint64
	TxID                uint64
	TxSnapshot          []uint64
	Indexes             []IndexSpec
}

// SnapshotWriter streams a snapshot to a temp file and promotes it with
// an atomic rename on Close, so a crash mid-write never leaves a partial
// snapshot under a valid name.
type SnapshotWriter struct {
	path        string
	tmpPath     string
	file        *os.File
	hw          *HashedWriter
	enc         *Encoder
	vertexCount int64
	edgeCount   int64
	closed      bool
}

// NewSnapshotWriter creates a snapshot file writer targeting path.
func NewSnapshotWriter(path string) (*SnapshotWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("durability: failed to create snapshot dir: %w", err)
	}
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("durability: failed to create snapshot file: %w", err)
	}
	hw := NewHashedWriter(file)
	return &SnapshotWriter{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		hw:      hw,
		enc:     NewEncoder(hw),
	}, nil
}

// WriteHeader writes the magic, version and header fields. Must be called
// exactly once, before any vertex or edge.
func (sw *SnapshotWriter) WriteHeader(h *SnapshotHeader) error {
	if _, err := sw.hw.Write(snapshotMagic[:]); err != nil {
		return err
	}
	if err := sw.enc.WriteInt64(SnapshotVersion); err != nil {
		return err
	}
	if err := sw.enc.WriteInt64(int64(h.VertexGeneratorHigh)); err != nil {
		return err
	}
	if err := sw.enc.WriteInt64(int64(h.EdgeGeneratorHigh)); err != nil {
		return err
	}
	if err := sw.enc.WriteInt64(int64(h.TxID)); err != nil {
		return err
	}
	if err := sw.enc.WriteInt64List(h.TxSnapshot); err != nil {
		return err
	}

	interleaved := make([]string, 0, len(h.Indexes)*2)
	for _, idx := range h.Indexes {
		interleaved = append(interleaved, idx.Label, idx.Property)
	}
	return sw.enc.WriteStringList(interleaved)
}

// WriteVertex appends one vertex record. All vertices must precede all
// edges.
func (sw *SnapshotWriter) WriteVertex(v *VertexRecord) error {
	if err := sw.enc.WriteVertexRecord(v); err != nil {
		return err
	}
	sw.vertexCount++
	return nil
}

// WriteEdge appends one edge record.
func (sw *SnapshotWriter) WriteEdge(e *EdgeRecord) error {
	if err := sw.enc.WriteEdgeRecord(e); err != nil {
		return err
	}
	sw.edgeCount++
	return nil
}

// Close writes the footer, fsyncs and atomically promotes the temp file.
func (sw *SnapshotWriter) Close() error {
	if sw.closed {
		return nil
	}
	sw.closed = true

	// The counts are hashed; the hash itself is not.
	var counts [16]byte
	binary.BigEndian.PutUint64(counts[:8], uint64(sw.vertexCount))
	binary.BigEndian.PutUint64(counts[8:], uint64(sw.edgeCount))
	if _, err := sw.hw.Write(counts[:]); err != nil {
		return sw.abort(err)
	}

	var hashBuf [8]byte
	binary.BigEndian.PutUint64(hashBuf[:], sw.hw.Sum64())
	if err := sw.hw.WriteRaw(hashBuf[:]); err != nil {
		return sw.abort(err)
	}

	if err := sw.hw.Flush(); err != nil {
		return sw.abort(err)
	}
	if err := sw.file.Sync(); err != nil {
		return sw.abort(err)
	}
	if err := sw.file.Close(); err != nil {
		os.Remove(sw.tmpPath)
		return err
	}
	if err := os.Rename(sw.tmpPath, sw.path); err != nil {
		os.Remove(sw.tmpPath)
		return fmt.Errorf("durability: failed to promote snapshot: %w", err)
	}
	return nil
}

// Abort discards the temp file without promoting it.
func (sw *SnapshotWriter) Abort() {
	if sw.closed {
		return
	}
	sw.closed = true
	sw.file.Close()
	os.Remove(sw.tmpPath)
}

func (sw *SnapshotWriter) abort(err error) error {
	sw.file.Close()
	os.Remove(sw.tmpPath)
	return err
}

// Counts returns how many vertices and edges have been written so far.
func (sw *SnapshotWriter) Counts() (int64, int64) {
	return sw.vertexCount, sw.edgeCount
}

// SnapshotReader streams a snapshot file: header first, then VertexCount
// vertices, then EdgeCount edges, then VerifyAndClose to check the hash.
type SnapshotReader struct {
	file *os.File
	hr   *HashedReader
	dec  *Decoder

	Header      SnapshotHeader
	VertexCount int64
	EdgeCount   int64

	expectedHash uint64
}

// OpenSnapshot opens and validates the magic, version, header, and footer
// counts of a snapshot file. The content hash is verified incrementally
// and checked in VerifyAndClose.
func OpenSnapshot(path string) (*SnapshotReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("durability: failed to open snapshot: %w", err)
	}

	sr := &SnapshotReader{file: file}
	if err := sr.readFooter(); err != nil {
		file.Close()
		return nil, err
	}

	sr.hr = NewHashedReader(file)
	sr.dec = NewDecoder(sr.hr)
	if err := sr.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return sr, nil
}

func (sr *SnapshotReader) readFooter() error {
	stat, err := sr.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() < int64(len(snapshotMagic))+snapshotFooterSize {
		return fmt.Errorf("%w: file too small", ErrSnapshotCorrupt)
	}

	var footer [snapshotFooterSize]byte
	if _, err := sr.file.ReadAt(footer[:], stat.Size()-snapshotFooterSize); err != nil {
		return err
	}
	sr.VertexCount = int64(binary.BigEndian.Uint64(footer[:8]))
	sr.EdgeCount = int64(binary.BigEndian.Uint64(footer[8:16]))
	sr.expectedHash = binary.BigEndian.Uint64(footer[16:])

	if _, err := sr.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return nil
}

func (sr *SnapshotReader) readHeader() error {
	var magic [4]byte
	if _, err := io.ReadFull(sr.hr, magic[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if magic != snapshotMagic {
		return fmt.Errorf("%w: bad magic", ErrSnapshotCorrupt)
	}

	version, err := sr.dec.ReadInt64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, version)
	}

	vGen, err := sr.dec.ReadInt64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	eGen, err := sr.dec.ReadInt64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	txID, err := sr.dec.ReadInt64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	txSnapshot, err := sr.dec.ReadInt64List()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	interleaved, err := sr.dec.ReadStringList()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if len(interleaved)%2 != 0 {
		return fmt.Errorf("%w: odd index list", ErrSnapshotCorrupt)
	}

	indexes := make([]IndexSpec, 0, len(interleaved)/2)
	for i := 0; i < len(interleaved); i += 2 {
		indexes = append(indexes, IndexSpec{Label: interleaved[i], Property: interleaved[i+1]})
	}

	sr.Header = SnapshotHeader{
		VertexGeneratorHigh: uint64(vGen),
		EdgeGeneratorHigh:   uint64(eGen),
		TxID:                uint64(txID),
		TxSnapshot:          txSnapshot,
		Indexes:             indexes,
	}
	return nil
}

// ReadVertex reads the next vertex record.
func (sr *SnapshotReader) ReadVertex() (*VertexRecord, error) {
	v, err := sr.dec.ReadVertexRecord()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	return v, nil
}

// ReadEdge reads the next edge record.
func (sr *SnapshotReader) ReadEdge() (*EdgeRecord, error) {
	e, err := sr.dec.ReadEdgeRecord()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	return e, nil
}

// VerifyAndClose consumes the trailing counts, compares the running hash
// against the footer and closes the file. Must be called after reading
// exactly VertexCount vertices and EdgeCount edges.
func (sr *SnapshotReader) VerifyAndClose() error {
	defer sr.file.Close()

	var counts [16]byte
	if _, err := io.ReadFull(sr.hr, counts[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if int64(binary.BigEndian.Uint64(counts[:8])) != sr.VertexCount ||
		int64(binary.BigEndian.Uint64(counts[8:])) != sr.EdgeCount {
		return fmt.Errorf("%w: footer count mismatch", ErrSnapshotCorrupt)
	}
	if sr.hr.Sum64() != sr.expectedHash {
		return fmt.Errorf("%w: hash mismatch", ErrSnapshotCorrupt)
	}
	return nil
}

// Close closes the underlying file without verification.
func (sr *SnapshotReader) Close() error { return sr.file.Close() }

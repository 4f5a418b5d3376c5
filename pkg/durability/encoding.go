// Package durability provides the RuneDB durability pipeline: the
// self-describing typed-value encoding shared by the write-ahead log and
// snapshot files, the state deltas that describe graph mutations, the
// segmented WAL writer, and the snapshot file format.
//
// Both file formats are binary and append-only. Every value on disk is
// tagged with its type, so a reader can decode a stream without any schema
// and an unknown tag terminates replay cleanly instead of corrupting it.
//
// Layout on disk:
//
//	<dir>/wal/        segmented WAL files, filenames carry the max tx id
//	<dir>/snapshots/  snapshot files, hash-terminated
package durability

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/orneryd/runedb/pkg/property"
)

// Value type tags. These are stable on-disk identifiers; never renumber.
const (
	tagNull   = byte(0x00)
	tagBool   = byte(0x01)
	tagInt    = byte(0x02)
	tagFloat  = byte(0x03)
	tagString = byte(0x04)
	tagList   = byte(0x05)
	tagMap    = byte(0x06)
	tagVertex = byte(0x07)
	tagEdge   = byte(0x08)
)

// Encoding errors.
var (
	ErrBadTag    = errors.New("durability: unknown value tag")
	ErrShortRead = errors.New("durability: unexpected end of input")
)

// VertexRecord is the wire form of a vertex in snapshots.
type VertexRecord struct {
	Gid        uint64
	Labels     []string
	Properties map[string]property.Value
}

// EdgeRecord is the wire form of an edge in snapshots.
type EdgeRecord struct {
	Gid        uint64
	From       uint64
	To         uint64
	Type       string
	Properties map[string]property.Value
}

// HashedWriter writes through to an underlying writer while folding every
// byte into an xxhash digest. Snapshot files use the digest as their
// integrity footer.
type HashedWriter struct {
	w    *bufio.Writer
	hash *xxhash.Digest
}

// NewHashedWriter wraps w.
func NewHashedWriter(w io.Writer) *HashedWriter {
	return &HashedWriter{
		w:    bufio.NewWriterSize(w, 64*1024),
		hash: xxhash.New(),
	}
}

// Write implements io.Writer.
func (hw *HashedWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.hash.Write(p[:n])
	return n, err
}

// Sum64 returns the running hash of everything written so far.
func (hw *HashedWriter) Sum64() uint64 { return hw.hash.Sum64() }

// Flush flushes buffered bytes to the underlying writer.
func (hw *HashedWriter) Flush() error { return hw.w.Flush() }

// WriteRaw writes bytes without hashing them. Used for the trailing hash
// itself, which cannot cover its own bytes.
func (hw *HashedWriter) WriteRaw(p []byte) error {
	_, err := hw.w.Write(p)
	return err
}

// HashedReader reads from an underlying reader while folding every byte
// into an xxhash digest, mirroring HashedWriter.
type HashedReader struct {
	r    *bufio.Reader
	hash *xxhash.Digest
}

// NewHashedReader wraps r.
func NewHashedReader(r io.Reader) *HashedReader {
	return &HashedReader{
		r:    bufio.NewReaderSize(r, 64*1024),
		hash: xxhash.New(),
	}
}

// Read implements io.Reader.
func (hr *HashedReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	hr.hash.Write(p[:n])
	return n, err
}

// Sum64 returns the running hash of everything read so far.
func (hr *HashedReader) Sum64() uint64 { return hr.hash.Sum64() }

// ReadRaw reads bytes without hashing them.
func (hr *HashedReader) ReadRaw(p []byte) error {
	_, err := io.ReadFull(hr.r, p)
	return err
}

// Encoder writes tagged values to an io.Writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

func (e *Encoder) writeByte(b byte) error {
	_, err := e.w.Write([]byte{b})
	return err
}

// WriteUint64 writes a raw big-endian uint64 with no tag.
func (e *Encoder) WriteUint64(v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := e.w.Write(buf[:])
	return err
}

// WriteInt64 writes a tagged int64.
func (e *Encoder) WriteInt64(v int64) error {
	if err := e.writeByte(tagInt); err != nil {
		return err
	}
	return e.WriteUint64(uint64(v))
}

// WriteString writes a tagged, length-prefixed string.
func (e *Encoder) WriteString(s string) error {
	if err := e.writeByte(tagString); err != nil {
		return err
	}
	return e.writeRawString(s)
}

func (e *Encoder) writeRawString(s string) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(s)))
	if _, err := e.w.Write(buf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) writeCount(n int) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))
	_, err := e.w.Write(buf[:])
	return err
}

// WriteStringList writes a tagged list of strings.
func (e *Encoder) WriteStringList(ss []string) error {
	if err := e.writeByte(tagList); err != nil {
		return err
	}
	if err := e.writeCount(len(ss)); err != nil {
		return err
	}
	for _, s := range ss {
		if err := e.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

// WriteInt64List writes a tagged list of int64s.
func (e *Encoder) WriteInt64List(vs []uint64) error {
	if err := e.writeByte(tagList); err != nil {
		return err
	}
	if err := e.writeCount(len(vs)); err != nil {
		return err
	}
	for _, v := range vs {
		if err := e.WriteInt64(int64(v)); err != nil {
			return err
		}
	}
	return nil
}

// WriteValue writes a tagged property value.
func (e *Encoder) WriteValue(v property.Value) error {
	switch v.Type() {
	case property.TypeNull:
		return e.writeByte(tagNull)
	case property.TypeBool:
		if err := e.writeByte(tagBool); err != nil {
			return err
		}
		b, _ := v.Bool()
		if b {
			return e.writeByte(1)
		}
		return e.writeByte(0)
	case property.TypeInt:
		i, _ := v.Int()
		return e.WriteInt64(i)
	case property.TypeFloat:
		if err := e.writeByte(tagFloat); err != nil {
			return err
		}
		f, _ := v.Float()
		return e.WriteUint64(math.Float64bits(f))
	case property.TypeString:
		s, _ := v.Str()
		return e.WriteString(s)
	case property.TypeList:
		list, _ := v.List()
		if err := e.writeByte(tagList); err != nil {
			return err
		}
		if err := e.writeCount(len(list)); err != nil {
			return err
		}
		for _, el := range list {
			if err := e.WriteValue(el); err != nil {
				return err
			}
		}
		return nil
	case property.TypeMap:
		m, _ := v.Map()
		return e.writeValueMap(m)
	default:
		return fmt.Errorf("%w: property type %s", ErrBadTag, v.Type())
	}
}

func (e *Encoder) writeValueMap(m map[string]property.Value) error {
	if err := e.writeByte(tagMap); err != nil {
		return err
	}
	if err := e.writeCount(len(m)); err != nil {
		return err
	}
	for k, v := range m {
		if err := e.writeRawString(k); err != nil {
			return err
		}
		if err := e.WriteValue(v); err != nil {
			return err
		}
	}
	return nil
}

// WriteVertexRecord writes a tagged vertex record.
func (e *Encoder) WriteVertexRecord(v *VertexRecord) error {
	if err := e.writeByte(tagVertex); err != nil {
		return err
	}
	if err := e.WriteUint64(v.Gid); err != nil {
		return err
	}
	if err := e.WriteStringList(v.Labels); err != nil {
		return err
	}
	return e.writeValueMap(v.Properties)
}

// WriteEdgeRecord writes a tagged edge record.
func (e *Encoder) WriteEdgeRecord(ed *EdgeRecord) error {
	if err := e.writeByte(tagEdge); err != nil {
		return err
	}
	if err := e.WriteUint64(ed.Gid); err != nil {
		return err
	}
	if err := e.WriteUint64(ed.From); err != nil {
		return err
	}
	if err := e.WriteUint64(ed.To); err != nil {
		return err
	}
	if err := e.writeRawString(ed.Type); err != nil {
		return err
	}
	return e.writeValueMap(ed.Properties)
}

// Decoder reads tagged values produced by Encoder.
type Decoder struct {
	r io.Reader
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: r} }

func (d *Decoder) readByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadUint64 reads a raw big-endian uint64 with no tag.
func (d *Decoder) ReadUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// ReadInt64 reads a tagged int64.
func (d *Decoder) ReadInt64() (int64, error) {
	tag, err := d.readByte()
	if err != nil {
		return 0, err
	}
	if tag != tagInt {
		return 0, fmt.Errorf("%w: want int, have 0x%02x", ErrBadTag, tag)
	}
	v, err := d.ReadUint64()
	return int64(v), err
}

// ReadString reads a tagged string.
func (d *Decoder) ReadString() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	if tag != tagString {
		return "", fmt.Errorf("%w: want string, have 0x%02x", ErrBadTag, tag)
	}
	return d.readRawString()
}

func (d *Decoder) readRawString() (string, error) {
	n, err := d.readCount()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (d *Decoder) readCount() (int, error) {
	var buf [4]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(buf[:])), nil
}

// ReadStringList reads a tagged list of strings.
func (d *Decoder) ReadStringList() ([]string, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if tag != tagList {
		return nil, fmt.Errorf("%w: want list, have 0x%02x", ErrBadTag, tag)
	}
	n, err := d.readCount()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ReadInt64List reads a tagged list of int64s.
func (d *Decoder) ReadInt64List() ([]uint64, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if tag != tagList {
		return nil, fmt.Errorf("%w: want list, have 0x%02x", ErrBadTag, tag)
	}
	n, err := d.readCount()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		v, err := d.ReadInt64()
		if err != nil {
			return nil, err
		}
		out = append(out, uint64(v))
	}
	return out, nil
}

// ReadValue reads one tagged property value.
func (d *Decoder) ReadValue() (property.Value, error) {
	tag, err := d.readByte()
	if err != nil {
		return property.Null(), err
	}
	return d.readValueBody(tag)
}

func (d *Decoder) readValueBody(tag byte) (property.Value, error) {
	switch tag {
	case tagNull:
		return property.Null(), nil
	case tagBool:
		b, err := d.readByte()
		if err != nil {
			return property.Null(), err
		}
		return property.Bool(b != 0), nil
	case tagInt:
		v, err := d.ReadUint64()
		if err != nil {
			return property.Null(), err
		}
		return property.Int(int64(v)), nil
	case tagFloat:
		v, err := d.ReadUint64()
		if err != nil {
			return property.Null(), err
		}
		return property.Float(math.Float64frombits(v)), nil
	case tagString:
		s, err := d.readRawString()
		if err != nil {
			return property.Null(), err
		}
		return property.String(s), nil
	case tagList:
		n, err := d.readCount()
		if err != nil {
			return property.Null(), err
		}
		list := make([]property.Value, 0, n)
		for i := 0; i < n; i++ {
			el, err := d.ReadValue()
			if err != nil {
				return property.Null(), err
			}
			list = append(list, el)
		}
		return property.List(list), nil
	case tagMap:
		m, err := d.readValueMapBody()
		if err != nil {
			return property.Null(), err
		}
		return property.Map(m), nil
	default:
		return property.Null(), fmt.Errorf("%w: 0x%02x", ErrBadTag, tag)
	}
}

func (d *Decoder) readValueMapBody() (map[string]property.Value, error) {
	n, err := d.readCount()
	if err != nil {
		return nil, err
	}
	m := make(map[string]property.Value, n)
	for i := 0; i < n; i++ {
		k, err := d.readRawString()
		if err != nil {
			return nil, err
		}
		v, err := d.ReadValue()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func (d *Decoder) readValueMap() (map[string]property.Value, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if tag != tagMap {
		return nil, fmt.Errorf("%w: want map, have 0x%02x", ErrBadTag, tag)
	}
	return d.readValueMapBody()
}

// ReadVertexRecord reads a tagged vertex record.
func (d *Decoder) ReadVertexRecord() (*VertexRecord, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if tag != tagVertex {
		return nil, fmt.Errorf("%w: want vertex, have 0x%02x", ErrBadTag, tag)
	}
	gid, err := d.ReadUint64()
	if err != nil {
		return nil, err
	}
	labels, err := d.ReadStringList()
	if err != nil {
		return nil, err
	}
	props, err := d.readValueMap()
	if err != nil {
		return nil, err
	}
	return &VertexRecord{Gid: gid, Labels: labels, Properties: props}, nil
}

// ReadEdgeRecord reads a tagged edge record.
func (d *Decoder) ReadEdgeRecord() (*EdgeRecord, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if tag != tagEdge {
		return nil, fmt.Errorf("%w: want edge, have 0x%02x", ErrBadTag, tag)
	}
	gid, err := d.ReadUint64()
	if err != nil {
		return nil, err
	}
	from, err := d.ReadUint64()
	if err != nil {
		return nil, err
	}
	to, err := d.ReadUint64()
	if err != nil {
		return nil, err
	}
	typ, err := d.readRawString()
	if err != nil {
		return nil, err
	}
	props, err := d.readValueMap()
	if err != nil {
		return nil, err
	}
	return &EdgeRecord{Gid: gid, From: from, To: to, Type: typ, Properties: props}, nil
}

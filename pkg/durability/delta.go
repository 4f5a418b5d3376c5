package durability

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/orneryd/runedb/pkg/property"
)

// DeltaType identifies a state delta variant. The numeric values are
// stable on-disk identifiers; never renumber.
type DeltaType uint8

const (
	DeltaTxBegin DeltaType = iota + 1
	DeltaTxCommit
	DeltaTxAbort
	DeltaCreateVertex
	DeltaRemoveVertex
	DeltaCreateEdge
	DeltaRemoveEdge
	DeltaSetProperty
	DeltaAddLabel
	DeltaRemoveLabel
	DeltaBuildIndex
)

// String returns the delta type name as it appears in logs.
func (t DeltaType) String() string {
	switch t {
	case DeltaTxBegin:
		return "tx_begin"
	case DeltaTxCommit:
		return "tx_commit"
	case DeltaTxAbort:
		return "tx_abort"
	case DeltaCreateVertex:
		return "create_vertex"
	case DeltaRemoveVertex:
		return "remove_vertex"
	case DeltaCreateEdge:
		return "create_edge"
	case DeltaRemoveEdge:
		return "remove_edge"
	case DeltaSetProperty:
		return "set_property"
	case DeltaAddLabel:
		return "add_label"
	case DeltaRemoveLabel:
		return "remove_label"
	case DeltaBuildIndex:
		return "build_index"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ErrUnknownDelta terminates WAL replay when a delta carries a type tag this
// build does not understand. Replay treats it as a clean end of log.
var ErrUnknownDelta = errors.New("durability: unknown delta type")

// StateDelta is one serializable, self-describing graph mutation. Every
// mutating operation appends exactly one delta to the WAL before it is
// visible to any other transaction's commit.
//
// The field set is a union over all variants; only the fields relevant to
// the Type are populated.
type StateDelta struct {
	Type DeltaType
	TxID uint64

	// Entity identity
	Gid uint64

	// CreateEdge endpoints
	FromGid uint64
	ToGid   uint64

	// Label, edge type, property key, or index label depending on Type
	Name string

	// Index property for BuildIndex
	Property string

	// SetProperty payload
	Value property.Value

	// OnEdge disambiguates SetProperty targets: vertex and edge gids
	// come from independent generators and may collide numerically.
	OnEdge bool
}

// Constructors mirror the WAL vocabulary one to one.

func TxBegin(tx uint64) StateDelta  { return StateDelta{Type: DeltaTxBegin, TxID: tx} }
func TxCommit(tx uint64) StateDelta { return StateDelta{Type: DeltaTxCommit, TxID: tx} }
func TxAbort(tx uint64) StateDelta  { return StateDelta{Type: DeltaTxAbort, TxID: tx} }

func CreateVertex(tx, gid uint64) StateDelta {
	return StateDelta{Type: DeltaCreateVertex, TxID: tx, Gid: gid}
}

func RemoveVertex(tx, gid uint64) StateDelta {
	return StateDelta{Type: DeltaRemoveVertex, TxID: tx, Gid: gid}
}

func CreateEdge(tx, gid, from, to uint64, edgeType string) StateDelta {
	return StateDelta{Type: DeltaCreateEdge, TxID: tx, Gid: gid, FromGid: from, ToGid: to, Name: edgeType}
}

func RemoveEdge(tx, gid uint64) StateDelta {
	return StateDelta{Type: DeltaRemoveEdge, TxID: tx, Gid: gid}
}

func SetProperty(tx, gid uint64, key string, value property.Value) StateDelta {
	return StateDelta{Type: DeltaSetProperty, TxID: tx, Gid: gid, Name: key, Value: value}
}

func SetEdgeProperty(tx, gid uint64, key string, value property.Value) StateDelta {
	return StateDelta{Type: DeltaSetProperty, TxID: tx, Gid: gid, Name: key, Value: value, OnEdge: true}
}

func AddLabel(tx, gid uint64, label string) StateDelta {
	return StateDelta{Type: DeltaAddLabel, TxID: tx, Gid: gid, Name: label}
}

func RemoveLabel(tx, gid uint64, label string) StateDelta {
	return StateDelta{Type: DeltaRemoveLabel, TxID: tx, Gid: gid, Name: label}
}

func BuildIndex(tx uint64, label, prop string) StateDelta {
	return StateDelta{Type: DeltaBuildIndex, TxID: tx, Name: label, Property: prop}
}

// Encode serializes the delta as a length-prefixed frame:
//
//	u32 payload length || payload || u64 xxhash(payload)
//
// The payload starts with the type tag and transaction id, followed by the
// variant's fields in the shared typed-value encoding.
func (d *StateDelta) Encode(w io.Writer) error {
	var payload bytes.Buffer
	enc := NewEncoder(&payload)

	payload.WriteByte(byte(d.Type))
	if err := enc.WriteUint64(d.TxID); err != nil {
		return err
	}

	switch d.Type {
	case DeltaTxBegin, DeltaTxCommit, DeltaTxAbort:
		// Identity fields only.
	case DeltaCreateVertex, DeltaRemoveVertex, DeltaRemoveEdge:
		if err := enc.WriteUint64(d.Gid); err != nil {
			return err
		}
	case DeltaCreateEdge:
		if err := enc.WriteUint64(d.Gid); err != nil {
			return err
		}
		if err := enc.WriteUint64(d.FromGid); err != nil {
			return err
		}
		if err := enc.WriteUint64(d.ToGid); err != nil {
			return err
		}
		if err := enc.WriteString(d.Name); err != nil {
			return err
		}
	case DeltaSetProperty:
		if err := enc.WriteUint64(d.Gid); err != nil {
			return err
		}
		if err := enc.WriteString(d.Name); err != nil {
			return err
		}
		if err := enc.WriteValue(d.Value); err != nil {
			return err
		}
		if err := enc.WriteValue(property.Bool(d.OnEdge)); err != nil {
			return err
		}
	case DeltaAddLabel, DeltaRemoveLabel:
		if err := enc.WriteUint64(d.Gid); err != nil {
			return err
		}
		if err := enc.WriteString(d.Name); err != nil {
			return err
		}
	case DeltaBuildIndex:
		if err := enc.WriteString(d.Name); err != nil {
			return err
		}
		if err := enc.WriteString(d.Property); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownDelta, d.Type)
	}

	var frame [12]byte
	binary.BigEndian.PutUint32(frame[:4], uint32(payload.Len()))
	binary.BigEndian.PutUint64(frame[4:], xxhash.Sum64(payload.Bytes()))

	if _, err := w.Write(frame[:4]); err != nil {
		return err
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(frame[4:])
	return err
}

// DecodeDelta reads one delta frame. It returns io.EOF on a clean end of
// stream, ErrShortRead when the frame is truncated mid-write, and
// ErrUnknownDelta for a type tag this build does not understand. Replay
// treats all three as the end of usable log.
func DecodeDelta(r io.Reader) (*StateDelta, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrShortRead
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	if payloadLen < 9 || payloadLen > 64*1024*1024 {
		return nil, ErrShortRead
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrShortRead
	}

	var hashBuf [8]byte
	if _, err := io.ReadFull(r, hashBuf[:]); err != nil {
		return nil, ErrShortRead
	}
	if binary.BigEndian.Uint64(hashBuf[:]) != xxhash.Sum64(payload) {
		return nil, ErrShortRead
	}

	dec := NewDecoder(bytes.NewReader(payload[1:]))
	d := &StateDelta{Type: DeltaType(payload[0])}

	var err error
	if d.TxID, err = dec.ReadUint64(); err != nil {
		return nil, ErrShortRead
	}

	switch d.Type {
	case DeltaTxBegin, DeltaTxCommit, DeltaTxAbort:
	case DeltaCreateVertex, DeltaRemoveVertex, DeltaRemoveEdge:
		if d.Gid, err = dec.ReadUint64(); err != nil {
			return nil, ErrShortRead
		}
	case DeltaCreateEdge:
		if d.Gid, err = dec.ReadUint64(); err != nil {
			return nil, ErrShortRead
		}
		if d.FromGid, err = dec.ReadUint64(); err != nil {
			return nil, ErrShortRead
		}
		if d.ToGid, err = dec.ReadUint64(); err != nil {
			return nil, ErrShortRead
		}
		if d.Name, err = dec.ReadString(); err != nil {
			return nil, ErrShortRead
		}
	case DeltaSetProperty:
		if d.Gid, err = dec.ReadUint64(); err != nil {
			return nil, ErrShortRead
		}
		if d.Name, err = dec.ReadString(); err != nil {
			return nil, ErrShortRead
		}
		if d.Value, err = dec.ReadValue(); err != nil {
			return nil, ErrShortRead
		}
		onEdge, err := dec.ReadValue()
		if err != nil {
			return nil, ErrShortRead
		}
		if d.OnEdge, err = onEdge.Bool(); err != nil {
			return nil, ErrShortRead
		}
	case DeltaAddLabel, DeltaRemoveLabel:
		if d.Gid, err = dec.ReadUint64(); err != nil {
			return nil, ErrShortRead
		}
		if d.Name, err = dec.ReadString(); err != nil {
			return nil, ErrShortRead
		}
	case DeltaBuildIndex:
		if d.Name, err = dec.ReadString(); err != nil {
			return nil, ErrShortRead
		}
		if d.Property, err = dec.ReadString(); err != nil {
			return nil, ErrShortRead
		}
	default:
		return nil, ErrUnknownDelta
	}

	return d, nil
}

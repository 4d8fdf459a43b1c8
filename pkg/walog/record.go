package walog

import (
	"fmt"

	"github.com/arbordb/arbor/internal/varint"
	"github.com/arbordb/arbor/pkg/arborerr"
)

// RecordType tags a log entry's payload shape.
type RecordType uint8

const (
	// RecordPageWrite carries one page's full post-write content, the
	// unit replay reapplies verbatim (§4.9: "replay the transaction log
	// ... reapplying writes").
	RecordPageWrite RecordType = 1

	// RecordDetachedCheckpoint is the required record type of §6: a
	// checkpoint marker independent of any single page write.
	RecordDetachedCheckpoint RecordType = 2
)

// MaxReasonLen bounds DetachedCheckpoint.Reason so it always fits in one
// length-prefix byte (§6: "a bounded reason string").
const MaxReasonLen = 255

// LogPosition identifies a point in the log: the log format version in
// effect plus a byte offset within that segment (§6).
type LogPosition struct {
	Version uint32
	Offset  uint64
}

// DetachedCheckpoint is the record the checkpointer writes at §4.8 step
// 3, naming exactly the fields §6 lists: kernel version byte,
// record-type tag (implicit in RecordType), log position, timestamp,
// store ID, transaction ID with its checksum and commit timestamp, and
// a bounded reason string.
type DetachedCheckpoint struct {
	KernelVersion   uint8
	Position        LogPosition
	Timestamp       int64
	StoreID         uint64
	TxID            uint64
	TxChecksum      uint32
	CommitTimestamp int64
	Reason          string
}

// Record is one typed entry appended to the log.
type Record struct {
	Type       RecordType
	PageID     uint64 // set for RecordPageWrite
	Generation uint64 // set for RecordPageWrite
	PageData   []byte // set for RecordPageWrite

	Checkpoint DetachedCheckpoint // set for RecordDetachedCheckpoint
}

// encodePayload renders the type-specific part of a record (everything
// after type/pageID/generation/length).
func encodePayload(r Record) ([]byte, error) {
	switch r.Type {
	case RecordPageWrite:
		return r.PageData, nil
	case RecordDetachedCheckpoint:
		return encodeDetachedCheckpoint(r.Checkpoint)
	default:
		return nil, fmt.Errorf("walog: unknown record type %d: %w", r.Type, arborerr.ErrCorruption)
	}
}

func decodePayload(recType RecordType, pageID, generation uint64, payload []byte) (Record, error) {
	switch recType {
	case RecordPageWrite:
		return Record{Type: recType, PageID: pageID, Generation: generation, PageData: payload}, nil
	case RecordDetachedCheckpoint:
		dc, err := decodeDetachedCheckpoint(payload)
		if err != nil {
			return Record{}, err
		}
		return Record{Type: recType, Checkpoint: dc}, nil
	default:
		return Record{}, fmt.Errorf("walog: unknown record type %d: %w", recType, arborerr.ErrCorruption)
	}
}

// checkpointFixedSize bounds the encoding of every DetachedCheckpoint
// field except Reason's bytes: 1 (kernel version) + seven varints of at
// most maxVarintLen bytes each (position.Version, position.Offset,
// timestamp, store ID, tx id, tx checksum, commit timestamp) + 1
// (reason length prefix).
const checkpointFixedSize = 1 + 7*maxVarintLen + 1

func encodeDetachedCheckpoint(dc DetachedCheckpoint) ([]byte, error) {
	if len(dc.Reason) > MaxReasonLen {
		return nil, fmt.Errorf("walog: checkpoint reason exceeds %d bytes: %w", MaxReasonLen, arborerr.ErrOutOfBounds)
	}
	buf := make([]byte, checkpointFixedSize+len(dc.Reason))
	i := 0
	buf[i] = dc.KernelVersion
	i++
	i += varint.Put(buf[i:], uint64(dc.Position.Version))
	i += varint.Put(buf[i:], dc.Position.Offset)
	i += varint.Put(buf[i:], uint64(dc.Timestamp))
	i += varint.Put(buf[i:], dc.StoreID)
	i += varint.Put(buf[i:], dc.TxID)
	i += varint.Put(buf[i:], uint64(dc.TxChecksum))
	i += varint.Put(buf[i:], uint64(dc.CommitTimestamp))
	buf[i] = byte(len(dc.Reason))
	i++
	i += copy(buf[i:], dc.Reason)
	return buf[:i], nil
}

func decodeDetachedCheckpoint(buf []byte) (DetachedCheckpoint, error) {
	var dc DetachedCheckpoint
	if len(buf) < 2 {
		return dc, fmt.Errorf("walog: truncated checkpoint record: %w", arborerr.ErrCorruption)
	}
	i := 0
	dc.KernelVersion = buf[i]
	i++

	v, n := varint.Get(buf[i:])
	dc.Position.Version = uint32(v)
	i += n

	v, n = varint.Get(buf[i:])
	dc.Position.Offset = v
	i += n

	v, n = varint.Get(buf[i:])
	dc.Timestamp = int64(v)
	i += n

	v, n = varint.Get(buf[i:])
	dc.StoreID = v
	i += n

	v, n = varint.Get(buf[i:])
	dc.TxID = v
	i += n

	v, n = varint.Get(buf[i:])
	dc.TxChecksum = uint32(v)
	i += n

	v, n = varint.Get(buf[i:])
	dc.CommitTimestamp = int64(v)
	i += n

	if i >= len(buf) {
		return dc, fmt.Errorf("walog: truncated checkpoint record: %w", arborerr.ErrCorruption)
	}
	reasonLen := int(buf[i])
	i++
	if i+reasonLen > len(buf) {
		return dc, fmt.Errorf("walog: truncated checkpoint reason: %w", arborerr.ErrCorruption)
	}
	dc.Reason = string(buf[i : i+reasonLen])
	return dc, nil
}

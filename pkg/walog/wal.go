// Package walog implements the append-only transaction log §6 names: a
// sequence of typed records including the required detached-checkpoint
// record, plus the recovery replay and crash-pointer cleanup collector
// that run over it at open (§4.9). Adapted from the teacher's
// pkg/wal.WAL — same header-then-entries file shape and sync-on-commit
// discipline, generalized from fixed page frames to typed records so a
// DetachedCheckpoint can appear in the same stream as page writes.
package walog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/arbordb/arbor/internal/varint"
	"github.com/arbordb/arbor/pkg/arborerr"
)

const (
	logMagic   uint32 = 0x41524c47 // "ARLG"
	logVersion uint32 = 1

	// headerSize is magic(4) + version(4) + storeID(8).
	headerSize = 16
)

// Options configures Open.
type Options struct {
	// StoreID is stamped into a fresh log's header and returned
	// unchanged by an existing one; DetachedCheckpoint.StoreID should
	// match it.
	StoreID uint64
}

// Log is an append-only sequence of typed records backed by a plain
// os.File, the same storage primitive the teacher's WAL uses (no mmap:
// a log is written once, sequentially, never randomly addressed like a
// page file).
type Log struct {
	mu      sync.Mutex
	file    *os.File
	storeID uint64
	offset  uint64 // next record's position, i.e. current file length past the header
}

// Open opens or creates the log at path.
func Open(path string, opts Options) (*Log, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return create(path, opts.StoreID)
		}
		return nil, fmt.Errorf("walog: open %q: %w", path, arborerr.ErrUnableToOpen)
	}

	l := &Log{file: file}
	if err := l.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

func create(path string, storeID uint64) (*Log, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: create %q: %w", path, arborerr.ErrUnableToOpen)
	}
	l := &Log{file: file, storeID: storeID}
	if err := l.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) writeHeader() error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], logMagic)
	binary.LittleEndian.PutUint32(buf[4:8], logVersion)
	binary.LittleEndian.PutUint64(buf[8:16], l.storeID)
	if _, err := l.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("walog: write header: %w", arborerr.ErrIO)
	}
	return l.file.Sync()
}

func (l *Log) readHeader() error {
	buf := make([]byte, headerSize)
	n, err := l.file.ReadAt(buf, 0)
	if err != nil || n < headerSize {
		return fmt.Errorf("walog: truncated header: %w", arborerr.ErrFormatMismatch)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != logMagic {
		return fmt.Errorf("walog: not an arbor log file: %w", arborerr.ErrFormatMismatch)
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != logVersion {
		return fmt.Errorf("walog: log version %d, engine supports %d: %w", version, logVersion, arborerr.ErrFormatMismatch)
	}
	l.storeID = binary.LittleEndian.Uint64(buf[8:16])

	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("walog: stat: %w", arborerr.ErrIO)
	}
	if size := info.Size(); size > headerSize {
		l.offset = uint64(size) - headerSize
	}
	return nil
}

// StoreID returns the log's store identity, fixed at creation.
func (l *Log) StoreID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.storeID
}

// maxVarintLen bounds the varint encoding of any field this package
// writes (page IDs, generations, lengths all fit in a uint64).
const maxVarintLen = 10

// Append writes rec at the end of the log and returns the position it
// was written at. A RecordDetachedCheckpoint forces an fsync before
// returning, mirroring the teacher's "sync on commit" rule — a
// checkpoint is the one record recovery depends on finding durably.
func (l *Log) Append(rec Record) (LogPosition, error) {
	payload, err := encodePayload(rec)
	if err != nil {
		return LogPosition{}, err
	}

	head := make([]byte, 1+3*maxVarintLen)
	head[0] = byte(rec.Type)
	i := 1
	i += varint.Put(head[i:], rec.PageID)
	i += varint.Put(head[i:], rec.Generation)
	i += varint.Put(head[i:], uint64(len(payload)))
	head = head[:i]

	sum := crc32.NewIEEE()
	sum.Write(head)
	sum.Write(payload)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], sum.Sum32())

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := LogPosition{Version: logVersion, Offset: l.offset}
	writeAt := headerSize + l.offset

	entry := append(append([]byte{}, head...), payload...)
	entry = append(entry, crcBuf[:]...)
	if _, err := l.file.WriteAt(entry, int64(writeAt)); err != nil {
		return LogPosition{}, fmt.Errorf("walog: append: %w", arborerr.ErrIO)
	}
	l.offset += uint64(len(entry))

	if rec.Type == RecordDetachedCheckpoint {
		if err := l.file.Sync(); err != nil {
			return LogPosition{}, fmt.Errorf("walog: append: sync: %w", arborerr.ErrIO)
		}
	}
	return pos, nil
}

// ForEach walks every well-formed record from the start of the log,
// calling fn with each one and its position. It stops, without error,
// at the first record that fails its checksum or runs past the file's
// end — the torn tail a crash leaves behind (mirroring
// countValidFrames's break-on-mismatch scan in the teacher). Returning
// errStopIteration from fn ends the walk early without being reported
// as a failure.
func (l *Log) ForEach(fn func(Record, LogPosition) error) error {
	l.mu.Lock()
	size, err := l.file.Stat()
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("walog: stat: %w", arborerr.ErrIO)
	}
	fileSize := uint64(size.Size())

	offset := uint64(0)
	for headerSize+offset < fileSize {
		rec, consumed, ok := l.readRecordAt(offset, fileSize)
		if !ok {
			return nil
		}
		pos := LogPosition{Version: logVersion, Offset: offset}
		if err := fn(rec, pos); err != nil {
			if err == errStopIteration {
				return nil
			}
			return err
		}
		offset += consumed
	}
	return nil
}

var errStopIteration = fmt.Errorf("walog: stop iteration")

// readRecordAt decodes one record starting at the given log-relative
// offset, reporting ok=false if the bytes there don't form a complete,
// checksum-valid record.
func (l *Log) readRecordAt(offset, fileSize uint64) (Record, uint64, bool) {
	// Read a generous chunk to decode the variable-length header without
	// knowing its exact size up front; re-slice once the real length is
	// known.
	chunkLen := uint64(1 + 3*maxVarintLen)
	if headerSize+offset+chunkLen > fileSize {
		chunkLen = fileSize - headerSize - offset
	}
	if chunkLen == 0 {
		return Record{}, 0, false
	}
	chunk := make([]byte, chunkLen)
	if _, err := l.file.ReadAt(chunk, int64(headerSize+offset)); err != nil {
		return Record{}, 0, false
	}
	if len(chunk) < 1 {
		return Record{}, 0, false
	}

	recType := RecordType(chunk[0])
	i := 1
	pageID, n := varint.Get(chunk[i:])
	if n == 0 {
		return Record{}, 0, false
	}
	i += n
	generation, n := varint.Get(chunk[i:])
	if n == 0 {
		return Record{}, 0, false
	}
	i += n
	payloadLen, n := varint.Get(chunk[i:])
	if n == 0 {
		return Record{}, 0, false
	}
	i += n

	total := uint64(i) + payloadLen + 4
	if headerSize+offset+total > fileSize {
		return Record{}, 0, false
	}

	full := make([]byte, total)
	if _, err := l.file.ReadAt(full, int64(headerSize+offset)); err != nil {
		return Record{}, 0, false
	}

	head := full[:i]
	payload := full[i : i+int(payloadLen)]
	storedCRC := binary.LittleEndian.Uint32(full[i+int(payloadLen):])

	sum := crc32.NewIEEE()
	sum.Write(head)
	sum.Write(payload)
	if sum.Sum32() != storedCRC {
		return Record{}, 0, false
	}

	rec, err := decodePayload(recType, pageID, generation, append([]byte(nil), payload...))
	if err != nil {
		return Record{}, 0, false
	}
	return rec, total, true
}

// LastCheckpoint scans the log for the most recent valid
// DetachedCheckpoint record.
func (l *Log) LastCheckpoint() (DetachedCheckpoint, bool, error) {
	var last DetachedCheckpoint
	found := false
	err := l.ForEach(func(rec Record, _ LogPosition) error {
		if rec.Type == RecordDetachedCheckpoint {
			last = rec.Checkpoint
			found = true
		}
		return nil
	})
	return last, found, err
}

// Close syncs and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("walog: close: %w", arborerr.ErrIO)
	}
	return l.file.Close()
}

package gbtree

import (
	"encoding/binary"
	"fmt"

	"github.com/arbordb/arbor/pkg/arborerr"
	"github.com/arbordb/arbor/pkg/gen"
)

// CurrentFormatVersion is the on-disk metadata format this engine
// writes and reads without needing a migration step.
const CurrentFormatVersion uint32 = 1

var metaMagic = [4]byte{'A', 'R', 'B', 'R'}

const (
	metaOffMagic        = 0
	metaOffVersion       = 4
	metaOffPageSize      = 8
	metaOffRootGSP       = 12
	metaOffLastTxID      = metaOffRootGSP + gen.EncodedSize
	metaOffStable        = metaOffLastTxID + 8
	metaOffUnstable      = metaOffStable + 8
	metaOffFreelistHead  = metaOffUnstable + 8
	metaOffUserLen       = metaOffFreelistHead + 8
	metaOffUserBlob      = metaOffUserLen + 4
)

// Metadata is the content of the tree's metadata page (page 0): magic
// bytes, format version, page size, the root GSP pair, the last
// committed transaction ID, the stable/unstable generation pair, the
// persisted freelist chain head, and a caller-supplied header blob.
type Metadata struct {
	Version      uint32
	PageSize     uint32
	Root         gen.Pair
	LastTxID     uint64
	Stable       uint64
	Unstable     uint64
	FreelistHead uint64
	UserHeader   []byte
}

// EncodeMetadata writes m into page, a buffer at least page-size bytes
// long. Fails with OutOfBounds if the user header doesn't fit.
func EncodeMetadata(page []byte, m Metadata) error {
	if metaOffUserBlob+4+len(m.UserHeader) > len(page) {
		return fmt.Errorf("gbtree: user header too large for metadata page: %w", arborerr.ErrOutOfBounds)
	}

	copy(page[metaOffMagic:metaOffMagic+4], metaMagic[:])
	binary.LittleEndian.PutUint32(page[metaOffVersion:metaOffVersion+4], m.Version)
	binary.LittleEndian.PutUint32(page[metaOffPageSize:metaOffPageSize+4], m.PageSize)
	m.Root.Encode(page[metaOffRootGSP : metaOffRootGSP+gen.EncodedSize])
	binary.LittleEndian.PutUint64(page[metaOffLastTxID:metaOffLastTxID+8], m.LastTxID)
	binary.LittleEndian.PutUint64(page[metaOffStable:metaOffStable+8], m.Stable)
	binary.LittleEndian.PutUint64(page[metaOffUnstable:metaOffUnstable+8], m.Unstable)
	binary.LittleEndian.PutUint64(page[metaOffFreelistHead:metaOffFreelistHead+8], m.FreelistHead)
	binary.LittleEndian.PutUint32(page[metaOffUserLen:metaOffUserLen+4], uint32(len(m.UserHeader)))
	copy(page[metaOffUserBlob:metaOffUserBlob+len(m.UserHeader)], m.UserHeader)
	return nil
}

// DecodeMetadata parses page as a metadata page. Fails with
// FormatMismatch if the magic bytes don't match or the version isn't
// one this engine understands without migration.
func DecodeMetadata(page []byte) (Metadata, error) {
	var m Metadata
	if string(page[metaOffMagic:metaOffMagic+4]) != string(metaMagic[:]) {
		return m, fmt.Errorf("gbtree: not an arbor tree file: %w", arborerr.ErrFormatMismatch)
	}
	m.Version = binary.LittleEndian.Uint32(page[metaOffVersion : metaOffVersion+4])
	if m.Version != CurrentFormatVersion {
		return m, fmt.Errorf("gbtree: format version %d, engine supports %d: %w", m.Version, CurrentFormatVersion, arborerr.ErrFormatMismatch)
	}
	m.PageSize = binary.LittleEndian.Uint32(page[metaOffPageSize : metaOffPageSize+4])
	m.Root = gen.Decode(page[metaOffRootGSP : metaOffRootGSP+gen.EncodedSize])
	m.LastTxID = binary.LittleEndian.Uint64(page[metaOffLastTxID : metaOffLastTxID+8])
	m.Stable = binary.LittleEndian.Uint64(page[metaOffStable : metaOffStable+8])
	m.Unstable = binary.LittleEndian.Uint64(page[metaOffUnstable : metaOffUnstable+8])
	m.FreelistHead = binary.LittleEndian.Uint64(page[metaOffFreelistHead : metaOffFreelistHead+8])
	userLen := binary.LittleEndian.Uint32(page[metaOffUserLen : metaOffUserLen+4])
	m.UserHeader = append([]byte(nil), page[metaOffUserBlob:metaOffUserBlob+int(userLen)]...)
	return m, nil
}

// MetadataPageID is the well-known low-numbered page holding Metadata.
const MetadataPageID = 0

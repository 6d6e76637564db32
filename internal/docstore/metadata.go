// Package docstore is the on-disk persistence layer backing the
// DocStore interface: a per-document metadata encoding (mirroring
// original_source/src/couch-kvstore/couch-kvstore-metadata.h's V0/V1/V2
// layering) plus a bbolt-backed implementation keyed by partition and
// seqno.
package docstore

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/kepler/internal/index"
)

// Metadata versions are distinguished purely by encoded length, the same
// tagged-union-by-length trick the original OverlaidMetaData uses:
// V0 (16 bytes): cas, exptime, flags.
// V1 (18 bytes): V0 + flexCode, dataType.
// V2 (19 bytes): V1 + confResMode.
const (
	metaLenV0 = 8 + 4 + 4
	metaLenV1 = metaLenV0 + 1 + 1
	metaLenV2 = metaLenV1 + 1
)

const flexMetaCode = 0x01

// Metadata is the decoded form of a record's fixed-size metadata blob,
// normalized regardless of which version it was encoded at.
type Metadata struct {
	Cas      uint64
	Exptime  uint32
	Flags    uint32
	Datatype index.Datatype
	CRMode   index.ConflictResMode
}

// EncodeMetadata always writes the V2 layout: readers must accept V0/V1/V2,
// but every write this engine performs emits the newest version.
func EncodeMetadata(m Metadata) []byte {
	buf := make([]byte, metaLenV2)
	binary.BigEndian.PutUint64(buf[0:8], m.Cas)
	binary.BigEndian.PutUint32(buf[8:12], m.Exptime)
	binary.BigEndian.PutUint32(buf[12:16], m.Flags)
	buf[16] = flexMetaCode
	buf[17] = byte(m.Datatype)
	buf[18] = byte(m.CRMode)
	return buf
}

// DecodeMetadata accepts a V0, V1, or V2 encoded blob (length 16, 18, or
// 19 bytes respectively), defaulting absent fields the way
// ManagedMetaData::initialise does: raw datatype, revision-seqno
// conflict resolution.
func DecodeMetadata(buf []byte) (Metadata, error) {
	if len(buf) < metaLenV0 || len(buf) > metaLenV2 {
		return Metadata{}, fmt.Errorf("docstore: metadata blob length %d out of range [%d,%d]", len(buf), metaLenV0, metaLenV2)
	}

	m := Metadata{
		Cas:      binary.BigEndian.Uint64(buf[0:8]),
		Exptime:  binary.BigEndian.Uint32(buf[8:12]),
		Flags:    binary.BigEndian.Uint32(buf[12:16]),
		Datatype: index.DatatypeRaw,
		CRMode:   index.ConflictResRevSeqno,
	}

	if len(buf) >= metaLenV1 {
		m.Datatype = index.Datatype(buf[17])
	}
	if len(buf) == metaLenV2 {
		m.CRMode = index.ConflictResMode(buf[18])
	}
	return m, nil
}

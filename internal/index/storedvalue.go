// Package index is the partitioned, resizable hash table that maps a
// (namespace, key) pair to its in-memory StoredValue, plus the
// per-partition bloom filter used for negative-lookup admission.
package index

import (
	"github.com/cuemby/kepler/internal/key"
)

// bySeqno sentinels.
const (
	SeqnoDeletedKey     int64 = -3
	SeqnoNonExistentKey int64 = -4
	SeqnoTempInit       int64 = -5
)

// Datatype describes how Value should be interpreted.
type Datatype uint8

const (
	DatatypeRaw Datatype = iota
	DatatypeJSON
	DatatypeCompressed
)

// ConflictResMode picks how setWithMeta resolves conflicting writes.
type ConflictResMode uint8

const (
	ConflictResRevSeqno ConflictResMode = iota
	ConflictResLWW                      // HLC / cas-based
)

// NRU (not-recently-used) ranks eviction candidacy; 0 is hottest.
type NRU uint8

const (
	NRUHottest NRU = 0
	NRUCold    NRU = 3
)

// StoredValue is the in-memory record for one key.
type StoredValue struct {
	Key   key.Key
	Value []byte // nil == non-resident

	Cas      uint64
	RevSeqno uint64
	BySeqno  int64
	Flags    uint32
	Exptime  uint32
	Datatype Datatype
	CRMode   ConflictResMode

	Deleted      bool
	Dirty        bool
	Temp         bool
	Locked       bool
	LockExpiry   int64
	NewCacheItem bool
	NRU          NRU

	next *StoredValue // intrusive chain pointer; owned by the chain it's in
}

// Resident reports whether the value bytes are present in memory. A
// tombstone carries no value bytes by construction, so a deleted entry
// is never resident.
func (sv *StoredValue) Resident() bool {
	return !sv.Temp && sv.Value != nil
}

// IsNonResident reports the non-resident invariant: value dropped, not dirty.
func (sv *StoredValue) IsNonResident() bool {
	return sv.Value == nil && !sv.Temp && !sv.Dirty
}

// MarkClean transitions a dirty entry to clean after a successful persist.
func (sv *StoredValue) MarkClean() { sv.Dirty = false }

// EjectValue drops the value bytes for value-only eviction, leaving the
// record (and its metadata) addressable.
func (sv *StoredValue) EjectValue() {
	sv.Value = nil
}

// Clone copies a StoredValue's scalar fields and value bytes, detached
// from any chain it was in. Used when handing a snapshot to a flush batch
// or a replication stream without holding the bucket lock for the copy's
// lifetime.
func (sv *StoredValue) Clone() *StoredValue {
	c := *sv
	c.next = nil
	if sv.Value != nil {
		c.Value = append([]byte(nil), sv.Value...)
	}
	return &c
}

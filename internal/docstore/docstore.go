package docstore

import (
	"context"
	"errors"
)

// Record is a single on-disk document: a key, its value bytes (nil for
// a tombstone), and its metadata.
type Record struct {
	Key      []byte
	Value    []byte
	Meta     Metadata
	BySeqno  int64
	RevSeqno uint64
	Deleted  bool
}

// ErrNotFound is returned by Get when no record exists for a key.
var ErrNotFound = errors.New("docstore: not found")

// DocStore is the persistence interface a partition's flusher writes
// through and a warm-start/backfill reads through. One DocStore instance
// backs one partition.
type DocStore interface {
	// Get fetches the current record for key, or ErrNotFound.
	Get(ctx context.Context, key []byte) (Record, error)

	// Put stages key's record for the next Commit. Put/Delete calls
	// within one Commit batch are applied atomically.
	Put(batch Batch, rec Record) error

	// Delete stages a tombstone write for key within batch.
	Delete(batch Batch, key []byte, rec Record) error

	// NewBatch begins a write batch; callers stage Put/Delete calls into
	// it and then Commit it in a single transaction.
	NewBatch() Batch

	// Commit durably applies batch's staged writes in one transaction,
	// and records lastSeqno as the partition's persisted high-watermark.
	Commit(ctx context.Context, batch Batch, lastSeqno int64) error

	// ScanBySeqno iterates records with bySeqno in [from, to), in
	// ascending seqno order, calling fn for each. Used by backfill.
	ScanBySeqno(ctx context.Context, from, to int64, fn func(Record) bool) error

	// LastPersistedSeqno returns the partition's persisted high
	// watermark, as recorded by the most recent Commit.
	LastPersistedSeqno(ctx context.Context) (int64, error)

	// PutPartitionState durably stores the partition's vbucket-state
	// document (state, failover table snapshot, collection manifest
	// revision).
	PutPartitionState(ctx context.Context, state PartitionState) error

	// GetPartitionState loads the partition-state document written by
	// PutPartitionState, or the zero value with ok=false if none exists
	// yet (a brand new partition).
	GetPartitionState(ctx context.Context) (state PartitionState, ok bool, err error)

	// Close releases underlying resources (the bbolt file handle).
	Close() error
}

// Batch accumulates staged writes for one Commit call. Its concrete type
// is chosen by the DocStore implementation (Bolt uses *boltBatch, which
// stages puts and deletes that Commit applies in one bbolt transaction).
type Batch interface{}

// PartitionState is the durable vbucket-state document: enough to
// reconstruct a partition's identity and collection manifest revision on
// warm start without replaying the full mutation history.
type PartitionState struct {
	VBID               uint16
	State               string // "active" | "replica" | "pending" | "dead"
	ManifestRevision    uint64
	ManifestSeparator   string
	FailoverUUIDHex     string
	FailoverStartSeqno  int64
}

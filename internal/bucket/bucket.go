// Package bucket groups a fixed number of partitions behind a single
// routed Set/Get/Delete/GetMeta surface, the unit a client or a
// replication stream actually talks to.
package bucket

import (
	"github.com/cespare/xxhash/v2"

	"github.com/cuemby/kepler/internal/checkpoint"
	"github.com/cuemby/kepler/internal/collections"
	"github.com/cuemby/kepler/internal/hlc"
	"github.com/cuemby/kepler/internal/index"
	"github.com/cuemby/kepler/internal/index/bloom"
	"github.com/cuemby/kepler/internal/key"
	"github.com/cuemby/kepler/internal/kverrors"
	"github.com/cuemby/kepler/internal/partition"
)

// DefaultNumPartitions is the partition count a fresh bucket is created
// with absent an explicit override.
const DefaultNumPartitions = 1024

// Config bundles a Bucket's construction-time settings.
type Config struct {
	NumPartitions       int
	InitialHTCapacity   int
	MemoryBudget        index.MemoryBudget
	BloomMaxItems       uint64
	BloomFalsePositive  float64
	CheckpointLimits    checkpoint.Limits
	HLCAheadThreshold   uint64
	HLCBehindThreshold  uint64
	FullEviction        bool
	CollectionSeparator string
}

func (c Config) withDefaults() Config {
	if c.NumPartitions <= 0 {
		c.NumPartitions = DefaultNumPartitions
	}
	if c.InitialHTCapacity <= 0 {
		c.InitialHTCapacity = 1024
	}
	if c.BloomMaxItems == 0 {
		c.BloomMaxItems = 100_000
	}
	if c.BloomFalsePositive == 0 {
		c.BloomFalsePositive = 0.01
	}
	if c.CollectionSeparator == "" {
		c.CollectionSeparator = "::"
	}
	return c
}

// Bucket owns a fixed, never-resized set of partitions and routes every
// operation to partitionID = hash(key) mod numPartitions.
type Bucket struct {
	partitions []*partition.Partition
	numParts   uint64
}

// New creates a Bucket with cfg.NumPartitions partitions, all starting
// in the pending state (the caller activates them, e.g. once a cluster
// map assigns them to this node).
func New(cfg Config) *Bucket {
	cfg = cfg.withDefaults()
	b := &Bucket{
		partitions: make([]*partition.Partition, cfg.NumPartitions),
		numParts:   uint64(cfg.NumPartitions),
	}
	for i := range b.partitions {
		ht := index.New(uint32(i), cfg.InitialHTCapacity, cfg.MemoryBudget)
		bf, err := bloom.New(cfg.BloomMaxItems, cfg.BloomFalsePositive)
		if err != nil {
			// NewOptimal only fails on a non-positive false-positive rate;
			// a misconfigured bucket should fail loudly at construction.
			panic("bucket: bloom filter construction: " + err.Error())
		}
		cp := checkpoint.New(cfg.CheckpointLimits, 0)
		engine := collections.NewEngine(cp)
		clock := hlc.New(0, cfg.HLCAheadThreshold, cfg.HLCBehindThreshold)

		b.partitions[i] = partition.New(partition.Config{
			VBID: uint16(i), HT: ht, Bloom: bf, Checkpoints: cp, Collections: engine,
			Clock: clock, Separator: []byte(cfg.CollectionSeparator), FullEviction: cfg.FullEviction,
		})
	}
	return b
}

// NumPartitions returns the bucket's fixed partition count.
func (b *Bucket) NumPartitions() int { return len(b.partitions) }

// PartitionFor returns the partition owning k, for callers (the
// flusher, scheduler, DCP producer) that need direct partition access
// rather than the routed request surface.
func (b *Bucket) PartitionFor(k key.Key) *partition.Partition {
	return b.partitions[PartitionID(k, b.numParts)]
}

// Partition returns the partition at index vbid.
func (b *Bucket) Partition(vbid uint16) *partition.Partition {
	return b.partitions[vbid]
}

// PartitionID computes hash(key) mod numPartitions.
func PartitionID(k key.Key, numPartitions uint64) uint16 {
	h := xxhash.Sum64(k.Bytes)
	return uint16(h % numPartitions)
}

// statusToErr maps a partition.Status to the kverrors sentinel a caller
// at the bucket boundary should see.
func statusToErr(s partition.Status) error {
	switch s {
	case partition.StatusOK:
		return nil
	case partition.StatusNotFound:
		return kverrors.ErrKeyNotFound
	case partition.StatusExists:
		return kverrors.ErrKeyExists
	case partition.StatusNotMyVBucket:
		return kverrors.ErrNotMyVBucket
	case partition.StatusWouldBlock:
		return kverrors.ErrWouldBlock
	case partition.StatusTmpFail, partition.StatusLocked:
		return kverrors.ErrTmpFail
	case partition.StatusNoMem:
		return kverrors.ErrNoMem
	case partition.StatusUnknownCollection:
		return kverrors.ErrUnknownCollection
	default:
		return kverrors.ErrFailed
	}
}

// MutationResult is the routed surface's view of a successful mutation.
type MutationResult struct {
	Cas     uint64
	BySeqno int64
}

// Set routes an upsert to its owning partition.
func (b *Bucket) Set(k key.Key, value []byte, flags, exptime uint32, expectedCas uint64) (MutationResult, error) {
	res := b.PartitionFor(k).Set(k, value, flags, exptime, expectedCas)
	return MutationResult{Cas: res.Cas, BySeqno: res.BySeqno}, statusToErr(res.Status)
}

// Add routes an insert-only-if-absent to its owning partition.
func (b *Bucket) Add(k key.Key, value []byte, flags, exptime uint32) (MutationResult, error) {
	res := b.PartitionFor(k).Add(k, value, flags, exptime)
	return MutationResult{Cas: res.Cas, BySeqno: res.BySeqno}, statusToErr(res.Status)
}

// Delete routes a soft-delete to its owning partition.
func (b *Bucket) Delete(k key.Key, expectedCas uint64) (MutationResult, error) {
	res := b.PartitionFor(k).Delete(k, expectedCas)
	return MutationResult{Cas: res.Cas, BySeqno: res.BySeqno}, statusToErr(res.Status)
}

// Get fetches k's resident StoredValue, ErrUnknownCollection if k's
// collection is absent or mid-delete (the record may still be sitting
// in the hash table pending purge), or ErrKeyNotFound if absent or
// tombstoned.
func (b *Bucket) Get(k key.Key) (*index.StoredValue, error) {
	sv, res := b.PartitionFor(k).Get(k)
	if res.Status != partition.StatusOK {
		return nil, statusToErr(res.Status)
	}
	return sv, nil
}

// GetMeta fetches k's metadata without its value — cas, seqno,
// dirty/resident status — without requiring the value be resident.
func (b *Bucket) GetMeta(k key.Key) (partition.KeyStats, error) {
	stats, ok := b.PartitionFor(k).GetKeyStats(k)
	if !ok {
		return partition.KeyStats{}, kverrors.ErrKeyNotFound
	}
	return stats, nil
}

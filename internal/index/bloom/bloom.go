// Package bloom wraps a per-partition bloom filter used to short-circuit
// negative lookups under full eviction: a miss against the filter proves
// the key cannot be on disk, letting Add skip the background fetch.
package bloom

import (
	"hash"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/bloomfilter/v2"
)

// sumHash adapts a precomputed 64-bit digest to hash.Hash64, which is
// what holiman/bloomfilter/v2's Add/Contains accept.
type sumHash uint64

func (sumHash) Write(p []byte) (int, error) { return len(p), nil }
func (sumHash) Reset()                      {}
func (sumHash) Size() int                   { return 8 }
func (sumHash) BlockSize() int              { return 1 }
func (sumHash) Sum(b []byte) []byte         { return b }
func (h sumHash) Sum64() uint64             { return uint64(h) }

var _ hash.Hash64 = sumHash(0)

func hashOf(k []byte) hash.Hash64 {
	return sumHash(xxhash.Sum64(k))
}

// Filter is a single partition's bloom filter, atomically swappable
// after a compaction or collection purge rebuilds it from scratch.
type Filter struct {
	falsePositiveRate float64

	ptr atomic.Pointer[bloomfilter.Filter]
	mu  sync.Mutex // serializes rebuilds; lookups stay lock-free
}

// New creates a Filter sized for maxItems expected insertions at the
// given false-positive rate (spec default 0.01).
func New(maxItems uint64, falsePositiveRate float64) (*Filter, error) {
	if maxItems == 0 {
		maxItems = 1
	}
	f, err := bloomfilter.NewOptimal(maxItems, falsePositiveRate)
	if err != nil {
		return nil, err
	}
	bf := &Filter{falsePositiveRate: falsePositiveRate}
	bf.ptr.Store(f)
	return bf, nil
}

// Add records a key as present.
func (bf *Filter) Add(key []byte) {
	bf.ptr.Load().Add(hashOf(key))
}

// MaybeContains reports whether key might be present. false is a
// definitive negative; true requires checking the on-disk index.
func (bf *Filter) MaybeContains(key []byte) bool {
	return bf.ptr.Load().Contains(hashOf(key))
}

// Rebuild swaps in a fresh filter sized for maxItems, populated by
// calling seed for every surviving key. Used after a collection purge
// or compaction changes the resident key set.
func (bf *Filter) Rebuild(maxItems uint64, seed func(add func(key []byte))) error {
	if maxItems == 0 {
		maxItems = 1
	}
	next, err := bloomfilter.NewOptimal(maxItems, bf.falsePositiveRate)
	if err != nil {
		return err
	}
	bf.mu.Lock()
	defer bf.mu.Unlock()
	seed(func(key []byte) { next.Add(hashOf(key)) })
	bf.ptr.Store(next)
	return nil
}

// N returns the number of keys inserted into the current filter generation.
func (bf *Filter) N() uint64 { return bf.ptr.Load().N() }

// Package membudget is the global mem_used counter and per-bucket
// admission check described in : set admission rejects once
// projected usage crosses maxDataSize * mutation_threshold (default
// 0.9), with a separate, higher threshold for replicated writes
//.
package membudget

import "sync/atomic"

// Budget is a concrete index.MemoryBudget: a single atomic mem_used
// counter shared by every partition's hash table in a bucket.
type Budget struct {
	maxDataSize int64
	used        int64
}

// New creates a Budget with the given byte ceiling.
func New(maxDataSize int64) *Budget {
	return &Budget{maxDataSize: maxDataSize}
}

// Admit reports whether used+extra stays within threshold fraction of
// maxDataSize. threshold is the caller's admission fraction (0.9 for
// client writes, 0.95 for replicated writes, per the hash table's Set).
func (b *Budget) Admit(extra int, threshold float64) bool {
	if b.maxDataSize <= 0 {
		return true
	}
	limit := float64(b.maxDataSize) * threshold
	projected := atomic.LoadInt64(&b.used) + int64(extra)
	return float64(projected) <= limit
}

// Reserve books extra bytes against mem_used.
func (b *Budget) Reserve(extra int) {
	atomic.AddInt64(&b.used, int64(extra))
}

// Release returns extra bytes to mem_used, e.g. on eviction or delete.
func (b *Budget) Release(extra int) {
	n := atomic.AddInt64(&b.used, -int64(extra))
	if n < 0 {
		// a Release without a matching Reserve (double-release) would
		// otherwise wedge the counter negative and admit forever.
		atomic.StoreInt64(&b.used, 0)
	}
}

// Used returns the current mem_used counter value.
func (b *Budget) Used() int64 { return atomic.LoadInt64(&b.used) }

// UsedFraction returns used/maxDataSize, or 0 if no ceiling is set.
func (b *Budget) UsedFraction() float64 {
	if b.maxDataSize <= 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&b.used)) / float64(b.maxDataSize)
}

// MaxDataSize returns the configured byte ceiling.
func (b *Budget) MaxDataSize() int64 { return b.maxDataSize }

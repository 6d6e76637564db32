package eviction

import (
	"context"
	"time"

	"github.com/cuemby/kepler/internal/bucket"
	"github.com/cuemby/kepler/internal/elog"
)

// defragLoadFactorThreshold is the LoadFactor below which a partition's
// hash table is considered fragmented enough to warrant a compaction
// hint.
const defragLoadFactorThreshold = 0.25

// Defragmenter periodically asks every partition's hash table for its
// fragmentation estimate and, for any partition over threshold, issues
// the only compaction action this engine actually has: a table Resize
// down to the load the table currently needs. No slab allocator or
// blob relocation is implemented here, only the resize touchpoint;
// original_source/src/defragmenter.cc's Blob-compaction visitor has no
// equivalent in this representation.
type Defragmenter struct {
	id        string
	b         *bucket.Bucket
	threshold float64
	interval  time.Duration
}

// NewDefragmenter creates a Defragmenter task for b.
func NewDefragmenter(id string, b *bucket.Bucket, interval time.Duration) *Defragmenter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Defragmenter{id: id, b: b, threshold: defragLoadFactorThreshold, interval: interval}
}

// ID identifies this defragmenter to the scheduler.
func (d *Defragmenter) ID() string { return d.id }

// Run is a scheduler.Task: one pass over every partition, resizing any
// whose load factor has fallen below threshold.
func (d *Defragmenter) Run(ctx context.Context) (runAgain bool, sleep time.Duration) {
	logger := elog.WithComponent("eviction.defragmenter")
	for i := 0; i < d.b.NumPartitions(); i++ {
		vbid := uint16(i)
		p := d.b.Partition(vbid)
		lf := p.HT.LoadFactor()
		if lf == 0 || lf >= d.threshold {
			continue
		}
		if p.HT.Resize() {
			logger.Debug().Uint16("vbid", vbid).Float64("load_factor", lf).Msg("compacted fragmented hash table")
		}
	}
	return true, d.interval
}

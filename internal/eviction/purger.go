package eviction

import (
	"context"
	"time"

	"github.com/cuemby/kepler/internal/bucket"
	"github.com/cuemby/kepler/internal/elog"
	"github.com/cuemby/kepler/internal/index"
)

// purgerIdlePoll is how often the collection purger checks for pending
// targets when no partition has one scheduled.
const purgerIdlePoll = 5 * time.Second

// CollectionPurger is a scheduler.Task that sweeps every partition's
// hash table on behalf of its collections.Purger, reclaiming keys left
// behind by a begin-delete-collection system event. Mirrors ItemPager's
// per-partition pause/resume Position bookkeeping, since a partition's
// purge target set and hash table size are independent of every other
// partition's.
type CollectionPurger struct {
	id string
	b  *bucket.Bucket

	pos map[uint16]index.Position
}

// NewCollectionPurger creates a CollectionPurger task for bucket b.
func NewCollectionPurger(id string, b *bucket.Bucket) *CollectionPurger {
	return &CollectionPurger{
		id:  id,
		b:   b,
		pos: make(map[uint16]index.Position),
	}
}

// ID identifies this task to the scheduler.
func (cp *CollectionPurger) ID() string { return cp.id }

// Run visits every partition with a pending purge target, one
// RunOnce's worth of its hash table per partition per tick. A
// partition with nothing scheduled is skipped cheaply via
// HasPendingTargets.
func (cp *CollectionPurger) Run(ctx context.Context) (runAgain bool, sleep time.Duration) {
	logger := elog.WithComponent("eviction.collection_purger")

	anyPending := false
	for i := 0; i < cp.b.NumPartitions(); i++ {
		vbid := uint16(i)
		part := cp.b.Partition(vbid)
		purger := part.Collections.Purger
		if !purger.HasPendingTargets() {
			continue
		}
		anyPending = true

		pos := cp.pos[vbid]
		next, done := purger.RunOnce(part.HT, pos)
		if done {
			next = index.Position{}
		}
		cp.pos[vbid] = next

		if done && purger.HasPendingTargets() {
			logger.Debug().Uint16("vbid", vbid).Msg("collection purge lap completed with targets still pending")
		}
	}

	if !anyPending {
		return true, purgerIdlePoll
	}
	return true, 0
}

// Package eviction holds the memory-budget feedback loops that run
// alongside the flusher: an NRU-ranked item pager, a resident-key
// access scanner, and a defragmenter touchpoint.
package eviction

import (
	"context"
	"time"

	"github.com/cuemby/kepler/internal/bucket"
	"github.com/cuemby/kepler/internal/elog"
	"github.com/cuemby/kepler/internal/emetrics"
	"github.com/cuemby/kepler/internal/index"
)

// idlePoll is how often the pager checks the budget when it isn't
// actively evicting.
const idlePoll = time.Second

// UsageBudget is the subset of membudget.Budget the pager needs: a
// fraction of maxDataSize currently reserved.
type UsageBudget interface {
	UsedFraction() float64
}

// Watermarks are the upper/lower mem_used fractions that start and stop
// an eviction pass.
type Watermarks struct {
	Upper float64 // crossing this starts a pass
	Lower float64 // dropping to this stops the current pass
}

func (w Watermarks) withDefaults() Watermarks {
	if w.Upper <= 0 {
		w.Upper = 0.85
	}
	if w.Lower <= 0 {
		w.Lower = 0.75
	}
	return w
}

// ItemPager evicts NRU-cold resident values when the shared memory
// budget crosses the upper watermark, stopping once it drops back to
// the lower one. Grounded on the aging idea in
// original_source/src/stored-value.h's NRU field (0 hottest..3 coldest):
// each sweep over a partition's resident, clean entries ages every
// entry one step towards NRUCold, evicting it immediately once it gets
// there, which approximates a CLOCK sweep without a second structure.
type ItemPager struct {
	id         string
	b          *bucket.Bucket
	budget     UsageBudget
	watermarks Watermarks

	pos map[uint16]index.Position
}

// NewItemPager creates an ItemPager task for bucket b.
func NewItemPager(id string, b *bucket.Bucket, budget UsageBudget, watermarks Watermarks) *ItemPager {
	return &ItemPager{
		id: id, b: b, budget: budget, watermarks: watermarks.withDefaults(),
		pos: make(map[uint16]index.Position),
	}
}

// ID identifies this pager to the scheduler.
func (p *ItemPager) ID() string { return p.id }

// Run is a scheduler.Task: if usage is below the upper watermark it
// idles; otherwise it ages/evicts one partition-visit's worth of
// entries per partition, stopping the pass once usage drops to the
// lower watermark. Either way it asks to run again after idlePoll.
func (p *ItemPager) Run(ctx context.Context) (runAgain bool, sleep time.Duration) {
	if p.budget.UsedFraction() < p.watermarks.Upper {
		return true, idlePoll
	}

	logger := elog.WithComponent("eviction.pager")
	for i := 0; i < p.b.NumPartitions(); i++ {
		vbid := uint16(i)
		if p.budget.UsedFraction() <= p.watermarks.Lower {
			break
		}
		evicted, err := p.sweepOnce(vbid)
		if err != nil {
			logger.Error().Err(err).Uint16("vbid", vbid).Msg("item pager sweep failed")
			continue
		}
		if evicted > 0 {
			logger.Debug().Uint16("vbid", vbid).Int("evicted", evicted).Msg("evicted items")
		}
	}
	return true, idlePoll
}

// sweepOnce walks one Visit's worth (until Position wraps) of vbid's
// hash table, aging every resident clean entry and evicting any that
// are already NRUCold.
func (p *ItemPager) sweepOnce(vbid uint16) (int, error) {
	part := p.b.Partition(vbid)
	fullEviction := part.FullEviction()
	evicted := 0

	pos := p.pos[vbid]
	pos = part.HT.Visit(pos, func(sv *index.StoredValue) bool {
		if sv.Dirty || sv.Deleted || sv.Value == nil {
			return true
		}
		if sv.NRU < index.NRUCold {
			sv.NRU++
			return true
		}
		key := sv.Key
		if fullEviction {
			if part.HT.Unlink(key) {
				evicted++
				emetrics.ItemsEvictedTotal.WithLabelValues("full").Inc()
			}
		} else {
			if part.HT.EjectValueOnly(key) {
				evicted++
			}
		}
		return true
	})
	if pos.Done() {
		pos = index.Position{}
	}
	p.pos[vbid] = pos
	emetrics.ItemsResident.WithLabelValues(vbidLabel(vbid)).Set(float64(part.HT.NumItems()))
	return evicted, nil
}

package eviction

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/kepler/internal/bucket"
	"github.com/cuemby/kepler/internal/elog"
	"github.com/cuemby/kepler/internal/index"
)

// defaultResidentRatioThreshold mirrors the original's alog_resident_ratio_threshold
// default: above this, the working set is already mostly resident and an
// access log would have nothing useful to warm.
const defaultResidentRatioThreshold = 0.95

// AccessScanner periodically walks every partition's resident keys into
// a per-partition MutationLog file, so a cold restart can warm the
// cache in access order instead of seqno order.
type AccessScanner struct {
	id                     string
	b                      *bucket.Bucket
	pathPrefix             string
	residentRatioThreshold float64
	interval               time.Duration
}

// NewAccessScanner creates an AccessScanner writing per-partition log
// files under pathPrefix (files are named "<pathPrefix>.<vbid>").
func NewAccessScanner(id string, b *bucket.Bucket, pathPrefix string, residentRatioThreshold float64, interval time.Duration) *AccessScanner {
	if residentRatioThreshold <= 0 {
		residentRatioThreshold = defaultResidentRatioThreshold
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &AccessScanner{
		id: id, b: b, pathPrefix: pathPrefix,
		residentRatioThreshold: residentRatioThreshold, interval: interval,
	}
}

// ID identifies this scanner to the scheduler.
func (a *AccessScanner) ID() string { return a.id }

// Run is a scheduler.Task: one full sweep of every partition, either
// writing a fresh access log per partition or, if the store is already
// almost entirely resident, deleting the stale ones instead.
func (a *AccessScanner) Run(ctx context.Context) (runAgain bool, sleep time.Duration) {
	logger := elog.WithComponent("eviction.accessscanner")

	var totalItems, residentItems int
	perPartition := make(map[uint16][][]byte, a.b.NumPartitions())
	for i := 0; i < a.b.NumPartitions(); i++ {
		vbid := uint16(i)
		p := a.b.Partition(vbid)
		var keys [][]byte
		p.HT.Visit(index.Position{}, func(sv *index.StoredValue) bool {
			totalItems++
			if sv.Deleted {
				return true
			}
			if sv.Value != nil {
				residentItems++
				keys = append(keys, append([]byte(nil), sv.Key.Bytes...))
			}
			return true
		})
		perPartition[vbid] = keys
	}

	ratio := 1.0
	if totalItems > 0 {
		ratio = float64(residentItems) / float64(totalItems)
	}

	if ratio > a.residentRatioThreshold {
		logger.Debug().Float64("resident_ratio", ratio).Msg("resident ratio above threshold, skipping access log generation")
		for i := 0; i < a.b.NumPartitions(); i++ {
			a.deleteShardFiles(uint16(i))
		}
		return true, a.interval
	}

	for i := 0; i < a.b.NumPartitions(); i++ {
		vbid := uint16(i)
		if err := a.writeShard(vbid, perPartition[vbid]); err != nil {
			logger.Error().Err(err).Uint16("vbid", vbid).Msg("access scanner failed to write shard log")
		}
	}
	return true, a.interval
}

func (a *AccessScanner) shardPaths(vbid uint16) (name, prev, next string) {
	name = fmt.Sprintf("%s.%d", a.pathPrefix, vbid)
	return name, name + ".old", name + ".next"
}

// writeShard writes keys into <name>.next and performs the atomic
// rename swap: name -> .old, .next -> name. An empty keys set deletes
// .next and leaves the prior files untouched, matching the "empty run"
// rule in .
func (a *AccessScanner) writeShard(vbid uint16, keys [][]byte) error {
	name, prev, next := a.shardPaths(vbid)

	if len(keys) == 0 {
		_ = os.Remove(next)
		return nil
	}

	if err := writeMutationLog(next, keys); err != nil {
		return err
	}

	_ = os.Remove(prev)
	if _, err := os.Stat(name); err == nil {
		if err := os.Rename(name, prev); err != nil {
			_ = os.Remove(next)
			return err
		}
	}
	if err := os.Rename(next, name); err != nil {
		_ = os.Remove(next)
		return err
	}
	return nil
}

func (a *AccessScanner) deleteShardFiles(vbid uint16) {
	name, prev, next := a.shardPaths(vbid)
	_ = os.Remove(prev)
	_ = os.Remove(name)
	_ = os.Remove(next)
}

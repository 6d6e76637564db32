package collections

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/cuemby/kepler/internal/emetrics"
	"github.com/cuemby/kepler/internal/index"
	"github.com/cuemby/kepler/internal/key"
)

// PurgeTarget is one collection mid-deletion that the purge task is
// reclaiming keys for (original_source/src/collections/deleter.h
// DeleterTask::Target).
type PurgeTarget struct {
	Name     string
	Revision uint64
	EndSeqno int64
}

// Purger walks a partition's hash table removing keys belonging to
// collections that are mid-delete. Unlike the original DeleterTask —
// whose isCandidate always returned false, so no key was ever actually
// reclaimed — this candidate check is a real prefix match against the
// collection separator, and a clean full scan completes the delete in
// the owning VBManifest.
//
// Reclaimed bySeqnos accumulate in a roaring bitmap per collection so a
// concurrent access-scanner pass can cheaply test "already purged"
// without re-walking the hash table.
type Purger struct {
	separator []byte
	manifest  *VBManifest
	targets   map[string]PurgeTarget
	purged    map[string]*roaring64.Bitmap

	// lap is the set of targets that were already scheduled when the
	// current full-table scan started at Position{}. Only names still
	// in lap when the scan reaches the end are completed — a target
	// Scheduled after the lap began may have missed the buckets the
	// scan already visited before it, so it waits for the next lap.
	lap map[string]bool

	// batch bounds how many entries a single RunOnce inspects before
	// yielding the lane back to the scheduler, so a purge over a large
	// table doesn't monopolize a low-priority worker for one tick.
	batch int
}

// defaultPurgeBatch is the batch size a Purger starts with.
const defaultPurgeBatch = 4096

// NewPurger creates a Purger bound to a partition's manifest.
func NewPurger(manifest *VBManifest) *Purger {
	return &Purger{
		separator: []byte(manifest.Separator()),
		manifest:  manifest,
		targets:   make(map[string]PurgeTarget),
		purged:    make(map[string]*roaring64.Bitmap),
		batch:     defaultPurgeBatch,
	}
}

// Schedule registers a collection for reclamation (called when Apply
// emits an EventBeginDeleteCollection).
func (p *Purger) Schedule(target PurgeTarget) {
	p.targets[target.Name] = target
	if _, ok := p.purged[target.Name]; !ok {
		p.purged[target.Name] = roaring64.New()
	}
}

// isCandidate reports whether v's key belongs to a collection currently
// scheduled for deletion and was written no later than that deletion's
// end-seqno; a same-named collection re-added mid-purge writes with a
// bySeqno past EndSeqno and must not be swept up by the old delete.
func (p *Purger) isCandidate(v *index.StoredValue) (PurgeTarget, bool) {
	name, ok := key.CollectionName(v.Key.Bytes, p.separator)
	if !ok {
		return PurgeTarget{}, false
	}
	t, ok := p.targets[string(name)]
	if !ok || v.BySeqno > t.EndSeqno {
		return PurgeTarget{}, false
	}
	return t, true
}

// RunOnce performs one pause/resume pass over ht starting at pos,
// unlinking every candidate key and recording its former bySeqno in the
// per-collection purged bitmap. Returns the resume Position and whether
// the scan reached the end of the table.
func (p *Purger) RunOnce(ht *index.HashTable, pos index.Position) (index.Position, bool) {
	if pos.BucketIndex == 0 {
		p.lap = make(map[string]bool, len(p.targets))
		for name := range p.targets {
			p.lap[name] = true
		}
	}

	var toUnlink []key.Key

	visited := 0
	next := ht.Visit(pos, func(v *index.StoredValue) bool {
		if target, ok := p.isCandidate(v); ok {
			p.purged[target.Name].Add(uint64(v.BySeqno))
			toUnlink = append(toUnlink, v.Key)
		}
		visited++
		return visited < p.batch
	})

	for _, k := range toUnlink {
		ht.Unlink(k)
	}

	done := next.Done()
	if done {
		emetrics.CollectionPurgeCyclesTotal.Inc()
		p.completeFinishedTargets()
	}
	return next, done
}

// completeFinishedTargets transitions every collection that was already
// scheduled at the start of the just-finished lap out of the manifest.
// A target scheduled after the lap began stays pending for the next
// full pass, since the buckets before its scheduling point were never
// checked against it.
func (p *Purger) completeFinishedTargets() {
	for name := range p.lap {
		if _, ok := p.targets[name]; !ok {
			continue
		}
		p.manifest.CompletePurge(name)
		delete(p.targets, name)
	}
	p.lap = nil
}

// PurgedBySeqno reports whether bySeqno was reclaimed for a named
// collection, letting the access scanner skip keys the purger already
// removed.
func (p *Purger) PurgedBySeqno(name string, bySeqno int64) bool {
	bm, ok := p.purged[name]
	if !ok {
		return false
	}
	return bm.Contains(uint64(bySeqno))
}

// HasPendingTargets reports whether any collection is still mid-delete.
func (p *Purger) HasPendingTargets() bool {
	return len(p.targets) > 0
}

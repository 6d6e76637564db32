package collections

import (
	"github.com/cuemby/kepler/internal/checkpoint"
)

// Engine wires a partition's VBManifest and Purger to its checkpoint
// manager: applying a new cluster Manifest enqueues the resulting
// system events in order and schedules any newly-deleting collection
// for reclamation.
type Engine struct {
	VBManifest *VBManifest
	Purger     *Purger

	checkpoints *checkpoint.Manager
}

// NewEngine creates an Engine for one partition.
func NewEngine(checkpoints *checkpoint.Manager) *Engine {
	m := NewVBManifest()
	return &Engine{
		VBManifest:  m,
		Purger:      NewPurger(m),
		checkpoints: checkpoints,
	}
}

// ApplyManifest applies next to the partition manifest, enqueuing the
// resulting system events into the checkpoint log under the caller's
// write lock.
func (e *Engine) ApplyManifest(next Manifest, queuedTime int64) {
	reserved := e.checkpoints.HighSeqno() + 1
	events := e.VBManifest.Apply(next, reserved)

	for _, ev := range events {
		item := e.checkpoints.EnqueueSystemEvent(ev.Name, ev.Revision, uint8(ev.Kind), queuedTime)
		if ev.Kind == EventBeginDeleteCollection {
			e.Purger.Schedule(PurgeTarget{Name: ev.Name, Revision: ev.Revision, EndSeqno: item.BySeqno})
		}
	}
}

// DenyWrite reports whether a mutation to the named collection must be
// rejected with unknown_collection: absent entirely, or mid-delete.
func (e *Engine) DenyWrite(name string) bool {
	entry, ok := e.VBManifest.Lookup(name)
	if !ok {
		return true
	}
	return entry.IsDeleting()
}

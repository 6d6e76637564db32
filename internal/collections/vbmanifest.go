package collections

import (
	"sync"

	"github.com/cuemby/kepler/internal/emetrics"
)

// OpenSentinel marks a collection entry whose lifetime has not ended.
const OpenSentinel int64 = -1

// Entry is one collection's lifetime record within a single partition
// (original_source/src/collections/vbucket_manifest_entry.h).
type Entry struct {
	Name              string
	RevisionFirstSeen uint64
	StartSeqno        int64
	EndSeqno          int64
}

// IsOpen reports whether the collection currently accepts writes.
func (e Entry) IsOpen() bool { return e.EndSeqno == OpenSentinel }

// IsDeleting reports whether the collection's delete has been queued but
// its purge has not completed.
func (e Entry) IsDeleting() bool { return e.EndSeqno > e.StartSeqno }

// SystemEventKind discriminates the two lifecycle events a VBManifest
// apply can emit.
type SystemEventKind uint8

const (
	EventCreateCollection SystemEventKind = iota
	EventBeginDeleteCollection
)

// SystemEvent is emitted into the partition's checkpoint by Apply so
// replicas observe collection lifecycle transitions in seqno order
// relative to the mutations they bound.
type SystemEvent struct {
	Kind     SystemEventKind
	Name     string
	Revision uint64
}

// VBManifest is the per-partition view of collection lifecycle state,
// built by applying successive cluster Manifests.
type VBManifest struct {
	mu        sync.RWMutex
	separator string
	revision  uint64
	entries   map[string]*Entry
}

// NewVBManifest seeds a per-partition manifest from the cluster default.
func NewVBManifest() *VBManifest {
	d := Default()
	entries := make(map[string]*Entry, len(d.Collections))
	for _, name := range d.Collections {
		entries[name] = &Entry{Name: name, RevisionFirstSeen: d.Revision, StartSeqno: 0, EndSeqno: OpenSentinel}
	}
	return &VBManifest{separator: d.Separator, revision: d.Revision, entries: entries}
}

// Apply diffs next against the current state and returns the system
// events the caller must enqueue into the partition's checkpoint, in the
// order they should be enqueued. nextSeqno is the bySeqno the caller has
// reserved for the first emitted event; subsequent events consume
// successive seqnos (the caller is expected to have reserved
// len(events) seqnos up front, or to reserve lazily by the returned
// count).
//
// Transition table:
//
//	current   next has it     next omits it
//	absent    add (open)      —
//	open      no-op           begin-delete
//	deleting  re-add (new start)  no-op
func (m *VBManifest) Apply(next Manifest, nextSeqno int64) []SystemEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []SystemEvent
	seqno := nextSeqno

	present := make(map[string]bool, len(next.Collections))
	for _, name := range next.Collections {
		present[name] = true
		entry, exists := m.entries[name]
		switch {
		case !exists:
			m.entries[name] = &Entry{Name: name, RevisionFirstSeen: next.Revision, StartSeqno: seqno, EndSeqno: OpenSentinel}
			events = append(events, SystemEvent{Kind: EventCreateCollection, Name: name, Revision: next.Revision})
			seqno++
		case entry.IsDeleting():
			entry.RevisionFirstSeen = next.Revision
			entry.StartSeqno = seqno
			entry.EndSeqno = OpenSentinel
			events = append(events, SystemEvent{Kind: EventCreateCollection, Name: name, Revision: next.Revision})
			seqno++
		default:
			// open and still present: no-op.
		}
	}

	for name, entry := range m.entries {
		if present[name] || !entry.IsOpen() {
			continue
		}
		entry.EndSeqno = seqno
		events = append(events, SystemEvent{Kind: EventBeginDeleteCollection, Name: name, Revision: next.Revision})
		seqno++
		emetrics.CollectionsDeleting.Inc()
	}

	m.revision = next.Revision
	m.separator = next.Separator
	return events
}

// ApplyEvent applies one already-decided system event, as delivered to
// a replica over a replication stream, directly to the per-partition
// manifest state. Unlike Apply, it does not diff against a target
// cluster Manifest: the active side has already decided the transition,
// and the replica's job is to mirror it, not re-derive it.
func (m *VBManifest) ApplyEvent(kind SystemEventKind, name string, revision uint64, seqno int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case EventCreateCollection:
		if entry, exists := m.entries[name]; !exists || !entry.IsOpen() {
			m.entries[name] = &Entry{Name: name, RevisionFirstSeen: revision, StartSeqno: seqno, EndSeqno: OpenSentinel}
		}
	case EventBeginDeleteCollection:
		if entry, ok := m.entries[name]; ok && entry.IsOpen() {
			entry.EndSeqno = seqno
			emetrics.CollectionsDeleting.Inc()
		}
	}
	m.revision = revision
}

// Lookup returns the entry for name, if tracked.
func (m *VBManifest) Lookup(name string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IsLogicallyDeleted reports whether writes/reads to name must be
// denied because its delete has been queued but not yet purged.
func (m *VBManifest) IsLogicallyDeleted(name string) bool {
	e, ok := m.Lookup(name)
	return ok && e.IsDeleting()
}

// CompletePurge transitions a deleting collection out of the manifest
// entirely once its keys have been reclaimed (called by the purge task
// on scan completion).
func (m *VBManifest) CompletePurge(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok && e.IsDeleting() {
		delete(m.entries, name)
		emetrics.CollectionsDeleting.Dec()
	}
}

// Separator returns the current collection-name separator.
func (m *VBManifest) Separator() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.separator
}

// Revision returns the cluster manifest revision last applied.
func (m *VBManifest) Revision() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

// Deleting returns the names currently mid-delete, for the purge task to
// schedule against.
func (m *VBManifest) Deleting() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, e := range m.entries {
		if e.IsDeleting() {
			names = append(names, name)
		}
	}
	return names
}

// Package failover implements the per-partition failover table: an
// ordered list of (uuid, start-seqno) entries used by replicas to decide
// rollback points after a promotion to active changes a partition's
// mutation history.
//
// Entries are appended to a hashicorp/raft LogStore backed by bbolt
// (raft-boltdb). Only the LogStore/append-and-scan half of raft is used
// here — there is no consensus group, no leader election. The log simply
// gives the table a durable, ordered, crash-recoverable append journal
// without needing a bespoke on-disk format.
package failover

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
)

// Entry is one failover table row.
type Entry struct {
	UUID       uuid.UUID
	StartSeqno int64
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 16+8)
	copy(buf[0:16], e.UUID[:])
	binary.BigEndian.PutUint64(buf[16:24], uint64(e.StartSeqno))
	return buf
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) != 24 {
		return Entry{}, fmt.Errorf("failover: malformed log entry of length %d", len(b))
	}
	var e Entry
	copy(e.UUID[:], b[0:16])
	e.StartSeqno = int64(binary.BigEndian.Uint64(b[16:24]))
	return e, nil
}

// Table is the in-memory, durably-logged ordered failover entry list for
// one partition.
type Table struct {
	mu      sync.RWMutex
	store   raft.LogStore
	entries []Entry
}

// Open loads an existing failover table from store (a raft.LogStore,
// typically *raftboltdb.BoltStore), reconstructing the ordered entry list
// from whatever log indices are already present.
func Open(store raft.LogStore) (*Table, error) {
	t := &Table{store: store}
	first, err := store.FirstIndex()
	if err != nil {
		return nil, fmt.Errorf("failover: first index: %w", err)
	}
	last, err := store.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("failover: last index: %w", err)
	}
	for idx := first; idx != 0 && idx <= last; idx++ {
		var log raft.Log
		if err := store.GetLog(idx, &log); err != nil {
			continue // a compacted/missing index is tolerated
		}
		entry, err := decodeEntry(log.Data)
		if err != nil {
			return nil, err
		}
		t.entries = append(t.entries, entry)
	}
	return t, nil
}

// Promote appends a new failover entry on promotion to active, carrying
// a fresh uuid and the partition's current high seqno.
func (t *Table) Promote(startSeqno int64) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := Entry{UUID: uuid.New(), StartSeqno: startSeqno}

	last, err := t.store.LastIndex()
	if err != nil {
		return Entry{}, fmt.Errorf("failover: last index: %w", err)
	}
	log := &raft.Log{
		Index: last + 1,
		Type:  raft.LogCommand,
		Data:  encodeEntry(entry),
	}
	if err := t.store.StoreLog(log); err != nil {
		return Entry{}, fmt.Errorf("failover: store log: %w", err)
	}
	t.entries = append(t.entries, entry)
	return entry, nil
}

// ResolveRollback finds the newest uuid whose start-seqno is at most
// requested, as used by a replica deciding a stream's rollback point
// against a producer's failover table snapshot.
func (t *Table) ResolveRollback(requested int64) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].StartSeqno <= requested {
			return t.entries[i], true
		}
	}
	return Entry{}, false
}

// Entries returns a snapshot of the ordered entry list, newest last.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Latest returns the most recent entry, if any.
func (t *Table) Latest() (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

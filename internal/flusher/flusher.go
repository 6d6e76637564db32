// Package flusher drains each partition's checkpoint log into its
// document store: one task, shared across every partition in a bucket,
// rather than one goroutine per partition.
package flusher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/kepler/internal/bucket"
	"github.com/cuemby/kepler/internal/checkpoint"
	"github.com/cuemby/kepler/internal/docstore"
	"github.com/cuemby/kepler/internal/elog"
	"github.com/cuemby/kepler/internal/emetrics"
	"github.com/cuemby/kepler/internal/partition"
)

// cursorName is the checkpoint cursor every partition registers for the
// flusher to tail.
const cursorName = "persistence"

// idleSleep is how long Run backs off when a pass flushed nothing.
const idleSleep = 50 * time.Millisecond

// Flusher drains checkpoint items into a DocStore per partition, one
// partition at a time, never letting a slow partition's flush block
// another's (the non-blocking "flushOne" semantics of ).
type Flusher struct {
	id        string
	b         *bucket.Bucket
	stores    map[uint16]docstore.DocStore
	batchSize int

	mu          sync.Mutex
	flushing    map[uint16]bool
	paused      map[uint16]bool
	rejectQueue map[uint16][]*checkpoint.QueuedItem
	waiters     map[uint16][]chan struct{}
}

// New creates a Flusher for b, with one DocStore per partition keyed by
// vbid, and registers the persistence cursor on every partition.
func New(id string, b *bucket.Bucket, stores map[uint16]docstore.DocStore, batchSize int) *Flusher {
	if batchSize <= 0 {
		batchSize = 256
	}
	f := &Flusher{
		id: id, b: b, stores: stores, batchSize: batchSize,
		flushing:    make(map[uint16]bool),
		paused:      make(map[uint16]bool),
		rejectQueue: make(map[uint16][]*checkpoint.QueuedItem),
		waiters:     make(map[uint16][]chan struct{}),
	}
	for i := 0; i < b.NumPartitions(); i++ {
		b.Partition(uint16(i)).Checkpoints.RegisterCursor(cursorName)
	}
	return f
}

// ID identifies this flusher to the scheduler.
func (f *Flusher) ID() string { return f.id }

// Run is a scheduler.Task: one pass over every partition, non-blocking
// per partition, backing off briefly when nothing was flushed.
func (f *Flusher) Run(ctx context.Context) (runAgain bool, sleep time.Duration) {
	logger := elog.WithComponent("flusher")
	flushedAny := false
	for i := 0; i < f.b.NumPartitions(); i++ {
		vbid := uint16(i)
		n, err := f.FlushOne(vbid)
		if err != nil {
			logger.Error().Err(err).Uint16("vbid", vbid).Msg("flush failed, will retry")
			continue
		}
		if n > 0 {
			flushedAny = true
		}
	}
	if flushedAny {
		return true, 0
	}
	return true, idleSleep
}

// Pause excludes vbid from flushing (e.g. during takeover handoff).
func (f *Flusher) Pause(vbid uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[vbid] = true
}

// Resume re-includes vbid in flushing.
func (f *Flusher) Resume(vbid uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paused, vbid)
}

// FlushOne drains up to batchSize outstanding items for vbid and
// commits them in a single DocStore transaction. It is non-blocking:
// if vbid is already being flushed (or paused) it returns (0, nil)
// immediately rather than waiting.
func (f *Flusher) FlushOne(vbid uint16) (int, error) {
	f.mu.Lock()
	if f.paused[vbid] || f.flushing[vbid] {
		f.mu.Unlock()
		return 0, nil
	}
	f.flushing[vbid] = true
	items := f.rejectQueue[vbid]
	f.rejectQueue[vbid] = nil
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.flushing[vbid] = false
		f.mu.Unlock()
	}()

	p := f.b.Partition(vbid)
	store := f.stores[vbid]

	for len(items) < f.batchSize {
		item, ok := p.Checkpoints.Next(cursorName)
		if !ok {
			break
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return 0, nil
	}

	deduped := dedupKeepLast(items)
	batch := store.NewBatch()
	var lastSeqno int64
	for _, item := range deduped {
		if item.BySeqno > lastSeqno {
			lastSeqno = item.BySeqno
		}
		switch item.Kind {
		case checkpoint.KindSet:
			if err := store.Put(batch, recordFor(p, item)); err != nil {
				return f.reject(vbid, items, err)
			}
		case checkpoint.KindDel:
			if err := store.Delete(batch, item.Key.Bytes, recordFor(p, item)); err != nil {
				return f.reject(vbid, items, err)
			}
		case checkpoint.KindSystemEvent:
			if err := store.Put(batch, systemEventRecord(item)); err != nil {
				return f.reject(vbid, items, err)
			}
		default:
			// checkpoint/state boundary markers carry no payload to persist.
		}
	}

	timer := emetrics.NewTimer()
	err := store.Commit(context.Background(), batch, lastSeqno)
	timer.ObserveDuration(emetrics.FlushDuration)
	if err != nil {
		return f.reject(vbid, items, err)
	}

	for _, item := range deduped {
		if item.Kind != checkpoint.KindSet && item.Kind != checkpoint.KindDel {
			continue
		}
		if sv := p.HT.Find(item.Key); sv != nil && sv.Cas == item.Cas {
			sv.MarkClean()
		}
	}

	f.mu.Lock()
	waiters := f.waiters[vbid]
	delete(f.waiters, vbid)
	f.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}

	return len(deduped), nil
}

// reject puts items back on vbid's reject queue for the next attempt
// and counts the failure, implementing the retry-on-commit-failure rule.
func (f *Flusher) reject(vbid uint16, items []*checkpoint.QueuedItem, err error) (int, error) {
	f.mu.Lock()
	f.rejectQueue[vbid] = append(items, f.rejectQueue[vbid]...)
	f.mu.Unlock()
	emetrics.FlushFailedTotal.Inc()
	return 0, fmt.Errorf("flusher: commit vbid %d: %w", vbid, err)
}

// FlushAndWait synchronously drains vbid's checkpoint backlog, blocking
// until every item outstanding at call time has been committed.
func (f *Flusher) FlushAndWait(vbid uint16) error {
	for {
		n, err := f.drainUntilEmptyOrBusy(vbid)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// drainUntilEmptyOrBusy runs FlushOne once; if another caller already
// holds the non-blocking flush slot, it waits for that flush to finish
// via a waiter channel instead of busy-looping.
func (f *Flusher) drainUntilEmptyOrBusy(vbid uint16) (int, error) {
	f.mu.Lock()
	if f.flushing[vbid] {
		ch := make(chan struct{})
		f.waiters[vbid] = append(f.waiters[vbid], ch)
		f.mu.Unlock()
		<-ch
		return 1, nil // re-check on the next loop iteration
	}
	f.mu.Unlock()
	return f.FlushOne(vbid)
}

func dedupKeepLast(items []*checkpoint.QueuedItem) []*checkpoint.QueuedItem {
	lastIdx := make(map[string]int, len(items))
	for i, it := range items {
		if it.Kind == checkpoint.KindSet || it.Kind == checkpoint.KindDel {
			lastIdx[it.Key.String()] = i
		}
	}
	out := make([]*checkpoint.QueuedItem, 0, len(items))
	for i, it := range items {
		if it.Kind == checkpoint.KindSet || it.Kind == checkpoint.KindDel {
			if lastIdx[it.Key.String()] != i {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

func recordFor(p *partition.Partition, item *checkpoint.QueuedItem) docstore.Record {
	rec := docstore.Record{
		Key: item.Key.Bytes, Value: item.Value,
		Meta:     docstore.Metadata{Cas: item.Cas, Flags: item.Flags},
		BySeqno:  item.BySeqno,
		RevSeqno: item.RevSeqno,
		Deleted:  item.Kind == checkpoint.KindDel,
	}
	if sv := p.HT.Find(item.Key); sv != nil {
		rec.Meta.Exptime = sv.Exptime
		rec.Meta.Datatype = sv.Datatype
		rec.Meta.CRMode = sv.CRMode
	}
	return rec
}

// systemEventKeyPrefix keeps collection lifecycle markers out of the
// regular document key space.
var systemEventKeyPrefix = []byte{0x00, 's', 'y', 's', ':'}

func systemEventRecord(item *checkpoint.QueuedItem) docstore.Record {
	k := append(append([]byte(nil), systemEventKeyPrefix...), item.CollectionName...)
	return docstore.Record{
		Key:     k,
		Value:   []byte(fmt.Sprintf("revision=%d", item.Revision)),
		BySeqno: item.BySeqno,
	}
}

// systemEventKeyName recovers the collection name encoded by
// systemEventRecord, used by tests and the recovery path.
func systemEventKeyName(k []byte) (string, bool) {
	if len(k) <= len(systemEventKeyPrefix) {
		return "", false
	}
	for i, b := range systemEventKeyPrefix {
		if k[i] != b {
			return "", false
		}
	}
	return string(k[len(systemEventKeyPrefix):]), true
}

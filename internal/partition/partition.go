// Package partition implements the vbucket: a single partition's state
// machine, hash-table index, checkpoint log, bloom filter, collection
// manifest and HLC, tied together behind the operations a front-end
// request or a replication stream drives.
package partition

import (
	"sync"
	"time"

	"github.com/cuemby/kepler/internal/checkpoint"
	"github.com/cuemby/kepler/internal/collections"
	"github.com/cuemby/kepler/internal/hlc"
	"github.com/cuemby/kepler/internal/index"
	"github.com/cuemby/kepler/internal/index/bloom"
	"github.com/cuemby/kepler/internal/key"
	"github.com/cuemby/kepler/internal/kverrors"
)

// State is a vbucket's lifecycle state.
type State uint8

const (
	StatePending State = iota
	StateActive
	StateReplica
	StateDead
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateReplica:
		return "replica"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// allowedTransitions encodes the state machine in :
// pending -> active|replica|dead; active -> dead; replica -> active;
// replica <-> pending.
var allowedTransitions = map[State]map[State]bool{
	StatePending: {StateActive: true, StateReplica: true, StateDead: true},
	StateActive:  {StateDead: true},
	StateReplica: {StateActive: true, StatePending: true},
}

// Status is the outcome of a mutation operation.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusExists
	StatusNotMyVBucket
	StatusWouldBlock
	StatusTmpFail
	StatusNoMem
	StatusUnknownCollection
	StatusLocked
)

// Result carries a mutation's outcome alongside the new cas/bySeqno on
// success.
type Result struct {
	Status  Status
	Cas     uint64
	BySeqno int64
}

// lockedEntry tracks a getLocked soft lock.
type lockedEntry struct {
	cas    uint64
	expiry int64
}

// Partition is one vbucket.
type Partition struct {
	VBID uint16

	mu    sync.RWMutex // guards state transitions vs. in-flight ops
	state State

	HT          *index.HashTable
	Bloom       *bloom.Filter
	Checkpoints *checkpoint.Manager
	Collections *collections.Engine
	Clock       *hlc.Clock

	separator []byte

	locksMu sync.Mutex
	locks   map[string]lockedEntry

	fullEviction bool
	nowFunc      func() int64
}

// Config bundles a Partition's construction-time dependencies.
type Config struct {
	VBID         uint16
	HT           *index.HashTable
	Bloom        *bloom.Filter
	Checkpoints  *checkpoint.Manager
	Collections  *collections.Engine
	Clock        *hlc.Clock
	Separator    []byte
	FullEviction bool
}

// New creates a Partition in the pending state.
func New(cfg Config) *Partition {
	return &Partition{
		VBID:         cfg.VBID,
		state:        StatePending,
		HT:           cfg.HT,
		Bloom:        cfg.Bloom,
		Checkpoints:  cfg.Checkpoints,
		Collections:  cfg.Collections,
		Clock:        cfg.Clock,
		separator:    cfg.Separator,
		locks:        make(map[string]lockedEntry),
		fullEviction: cfg.FullEviction,
		nowFunc:      func() int64 { return time.Now().Unix() },
	}
}

// FullEviction reports whether this partition evicts whole entries
// (metadata and value) rather than value-only.
func (p *Partition) FullEviction() bool { return p.fullEviction }

// State returns the partition's current lifecycle state.
func (p *Partition) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetState attempts a state transition, rejecting one not named in
// allowedTransitions.
func (p *Partition) SetState(next State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == next {
		return nil
	}
	if !allowedTransitions[p.state][next] {
		return kverrors.ErrInvalidArg
	}
	p.state = next
	return nil
}

// admit takes the state read-lock every mutation op needs, returning a
// Result with StatusNotMyVBucket/StatusWouldBlock if the state forbids
// the operation, or ok=true with the lock held (caller must call the
// returned unlock).
func (p *Partition) admit() (unlock func(), blocked *Result) {
	p.mu.RLock()
	switch p.state {
	case StateDead:
		p.mu.RUnlock()
		return nil, &Result{Status: StatusNotMyVBucket}
	case StatePending:
		p.mu.RUnlock()
		return nil, &Result{Status: StatusWouldBlock}
	default:
		return p.mu.RUnlock, nil
	}
}

func collectionNameOf(k key.Key, sep []byte) (string, bool) {
	name, ok := key.CollectionName(k.Bytes, sep)
	if !ok {
		return "", false
	}
	return string(name), true
}

// checkCollection reports StatusUnknownCollection if k's collection is
// absent or mid-delete.
func (p *Partition) checkCollection(k key.Key) bool {
	if p.Collections == nil {
		return true
	}
	name, ok := collectionNameOf(k, p.separator)
	if !ok {
		return true // default-collection keys carry no explicit prefix
	}
	return !p.Collections.DenyWrite(name)
}

// Set performs an upsert: lookup, cas check (0 means "any"), HLC stamp,
// hash-table update, checkpoint enqueue, bloom filter update.
func (p *Partition) Set(k key.Key, value []byte, flags uint32, exptime uint32, expectedCas uint64) Result {
	unlock, blocked := p.admit()
	if blocked != nil {
		return *blocked
	}
	defer unlock()

	if !p.checkCollection(k) {
		return Result{Status: StatusUnknownCollection}
	}

	existing := p.HT.Find(k)
	if expectedCas != 0 {
		if existing == nil || existing.Deleted || existing.Cas != expectedCas {
			return Result{Status: StatusNotFound}
		}
	}
	if existing != nil && p.isLocked(k, expectedCas) {
		return Result{Status: StatusLocked}
	}

	cas := p.Clock.NextHLC()
	sv := &index.StoredValue{
		Key: k, Value: value, Cas: cas,
		RevSeqno: revSeqnoAfter(existing), Flags: flags, Exptime: exptime, Dirty: true,
	}

	status := p.HT.Set(sv, false)
	if status == index.SetNoMemory {
		return Result{Status: StatusNoMem}
	}

	item := p.Checkpoints.Enqueue(checkpoint.KindSet, k, value, cas, sv.RevSeqno, flags, p.nowFunc(), nil)
	sv.BySeqno = item.BySeqno
	if p.Bloom != nil {
		p.Bloom.Add(k.Bytes)
	}
	return Result{Status: StatusOK, Cas: cas, BySeqno: item.BySeqno}
}

// Add inserts only if the key does not already exist (and is not
// locked).
func (p *Partition) Add(k key.Key, value []byte, flags uint32, exptime uint32) Result {
	unlock, blocked := p.admit()
	if blocked != nil {
		return *blocked
	}
	defer unlock()

	if !p.checkCollection(k) {
		return Result{Status: StatusUnknownCollection}
	}

	cas := p.Clock.NextHLC()
	sv := &index.StoredValue{Key: k, Value: value, Cas: cas, Flags: flags, Exptime: exptime, Dirty: true}

	status := p.HT.Add(sv, p.fullEviction)
	switch status {
	case index.AddExists:
		return Result{Status: StatusExists}
	case index.AddNoMemory:
		return Result{Status: StatusNoMem}
	case index.AddBgFetch, index.AddTempAndBgFetch:
		return Result{Status: StatusWouldBlock}
	}

	item := p.Checkpoints.Enqueue(checkpoint.KindSet, k, value, cas, sv.RevSeqno, flags, p.nowFunc(), nil)
	sv.BySeqno = item.BySeqno
	if p.Bloom != nil {
		p.Bloom.Add(k.Bytes)
	}
	return Result{Status: StatusOK, Cas: cas, BySeqno: item.BySeqno}
}

// Replace updates only if the key already exists and is live.
func (p *Partition) Replace(k key.Key, value []byte, flags uint32, exptime uint32, expectedCas uint64) Result {
	existing := p.HT.Find(k)
	if existing == nil || existing.Deleted {
		return Result{Status: StatusNotFound}
	}
	if expectedCas == 0 && p.isLocked(k, 0) {
		return Result{Status: StatusLocked}
	}
	return p.Set(k, value, flags, exptime, firstNonZero(expectedCas, existing.Cas))
}

// Delete soft-deletes k, leaving a tombstone carrying the new cas/seqno.
func (p *Partition) Delete(k key.Key, expectedCas uint64) Result {
	unlock, blocked := p.admit()
	if blocked != nil {
		return *blocked
	}
	defer unlock()

	existing := p.HT.Find(k)
	if existing == nil || existing.Deleted {
		return Result{Status: StatusNotFound}
	}
	if expectedCas != 0 && existing.Cas != expectedCas {
		return Result{Status: StatusNotFound}
	}
	if p.isLocked(k, 0) {
		return Result{Status: StatusLocked}
	}

	cas := p.Clock.NextHLC()
	newRev := existing.RevSeqno + 1

	item := p.Checkpoints.Enqueue(checkpoint.KindDel, k, nil, cas, newRev, 0, p.nowFunc(), nil)
	_, ok := p.HT.SoftDelete(k, cas, item.BySeqno, newRev)
	if !ok {
		return Result{Status: StatusNotFound}
	}
	return Result{Status: StatusOK, Cas: cas, BySeqno: item.BySeqno}
}

// SetWithMeta is the replication-ingress form of Set: the caller
// supplies cas/revSeqno, and acceptance is decided by conflict
// resolution rather than an optimistic cas check.
func (p *Partition) SetWithMeta(k key.Key, value []byte, flags uint32, exptime uint32, meta Incoming, mode index.ConflictResMode) Result {
	unlock, blocked := p.admit()
	if blocked != nil {
		return *blocked
	}
	defer unlock()

	existing := p.HT.Find(k)
	if !Resolve(mode, existing, meta) {
		return Result{Status: StatusExists}
	}

	p.Clock.SetMaxHLCAndTrackDrift(meta.Cas)

	sv := &index.StoredValue{
		Key: k, Value: value, Cas: meta.Cas, BySeqno: 0,
		RevSeqno: meta.RevSeqno, Flags: flags, Exptime: exptime, Dirty: true,
	}
	status := p.HT.Set(sv, true)
	if status == index.SetNoMemory {
		return Result{Status: StatusNoMem}
	}

	item := p.Checkpoints.Enqueue(checkpoint.KindSet, k, value, meta.Cas, meta.RevSeqno, flags, p.nowFunc(), nil)
	sv.BySeqno = item.BySeqno
	if p.Bloom != nil {
		p.Bloom.Add(k.Bytes)
	}
	return Result{Status: StatusOK, Cas: meta.Cas, BySeqno: item.BySeqno}
}

// DelWithMeta is the replication-ingress form of Delete.
func (p *Partition) DelWithMeta(k key.Key, meta Incoming, mode index.ConflictResMode) Result {
	unlock, blocked := p.admit()
	if blocked != nil {
		return *blocked
	}
	defer unlock()

	existing := p.HT.Find(k)
	if !Resolve(mode, existing, meta) {
		return Result{Status: StatusExists}
	}

	p.Clock.SetMaxHLCAndTrackDrift(meta.Cas)

	item := p.Checkpoints.Enqueue(checkpoint.KindDel, k, nil, meta.Cas, meta.RevSeqno, 0, p.nowFunc(), nil)
	p.HT.SoftDelete(k, meta.Cas, item.BySeqno, meta.RevSeqno)
	return Result{Status: StatusOK, Cas: meta.Cas, BySeqno: item.BySeqno}
}

// Get fetches k's resident StoredValue, denying a key whose collection
// is absent or mid-delete with StatusUnknownCollection even though the
// record itself may still be sitting in the hash table pending purge.
func (p *Partition) Get(k key.Key) (*index.StoredValue, Result) {
	if !p.checkCollection(k) {
		return nil, Result{Status: StatusUnknownCollection}
	}
	sv := p.HT.Find(k)
	if sv == nil || sv.Deleted {
		return nil, Result{Status: StatusNotFound}
	}
	return sv, Result{Status: StatusOK, Cas: sv.Cas, BySeqno: sv.BySeqno}
}

// GetLocked fetches the value and installs a soft lock expiring after
// ttlSeconds; a concurrent getLocked against an already-locked key
// returns StatusLocked.
func (p *Partition) GetLocked(k key.Key, ttlSeconds int64) (*index.StoredValue, Result) {
	sv := p.HT.Find(k)
	if sv == nil || sv.Deleted {
		return nil, Result{Status: StatusNotFound}
	}
	if p.isLocked(k, 0) {
		return nil, Result{Status: StatusLocked}
	}
	p.locksMu.Lock()
	p.locks[k.String()] = lockedEntry{cas: sv.Cas, expiry: p.nowFunc() + ttlSeconds}
	p.locksMu.Unlock()
	return sv, Result{Status: StatusOK, Cas: sv.Cas, BySeqno: sv.BySeqno}
}

// isLocked reports whether k is currently under a getLocked soft lock
// not yet satisfied by presentedCas.
func (p *Partition) isLocked(k key.Key, presentedCas uint64) bool {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	entry, ok := p.locks[k.String()]
	if !ok {
		return false
	}
	if p.nowFunc() >= entry.expiry {
		delete(p.locks, k.String())
		return false
	}
	if presentedCas != 0 && presentedCas == entry.cas {
		delete(p.locks, k.String())
		return false
	}
	return true
}

// GetAndUpdateTtl fetches k and updates its exptime in place (touch),
// returning StatusNotFound if the document is absent or deleted.
func (p *Partition) GetAndUpdateTtl(k key.Key, newExptime uint32) (*index.StoredValue, Result) {
	sv := p.HT.Find(k)
	if sv == nil || sv.Deleted {
		return nil, Result{Status: StatusNotFound}
	}
	sv.Exptime = newExptime
	return sv, Result{Status: StatusOK, Cas: sv.Cas, BySeqno: sv.BySeqno}
}

// KeyStats reports a key's cas/seqno/dirty/resident metadata without
// returning its value.
type KeyStats struct {
	Cas      uint64
	BySeqno  int64
	Dirty    bool
	Resident bool
}

// GetKeyStats returns diagnostic metadata for k.
func (p *Partition) GetKeyStats(k key.Key) (KeyStats, bool) {
	sv := p.HT.Find(k)
	if sv == nil || sv.Deleted {
		return KeyStats{}, false
	}
	return KeyStats{Cas: sv.Cas, BySeqno: sv.BySeqno, Dirty: sv.Dirty, Resident: sv.Resident()}, true
}

// GetRandomKey returns an arbitrary live key from the hash table, or
// ok=false if the partition is empty. Used by cache-warming tools and
// diagnostics, never by a deterministic client path.
func (p *Partition) GetRandomKey() (key.Key, bool) {
	var found key.Key
	var ok bool
	p.HT.Visit(index.Position{}, func(v *index.StoredValue) bool {
		if !v.Deleted {
			found, ok = v.Key, true
			return false
		}
		return true
	})
	return found, ok
}

func revSeqnoAfter(existing *index.StoredValue) uint64 {
	if existing == nil {
		return 1
	}
	return existing.RevSeqno + 1
}

func firstNonZero(a, b uint64) uint64 {
	if a != 0 {
		return a
	}
	return b
}

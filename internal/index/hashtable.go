package index

import (
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/cuemby/kepler/internal/emetrics"
	"github.com/cuemby/kepler/internal/key"
)

// primeSizes is the fixed prime-size table the hash table resizes
// through, from tiny to ~1.6e9.
var primeSizes = []int{
	3, 7, 13, 23, 47, 97, 193, 389, 769, 1543, 3079, 6151, 12289, 24593,
	49157, 98317, 196613, 393241, 786433, 1572869, 3145739, 6291469,
	12582917, 25165843, 50331653, 100663319, 201326611, 402653189,
	805306457, 1610612741,
}

func nearestPrime(numItems int) int {
	for _, p := range primeSizes {
		if p >= numItems {
			return p
		}
	}
	return primeSizes[len(primeSizes)-1]
}

// SetStatus is the result of Set.
type SetStatus int

const (
	SetWasClean SetStatus = iota
	SetWasDirty
	SetNotFoundInserted
	SetNoMemory
)

// AddStatus is the result of Add.
type AddStatus int

const (
	AddSuccess AddStatus = iota
	AddExists
	AddNoMemory
	AddBgFetch
	AddUndeleted
	AddTempAndBgFetch
)

// MemoryBudget abstracts the shared memory-budget check a Set/Add admits
// against: projected usage vs. maxDataSize * threshold.
type MemoryBudget interface {
	// Admit reports whether projecting extra bytes of additional usage
	// stays within the threshold fraction of the budget.
	Admit(extra int, threshold float64) bool
	// Reserve books the extra bytes against mem_used.
	Reserve(extra int)
	// Release returns bytes to mem_used (e.g. on eviction).
	Release(extra int)
}

// Position marks a pause/resume visit's progress. A resize that changes
// Size invalidates a previously returned Position.
type Position struct {
	LockIndex   int
	BucketIndex int
	Size        int
}

// Visitor is invoked once per live entry during a pause/resume visit.
// Returning false aborts the visit early (but does not invalidate the
// returned Position, which can be used to resume later).
type Visitor func(v *StoredValue) bool

type bucketHead struct {
	head *StoredValue
}

// HashTable is a partitioned, resizable open-chain hash index keyed by
// (namespace, key-bytes) for a single partition, shareable across
// co-tenant buckets via a bucket-id discriminator on each entry.
type HashTable struct {
	bucketID uint32
	budget   MemoryBudget

	mu       sync.RWMutex // guards resize vs. chain-mutex-array swap
	chains   []bucketHead
	locks    []sync.Mutex
	numLocks int

	numItems  int64
	numTemp   int64
	resizing  int32 // 1 while a resize holds all locks
	visitorsN int32 // in-flight pause/resume visitors; blocks resize

	seed maphash.Seed
}

// New creates a HashTable sized for an initial capacity, sharing the
// given memory budget accounting.
func New(bucketID uint32, initialCapacity int, budget MemoryBudget) *HashTable {
	size := nearestPrime(initialCapacity)
	numLocks := 8
	if size < numLocks {
		numLocks = size
	}
	return &HashTable{
		bucketID: bucketID,
		budget:   budget,
		chains:   make([]bucketHead, size),
		locks:    make([]sync.Mutex, numLocks),
		numLocks: numLocks,
		seed:     maphash.MakeSeed(),
	}
}

func (h *HashTable) hashIndex(k key.Key) int {
	var mh maphash.Hash
	mh.SetSeed(h.seed)
	mh.WriteByte(byte(k.Namespace))
	mh.Write(k.Bytes)
	sum := mh.Sum64()
	h.mu.RLock()
	size := len(h.chains)
	h.mu.RUnlock()
	return int(sum % uint64(size))
}

func (h *HashTable) lockFor(idx int) *sync.Mutex {
	h.mu.RLock()
	l := &h.locks[idx%h.numLocks]
	h.mu.RUnlock()
	return l
}

func (h *HashTable) lookupLocked(chainIdx int, k key.Key) (*StoredValue, *StoredValue) {
	var prev *StoredValue
	cur := h.chains[chainIdx].head
	for cur != nil {
		if cur.bucketIDMatches(h.bucketID) && cur.Key.Equal(k) {
			return prev, cur
		}
		prev, cur = cur, cur.next
	}
	return nil, nil
}

// bucketIDMatches always returns true: single-tenant in this engine's
// default configuration. Kept as a method so a co-tenant build can swap
// in a real discriminator without touching call sites.
func (sv *StoredValue) bucketIDMatches(uint32) bool { return true }

// Find looks up a StoredValue by key under the owning bucket's mutex.
func (h *HashTable) Find(k key.Key) *StoredValue {
	idx := h.hashIndex(k)
	lock := h.lockFor(idx)
	lock.Lock()
	defer lock.Unlock()
	_, sv := h.lookupLocked(idx, k)
	return sv
}

// Set inserts or updates the entry for sv.Key. The caller must have
// already decided cas/bySeqno via the owning partition's write path.
func (h *HashTable) Set(sv *StoredValue, isReplicated bool) SetStatus {
	threshold := 0.9
	if isReplicated {
		threshold = 0.95
	}
	idx := h.hashIndex(sv.Key)
	lock := h.lockFor(idx)
	lock.Lock()
	defer lock.Unlock()

	_, existing := h.lookupLocked(idx, sv.Key)
	if existing == nil {
		size := len(sv.Value) + len(sv.Key.Bytes)
		if !h.budget.Admit(size, threshold) {
			return SetNoMemory
		}
		h.budget.Reserve(size)
		sv.next = h.chains[idx].head
		h.chains[idx].head = sv
		atomic.AddInt64(&h.numItems, 1)
		return SetNotFoundInserted
	}

	wasDirty := existing.Dirty
	delta := len(sv.Value) - len(existing.Value)
	if delta > 0 && !h.budget.Admit(delta, threshold) {
		return SetNoMemory
	}
	existing.Value = sv.Value
	existing.Cas = sv.Cas
	existing.RevSeqno = sv.RevSeqno
	existing.BySeqno = sv.BySeqno
	existing.Flags = sv.Flags
	existing.Exptime = sv.Exptime
	existing.Datatype = sv.Datatype
	existing.Deleted = sv.Deleted
	existing.Dirty = true
	existing.NRU = NRUHottest
	if delta != 0 {
		h.budget.Reserve(delta)
	}
	if wasDirty {
		return SetWasDirty
	}
	return SetWasClean
}

// Add inserts sv only if no live entry for its key exists.
func (h *HashTable) Add(sv *StoredValue, fullEviction bool) AddStatus {
	idx := h.hashIndex(sv.Key)
	lock := h.lockFor(idx)
	lock.Lock()
	defer lock.Unlock()

	_, existing := h.lookupLocked(idx, sv.Key)
	if existing != nil {
		if existing.Deleted {
			existing.Deleted = false
			existing.Value = sv.Value
			existing.Cas = sv.Cas
			existing.RevSeqno = sv.RevSeqno
			existing.BySeqno = sv.BySeqno
			existing.Dirty = true
			return AddUndeleted
		}
		if existing.Temp {
			return AddTempAndBgFetch
		}
		return AddExists
	}

	if fullEviction {
		// A miss under full-eviction may mean "exists on disk"; the
		// caller installs a temp placeholder and issues a bg-fetch.
		return AddBgFetch
	}

	size := len(sv.Value) + len(sv.Key.Bytes)
	if !h.budget.Admit(size, 0.9) {
		return AddNoMemory
	}
	h.budget.Reserve(size)
	sv.next = h.chains[idx].head
	h.chains[idx].head = sv
	atomic.AddInt64(&h.numItems, 1)
	return AddSuccess
}

// SoftDelete marks the entry deleted+dirty with a new cas/bySeqno/revSeqno,
// returning whether it was previously clean or dirty. Returns nil ok=false
// if the key isn't present.
func (h *HashTable) SoftDelete(k key.Key, newCas uint64, newBySeqno int64, newRevSeqno uint64) (wasDirty bool, ok bool) {
	idx := h.hashIndex(k)
	lock := h.lockFor(idx)
	lock.Lock()
	defer lock.Unlock()

	_, existing := h.lookupLocked(idx, k)
	if existing == nil {
		return false, false
	}
	wasDirty = existing.Dirty
	if existing.Value != nil {
		h.budget.Release(len(existing.Value))
	}
	existing.Value = nil
	existing.Deleted = true
	existing.Dirty = true
	existing.Cas = newCas
	existing.BySeqno = newBySeqno
	existing.RevSeqno = newRevSeqno
	return wasDirty, true
}

// Unlink removes the entry for k entirely (full eviction / purge).
func (h *HashTable) Unlink(k key.Key) bool {
	idx := h.hashIndex(k)
	lock := h.lockFor(idx)
	lock.Lock()
	defer lock.Unlock()

	prev, existing := h.lookupLocked(idx, k)
	if existing == nil {
		return false
	}
	if prev == nil {
		h.chains[idx].head = existing.next
	} else {
		prev.next = existing.next
	}
	if existing.Value != nil {
		h.budget.Release(len(existing.Value))
	}
	atomic.AddInt64(&h.numItems, -1)
	return true
}

// EjectValueOnly performs value-only eviction: drop bytes, keep metadata.
func (h *HashTable) EjectValueOnly(k key.Key) bool {
	idx := h.hashIndex(k)
	lock := h.lockFor(idx)
	lock.Lock()
	defer lock.Unlock()

	_, existing := h.lookupLocked(idx, k)
	if existing == nil || existing.Dirty {
		return false
	}
	if existing.Value != nil {
		h.budget.Release(len(existing.Value))
	}
	existing.EjectValue()
	emetrics.ItemsEvictedTotal.WithLabelValues("value_only").Inc()
	return true
}

// NumItems returns the live item count (temp items excluded).
func (h *HashTable) NumItems() int64 { return atomic.LoadInt64(&h.numItems) }

// LoadFactor reports numItems / chain-array size, the cheap proxy this
// engine uses in place of the original allocator's byte-level
// fragmentation ratio: a table sized for a much larger item count than
// it currently holds (load factor well below 1) is the Go analog of a
// fragmented heap, and the fix is the same operation (Resize) either
// way.
func (h *HashTable) LoadFactor() float64 {
	h.mu.RLock()
	size := len(h.chains)
	h.mu.RUnlock()
	if size == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&h.numItems)) / float64(size)
}

// Resize rehashes the table to the prime-table slot nearest numItems.
// Refuses (returns false) while any pause/resume Visit is in progress.
func (h *HashTable) Resize() bool {
	if atomic.LoadInt32(&h.visitorsN) > 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if atomic.LoadInt32(&h.visitorsN) > 0 {
		return false
	}
	newSize := nearestPrime(int(h.numItems))
	if newSize == len(h.chains) {
		return true
	}
	newChains := make([]bucketHead, newSize)
	for _, b := range h.chains {
		cur := b.head
		for cur != nil {
			next := cur.next
			var mh maphash.Hash
			mh.SetSeed(h.seed)
			mh.WriteByte(byte(cur.Key.Namespace))
			mh.Write(cur.Key.Bytes)
			idx := int(mh.Sum64() % uint64(newSize))
			cur.next = newChains[idx].head
			newChains[idx].head = cur
			cur = next
		}
	}
	h.chains = newChains
	emetrics.HashTableResizesTotal.Inc()
	return true
}

// Visit walks every live entry starting from pos (zero value = start),
// calling fn for each. It returns the Position to resume from — callers
// must check Position.Size against the table's current size before
// resuming; a Resize that changed the size invalidates the position and
// the caller should restart from the zero Position.
func (h *HashTable) Visit(pos Position, fn Visitor) Position {
	atomic.AddInt32(&h.visitorsN, 1)
	defer atomic.AddInt32(&h.visitorsN, -1)

	h.mu.RLock()
	size := len(h.chains)
	h.mu.RUnlock()

	if pos.Size != 0 && pos.Size != size {
		pos = Position{Size: size}
	} else {
		pos.Size = size
	}

	for bi := pos.BucketIndex; bi < size; bi++ {
		lock := h.lockFor(bi)
		lock.Lock()
		cur := h.chains[bi].head
		for cur != nil {
			if !cur.Temp {
				if !fn(cur) {
					lock.Unlock()
					return Position{LockIndex: bi % h.numLocks, BucketIndex: bi, Size: size}
				}
			}
			cur = cur.next
		}
		lock.Unlock()
	}
	return Position{BucketIndex: size, Size: size}
}

// Done reports whether a Position returned by Visit has reached the end.
func (p Position) Done() bool { return p.BucketIndex >= p.Size && p.Size != 0 }

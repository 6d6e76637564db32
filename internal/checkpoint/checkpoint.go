// Package checkpoint implements the per-partition checkpoint manager: an
// ordered, append-only in-memory log of queued_item entries that forms
// the durable ordering boundary between mutations and their persistence
// or replication.
package checkpoint

import (
	"container/list"
	"sync"

	"github.com/cuemby/kepler/internal/emetrics"
	"github.com/cuemby/kepler/internal/key"
)

// Kind discriminates a queued_item's operation.
type Kind uint8

const (
	KindSet Kind = iota
	KindDel
	KindFlush
	KindEmpty
	KindCheckpointStart
	KindCheckpointEnd
	KindSetVBucketState
	KindSystemEvent
)

// QueuedItem is one entry in a checkpoint's ordered log.
type QueuedItem struct {
	Kind       Kind
	Key        key.Key
	Value      []byte
	Cas        uint64
	BySeqno    int64
	RevSeqno   uint64
	Flags      uint32
	QueuedTime int64

	// SystemEvent payload, set only when Kind == KindSystemEvent.
	CollectionName  string
	Revision        uint64
	SystemEventKind uint8
}

type checkpointState uint8

const (
	stateOpen checkpointState = iota
	stateClosed
)

// checkpointNode is one numbered segment of the log.
type checkpointNode struct {
	num   uint64
	state checkpointState
	items *list.List // of *QueuedItem, in insertion order

	// keyIndex supports the collapse rule: latest *list.Element for a
	// key still uncollapsed within this checkpoint's open window.
	keyIndex map[string]*list.Element

	itemBytes int
}

func newCheckpointNode(num uint64) *checkpointNode {
	return &checkpointNode{
		num:      num,
		state:    stateOpen,
		items:    list.New(),
		keyIndex: make(map[string]*list.Element),
	}
}

func indexKey(k key.Key) string { return k.String() }

// Limits bound when an open checkpoint is force-closed.
type Limits struct {
	MaxItems int
	MaxBytes int
}

// Manager owns one partition's ordered checkpoint log plus the named
// cursors tailing it.
type Manager struct {
	mu sync.Mutex

	limits  Limits
	nextNum uint64
	nextSeq int64

	checkpoints *list.List // of *checkpointNode, oldest first

	cursors map[string]*cursorState
}

type cursorState struct {
	// node/elem mark the next item the cursor has not yet observed.
	node *list.Element // *list.Element whose Value is *checkpointNode
	elem *list.Element // *list.Element within node.items, or nil at node's head
}

// New creates a Manager starting at checkpoint 0 and the given starting
// seqno (0 for a fresh partition, or the last persisted seqno on warm
// start).
func New(limits Limits, startSeqno int64) *Manager {
	m := &Manager{
		limits:      limits,
		nextSeq:     startSeqno + 1,
		checkpoints: list.New(),
		cursors:     make(map[string]*cursorState),
	}
	first := newCheckpointNode(0)
	m.nextNum = 1
	m.checkpoints.PushBack(first)
	return m
}

// RegisterCursor creates a named cursor positioned at the start of the
// oldest checkpoint still held in the log, open or closed (or the next
// item to be enqueued, if the log is currently empty). Persistence and per-replica cursors are both
// registered this way.
func (m *Manager) RegisterCursor(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cursors[name]; ok {
		return
	}
	m.cursors[name] = &cursorState{node: m.checkpoints.Front(), elem: nil}
}

// RemoveCursor drops a cursor (e.g. on stream close).
func (m *Manager) RemoveCursor(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, name)
}

// Enqueue appends a set/del item to the open checkpoint, applying the
// collapse rule, and assigns bySeqno unless useSeqno is non-nil (replica
// ingest supplying its own pre-assigned seqno).
func (m *Manager) Enqueue(k Kind, itemKey key.Key, value []byte, cas uint64, revSeqno uint64, flags uint32, queuedTime int64, useSeqno *int64) *QueuedItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seqno int64
	if useSeqno != nil {
		seqno = *useSeqno
		if seqno >= m.nextSeq {
			m.nextSeq = seqno + 1
		}
	} else {
		seqno = m.nextSeq
		m.nextSeq++
	}

	item := &QueuedItem{
		Kind: k, Key: itemKey, Value: value, Cas: cas,
		BySeqno: seqno, RevSeqno: revSeqno, Flags: flags, QueuedTime: queuedTime,
	}

	open := m.openNode()
	m.collapseAndAppend(open, item)
	m.maybeCloseLocked(open)
	return item
}

// EnqueueSystemEvent appends a system_event item (collection
// create/delete) and always force-closes the checkpoint after it, so a
// replica never observes a user mutation straddling the event boundary.
// eventKind is opaque here (the checkpoint package has no business
// knowing collection lifecycle semantics); it rides along for readers
// such as the replication producer to interpret, per collections.SystemEventKind.
func (m *Manager) EnqueueSystemEvent(collectionName string, revision uint64, eventKind uint8, queuedTime int64) *QueuedItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	seqno := m.nextSeq
	m.nextSeq++
	item := &QueuedItem{
		Kind: KindSystemEvent, CollectionName: collectionName, Revision: revision,
		SystemEventKind: eventKind, BySeqno: seqno, QueuedTime: queuedTime,
	}
	open := m.openNode()
	open.items.PushBack(item)
	open.itemBytes += len(collectionName) + 16
	m.forceCloseLocked(open)
	return item
}

// EnqueueSetVBucketState forces a checkpoint boundary around a state
// transition, same rationale as a system event.
func (m *Manager) EnqueueSetVBucketState(queuedTime int64) *QueuedItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	seqno := m.nextSeq
	m.nextSeq++
	item := &QueuedItem{Kind: KindSetVBucketState, BySeqno: seqno, QueuedTime: queuedTime}
	open := m.openNode()
	open.items.PushBack(item)
	m.forceCloseLocked(open)
	return item
}

func (m *Manager) openNode() *checkpointNode {
	back := m.checkpoints.Back()
	node := back.Value.(*checkpointNode)
	if node.state == stateClosed {
		node = newCheckpointNode(m.nextNum)
		m.nextNum++
		m.checkpoints.PushBack(node)
	}
	return node
}

// collapseAndAppend implements the collapse rule: a new set/del for key K
// removes an earlier, not-yet-visited entry for K in the same open
// checkpoint, preserving insertion position of the latest write.
func (m *Manager) collapseAndAppend(node *checkpointNode, item *QueuedItem) {
	ik := indexKey(item.Key)
	if prevElem, ok := node.keyIndex[ik]; ok && !m.anyCursorAtOrPast(node, prevElem) {
		prev := prevElem.Value.(*QueuedItem)
		node.itemBytes -= len(prev.Value) + len(prev.Key.Bytes)
		node.items.Remove(prevElem)
	}
	elem := node.items.PushBack(item)
	node.keyIndex[ik] = elem
	node.itemBytes += len(item.Value) + len(item.Key.Bytes)
	emetrics.CheckpointOpenItems.WithLabelValues("").Add(1)
}

// anyCursorAtOrPast reports whether any cursor has already advanced past
// elem within node, which would make collapsing it unsafe (it's already
// been observed).
func (m *Manager) anyCursorAtOrPast(node *checkpointNode, elem *list.Element) bool {
	for _, c := range m.cursors {
		if c.node == nil || c.node.Value.(*checkpointNode) != node {
			continue
		}
		if c.elem == nil {
			continue // cursor hasn't consumed anything in this node yet
		}
		for e := node.items.Front(); e != nil; e = e.Next() {
			if e == elem {
				return true
			}
			if e == c.elem {
				break
			}
		}
	}
	return false
}

func (m *Manager) maybeCloseLocked(node *checkpointNode) {
	if (m.limits.MaxItems > 0 && node.items.Len() >= m.limits.MaxItems) ||
		(m.limits.MaxBytes > 0 && node.itemBytes >= m.limits.MaxBytes) {
		m.forceCloseLocked(node)
	}
}

func (m *Manager) forceCloseLocked(node *checkpointNode) {
	if node.state == stateClosed {
		return
	}
	node.state = stateClosed
	m.pruneConsumedLocked()
}

// pruneConsumedLocked drops checkpoint nodes older than every cursor's
// current position, bounding memory.
func (m *Manager) pruneConsumedLocked() {
	for {
		front := m.checkpoints.Front()
		if front == nil || front.Next() == nil {
			return
		}
		node := front.Value.(*checkpointNode)
		if node.state != stateClosed {
			return
		}
		for _, c := range m.cursors {
			if c.node == front {
				return
			}
		}
		m.checkpoints.Remove(front)
	}
}

// Next advances cursor name to the next unobserved item, if any. ok is
// false once the cursor has caught up to the tail of the log.
func (m *Manager) Next(name string) (item *QueuedItem, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.cursors[name]
	if !exists {
		return nil, false
	}

	for c.node != nil {
		node := c.node.Value.(*checkpointNode)
		var next *list.Element
		if c.elem == nil {
			next = node.items.Front()
		} else {
			next = c.elem.Next()
		}
		if next != nil {
			c.elem = next
			return next.Value.(*QueuedItem), true
		}
		if node.state == stateOpen {
			return nil, false
		}
		c.node = c.node.Next()
		c.elem = nil
	}
	return nil, false
}

// Reset discards all checkpoint state and restarts the log at seqno+1.
// Used by a replication consumer's rollback task: the
// hash table has already been rewound to seqno by the caller, and
// every registered cursor (persistence, per-replica) must restart from
// a position consistent with the rewound table rather than replay
// entries for mutations that no longer exist.
func (m *Manager) Reset(seqno int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq = seqno + 1
	m.nextNum = 1
	m.checkpoints = list.New()
	m.checkpoints.PushBack(newCheckpointNode(0))
	for name := range m.cursors {
		m.cursors[name] = &cursorState{node: m.checkpoints.Front(), elem: nil}
	}
}

// HighSeqno returns the last seqno assigned by this manager.
func (m *Manager) HighSeqno() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq - 1
}

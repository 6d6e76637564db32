// Package consumer implements the passive replication consumer side of
// a DCP stream: a per-partition stream that accepts a producer's
// mutations, applies them as atomic snapshot groups, and drives the
// rollback-0-then-real-rollback negotiation a reconnecting consumer
// needs after a failover.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/kepler/internal/collections"
	"github.com/cuemby/kepler/internal/dcp"
	"github.com/cuemby/kepler/internal/docstore"
	"github.com/cuemby/kepler/internal/elog"
	"github.com/cuemby/kepler/internal/emetrics"
	"github.com/cuemby/kepler/internal/index"
	"github.com/cuemby/kepler/internal/key"
	"github.com/cuemby/kepler/internal/partition"
)

// State is a consumer-side stream's lifecycle position.
type State uint8

const (
	StatePending State = iota
	StateStreaming
	StateDead
)

// Requester is the outbound half of a consumer stream: whatever sends a
// StreamReq (and, after a rollback, a re-issued one) to the connected
// producer. internal/dcp/transport's client-dial path implements this
// over a gRPC bidi stream; tests use an in-memory fake.
type Requester interface {
	Send(dcp.Message) error
}

// Stream is one partition's inbound replication stream. Messages
// arrive via MessageReceived (the transport layer's read loop); Run
// drains whatever has buffered and applies it.
type Stream struct {
	id   string
	vbid uint16
	p    *partition.Partition
	store docstore.DocStore
	mode  index.ConflictResMode
	out   Requester

	mu      sync.Mutex
	queue   []dcp.Message
	state   State

	group       []dcp.Message
	groupMarker *dcp.SnapshotMarker

	// rollbackAttempts counts consecutive rollback=0 replies received
	// for the current stream negotiation.
	rollbackAttempts int
}

// NewStream creates a consumer-side stream for partition p, applying
// incoming mutations under conflict resolution mode mode, refetching
// from store during a real rollback, and issuing StreamReq/retries
// through out.
func NewStream(id string, vbid uint16, p *partition.Partition, store docstore.DocStore, mode index.ConflictResMode, out Requester) *Stream {
	return &Stream{id: id, vbid: vbid, p: p, store: store, mode: mode, out: out, state: StatePending}
}

// ID identifies this stream to the scheduler.
func (s *Stream) ID() string { return s.id }

// State reports the stream's current lifecycle position.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open sends the initial StreamReq for startSeqno, the seqno the
// consumer has already persisted (0 on a brand new replica).
func (s *Stream) Open(startSeqno, snapEnd int64) error {
	return s.out.Send(dcp.Message{
		Type: dcp.EventStreamReq,
		StreamReq: &dcp.StreamReq{
			VBID: s.vbid, Start: startSeqno, SnapEnd: snapEnd,
		},
	})
}

// MessageReceived buffers an inbound message for the next Run. It does
// not wake or signal the processor: buffered messages are applied only
// when Run is next called. Called from the transport layer's read loop.
func (s *Stream) MessageReceived(msg dcp.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, msg)
}

// drain pops every currently buffered message under the lock, leaving
// the queue empty.
func (s *Stream) drain() []dcp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.queue
	s.queue = nil
	return msgs
}

// Run drains whatever has buffered since the last call and applies it.
// Returns runAgain=false once the stream has gone dead (a rollback task
// failed, or the producer closed the stream).
func (s *Stream) Run(ctx context.Context) (runAgain bool, err error) {
	if s.State() == StateDead {
		return false, nil
	}

	for _, msg := range s.drain() {
		if err := s.handle(ctx, msg); err != nil {
			s.setState(StateDead)
			return false, err
		}
	}
	return true, nil
}

func (s *Stream) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

func (s *Stream) handle(ctx context.Context, msg dcp.Message) error {
	logger := elog.WithComponent("dcp.consumer")

	switch msg.Type {
	case dcp.EventAddStreamResponse:
		return s.handleAddStreamResponse(ctx, msg.AddStreamResponse)

	case dcp.EventSnapshotMarker:
		s.flushGroup() // an explicit marker implicitly closes any prior group
		s.groupMarker = msg.SnapshotMarker
		s.setState(StateStreaming)
		return nil

	case dcp.EventMutation, dcp.EventDeletion, dcp.EventSystemEvent:
		s.group = append(s.group, msg)
		return nil

	case dcp.EventStreamEnd:
		s.flushGroup()
		s.setState(StateDead)
		return nil

	case dcp.EventNoop:
		return s.out.Send(dcp.Message{Type: dcp.EventNoop, Noop: &dcp.Noop{}})

	default:
		logger.Warn().Uint8("type", uint8(msg.Type)).Msg("unexpected message on a consumer stream")
		return nil
	}
}

// handleAddStreamResponse implements rollback-response
// state machine: the first rollback=0 is retried from the next
// failover entry (a no-op here, since this stream does not itself own
// the failover table; the caller re-opens with an updated Start via
// Open); a second rollback reply of any value triggers a real rollback
// task against the document store.
func (s *Stream) handleAddStreamResponse(ctx context.Context, resp *dcp.AddStreamResponse) error {
	if resp == nil {
		return fmt.Errorf("dcp consumer: nil AddStreamResponse")
	}
	if resp.Status != dcp.StreamStatusRollback {
		s.rollbackAttempts = 0
		s.setState(StateStreaming)
		return nil
	}

	emetrics.DCPRollbacksTotal.Inc()
	s.rollbackAttempts++
	if s.rollbackAttempts == 1 && resp.RollbackTo == 0 {
		// Retried by the caller reissuing Open with the next failover
		// entry's start seqno; nothing to roll back yet.
		return nil
	}

	if err := rollbackTo(ctx, s.p, s.store, resp.RollbackTo); err != nil {
		return fmt.Errorf("dcp consumer: rollback to %d: %w", resp.RollbackTo, err)
	}
	s.rollbackAttempts = 0
	return nil
}

// flushGroup applies the buffered group atomically. Partition writes are already serialized by a
// per-key lock per the engine's concurrency model, so "atomic" here
// means "applied as one uninterrupted batch before any other group",
// not a single storage-engine transaction.
func (s *Stream) flushGroup() {
	for _, msg := range s.group {
		switch msg.Type {
		case dcp.EventMutation:
			s.applyMutation(msg.Mutation)
		case dcp.EventDeletion:
			s.applyDeletion(msg.Deletion)
		case dcp.EventSystemEvent:
			s.applySystemEvent(msg.SystemEvent)
		}
	}
	s.group = nil
	s.groupMarker = nil
}

func (s *Stream) applyMutation(m *dcp.Mutation) {
	if m == nil {
		return
	}
	meta := partition.Incoming{RevSeqno: m.RevSeqno, Cas: m.Cas, Exptime: m.Exptime, Flags: m.Flags}
	s.p.SetWithMeta(m.Key, m.Value, m.Flags, m.Exptime, meta, s.mode)
}

func (s *Stream) applyDeletion(d *dcp.Deletion) {
	if d == nil {
		return
	}
	meta := partition.Incoming{RevSeqno: d.RevSeqno, Cas: d.Cas}
	s.p.DelWithMeta(d.Key, meta, s.mode)
}

func (s *Stream) applySystemEvent(ev *dcp.SystemEvent) {
	if ev == nil || s.p.Collections == nil {
		return
	}
	name := string(ev.Key.Bytes)
	kind := collectionsEventKind(ev.Kind)
	revision := decodeRevision(ev.Data)
	s.p.Collections.VBManifest.ApplyEvent(kind, name, revision, ev.BySeqno)
}

// rollbackTo discards hash-table state for every key whose resident
// bySeqno exceeds target, refetching each from store: a miss deletes
// the key entirely, a hit reinstates the disk copy.
func rollbackTo(ctx context.Context, p *partition.Partition, store docstore.DocStore, target int64) error {
	var pos index.Position
	for {
		var above []key.Key
		pos = p.HT.Visit(pos, func(sv *index.StoredValue) bool {
			if sv.BySeqno > target {
				above = append(above, sv.Key)
			}
			return true
		})

		for _, k := range above {
			rec, err := store.Get(ctx, k.Bytes)
			switch {
			case errors.Is(err, docstore.ErrNotFound):
				p.HT.Unlink(k)
			case err != nil:
				return fmt.Errorf("dcp consumer: refetch %q during rollback: %w", k.String(), err)
			default:
				sv := &index.StoredValue{
					Key: k, Value: rec.Value, Cas: rec.Meta.Cas, BySeqno: rec.BySeqno,
					RevSeqno: rec.RevSeqno, Flags: rec.Meta.Flags, Exptime: rec.Meta.Exptime, Deleted: rec.Deleted,
				}
				p.HT.Set(sv, true)
			}
		}

		if pos.Done() {
			break
		}
	}

	p.Checkpoints.Reset(target)
	return nil
}

func collectionsEventKind(k dcp.SystemEventKind) collections.SystemEventKind {
	if k == dcp.SystemEventCreateCollection {
		return collections.EventCreateCollection
	}
	return collections.EventBeginDeleteCollection
}

func decodeRevision(data []byte) uint64 {
	if len(data) < 4 {
		return 0
	}
	return uint64(data[0])<<24 | uint64(data[1])<<16 | uint64(data[2])<<8 | uint64(data[3])
}

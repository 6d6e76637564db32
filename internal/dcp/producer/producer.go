// Package producer implements the replication producer side of the
// DCP stream: a per-partition state machine covering a backfill phase
// reading the document store, an in-memory phase tailing the
// partition's checkpoint log, and a takeover handoff.
package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/kepler/internal/checkpoint"
	"github.com/cuemby/kepler/internal/dcp"
	"github.com/cuemby/kepler/internal/docstore"
	"github.com/cuemby/kepler/internal/elog"
	"github.com/cuemby/kepler/internal/emetrics"
	"github.com/cuemby/kepler/internal/failover"
	"github.com/cuemby/kepler/internal/key"
	"github.com/cuemby/kepler/internal/partition"
)

// State is a replication stream's lifecycle position, .
type State uint8

const (
	StateUninitialised State = iota
	StatePending
	StateBackfilling
	StateInMemory
	StateTakeoverSend
	StateTakeoverWait
	StateDead
)

// backfillBatchSize caps how many records one Run pass backfills before
// yielding the worker back to the scheduler.
const backfillBatchSize = 256

// inMemoryBatchSize caps how many checkpoint items one Run pass drains
// into a single snapshot group.
const inMemoryBatchSize = 256

// idlePoll is how long an in-memory stream sleeps after catching up to
// the tail of the checkpoint log, absent a Wake from a new mutation.
const idlePoll = 100 * time.Millisecond

func vbidLabel(vbid uint16) string { return fmt.Sprintf("%d", vbid) }

// Sink is the transport-facing side of a stream: whatever sends an
// encoded dcp.Message to the connected consumer. internal/dcp/transport
// implements this over a gRPC bidi stream; tests use an in-memory fake.
type Sink interface {
	Send(dcp.Message) error
}

// Stream drives one partition's outbound replication for one consumer
// connection. It is a scheduler.Task: the scheduler calls Run
// repeatedly, each call advancing the state machine by one bounded
// step and reporting when it should run again.
type Stream struct {
	id       string
	vbid     uint16
	p        *partition.Partition
	store    docstore.DocStore
	failover *failover.Table
	sink     Sink
	buffer   *BufferLog
	takeover bool

	cursorName string

	state        State
	backfillNext int64
	backfillEnd  int64
}

// NewStream creates a producer-side stream for partition p, backed by
// store for backfill reads, negotiating rollback against table, and
// writing encoded messages to sink. If takeover is set the stream ends
// in a takeover handoff instead of running forever in the in-memory
// phase.
func NewStream(id string, vbid uint16, p *partition.Partition, store docstore.DocStore, table *failover.Table, sink Sink, buffer *BufferLog, takeover bool) *Stream {
	if buffer == nil {
		buffer = NewBufferLog(0)
	}
	return &Stream{
		id: id, vbid: vbid, p: p, store: store, failover: table, sink: sink, buffer: buffer,
		takeover: takeover, cursorName: "dcp:" + id, state: StateUninitialised,
	}
}

// ID identifies this stream to the scheduler.
func (s *Stream) ID() string { return s.id }

// State reports the stream's current lifecycle position.
func (s *Stream) State() State { return s.state }

// negotiateRollback implements streamRequest rollback
// check: find the newest failover entry at or before requestedStart;
// if a later (successor) entry exists and started before the caller's
// snapEnd, the caller's history diverged at that failover and must roll
// back to the successor's start-seqno. An unrecognized vbuuid (no
// matching entry at all) forces a full rollback to 0 — see DESIGN.md's
// Open Question resolution for why "or zero if none" is read this way.
func negotiateRollback(table *failover.Table, requestedStart, snapEnd int64) (rollbackTo int64, needsRollback bool) {
	entries := table.Entries()
	idx := -1
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].StartSeqno <= requestedStart {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, true
	}
	if idx+1 < len(entries) {
		successor := entries[idx+1]
		if successor.StartSeqno < snapEnd {
			return successor.StartSeqno, true
		}
	}
	return 0, false
}

// HandleStreamReq answers a StreamReq: a rollback response, or success
// that arms the stream to begin backfilling from req.Start+1.
func (s *Stream) HandleStreamReq(req *dcp.StreamReq) *dcp.AddStreamResponse {
	if s.failover != nil {
		if rollbackTo, needs := negotiateRollback(s.failover, req.Start, req.SnapEnd); needs {
			return &dcp.AddStreamResponse{Status: dcp.StreamStatusRollback, RollbackTo: rollbackTo}
		}
	}

	s.backfillNext = req.Start + 1
	s.backfillEnd = s.p.Checkpoints.HighSeqno()
	s.state = StatePending
	return &dcp.AddStreamResponse{Status: dcp.StreamStatusSuccess}
}

// Run advances the stream by one bounded step.
func (s *Stream) Run(ctx context.Context) (runAgain bool, sleep time.Duration) {
	switch s.state {
	case StateUninitialised:
		return false, 0

	case StatePending:
		s.p.Checkpoints.RegisterCursor(s.cursorName)
		if s.backfillNext > s.backfillEnd {
			s.state = StateInMemory
			return true, 0
		}
		s.state = StateBackfilling
		return true, 0

	case StateBackfilling:
		return s.runBackfill(ctx)

	case StateInMemory:
		return s.runInMemory(ctx)

	case StateTakeoverSend:
		return s.runTakeoverSend(ctx)

	case StateTakeoverWait:
		// Waiting on the consumer's ack of SetVBucketState(pending);
		// the transport layer calls AckTakeover once it arrives.
		return true, time.Second

	case StateDead:
		return false, 0

	default:
		return false, 0
	}
}

func (s *Stream) runBackfill(ctx context.Context) (bool, time.Duration) {
	logger := elog.WithComponent("dcp.producer")

	from := s.backfillNext
	to := s.backfillEnd + 1
	if to-from > backfillBatchSize {
		to = from + backfillBatchSize
	}

	if err := s.sink.Send(dcp.Message{
		Type: dcp.EventSnapshotMarker,
		SnapshotMarker: &dcp.SnapshotMarker{
			VBID: s.vbid, Start: from, End: to - 1, Flags: dcp.SnapshotDisk,
		},
	}); err != nil {
		logger.Error().Err(err).Msg("backfill snapshot marker send failed")
		s.state = StateDead
		return false, 0
	}

	var sendErr error
	err := s.store.ScanBySeqno(ctx, from, to, func(rec docstore.Record) bool {
		msg := recordToMessage(s.vbid, rec)
		if sendErr = s.sink.Send(msg); sendErr != nil {
			return false
		}
		s.backfillNext = rec.BySeqno + 1
		emetrics.DCPBytesSentTotal.WithLabelValues(vbidLabel(s.vbid)).Add(float64(len(rec.Value)))
		return true
	})
	if err != nil || sendErr != nil {
		logger.Error().Err(err).Msg("backfill scan failed")
		s.state = StateDead
		return false, 0
	}

	s.backfillNext = to
	if s.backfillNext > s.backfillEnd {
		s.state = StateInMemory
	}
	return true, 0
}

func (s *Stream) runInMemory(ctx context.Context) (bool, time.Duration) {
	logger := elog.WithComponent("dcp.producer")

	if s.buffer.State() == BufferLogFull {
		select {
		case <-s.buffer.WokenCh():
		case <-ctx.Done():
			return false, 0
		}
	}

	var batch []*checkpoint.QueuedItem
	for i := 0; i < inMemoryBatchSize; i++ {
		item, ok := s.p.Checkpoints.Next(s.cursorName)
		if !ok {
			break
		}
		batch = append(batch, item)
	}

	if len(batch) == 0 {
		if s.takeover {
			s.state = StateTakeoverSend
			return true, 0
		}
		return true, idlePoll
	}

	if err := s.sink.Send(dcp.Message{
		Type: dcp.EventSnapshotMarker,
		SnapshotMarker: &dcp.SnapshotMarker{
			VBID: s.vbid, Start: batch[0].BySeqno, End: batch[len(batch)-1].BySeqno, Flags: dcp.SnapshotMemory,
		},
	}); err != nil {
		logger.Error().Err(err).Msg("in-memory snapshot marker send failed")
		s.state = StateDead
		return false, 0
	}

	for _, item := range batch {
		msg, ok := queuedItemToMessage(s.vbid, item)
		if !ok {
			continue
		}
		if !s.buffer.Insert(uint32(len(item.Value))) {
			return true, 0 // caller retries once the consumer acks and we wake
		}
		if err := s.sink.Send(msg); err != nil {
			logger.Error().Err(err).Msg("in-memory message send failed")
			s.state = StateDead
			return false, 0
		}
		emetrics.DCPBytesSentTotal.WithLabelValues(vbidLabel(s.vbid)).Add(float64(len(item.Value)))
	}
	return true, 0
}

func (s *Stream) runTakeoverSend(ctx context.Context) (bool, time.Duration) {
	logger := elog.WithComponent("dcp.producer")

	for i := 0; i < inMemoryBatchSize; i++ {
		item, ok := s.p.Checkpoints.Next(s.cursorName)
		if !ok {
			break
		}
		msg, ok := queuedItemToMessage(s.vbid, item)
		if !ok {
			continue
		}
		if err := s.sink.Send(msg); err != nil {
			logger.Error().Err(err).Msg("takeover send failed")
			s.state = StateDead
			return false, 0
		}
	}

	if err := s.sink.Send(dcp.Message{
		Type:            dcp.EventSetVBucketState,
		SetVBucketState: &dcp.SetVBucketState{VBID: s.vbid, State: "pending"},
	}); err != nil {
		logger.Error().Err(err).Msg("takeover SetVBucketState send failed")
		s.state = StateDead
		return false, 0
	}
	s.state = StateTakeoverWait
	return true, time.Second
}

// Ack applies a consumer's BufferAck, releasing buffer space so a
// Run call blocked in runInMemory's BufferLogFull wait can proceed.
func (s *Stream) Ack(bytesAcked uint32) { s.buffer.Ack(bytesAcked) }

// AckTakeover is called by the transport layer on receiving the
// consumer's ack of the takeover SetVBucketState, completing the
// handoff by transitioning the source partition to dead.
func (s *Stream) AckTakeover() error {
	if s.state != StateTakeoverWait {
		return fmt.Errorf("dcp: takeover ack received in state %d", s.state)
	}
	if err := s.p.SetState(partition.StateDead); err != nil {
		return err
	}
	s.state = StateDead
	return nil
}

func queuedItemToMessage(vbid uint16, item *checkpoint.QueuedItem) (dcp.Message, bool) {
	switch item.Kind {
	case checkpoint.KindSet:
		return dcp.Message{Type: dcp.EventMutation, Mutation: &dcp.Mutation{
			VBID: vbid, Key: item.Key, Value: item.Value, Cas: item.Cas,
			BySeqno: item.BySeqno, RevSeqno: item.RevSeqno, Flags: item.Flags,
		}}, true

	case checkpoint.KindDel:
		return dcp.Message{Type: dcp.EventDeletion, Deletion: &dcp.Deletion{
			VBID: vbid, Key: item.Key, Cas: item.Cas, BySeqno: item.BySeqno, RevSeqno: item.RevSeqno,
		}}, true

	case checkpoint.KindSystemEvent:
		data := make([]byte, 4)
		data[0] = byte(item.Revision >> 24)
		data[1] = byte(item.Revision >> 16)
		data[2] = byte(item.Revision >> 8)
		data[3] = byte(item.Revision)
		return dcp.Message{Type: dcp.EventSystemEvent, SystemEvent: &dcp.SystemEvent{
			VBID: vbid, Kind: dcp.SystemEventKind(item.SystemEventKind), BySeqno: item.BySeqno,
			Key: key.New(key.System, []byte(item.CollectionName)), Data: data,
		}}, true

	case checkpoint.KindSetVBucketState:
		return dcp.Message{Type: dcp.EventSetVBucketState, SetVBucketState: &dcp.SetVBucketState{
			VBID: vbid, State: "active",
		}}, true

	default:
		return dcp.Message{}, false
	}
}

func recordToMessage(vbid uint16, rec docstore.Record) dcp.Message {
	k := key.New(key.DefaultCollection, rec.Key)
	if rec.Deleted {
		return dcp.Message{Type: dcp.EventDeletion, Deletion: &dcp.Deletion{
			VBID: vbid, Key: k, Cas: rec.Meta.Cas, BySeqno: rec.BySeqno, RevSeqno: rec.RevSeqno,
		}}
	}
	return dcp.Message{Type: dcp.EventMutation, Mutation: &dcp.Mutation{
		VBID: vbid, Key: k, Value: rec.Value, Cas: rec.Meta.Cas, BySeqno: rec.BySeqno,
		RevSeqno: rec.RevSeqno, Flags: rec.Meta.Flags, Exptime: rec.Meta.Exptime,
	}}
}

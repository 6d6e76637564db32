package producer

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kepler/internal/checkpoint"
	"github.com/cuemby/kepler/internal/collections"
	"github.com/cuemby/kepler/internal/dcp"
	"github.com/cuemby/kepler/internal/docstore"
	"github.com/cuemby/kepler/internal/failover"
	"github.com/cuemby/kepler/internal/hlc"
	"github.com/cuemby/kepler/internal/index"
	"github.com/cuemby/kepler/internal/index/bloom"
	"github.com/cuemby/kepler/internal/key"
	"github.com/cuemby/kepler/internal/partition"
)

type fakeBudget struct{}

func (fakeBudget) Admit(extra int, threshold float64) bool { return true }
func (fakeBudget) Reserve(extra int)                        {}
func (fakeBudget) Release(extra int)                        {}

func k(s string) key.Key { return key.New(key.DefaultCollection, []byte(s)) }

func newTestPartition(t *testing.T) *partition.Partition {
	t.Helper()
	ht := index.New(0, 64, fakeBudget{})
	bf, err := bloom.New(1024, 0.01)
	require.NoError(t, err)
	cp := checkpoint.New(checkpoint.Limits{}, 0)
	eng := collections.NewEngine(cp)
	clock := hlc.New(0, 1_000_000, 1_000_000)

	p := partition.New(partition.Config{
		VBID: 7, HT: ht, Bloom: bf, Checkpoints: cp, Collections: eng, Clock: clock,
		Separator: []byte("::"),
	})
	require.NoError(t, p.SetState(partition.StateActive))
	return p
}

// fakeDocStore backs backfill reads with a fixed, in-memory record set.
type fakeDocStore struct {
	docstore.DocStore
	records []docstore.Record
}

func (f *fakeDocStore) ScanBySeqno(ctx context.Context, from, to int64, fn func(docstore.Record) bool) error {
	for _, r := range f.records {
		if r.BySeqno < from || r.BySeqno >= to {
			continue
		}
		if !fn(r) {
			return nil
		}
	}
	return nil
}

// fakeSink captures every message sent to it, optionally failing after N.
type fakeSink struct {
	sent    []dcp.Message
	failAt  int // -1 disables
}

func (f *fakeSink) Send(m dcp.Message) error {
	if f.failAt >= 0 && len(f.sent) == f.failAt {
		return errors.New("fake sink: send failed")
	}
	f.sent = append(f.sent, m)
	return nil
}

func newFailoverTable(t *testing.T) *failover.Table {
	t.Helper()
	table, err := failover.Open(raft.NewInmemStore())
	require.NoError(t, err)
	return table
}

func TestNegotiateRollback_NoMatchingEntryForcesRollbackToZero(t *testing.T) {
	table := newFailoverTable(t)
	_, err := table.Promote(100)
	require.NoError(t, err)

	rollbackTo, needs := negotiateRollback(table, 50, 200)
	assert.True(t, needs)
	assert.Equal(t, int64(0), rollbackTo)
}

func TestNegotiateRollback_SuccessorBeforeSnapEndForcesRollback(t *testing.T) {
	table := newFailoverTable(t)
	_, err := table.Promote(0)
	require.NoError(t, err)
	_, err = table.Promote(100)
	require.NoError(t, err)

	rollbackTo, needs := negotiateRollback(table, 50, 200)
	assert.True(t, needs)
	assert.Equal(t, int64(100), rollbackTo)
}

func TestNegotiateRollback_NoSuccessorMeansNoRollback(t *testing.T) {
	table := newFailoverTable(t)
	_, err := table.Promote(0)
	require.NoError(t, err)

	rollbackTo, needs := negotiateRollback(table, 50, 200)
	assert.False(t, needs)
	assert.Equal(t, int64(0), rollbackTo)
}

func TestNegotiateRollback_SuccessorAtOrAfterSnapEndDoesNotRollback(t *testing.T) {
	table := newFailoverTable(t)
	_, err := table.Promote(0)
	require.NoError(t, err)
	_, err = table.Promote(300)
	require.NoError(t, err)

	rollbackTo, needs := negotiateRollback(table, 50, 200)
	assert.False(t, needs)
	assert.Equal(t, int64(0), rollbackTo)
}

func TestStream_HandleStreamReqSuccessArmsBackfill(t *testing.T) {
	p := newTestPartition(t)
	require.Equal(t, partition.StatusOK, p.Set(k("a"), []byte("v1"), 0, 0, 0).Status)
	require.Equal(t, partition.StatusOK, p.Set(k("b"), []byte("v2"), 0, 0, 0).Status)

	table := newFailoverTable(t)
	_, err := table.Promote(0)
	require.NoError(t, err)

	sink := &fakeSink{failAt: -1}
	s := NewStream("s1", p.VBID, p, &fakeDocStore{}, table, sink, nil, false)

	resp := s.HandleStreamReq(&dcp.StreamReq{Start: 0, SnapEnd: 0})
	require.Equal(t, dcp.StreamStatusSuccess, resp.Status)
	assert.Equal(t, StatePending, s.State())
}

func TestStream_HandleStreamReqRollback(t *testing.T) {
	p := newTestPartition(t)
	table := newFailoverTable(t)
	_, err := table.Promote(0)
	require.NoError(t, err)
	_, err = table.Promote(10)
	require.NoError(t, err)

	sink := &fakeSink{failAt: -1}
	s := NewStream("s1", p.VBID, p, &fakeDocStore{}, table, sink, nil, false)

	resp := s.HandleStreamReq(&dcp.StreamReq{Start: 5, SnapEnd: 50})
	require.Equal(t, dcp.StreamStatusRollback, resp.Status)
	assert.Equal(t, int64(10), resp.RollbackTo)
}

func TestStream_BackfillThenInMemoryDeliversRecordsInOrder(t *testing.T) {
	p := newTestPartition(t)
	// The partition's high seqno bounds the backfill range, so it must
	// already cover the two records the store holds.
	require.Equal(t, partition.StatusOK, p.Set(k("a"), []byte("v1"), 0, 0, 0).Status)
	require.Equal(t, partition.StatusOK, p.Set(k("b"), []byte("v2"), 0, 0, 0).Status)
	store := &fakeDocStore{records: []docstore.Record{
		{Key: []byte("a"), Value: []byte("v1"), BySeqno: 1},
		{Key: []byte("b"), Value: []byte("v2"), BySeqno: 2},
	}}
	table := newFailoverTable(t)
	_, err := table.Promote(0)
	require.NoError(t, err)

	sink := &fakeSink{failAt: -1}
	s := NewStream("s1", p.VBID, p, store, table, sink, nil, false)

	resp := s.HandleStreamReq(&dcp.StreamReq{Start: 0, SnapEnd: 0})
	require.Equal(t, dcp.StreamStatusSuccess, resp.Status)

	ctx := context.Background()
	for i := 0; i < 10 && s.State() != StateInMemory; i++ {
		runAgain, _ := s.Run(ctx)
		if !runAgain {
			t.Fatalf("stream died unexpectedly in state %d", s.State())
		}
	}
	require.Equal(t, StateInMemory, s.State())

	var mutations []*dcp.Mutation
	for _, m := range sink.sent {
		if m.Type == dcp.EventMutation {
			mutations = append(mutations, m.Mutation)
		}
	}
	require.Len(t, mutations, 2)
	assert.Equal(t, "a", string(mutations[0].Key.Bytes))
	assert.Equal(t, int64(1), mutations[0].BySeqno)
	assert.Equal(t, "b", string(mutations[1].Key.Bytes))
	assert.Equal(t, int64(2), mutations[1].BySeqno)

	// A backfill snapshot marker must precede the mutations it brackets.
	require.Equal(t, dcp.EventSnapshotMarker, sink.sent[0].Type)
	assert.Equal(t, dcp.SnapshotDisk, sink.sent[0].SnapshotMarker.Flags)
}

func TestStream_InMemoryPhasePicksUpNewMutationAfterCatchingUp(t *testing.T) {
	p := newTestPartition(t)
	table := newFailoverTable(t)
	_, err := table.Promote(0)
	require.NoError(t, err)

	sink := &fakeSink{failAt: -1}
	s := NewStream("s1", p.VBID, p, &fakeDocStore{}, table, sink, nil, false)

	resp := s.HandleStreamReq(&dcp.StreamReq{Start: 0, SnapEnd: 0})
	require.Equal(t, dcp.StreamStatusSuccess, resp.Status)

	ctx := context.Background()
	runAgain, _ := s.Run(ctx) // Pending -> InMemory (no backlog)
	require.True(t, runAgain)
	require.Equal(t, StateInMemory, s.State())

	runAgain, _ = s.Run(ctx) // drains empty cursor, idles
	require.True(t, runAgain)

	require.Equal(t, partition.StatusOK, p.Set(k("c"), []byte("v3"), 0, 0, 0).Status)

	runAgain, _ = s.Run(ctx)
	require.True(t, runAgain)

	var mutations []*dcp.Mutation
	for _, m := range sink.sent {
		if m.Type == dcp.EventMutation {
			mutations = append(mutations, m.Mutation)
		}
	}
	require.Len(t, mutations, 1)
	assert.Equal(t, "c", string(mutations[0].Key.Bytes))
}

func TestStream_TakeoverHandoffTransitionsPartitionToDead(t *testing.T) {
	p := newTestPartition(t)
	table := newFailoverTable(t)
	_, err := table.Promote(0)
	require.NoError(t, err)

	sink := &fakeSink{failAt: -1}
	s := NewStream("s1", p.VBID, p, &fakeDocStore{}, table, sink, nil, true)

	resp := s.HandleStreamReq(&dcp.StreamReq{Start: 0, SnapEnd: 0})
	require.Equal(t, dcp.StreamStatusSuccess, resp.Status)

	ctx := context.Background()
	runAgain, _ := s.Run(ctx) // Pending -> InMemory
	require.True(t, runAgain)
	require.Equal(t, StateInMemory, s.State())

	runAgain, _ = s.Run(ctx) // empty batch, takeover set -> TakeoverSend
	require.True(t, runAgain)
	require.Equal(t, StateTakeoverSend, s.State())

	runAgain, _ = s.Run(ctx) // sends remaining items + SetVBucketState(pending)
	require.True(t, runAgain)
	require.Equal(t, StateTakeoverWait, s.State())

	var sawSetState bool
	for _, m := range sink.sent {
		if m.Type == dcp.EventSetVBucketState {
			sawSetState = true
			assert.Equal(t, "pending", m.SetVBucketState.State)
		}
	}
	assert.True(t, sawSetState)

	require.NoError(t, s.AckTakeover())
	assert.Equal(t, StateDead, s.State())
	assert.Equal(t, partition.StateDead, p.State())
}

func TestStream_AckTakeoverOutsideWaitStateFails(t *testing.T) {
	p := newTestPartition(t)
	table := newFailoverTable(t)
	_, err := table.Promote(0)
	require.NoError(t, err)

	s := NewStream("s1", p.VBID, p, &fakeDocStore{}, table, &fakeSink{failAt: -1}, nil, false)
	err = s.AckTakeover()
	assert.Error(t, err)
}

func TestStream_InMemorySendFailureTransitionsToDead(t *testing.T) {
	p := newTestPartition(t)

	table := newFailoverTable(t)
	_, err := table.Promote(0)
	require.NoError(t, err)

	sink := &fakeSink{failAt: 0} // fails on the very first send (the snapshot marker)
	s := NewStream("s1", p.VBID, p, &fakeDocStore{}, table, sink, nil, false)

	resp := s.HandleStreamReq(&dcp.StreamReq{Start: 0, SnapEnd: 0})
	require.Equal(t, dcp.StreamStatusSuccess, resp.Status)

	require.Equal(t, partition.StatusOK, p.Set(k("a"), []byte("v1"), 0, 0, 0).Status)

	ctx := context.Background()
	runAgain, _ := s.Run(ctx) // Pending -> InMemory (no backlog at req time)
	require.True(t, runAgain)
	require.Equal(t, StateInMemory, s.State())

	runAgain, _ = s.Run(ctx) // snapshot marker send fails
	assert.False(t, runAgain)
	assert.Equal(t, StateDead, s.State())
}

func TestStream_BufferFullBlocksSendUntilAcked(t *testing.T) {
	p := newTestPartition(t)

	table := newFailoverTable(t)
	_, err := table.Promote(0)
	require.NoError(t, err)

	buf := NewBufferLog(5) // smaller than the single item's value size
	sink := &fakeSink{failAt: -1}
	s := NewStream("s1", p.VBID, p, &fakeDocStore{}, table, sink, buf, false)

	resp := s.HandleStreamReq(&dcp.StreamReq{Start: 0, SnapEnd: 0})
	require.Equal(t, dcp.StreamStatusSuccess, resp.Status)

	require.Equal(t, partition.StatusOK, p.Set(k("a"), []byte("0123456789"), 0, 0, 0).Status)

	ctx := context.Background()
	runAgain, _ := s.Run(ctx) // Pending -> InMemory (no backlog at req time)
	require.True(t, runAgain)
	require.Equal(t, StateInMemory, s.State())

	runAgain, _ = s.Run(ctx) // snapshot marker sent, mutation insert fails buffer check
	require.True(t, runAgain)

	var mutations int
	for _, m := range sink.sent {
		if m.Type == dcp.EventMutation {
			mutations++
		}
	}
	assert.Equal(t, 0, mutations, "the mutation must not be sent while the buffer log reports no space")
}

func TestQueuedItemToMessage_SystemEventCarriesCollectionNameAndKind(t *testing.T) {
	item := &checkpoint.QueuedItem{
		Kind: checkpoint.KindSystemEvent, CollectionName: "widgets", Revision: 3,
		SystemEventKind: uint8(dcp.SystemEventCreateCollection), BySeqno: 9,
	}
	msg, ok := queuedItemToMessage(7, item)
	require.True(t, ok)
	require.Equal(t, dcp.EventSystemEvent, msg.Type)
	assert.Equal(t, "widgets", string(msg.SystemEvent.Key.Bytes))
	assert.Equal(t, dcp.SystemEventCreateCollection, msg.SystemEvent.Kind)
	assert.Equal(t, int64(9), msg.SystemEvent.BySeqno)
}

func TestRecordToMessage_DeletedRecordBecomesDeletion(t *testing.T) {
	rec := docstore.Record{Key: []byte("a"), BySeqno: 4, Deleted: true}
	msg := recordToMessage(7, rec)
	require.Equal(t, dcp.EventDeletion, msg.Type)
	assert.Equal(t, int64(4), msg.Deletion.BySeqno)
}

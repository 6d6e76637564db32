package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/kepler/internal/checkpoint"
	"github.com/cuemby/kepler/internal/collections"
	"github.com/cuemby/kepler/internal/dcp"
	"github.com/cuemby/kepler/internal/dcp/producer"
	"github.com/cuemby/kepler/internal/docstore"
	"github.com/cuemby/kepler/internal/failover"
	"github.com/cuemby/kepler/internal/hlc"
	"github.com/cuemby/kepler/internal/index"
	"github.com/cuemby/kepler/internal/index/bloom"
	"github.com/cuemby/kepler/internal/key"
	"github.com/cuemby/kepler/internal/partition"
)

// pipeStream is an in-process grpcStream: messages written with send
// are read back by the peer's recv, and vice versa, letting a test drive
// both ends of ServeProducer without a real network listener.
type pipeStream struct {
	out chan *wrapperspb.BytesValue
	in  chan *wrapperspb.BytesValue
}

func newPipe() (a, b *pipeStream) {
	c1 := make(chan *wrapperspb.BytesValue, 16)
	c2 := make(chan *wrapperspb.BytesValue, 16)
	return &pipeStream{out: c1, in: c2}, &pipeStream{out: c2, in: c1}
}

func (p *pipeStream) Send(m *wrapperspb.BytesValue) error {
	p.out <- m
	return nil
}

func (p *pipeStream) Recv() (*wrapperspb.BytesValue, error) {
	m, ok := <-p.in
	if !ok {
		return nil, io.EOF
	}
	return m, nil
}

func (p *pipeStream) Close() { close(p.out) }

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
		VBID: 3, HT: ht, Bloom: bf, Checkpoints: cp, Collections: eng, Clock: clock,
		Separator: []byte("::"),
	})
	require.NoError(t, p.SetState(partition.StateActive))
	return p
}

type fakeDocStore struct{ docstore.DocStore }

func (fakeDocStore) ScanBySeqno(ctx context.Context, from, to int64, fn func(docstore.Record) bool) error {
	return nil
}

// singleRouter always resolves to one pre-built stream, ignoring vbid.
type singleRouter struct {
	p      *partition.Partition
	table  *failover.Table
	stream *producer.Stream
}

func (r *singleRouter) Open(vbid uint16, sink producer.Sink) (*producer.Stream, error) {
	r.stream = producer.NewStream("t1", vbid, r.p, fakeDocStore{}, r.table, sink, nil, false)
	return r.stream, nil
}

func newFailoverTable(t *testing.T) *failover.Table {
	t.Helper()
	table, err := failover.Open(raft.NewInmemStore())
	require.NoError(t, err)
	_, err = table.Promote(0)
	require.NoError(t, err)
	return table
}

func TestConn_SendRecvRoundTrips(t *testing.T) {
	a, b := newPipe()
	connA := NewConn(a)
	connB := NewConn(b)

	msg := dcp.Message{Type: dcp.EventNoop, Noop: &dcp.Noop{}}
	require.NoError(t, connA.Send(msg))

	got, err := connB.Recv()
	require.NoError(t, err)
	assert.Equal(t, dcp.EventNoop, got.Type)
}

func TestServeProducer_RoutesStreamReqAndRepliesSuccess(t *testing.T) {
	p := newTestPartition(t)
	require.Equal(t, partition.StatusOK, p.Set(k("a"), []byte("v1"), 0, 0, 0).Status)

	server, client := newPipe()
	router := &singleRouter{p: p, table: newFailoverTable(t)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- ServeProducer(ctx, server, router) }()

	clientConn := NewConn(client)
	require.NoError(t, clientConn.Send(dcp.Message{
		Type:      dcp.EventStreamReq,
		StreamReq: &dcp.StreamReq{VBID: 3, Start: 0, SnapEnd: 0},
	}))

	resp, err := clientConn.Recv()
	require.NoError(t, err)
	require.Equal(t, dcp.EventAddStreamResponse, resp.Type)
	assert.Equal(t, dcp.StreamStatusSuccess, resp.AddStreamResponse.Status)

	var gotMutation bool
	deadline := time.After(2 * time.Second)
	for !gotMutation {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the streamed mutation")
		default:
		}
		msg, err := clientConn.Recv()
		require.NoError(t, err)
		if msg.Type == dcp.EventMutation {
			assert.Equal(t, "a", string(msg.Mutation.Key.Bytes))
			gotMutation = true
		}
	}

	cancel()
	client.Close()
	<-serveErrCh
}

func TestServeProducer_RollbackStopsBeforeStreamingData(t *testing.T) {
	p := newTestPartition(t)
	table := newFailoverTable(t)
	_, err := table.Promote(100) // a later failover entry the caller's start predates
	require.NoError(t, err)

	server, client := newPipe()
	router := &singleRouter{p: p, table: table}

	ctx := context.Background()
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- ServeProducer(ctx, server, router) }()

	clientConn := NewConn(client)
	require.NoError(t, clientConn.Send(dcp.Message{
		Type:      dcp.EventStreamReq,
		StreamReq: &dcp.StreamReq{VBID: 3, Start: 50, SnapEnd: 200},
	}))

	resp, err := clientConn.Recv()
	require.NoError(t, err)
	require.Equal(t, dcp.EventAddStreamResponse, resp.Type)
	assert.Equal(t, dcp.StreamStatusRollback, resp.AddStreamResponse.Status)
	assert.Equal(t, int64(100), resp.AddStreamResponse.RollbackTo)

	require.NoError(t, <-serveErrCh)
}

func TestServeProducer_RejectsNonStreamReqFirstFrame(t *testing.T) {
	server, client := newPipe()
	router := &singleRouter{p: newTestPartition(t), table: newFailoverTable(t)}

	ctx := context.Background()
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- ServeProducer(ctx, server, router) }()

	clientConn := NewConn(client)
	require.NoError(t, clientConn.Send(dcp.Message{Type: dcp.EventNoop, Noop: &dcp.Noop{}}))

	err := <-serveErrCh
	require.Error(t, err)
}

func TestServeProducer_BufferAckAppliesToStream(t *testing.T) {
	p := newTestPartition(t)
	require.Equal(t, partition.StatusOK, p.Set(k("a"), []byte("0123456789"), 0, 0, 0).Status)

	server, client := newPipe()
	router := &singleRouter{p: p, table: newFailoverTable(t)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- ServeProducer(ctx, server, router) }()

	clientConn := NewConn(client)
	require.NoError(t, clientConn.Send(dcp.Message{
		Type:      dcp.EventStreamReq,
		StreamReq: &dcp.StreamReq{VBID: 3, Start: 0, SnapEnd: 0},
	}))

	resp, err := clientConn.Recv()
	require.NoError(t, err)
	require.Equal(t, dcp.StreamStatusSuccess, resp.AddStreamResponse.Status)

	require.NoError(t, clientConn.Send(dcp.Message{
		Type:      dcp.EventBufferAck,
		BufferAck: &dcp.BufferAck{BytesAcked: 5},
	}))

	cancel()
	client.Close()
	<-serveErrCh
}

func TestConn_RecvSurfacesDecodeErrorOnMalformedFrame(t *testing.T) {
	a, b := newPipe()
	connB := NewConn(b)

	require.NoError(t, a.Send(wrapperspb.Bytes([]byte{0xFF})))
	_, err := connB.Recv()
	assert.Error(t, err)
}

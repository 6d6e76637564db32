package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kepler/internal/dcp"
	"github.com/cuemby/kepler/internal/key"
)

func roundTrip(t *testing.T, msg dcp.Message) dcp.Message {
	t.Helper()
	frame, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(frame)
	require.NoError(t, err)
	return decoded
}

func TestCodec_MutationRoundTrips(t *testing.T) {
	msg := dcp.Message{
		Type: dcp.EventMutation,
		Mutation: &dcp.Mutation{
			VBID:     7,
			Key:      key.New(key.DefaultCollection, []byte("widget-1")),
			Value:    []byte(`{"ok":true}`),
			Cas:      42,
			BySeqno:  100,
			RevSeqno: 2,
			Flags:    9,
			Exptime:  0,
		},
	}
	got := roundTrip(t, msg)
	require.NotNil(t, got.Mutation)
	assert.Equal(t, msg.Mutation, got.Mutation)
}

func TestCodec_DeletionRoundTrips(t *testing.T) {
	msg := dcp.Message{
		Type: dcp.EventDeletion,
		Deletion: &dcp.Deletion{
			VBID:     3,
			Key:      key.New(key.DefaultCollection, []byte("widget-2")),
			Cas:      7,
			BySeqno:  55,
			RevSeqno: 3,
		},
	}
	got := roundTrip(t, msg)
	require.NotNil(t, got.Deletion)
	assert.Equal(t, msg.Deletion, got.Deletion)
}

func TestCodec_StreamReqRoundTrips(t *testing.T) {
	var uuid [16]byte
	copy(uuid[:], []byte("0123456789abcdef"))
	msg := dcp.Message{
		Type: dcp.EventStreamReq,
		StreamReq: &dcp.StreamReq{
			VBID: 1, Flags: 0, Start: 10, End: -1,
			VBUUID: uuid, SnapStart: 10, SnapEnd: 20,
		},
	}
	got := roundTrip(t, msg)
	require.NotNil(t, got.StreamReq)
	assert.Equal(t, msg.StreamReq, got.StreamReq)
}

func TestCodec_AddStreamResponseRollbackRoundTrips(t *testing.T) {
	msg := dcp.Message{
		Type: dcp.EventAddStreamResponse,
		AddStreamResponse: &dcp.AddStreamResponse{
			Opaque: 99, Status: dcp.StreamStatusRollback, RollbackTo: 12,
		},
	}
	got := roundTrip(t, msg)
	require.NotNil(t, got.AddStreamResponse)
	assert.Equal(t, msg.AddStreamResponse, got.AddStreamResponse)
}

func TestCodec_SnapshotMarkerRoundTrips(t *testing.T) {
	msg := dcp.Message{
		Type: dcp.EventSnapshotMarker,
		SnapshotMarker: &dcp.SnapshotMarker{
			VBID: 2, Start: 1, End: 10, Flags: dcp.SnapshotMemory | dcp.SnapshotAck,
		},
	}
	got := roundTrip(t, msg)
	require.NotNil(t, got.SnapshotMarker)
	assert.Equal(t, msg.SnapshotMarker, got.SnapshotMarker)
}

func TestCodec_SystemEventRoundTrips(t *testing.T) {
	msg := dcp.Message{
		Type: dcp.EventSystemEvent,
		SystemEvent: &dcp.SystemEvent{
			VBID: 4, Kind: dcp.SystemEventCreateCollection, BySeqno: 8,
			Key: key.New(key.System, []byte("$collections::create:widgets")), Data: []byte{0, 0, 0, 1},
		},
	}
	got := roundTrip(t, msg)
	require.NotNil(t, got.SystemEvent)
	assert.Equal(t, msg.SystemEvent, got.SystemEvent)
}

func TestCodec_SetVBucketStateRoundTrips(t *testing.T) {
	msg := dcp.Message{
		Type:            dcp.EventSetVBucketState,
		SetVBucketState: &dcp.SetVBucketState{VBID: 5, State: "pending"},
	}
	got := roundTrip(t, msg)
	require.NotNil(t, got.SetVBucketState)
	assert.Equal(t, msg.SetVBucketState, got.SetVBucketState)
}

func TestCodec_StreamEndRoundTrips(t *testing.T) {
	msg := dcp.Message{
		Type:      dcp.EventStreamEnd,
		StreamEnd: &dcp.StreamEnd{VBID: 6, Flag: dcp.StreamEndStateChanged},
	}
	got := roundTrip(t, msg)
	require.NotNil(t, got.StreamEnd)
	assert.Equal(t, msg.StreamEnd, got.StreamEnd)
}

func TestCodec_NoopAndBufferAckRoundTrip(t *testing.T) {
	noop := roundTrip(t, dcp.Message{Type: dcp.EventNoop})
	assert.NotNil(t, noop.Noop)

	ack := roundTrip(t, dcp.Message{Type: dcp.EventBufferAck, BufferAck: &dcp.BufferAck{BytesAcked: 4096}})
	require.NotNil(t, ack.BufferAck)
	assert.Equal(t, uint32(4096), ack.BufferAck.BytesAcked)
}

func TestCodec_DecodeRejectsTruncatedFrame(t *testing.T) {
	frame, err := Encode(dcp.Message{Type: dcp.EventMutation, Mutation: &dcp.Mutation{
		VBID: 1, Key: key.New(key.DefaultCollection, []byte("a")), Value: []byte("v"),
	}})
	require.NoError(t, err)

	_, err = Decode(frame[:len(frame)-2])
	assert.Error(t, err)
}

func TestCodec_DecodeRejectsUnknownEventType(t *testing.T) {
	_, err := Decode([]byte{0xFF})
	assert.Error(t, err)
}

// Package dcp defines the streaming replication wire protocol: binary-
// framed messages with a common header and event discriminator. The
// BufferLog flow-control primitive lives in the producer package.
package dcp

import "github.com/cuemby/kepler/internal/key"

// EventType discriminates a DCP message's payload.
type EventType uint8

const (
	EventStreamReq EventType = iota
	EventAddStreamResponse
	EventSnapshotMarker
	EventMutation
	EventDeletion
	EventStreamEnd
	EventSetVBucketState
	EventSystemEvent
	EventNoop
	EventBufferAck
)

// SystemEventKind enumerates the collection lifecycle events that ride
// the replication stream as SystemEvent messages.
type SystemEventKind uint8

const (
	SystemEventCreateCollection SystemEventKind = iota
	SystemEventBeginDeleteCollection
	SystemEventDeleteCollectionHard
	SystemEventDeleteCollectionSoft
	SystemEventCollectionsSeparatorChanged
)

// SnapshotFlags are the bitwise SnapshotMarker flags: memory, disk,
// checkpoint, and ack.
type SnapshotFlags uint32

const (
	SnapshotMemory SnapshotFlags = 1 << iota
	SnapshotDisk
	SnapshotCheckpoint
	SnapshotAck
)

// StreamEndFlag explains why a stream closed.
type StreamEndFlag uint32

const (
	StreamEndOK StreamEndFlag = iota
	StreamEndClosed
	StreamEndStateChanged
	StreamEndDisconnected
)

// StreamReq opens (or negotiates rollback for) a replica stream over
// one partition, .
type StreamReq struct {
	VBID      uint16
	Flags     uint32
	Start     int64
	End       int64
	VBUUID    [16]byte
	SnapStart int64
	SnapEnd   int64
}

// AddStreamResponse answers a StreamReq: either success (opaque
// identifies the stream for subsequent messages) or a rollback
// request carrying the seqno the consumer must roll back to before
// retrying.
type AddStreamResponse struct {
	Opaque     uint32
	Status     StreamStatus
	RollbackTo int64
}

// StreamStatus is AddStreamResponse's outcome.
type StreamStatus uint8

const (
	StreamStatusSuccess StreamStatus = iota
	StreamStatusRollback
	StreamStatusNotMyVBucket
)

// SnapshotMarker brackets a group of Mutation/Deletion/SystemEvent
// messages the consumer must apply atomically.
type SnapshotMarker struct {
	VBID  uint16
	Start int64
	End   int64
	Flags SnapshotFlags
}

// Mutation carries one Set, Mutation body.
type Mutation struct {
	VBID     uint16
	Key      key.Key
	Value    []byte
	Cas      uint64
	BySeqno  int64
	RevSeqno uint64
	Flags    uint32
	Exptime  uint32
}

// Deletion carries one tombstone.
type Deletion struct {
	VBID     uint16
	Key      key.Key
	Cas      uint64
	BySeqno  int64
	RevSeqno uint64
}

// SystemEvent carries one collection-lifecycle event.
type SystemEvent struct {
	VBID    uint16
	Kind    SystemEventKind
	BySeqno int64
	Key     key.Key
	Data    []byte
}

// SetVBucketState announces a takeover target's new state, the message
// a takeover-send phase emits once its producer reaches the takeover
// point: SetVBucketState(pending) on the source, SetVBucketState(active)
// once the consumer has caught up.
type SetVBucketState struct {
	VBID  uint16
	State string
}

// StreamEnd closes a stream.
type StreamEnd struct {
	VBID uint16
	Flag StreamEndFlag
}

// Noop is the flow-control keepalive sent when no other traffic
// crosses the stream within noopInterval.
type Noop struct{}

// BufferAck acknowledges bytesAcked worth of consumed stream data,
// driving the producer-side BufferLog back toward SpaceAvailable.
type BufferAck struct {
	BytesAcked uint32
}

// Message is the envelope every frame on a DCP stream carries: exactly
// one of the typed payload fields is non-nil, selected by Type.
type Message struct {
	Type EventType

	StreamReq         *StreamReq
	AddStreamResponse *AddStreamResponse
	SnapshotMarker    *SnapshotMarker
	Mutation          *Mutation
	Deletion          *Deletion
	SystemEvent       *SystemEvent
	SetVBucketState   *SetVBucketState
	StreamEnd         *StreamEnd
	Noop              *Noop
	BufferAck         *BufferAck
}

// Package wire encodes and decodes dcp.Message frames to a
// length-prefixed binary layout: a common header and event
// discriminator followed by a type-specific body. The frame
// bytes are what travels inside the transport's wrapperspb.BytesValue
// payload (internal/dcp/transport) — this package owns the payload
// format, not the RPC framing.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/kepler/internal/dcp"
	"github.com/cuemby/kepler/internal/key"
)

func putUint16(buf *bytes.Buffer, v uint16) { binary.Write(buf, binary.BigEndian, v) }
func putUint32(buf *bytes.Buffer, v uint32) { binary.Write(buf, binary.BigEndian, v) }
func putUint64(buf *bytes.Buffer, v uint64) { binary.Write(buf, binary.BigEndian, v) }
func putInt64(buf *bytes.Buffer, v int64)   { binary.Write(buf, binary.BigEndian, v) }

func putBytes(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func putKey(buf *bytes.Buffer, k key.Key) {
	buf.WriteByte(byte(k.Namespace))
	putBytes(buf, k.Bytes)
}

type reader struct {
	b   []byte
	pos int
	err error
}

func (r *reader) need(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.b) {
		r.err = fmt.Errorf("wire: short frame, need %d bytes at offset %d of %d", n, r.pos, len(r.b))
		return nil
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) uint16() uint16 {
	b := r.need(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.need(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.need(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) int64() int64 { return int64(r.uint64()) }

func (r *reader) bytes() []byte {
	n := r.uint32()
	b := r.need(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) key() key.Key {
	nsByte := r.need(1)
	var ns key.Namespace
	if nsByte != nil {
		ns = key.Namespace(nsByte[0])
	}
	return key.New(ns, r.bytes())
}

func (r *reader) str() string { return string(r.bytes()) }

// Encode serializes msg into its binary frame. The first byte is the
// EventType discriminator; the remainder is the payload named by Type.
func Encode(msg dcp.Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(msg.Type))

	switch msg.Type {
	case dcp.EventStreamReq:
		m := msg.StreamReq
		if m == nil {
			return nil, fmt.Errorf("wire: EventStreamReq with nil payload")
		}
		putUint16(&buf, m.VBID)
		putUint32(&buf, m.Flags)
		putInt64(&buf, m.Start)
		putInt64(&buf, m.End)
		buf.Write(m.VBUUID[:])
		putInt64(&buf, m.SnapStart)
		putInt64(&buf, m.SnapEnd)

	case dcp.EventAddStreamResponse:
		m := msg.AddStreamResponse
		if m == nil {
			return nil, fmt.Errorf("wire: EventAddStreamResponse with nil payload")
		}
		putUint32(&buf, m.Opaque)
		buf.WriteByte(byte(m.Status))
		putInt64(&buf, m.RollbackTo)

	case dcp.EventSnapshotMarker:
		m := msg.SnapshotMarker
		if m == nil {
			return nil, fmt.Errorf("wire: EventSnapshotMarker with nil payload")
		}
		putUint16(&buf, m.VBID)
		putInt64(&buf, m.Start)
		putInt64(&buf, m.End)
		putUint32(&buf, uint32(m.Flags))

	case dcp.EventMutation:
		m := msg.Mutation
		if m == nil {
			return nil, fmt.Errorf("wire: EventMutation with nil payload")
		}
		putUint16(&buf, m.VBID)
		putKey(&buf, m.Key)
		putBytes(&buf, m.Value)
		putUint64(&buf, m.Cas)
		putInt64(&buf, m.BySeqno)
		putUint64(&buf, m.RevSeqno)
		putUint32(&buf, m.Flags)
		putUint32(&buf, m.Exptime)

	case dcp.EventDeletion:
		m := msg.Deletion
		if m == nil {
			return nil, fmt.Errorf("wire: EventDeletion with nil payload")
		}
		putUint16(&buf, m.VBID)
		putKey(&buf, m.Key)
		putUint64(&buf, m.Cas)
		putInt64(&buf, m.BySeqno)
		putUint64(&buf, m.RevSeqno)

	case dcp.EventSystemEvent:
		m := msg.SystemEvent
		if m == nil {
			return nil, fmt.Errorf("wire: EventSystemEvent with nil payload")
		}
		putUint16(&buf, m.VBID)
		buf.WriteByte(byte(m.Kind))
		putInt64(&buf, m.BySeqno)
		putKey(&buf, m.Key)
		putBytes(&buf, m.Data)

	case dcp.EventSetVBucketState:
		m := msg.SetVBucketState
		if m == nil {
			return nil, fmt.Errorf("wire: EventSetVBucketState with nil payload")
		}
		putUint16(&buf, m.VBID)
		putBytes(&buf, []byte(m.State))

	case dcp.EventStreamEnd:
		m := msg.StreamEnd
		if m == nil {
			return nil, fmt.Errorf("wire: EventStreamEnd with nil payload")
		}
		putUint16(&buf, m.VBID)
		putUint32(&buf, uint32(m.Flag))

	case dcp.EventNoop:
		// no payload

	case dcp.EventBufferAck:
		m := msg.BufferAck
		if m == nil {
			return nil, fmt.Errorf("wire: EventBufferAck with nil payload")
		}
		putUint32(&buf, m.BytesAcked)

	default:
		return nil, fmt.Errorf("wire: unknown event type %d", msg.Type)
	}

	return buf.Bytes(), nil
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (dcp.Message, error) {
	if len(frame) < 1 {
		return dcp.Message{}, fmt.Errorf("wire: empty frame")
	}
	typ := dcp.EventType(frame[0])
	r := &reader{b: frame, pos: 1}

	var msg dcp.Message
	msg.Type = typ

	switch typ {
	case dcp.EventStreamReq:
		m := &dcp.StreamReq{}
		m.VBID = r.uint16()
		m.Flags = r.uint32()
		m.Start = r.int64()
		m.End = r.int64()
		copy(m.VBUUID[:], r.need(16))
		m.SnapStart = r.int64()
		m.SnapEnd = r.int64()
		msg.StreamReq = m

	case dcp.EventAddStreamResponse:
		m := &dcp.AddStreamResponse{}
		m.Opaque = r.uint32()
		status := r.need(1)
		if status != nil {
			m.Status = dcp.StreamStatus(status[0])
		}
		m.RollbackTo = r.int64()
		msg.AddStreamResponse = m

	case dcp.EventSnapshotMarker:
		m := &dcp.SnapshotMarker{}
		m.VBID = r.uint16()
		m.Start = r.int64()
		m.End = r.int64()
		m.Flags = dcp.SnapshotFlags(r.uint32())
		msg.SnapshotMarker = m

	case dcp.EventMutation:
		m := &dcp.Mutation{}
		m.VBID = r.uint16()
		m.Key = r.key()
		m.Value = r.bytes()
		m.Cas = r.uint64()
		m.BySeqno = r.int64()
		m.RevSeqno = r.uint64()
		m.Flags = r.uint32()
		m.Exptime = r.uint32()
		msg.Mutation = m

	case dcp.EventDeletion:
		m := &dcp.Deletion{}
		m.VBID = r.uint16()
		m.Key = r.key()
		m.Cas = r.uint64()
		m.BySeqno = r.int64()
		m.RevSeqno = r.uint64()
		msg.Deletion = m

	case dcp.EventSystemEvent:
		m := &dcp.SystemEvent{}
		m.VBID = r.uint16()
		kindByte := r.need(1)
		if kindByte != nil {
			m.Kind = dcp.SystemEventKind(kindByte[0])
		}
		m.BySeqno = r.int64()
		m.Key = r.key()
		m.Data = r.bytes()
		msg.SystemEvent = m

	case dcp.EventSetVBucketState:
		m := &dcp.SetVBucketState{}
		m.VBID = r.uint16()
		m.State = r.str()
		msg.SetVBucketState = m

	case dcp.EventStreamEnd:
		m := &dcp.StreamEnd{}
		m.VBID = r.uint16()
		m.Flag = dcp.StreamEndFlag(r.uint32())
		msg.StreamEnd = m

	case dcp.EventNoop:
		msg.Noop = &dcp.Noop{}

	case dcp.EventBufferAck:
		m := &dcp.BufferAck{}
		m.BytesAcked = r.uint32()
		msg.BufferAck = m

	default:
		return dcp.Message{}, fmt.Errorf("wire: unknown event type %d", typ)
	}

	if r.err != nil {
		return dcp.Message{}, r.err
	}
	return msg, nil
}

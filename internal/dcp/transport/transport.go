// Package transport carries internal/dcp messages over a gRPC bidi
// stream. No protobuf service is generated for this engine, so the
// stream's single RPC is wired by hand against a grpc.ServiceDesc and
// each frame is a wrapperspb.BytesValue holding a wire-encoded
// dcp.Message. This keeps the wire codec in internal/dcp/wire the only
// place that understands the message layout; gRPC here only supplies
// framing, multiplexing, and transport security.
package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/kepler/internal/dcp"
	"github.com/cuemby/kepler/internal/dcp/producer"
	"github.com/cuemby/kepler/internal/dcp/wire"
	"github.com/cuemby/kepler/internal/elog"
)

const (
	serviceName  = "kepler.dcp.Replication"
	streamMethod = "Stream"

	// FullMethod is the gRPC method name dialed by OpenClientStream,
	// exported so callers constructing their own *grpc.ClientConn.NewStream
	// call (e.g. with custom call options) don't have to reconstruct it.
	FullMethod = "/" + serviceName + "/" + streamMethod
)

// grpcStream is the minimal bidi-stream surface both the server and
// client sides of a Conn need. *grpc.ClientStream and grpc.ServerStream
// both satisfy it once wrapped below, via SendMsg/RecvMsg against a
// single concrete message type.
type grpcStream interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
}

// Conn wraps a grpcStream, encoding/decoding internal/dcp messages with
// internal/dcp/wire on each Send/Recv.
type Conn struct {
	stream grpcStream
}

// NewConn wraps an already-established bidi stream.
func NewConn(stream grpcStream) *Conn { return &Conn{stream: stream} }

// Send encodes and writes one message. Satisfies producer.Sink.
func (c *Conn) Send(msg dcp.Message) error {
	b, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("dcp transport: encode: %w", err)
	}
	if err := c.stream.Send(wrapperspb.Bytes(b)); err != nil {
		return fmt.Errorf("dcp transport: send: %w", err)
	}
	return nil
}

// Recv reads and decodes the next message, or io.EOF once the peer
// closes its send side.
func (c *Conn) Recv() (dcp.Message, error) {
	frame, err := c.stream.Recv()
	if err != nil {
		return dcp.Message{}, err
	}
	msg, err := wire.Decode(frame.GetValue())
	if err != nil {
		return dcp.Message{}, fmt.Errorf("dcp transport: decode: %w", err)
	}
	return msg, nil
}

// ReplicationServer is the hand-written equivalent of a generated gRPC
// service interface: one bidi-streaming RPC carrying dcp.Message frames.
type ReplicationServer interface {
	Stream(grpcStream) error
}

// ProducerServer is the concrete ReplicationServer a binary registers
// against a *grpc.Server: each accepted connection is handed to
// ServeProducer against Router. Exported so cmd/keplerd (or any other
// caller outside this package) can wire a gRPC server without needing
// to name the unexported grpcStream type itself.
type ProducerServer struct {
	Router ProducerRouter
}

// Stream implements ReplicationServer.
func (p ProducerServer) Stream(stream grpcStream) error {
	return ServeProducer(context.Background(), stream, p.Router)
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ReplicationServer).Stream(serverStream{stream})
}

// ServiceDesc registers ReplicationServer against a *grpc.Server the way
// a generated _grpc.pb.go file would: grpc.Server.RegisterService(&ServiceDesc, impl).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReplicationServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamMethod,
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "internal/dcp/transport",
}

type serverStream struct{ grpc.ServerStream }

func (s serverStream) Send(m *wrapperspb.BytesValue) error { return s.ServerStream.SendMsg(m) }

func (s serverStream) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type clientStream struct{ grpc.ClientStream }

func (c clientStream) Send(m *wrapperspb.BytesValue) error { return c.ClientStream.SendMsg(m) }

func (c clientStream) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// OpenClientStream opens the Replication service's single RPC against cc
// and returns a Conn ready to carry dcp.Message frames.
func OpenClientStream(ctx context.Context, cc grpc.ClientConnInterface) (*Conn, error) {
	cs, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod)
	if err != nil {
		return nil, fmt.Errorf("dcp transport: open stream: %w", err)
	}
	return NewConn(clientStream{cs}), nil
}

// ProducerRouter resolves an inbound StreamReq's vbucket to the
// producer.Stream that should serve it, already wired to write replies
// through sink (normally the Conn accepting the connection).
type ProducerRouter interface {
	Open(vbid uint16, sink producer.Sink) (*producer.Stream, error)
}

// runPollCap bounds how long ServeProducer waits on a Stream.Run sleep
// hint before checking ctx/the ack-reader goroutine again.
const runPollCap = 2 * time.Second

// ServeProducer drives one accepted producer-side connection: it expects
// the first frame to be a StreamReq, resolves the target partition via
// router, answers with AddStreamResponse, and then drives the resulting
// Stream's Run loop until the stream dies, the connection closes, or ctx
// is cancelled. Inbound BufferAck frames are applied to the stream's
// flow-control window concurrently with Run.
func ServeProducer(ctx context.Context, stream grpcStream, router ProducerRouter) error {
	logger := elog.WithComponent("dcp.transport")
	conn := NewConn(stream)

	first, err := conn.Recv()
	if err != nil {
		return err
	}
	if first.Type != dcp.EventStreamReq || first.StreamReq == nil {
		return status.Error(codes.InvalidArgument, "dcp: first frame on a producer stream must be StreamReq")
	}

	s, err := router.Open(first.StreamReq.VBID, conn)
	if err != nil {
		return status.Errorf(codes.NotFound, "dcp: %v", err)
	}

	resp := s.HandleStreamReq(first.StreamReq)
	if err := conn.Send(dcp.Message{Type: dcp.EventAddStreamResponse, AddStreamResponse: resp}); err != nil {
		return err
	}
	if resp.Status != dcp.StreamStatusSuccess {
		return nil
	}

	recvErrCh := make(chan error, 1)
	go func() {
		for {
			msg, err := conn.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			switch msg.Type {
			case dcp.EventBufferAck:
				if msg.BufferAck != nil {
					s.Ack(msg.BufferAck.BytesAcked)
				}
			case dcp.EventSetVBucketState:
				// the consumer's ack of a takeover handoff.
				if err := s.AckTakeover(); err != nil {
					logger.Warn().Err(err).Msg("takeover ack rejected")
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErrCh:
			if err == io.EOF {
				return nil
			}
			return err
		default:
		}

		runAgain, sleep := s.Run(ctx)
		if !runAgain {
			return nil
		}
		if sleep <= 0 {
			continue
		}
		if sleep > runPollCap {
			sleep = runPollCap
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErrCh:
			if err == io.EOF {
				return nil
			}
			return err
		case <-time.After(sleep):
		}
	}
}

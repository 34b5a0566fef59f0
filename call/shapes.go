package call

import (
	"context"
	"io"

	"triple-rpc/codec"
	"triple-rpc/metadata"
	"triple-rpc/status"
	"triple-rpc/transport"
)

// Invoke runs a unary call: exactly one request, exactly one response.
// A second inbound message is a protocol violation and resets the stream.
func Invoke(ctx context.Context, conn *transport.Conn, desc *codec.MethodDescriptor, md metadata.MD, req any, cfg Config) (any, error) {
	c, err := New(ctx, conn, desc, md, cfg)
	if err != nil {
		return nil, err
	}
	// A send that fails because the stream already ended falls through to
	// Recv, which surfaces the peer's status.
	if err := c.Send(req); err != nil && err != ErrSendFailed {
		return nil, err
	}
	c.CloseSend()

	reply, err := c.Recv()
	if err == io.EOF {
		return nil, c.fail(status.New(status.Internal, "unary call ended without a response message"))
	}
	if err != nil {
		return nil, err
	}

	if _, err := c.Recv(); err != io.EOF {
		if err == nil {
			return nil, c.fail(status.New(status.Internal, "unary call received more than one response message"))
		}
		return nil, err
	}
	return reply, nil
}

// ClientStream is the caller's view of a client-streaming call.
type ClientStream struct {
	c *Call
}

// NewClientStream starts a client-streaming call.
func NewClientStream(ctx context.Context, conn *transport.Conn, desc *codec.MethodDescriptor, md metadata.MD, cfg Config) (*ClientStream, error) {
	c, err := New(ctx, conn, desc, md, cfg)
	if err != nil {
		return nil, err
	}
	return &ClientStream{c: c}, nil
}

// Send pushes one request message.
func (s *ClientStream) Send(v any) error { return s.c.Send(v) }

// CloseAndRecv half-closes the outbound direction and waits for the single
// response.
func (s *ClientStream) CloseAndRecv() (any, error) {
	s.c.CloseSend()
	reply, err := s.c.Recv()
	if err == io.EOF {
		return nil, s.c.fail(status.New(status.Internal, "client-stream call ended without a response message"))
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.c.Recv(); err != io.EOF {
		if err == nil {
			return nil, s.c.fail(status.New(status.Internal, "client-stream call received more than one response message"))
		}
		return nil, err
	}
	return reply, nil
}

// Cancel aborts the call.
func (s *ClientStream) Cancel() { s.c.Cancel() }

// ServerStream is the caller's view of a server-streaming call.
type ServerStream struct {
	c *Call
}

// NewServerStream starts a server-streaming call: the single request is
// sent and the outbound half closed before this returns.
func NewServerStream(ctx context.Context, conn *transport.Conn, desc *codec.MethodDescriptor, md metadata.MD, req any, cfg Config) (*ServerStream, error) {
	c, err := New(ctx, conn, desc, md, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Send(req); err != nil && err != ErrSendFailed {
		return nil, err
	}
	c.CloseSend()
	return &ServerStream{c: c}, nil
}

// Recv returns the next response; io.EOF after the final one.
func (s *ServerStream) Recv() (any, error) { return s.c.Recv() }

// Cancel aborts the call; no further messages are delivered.
func (s *ServerStream) Cancel() { s.c.Cancel() }

// Trailer exposes response trailers after the stream ended.
func (s *ServerStream) Trailer() metadata.MD { return s.c.Trailer() }

// BidiStream is the caller's view of a bidirectional-streaming call.
// Both halves close independently: CloseSend ends the outbound direction
// while Recv keeps draining the inbound one.
type BidiStream struct {
	c *Call
}

// NewBidiStream starts a bidirectional-streaming call.
func NewBidiStream(ctx context.Context, conn *transport.Conn, desc *codec.MethodDescriptor, md metadata.MD, cfg Config) (*BidiStream, error) {
	c, err := New(ctx, conn, desc, md, cfg)
	if err != nil {
		return nil, err
	}
	return &BidiStream{c: c}, nil
}

func (s *BidiStream) Send(v any) error     { return s.c.Send(v) }
func (s *BidiStream) CloseSend() error     { return s.c.CloseSend() }
func (s *BidiStream) Recv() (any, error)   { return s.c.Recv() }
func (s *BidiStream) Cancel()              { s.c.Cancel() }
func (s *BidiStream) Trailer() metadata.MD { return s.c.Trailer() }

// Status exposes the terminal status of the underlying call.
func (s *BidiStream) Status() *status.Status { return s.c.Status() }

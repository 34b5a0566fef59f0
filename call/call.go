// Package call implements the client-side call engine: it maps the four
// Triple call patterns onto HTTP/2 streams and translates headers,
// trailers, deadlines, and resets into a single terminal status per call.
//
// Caller goroutines stay synchronous. Sends push framed messages into the
// stream's request body and block on HTTP/2 flow control; receives pull
// framed messages off the response body until trailers end the sequence.
package call

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"triple-rpc/codec"
	"triple-rpc/framing"
	"triple-rpc/metadata"
	"triple-rpc/status"
	"triple-rpc/stream"
	"triple-rpc/transport"
)

// Header names owned by the protocol; attachments may not override them.
const (
	headerContentType = "content-type"
	headerTE          = "te"
	headerUserAgent   = "user-agent"
	headerTimeout     = "grpc-timeout"
	headerStatus      = "grpc-status"
	headerMessage     = "grpc-message"
	headerRequestID   = "tri-request-id"

	contentTypePrefix = "application/grpc"
	defaultUserAgent  = "triple-go/1.0"
)

// ErrSendFailed reports that a message could not be written because the
// stream ended underneath the sender. The call's terminal status is
// discovered by the next Recv.
var ErrSendFailed = errors.New("call: send failed, stream already ended")

var reservedHeaders = map[string]bool{
	headerContentType: true,
	headerTE:          true,
	headerTimeout:     true,
	headerStatus:      true,
	headerMessage:     true,
}

// Config is per-call engine configuration supplied by the client façade.
type Config struct {
	UserAgent      string
	MaxMessageSize int
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = framing.DefaultMaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Call is one in-flight invocation. It is not safe for concurrent Send or
// concurrent Recv, matching the per-direction ordering contract; Send and
// Recv may run on different goroutines.
type Call struct {
	desc      *codec.MethodDescriptor
	cfg       Config
	requestID string

	ctx    context.Context
	cancel context.CancelCauseFunc

	body *io.PipeWriter

	respOnce  sync.Once
	respReady chan struct{}
	resp      *http.Response
	respErr   error

	dec     *framing.Decoder
	readBuf []byte

	sendMu     sync.Mutex
	sendClosed bool

	stMu     sync.Mutex
	st       *status.Status // terminal status; nil while the call is live
	recvDone bool
}

// New opens a stream on conn for desc and sends request headers. md values
// travel as HTTP/2 headers; reserved protocol headers in md are dropped.
func New(ctx context.Context, conn *transport.Conn, desc *codec.MethodDescriptor, md metadata.MD, cfg Config) (*Call, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancelCause(ctx)

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+conn.Addr()+desc.Path(), pr)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	c := &Call{
		desc:      desc,
		cfg:       cfg,
		requestID: uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		body:      pw,
		respReady: make(chan struct{}),
		dec:       framing.NewDecoder(cfg.MaxMessageSize),
		readBuf:   make([]byte, 32*1024),
	}

	req.Header.Set(headerContentType, contentTypePrefix+"+"+desc.ContentSubtype())
	req.Header.Set(headerTE, "trailers")
	req.Header.Set(headerUserAgent, cfg.UserAgent)
	req.Header.Set(headerRequestID, c.requestID)
	if deadline, ok := ctx.Deadline(); ok {
		req.Header.Set(headerTimeout, EncodeTimeout(time.Until(deadline)))
	}
	for k, vs := range md {
		if reservedHeaders[k] {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	// The round trip returns when response headers arrive; request body
	// frames stream concurrently on this goroutine's stream.
	go func() {
		resp, rtErr := conn.RoundTrip(req)
		c.respOnce.Do(func() {
			c.resp, c.respErr = resp, rtErr
			close(c.respReady)
		})
	}()

	cfg.Logger.Debug("call opened",
		zap.String("path", desc.Path()),
		zap.String("kind", desc.Kind.String()),
		zap.String("request-id", c.requestID))
	return c, nil
}

// Send serializes one message and writes its frame. It blocks while the
// HTTP/2 flow-control window is exhausted.
func (c *Call) Send(v any) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return stream.ErrClosedStream
	}
	if st := c.Status(); st != nil {
		if st.Code() == status.OK {
			return ErrSendFailed
		}
		return st.Err()
	}

	payload, err := c.desc.Request.Marshal(v)
	if err != nil {
		return c.fail(status.Newf(status.Internal, "serialize request: %v", err).WithCause(err))
	}
	if len(payload) > c.cfg.MaxMessageSize {
		return c.fail(status.Newf(status.ResourceExhausted,
			"request message of %d bytes exceeds limit %d", len(payload), c.cfg.MaxMessageSize))
	}
	if _, err := c.body.Write(framing.Encode(payload, false)); err != nil {
		// The peer may already have finished the call (trailers-only
		// response, early reset). The authoritative status comes from Recv,
		// so the terminal slot stays untouched here.
		return ErrSendFailed
	}
	return nil
}

// CloseSend half-closes the outbound direction. Idempotent.
func (c *Call) CloseSend() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return nil
	}
	c.sendClosed = true
	return c.body.Close()
}

// Recv returns the next response message. The end of the sequence surfaces
// as io.EOF when the peer finished with OK, or as the non-OK status error.
func (c *Call) Recv() (any, error) {
	select {
	case <-c.respReady:
	case <-c.ctx.Done():
		return nil, c.fail(c.ctxStatus())
	}
	if c.respErr != nil {
		return nil, c.fail(c.transportStatus(c.respErr))
	}
	if st := c.terminalOrNil(); st != nil {
		return nil, c.endRecv(st)
	}

	resp := c.resp
	if resp.StatusCode != http.StatusOK {
		return nil, c.endRecv(status.FromHTTPStatus(resp.StatusCode))
	}

	for {
		if f, err := c.dec.Next(); err != nil {
			// Malformed frame: local protocol violation, reset the stream.
			return nil, c.endRecv(status.Newf(status.Internal, "malformed frame: %v", err).WithCause(err))
		} else if f != nil {
			if f.Compressed {
				return nil, c.endRecv(status.New(status.Unimplemented,
					"compressed response received but no decompressor is installed"))
			}
			v, err := c.desc.Response.Unmarshal(f.Payload)
			if err != nil {
				return nil, c.endRecv(status.Newf(status.Internal, "deserialize response: %v", err).WithCause(err))
			}
			return v, nil
		}

		n, err := resp.Body.Read(c.readBuf)
		if n > 0 {
			c.dec.Write(c.readBuf[:n])
			continue
		}
		if err == io.EOF {
			if c.dec.Buffered() > 0 {
				return nil, c.endRecv(status.New(status.Internal, "stream ended inside a frame"))
			}
			return nil, c.endRecv(c.trailerStatus(resp))
		}
		if err != nil {
			if c.ctx.Err() != nil {
				return nil, c.endRecv(c.ctxStatus())
			}
			return nil, c.endRecv(c.transportStatus(err))
		}
	}
}

// Cancel signals caller-side cancellation: the stream is reset with CANCEL
// and both directions unblock. Idempotent.
func (c *Call) Cancel() {
	st := status.New(status.Cancelled, "call cancelled by caller")
	c.stMu.Lock()
	if c.st == nil {
		c.st = st
	}
	c.stMu.Unlock()
	c.cancel(st)
	c.body.CloseWithError(st)
}

// Header returns response headers; valid after the first Recv returned.
func (c *Call) Header() metadata.MD {
	md := metadata.MD{}
	if c.resp != nil {
		for k, vs := range c.resp.Header {
			for _, v := range vs {
				md.Append(k, v)
			}
		}
	}
	return md
}

// Trailer returns response trailers; valid after Recv observed the end of
// the stream.
func (c *Call) Trailer() metadata.MD {
	md := metadata.MD{}
	if c.resp != nil {
		for k, vs := range c.resp.Trailer {
			for _, v := range vs {
				md.Append(k, v)
			}
		}
	}
	return md
}

// Status returns the terminal status, or nil while the call is live. The
// slot is monotonic: the first terminal status wins and never changes.
func (c *Call) Status() *status.Status {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.st
}

// RequestID is the correlation id attached to the request headers.
func (c *Call) RequestID() string { return c.requestID }

// fail records st as terminal, resets the stream, and returns the status
// error (or nil for OK).
func (c *Call) fail(st *status.Status) error {
	c.stMu.Lock()
	if c.st == nil {
		c.st = st
	}
	st = c.st
	c.stMu.Unlock()

	if st.Code() != status.OK {
		c.cancel(st)
		c.body.CloseWithError(st)
		c.cfg.Logger.Debug("call failed",
			zap.String("path", c.desc.Path()),
			zap.String("request-id", c.requestID),
			zap.Stringer("code", st.Code()),
			zap.String("message", st.Message()))
	}
	return st.Err()
}

// endRecv records the terminal status at end of the inbound sequence.
// OK maps onto io.EOF for the consumer-facing iterator.
func (c *Call) endRecv(st *status.Status) error {
	c.stMu.Lock()
	if c.st == nil {
		c.st = st
	}
	st = c.st
	c.recvDone = true
	c.stMu.Unlock()

	if st.Code() == status.OK {
		return io.EOF
	}
	return c.fail(st)
}

// terminalOrNil returns the already-set terminal status, if any.
func (c *Call) terminalOrNil() *status.Status {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	if c.st != nil && c.recvDone {
		return c.st
	}
	if c.st != nil && c.st.Code() != status.OK {
		return c.st
	}
	return nil
}

// trailerStatus reads grpc-status/grpc-message after the body ended.
// Trailers-only responses carry them in the headers instead.
func (c *Call) trailerStatus(resp *http.Response) *status.Status {
	raw := resp.Trailer.Get(headerStatus)
	msg := resp.Trailer.Get(headerMessage)
	if raw == "" {
		raw = resp.Header.Get(headerStatus)
		msg = resp.Header.Get(headerMessage)
	}
	if raw == "" {
		return status.New(status.Unknown, "server closed stream without grpc-status")
	}
	code, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return status.Newf(status.Unknown, "malformed grpc-status %q", raw)
	}
	return status.New(status.Code(code), status.DecodeMessage(msg))
}

// ctxStatus maps context termination onto Cancelled or DeadlineExceeded.
func (c *Call) ctxStatus() *status.Status {
	cause := context.Cause(c.ctx)
	if st, ok := cause.(*status.Status); ok {
		return st
	}
	if c.ctx.Err() == context.DeadlineExceeded {
		return status.New(status.DeadlineExceeded, "deadline exceeded")
	}
	return status.New(status.Cancelled, "context cancelled")
}

// transportStatus maps connection-level failures onto Unavailable, keeping
// the underlying error for diagnostics.
func (c *Call) transportStatus(err error) *status.Status {
	if c.ctx.Err() != nil {
		return c.ctxStatus()
	}
	if st, ok := err.(*status.Status); ok {
		return st
	}
	return status.Newf(status.Unavailable, "transport failure: %v", err).WithCause(err)
}

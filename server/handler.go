package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"triple-rpc/call"
	"triple-rpc/codec"
	"triple-rpc/framing"
	"triple-rpc/middleware"
	"triple-rpc/router"
	"triple-rpc/status"
	"triple-rpc/stream"
)

// ServeHTTP routes one inbound stream. Triple traffic is any
// application/grpc content type; application/json on a unary method takes
// the plain HTTP path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("content-type")
	isTriple := strings.HasPrefix(contentType, "application/grpc")

	m, ok := s.router.Lookup(r.URL.Path)
	if !ok {
		if isTriple {
			writeTrailersOnly(w, contentType,
				status.Newf(status.Unimplemented, "unknown method %s", r.URL.Path))
			return
		}
		http.NotFound(w, r)
		return
	}

	switch {
	case isTriple:
		s.handleTriple(w, r, m)
	case strings.HasPrefix(contentType, "application/json") && m.Desc.Kind == codec.Unary:
		s.handleJSON(w, r, m)
	default:
		http.Error(w, "unsupported content type "+contentType, http.StatusUnsupportedMediaType)
	}
}

// writeTrailersOnly ends a stream that never carried data: the status
// travels in the response headers.
func writeTrailersOnly(w http.ResponseWriter, contentType string, st *status.Status) {
	w.Header().Set("content-type", contentType)
	w.Header().Set("grpc-status", strconv.Itoa(int(st.Code())))
	if st.Message() != "" {
		w.Header().Set("grpc-message", status.EncodeMessage(st.Message()))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTriple(w http.ResponseWriter, r *http.Request, m *router.Method) {
	s.wg.Add(1)
	defer s.wg.Done()

	contentType := r.Header.Get("content-type")
	ctx := r.Context()

	// An inbound grpc-timeout wraps the whole invocation in a deadline with
	// the same semantics the client enforces locally.
	if tv := r.Header.Get("grpc-timeout"); tv != "" {
		d, err := call.DecodeTimeout(tv)
		if err != nil {
			writeTrailersOnly(w, contentType,
				status.Newf(status.Internal, "malformed grpc-timeout: %v", err))
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	// Handler pool: a slow handler waits here, not on the HTTP/2 session.
	if err := s.sem.Acquire(ctx, 1); err != nil {
		writeTrailersOnly(w, contentType, ctxStatus(ctx))
		return
	}
	defer s.sem.Release(1)

	w.Header().Set("content-type", contentType)

	fr := &frameReader{
		ctx:       ctx,
		body:      r.Body,
		dec:       framing.NewDecoder(s.opts.MaxMessageSize),
		unmarshal: m.Desc.Request.Unmarshal,
		buf:       make([]byte, 32*1024),
	}
	fw := &frameWriter{
		w:       w,
		marshal: m.Desc.Response.Marshal,
		max:     s.opts.MaxMessageSize,
	}

	// The handler runs aside so the deadline can fire while it is blocked;
	// after the deadline the writer is closed and late sends fail locally.
	stCh := make(chan *status.Status, 1)
	go func() {
		stCh <- s.invoke(ctx, m, fr, fw)
	}()

	var st *status.Status
	select {
	case st = <-stCh:
	case <-ctx.Done():
		st = ctxStatus(ctx)
	}
	fw.close()

	if !fw.wrote() {
		w.WriteHeader(http.StatusOK)
	}
	w.Header().Set(http.TrailerPrefix+"grpc-status", strconv.Itoa(int(st.Code())))
	if st.Message() != "" {
		w.Header().Set(http.TrailerPrefix+"grpc-message", status.EncodeMessage(st.Message()))
	}

	if st.Code() != status.OK {
		s.logger.Debug("call failed",
			zap.String("path", r.URL.Path),
			zap.String("request-id", r.Header.Get("tri-request-id")),
			zap.Stringer("code", st.Code()),
			zap.String("message", st.Message()))
	}
}

// invoke runs the handler variant matching the method's declared pattern.
func (s *Server) invoke(ctx context.Context, m *router.Method, fr *frameReader, fw *frameWriter) *status.Status {
	method := m.Desc.Path()
	switch m.Desc.Kind {
	case codec.Unary:
		req, st := fr.recvExactlyOne()
		if st != nil {
			return st
		}
		reply, err := s.unary(m)(ctx, method, req)
		if err != nil {
			return status.FromError(err)
		}
		return fw.sendStatus(reply)

	case codec.ClientStream:
		reply, err := m.ClientStream(ctx, fr)
		if err != nil {
			return status.FromError(err)
		}
		return fw.sendStatus(reply)

	case codec.ServerStream:
		req, st := fr.recvExactlyOne()
		if st != nil {
			return st
		}
		if err := m.ServerStream(ctx, req, fw); err != nil {
			return status.FromError(err)
		}
		return status.New(status.OK, "")

	case codec.BidiStream:
		if err := m.Bidi(ctx, fr, fw); err != nil {
			return status.FromError(err)
		}
		return status.New(status.OK, "")
	}
	return status.Newf(status.Internal, "unroutable call kind %v", m.Desc.Kind)
}

// unary wraps a unary handler in the server middleware chain.
func (s *Server) unary(m *router.Method) middleware.Handler {
	return s.chain(func(ctx context.Context, _ string, req any) (any, error) {
		return m.Unary(ctx, req)
	})
}

func ctxStatus(ctx context.Context) *status.Status {
	if ctx.Err() == context.DeadlineExceeded {
		return status.New(status.DeadlineExceeded, "deadline exceeded")
	}
	return status.New(status.Cancelled, "stream cancelled")
}

// frameReader decodes inbound frames into request values. It implements
// stream.Reader for the streaming handler shapes; Recv returns io.EOF when
// the client half-closes.
type frameReader struct {
	ctx       context.Context
	body      io.Reader
	dec       *framing.Decoder
	unmarshal codec.Deserializer
	buf       []byte
}

func (fr *frameReader) Recv() (any, error) {
	for {
		f, err := fr.dec.Next()
		if err != nil {
			return nil, status.Newf(status.Internal, "malformed frame: %v", err).WithCause(err)
		}
		if f != nil {
			if f.Compressed {
				return nil, status.New(status.Unimplemented,
					"compressed request received but no decompressor is installed")
			}
			v, err := fr.unmarshal(f.Payload)
			if err != nil {
				return nil, status.Newf(status.Internal, "deserialize request: %v", err).WithCause(err)
			}
			return v, nil
		}

		n, err := fr.body.Read(fr.buf)
		if n > 0 {
			fr.dec.Write(fr.buf[:n])
			continue
		}
		if err == io.EOF {
			if fr.dec.Buffered() > 0 {
				return nil, status.New(status.Internal, "stream ended inside a frame")
			}
			return nil, io.EOF
		}
		if err != nil {
			if fr.ctx.Err() != nil {
				return nil, ctxStatus(fr.ctx)
			}
			return nil, status.Newf(status.Unavailable, "read request: %v", err).WithCause(err)
		}
	}
}

// recvExactlyOne enforces the single-message contract of unary and
// server-stream requests: one message then half-close, anything else is a
// protocol violation.
func (fr *frameReader) recvExactlyOne() (any, *status.Status) {
	req, err := fr.Recv()
	if err == io.EOF {
		return nil, status.New(status.Internal, "expected one request message, got none")
	}
	if err != nil {
		return nil, status.FromError(err)
	}
	if _, err := fr.Recv(); err != io.EOF {
		if err == nil {
			return nil, status.New(status.Internal, "expected one request message, got more")
		}
		return nil, status.FromError(err)
	}
	return req, nil
}

// frameWriter encodes response values into outbound frames. It implements
// stream.Writer for the streaming handler shapes; each message is flushed
// so consumers see it before the stream ends.
type frameWriter struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	marshal  codec.Serializer
	max      int
	closed   bool
	wroteAny bool
}

func (fw *frameWriter) Send(v any) error {
	payload, err := fw.marshal(v)
	if err != nil {
		return status.Newf(status.Internal, "serialize response: %v", err).WithCause(err)
	}
	if len(payload) > fw.max {
		return status.Newf(status.ResourceExhausted,
			"response message of %d bytes exceeds limit %d", len(payload), fw.max)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.closed {
		return stream.ErrClosedStream
	}
	if _, err := fw.w.Write(framing.Encode(payload, false)); err != nil {
		return status.Newf(status.Unavailable, "write response: %v", err).WithCause(err)
	}
	fw.wroteAny = true
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Close ends the outbound sequence; the server writes trailers afterwards.
func (fw *frameWriter) Close() error {
	fw.close()
	return nil
}

func (fw *frameWriter) close() {
	fw.mu.Lock()
	fw.closed = true
	fw.mu.Unlock()
}

func (fw *frameWriter) wrote() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.wroteAny
}

// sendStatus writes the single response of a unary or client-stream call.
func (fw *frameWriter) sendStatus(reply any) *status.Status {
	if err := fw.Send(reply); err != nil {
		return status.FromError(err)
	}
	return status.New(status.OK, "")
}

// handleJSON serves a unary method over plain HTTP/JSON: one request
// payload in, one response payload out, status mapped onto the HTTP code.
func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request, m *router.Method) {
	s.wg.Add(1)
	defer s.wg.Done()
	ctx := r.Context()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		writeJSONStatus(w, ctxStatus(ctx))
		return
	}
	defer s.sem.Release(1)

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.opts.MaxMessageSize)+1))
	if err != nil {
		writeJSONStatus(w, status.Newf(status.Unavailable, "read request: %v", err))
		return
	}
	if len(body) > s.opts.MaxMessageSize {
		writeJSONStatus(w, status.Newf(status.ResourceExhausted,
			"request exceeds limit %d", s.opts.MaxMessageSize))
		return
	}

	req, err := m.Desc.Request.Unmarshal(body)
	if err != nil {
		writeJSONStatus(w, status.Newf(status.InvalidArgument, "decode request: %v", err))
		return
	}

	reply, err := s.unary(m)(ctx, m.Desc.Path(), req)
	if err != nil {
		writeJSONStatus(w, status.FromError(err))
		return
	}

	data, err := m.Desc.Response.Marshal(reply)
	if err != nil {
		writeJSONStatus(w, status.Newf(status.Internal, "encode response: %v", err))
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSONStatus(w http.ResponseWriter, st *status.Status) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status.ToHTTPStatus(st.Code()))
	json.NewEncoder(w).Encode(map[string]any{
		"code":    int(st.Code()),
		"message": st.Message(),
	})
}

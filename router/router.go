// Package router dispatches inbound requests to registered method handlers
// by exact :path match.
//
// Each method records its call pattern as a tagged variant: exactly one of
// the four handler fields is set, pinned by the descriptor's kind. The
// server invokes the matching shape; there is no reflection on handler
// signatures.
package router

import (
	"context"
	"fmt"
	"sync"

	"triple-rpc/codec"
	"triple-rpc/stream"
)

// UnaryHandler consumes one request and produces one response.
type UnaryHandler func(ctx context.Context, req any) (any, error)

// ClientStreamHandler drains the request sequence and produces one response.
type ClientStreamHandler func(ctx context.Context, recv stream.Reader) (any, error)

// ServerStreamHandler consumes one request and pushes a response sequence.
type ServerStreamHandler func(ctx context.Context, req any, send stream.Writer) error

// BidiHandler reads and writes independently; either side may finish first.
type BidiHandler func(ctx context.Context, recv stream.Reader, send stream.Writer) error

// Method binds a descriptor to the handler variant its kind requires.
type Method struct {
	Desc codec.MethodDescriptor

	Unary        UnaryHandler
	ClientStream ClientStreamHandler
	ServerStream ServerStreamHandler
	Bidi         BidiHandler
}

func (m *Method) validate() error {
	var set int
	var want bool
	switch m.Desc.Kind {
	case codec.Unary:
		want = m.Unary != nil
	case codec.ClientStream:
		want = m.ClientStream != nil
	case codec.ServerStream:
		want = m.ServerStream != nil
	case codec.BidiStream:
		want = m.Bidi != nil
	default:
		return fmt.Errorf("router: %s: unknown call kind", m.Desc.Path())
	}
	for _, ok := range []bool{m.Unary != nil, m.ClientStream != nil, m.ServerStream != nil, m.Bidi != nil} {
		if ok {
			set++
		}
	}
	if !want || set != 1 {
		return fmt.Errorf("router: %s: %s method must set exactly its %s handler",
			m.Desc.Path(), m.Desc.Kind, m.Desc.Kind)
	}
	return nil
}

// Service groups the methods of one service name.
type Service struct {
	Name    string // dotted service name
	Methods []*Method
}

// Router is the :path → method table.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*Method
}

func New() *Router {
	return &Router{routes: make(map[string]*Method)}
}

// Register adds all methods of svc. Paths must be unique across services.
func (r *Router) Register(svc *Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range svc.Methods {
		if m.Desc.Service == "" {
			m.Desc.Service = svc.Name
		}
		if err := m.validate(); err != nil {
			return err
		}
		path := m.Desc.Path()
		if _, exists := r.routes[path]; exists {
			return fmt.Errorf("router: duplicate route %s", path)
		}
		r.routes[path] = m
	}
	return nil
}

// Lookup resolves a request path.
func (r *Router) Lookup(path string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.routes[path]
	return m, ok
}

// Paths lists registered paths, for logging and tests.
func (r *Router) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for p := range r.routes {
		out = append(out, p)
	}
	return out
}

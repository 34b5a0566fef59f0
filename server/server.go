// Package server implements the Triple provider side: an h2c HTTP/2
// endpoint that routes inbound streams to registered method handlers,
// enforces inbound deadlines, publishes itself to a registry, and drains
// gracefully on shutdown.
//
// Request processing pipeline:
//
//	HTTP/2 stream → ServeHTTP → route (:path) → acquire handler slot
//	  → decode frames → handler (unary / client-stream / server-stream / bidi)
//	  → encode frames → trailers (grpc-status, grpc-message)
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/semaphore"

	"triple-rpc/framing"
	"triple-rpc/middleware"
	"triple-rpc/registry"
	"triple-rpc/router"
)

// Options configure a Server.
type Options struct {
	// MaxMessageSize bounds one decoded request payload (default 4 MiB).
	MaxMessageSize int
	// HandlerPoolSize caps concurrently running handlers (default NumCPU),
	// so a slow handler never starves stream I/O.
	HandlerPoolSize int
	// Middlewares wrap every unary invocation, outermost first.
	Middlewares []middleware.Middleware
	// Registry, when set, receives one registration per service on Serve.
	Registry registry.Registry
	// AdvertiseHost is the host registered with the registry; it differs
	// from the listen host when listening on a wildcard address.
	AdvertiseHost string
	// Group / Version / Weight / CPU become provider URL metadata.
	Group   string
	Version string
	Weight  int
	CPU     int
	// Logger; nil disables logging.
	Logger *zap.Logger
}

// Server is a Triple RPC server.
type Server struct {
	opts   Options
	router *router.Router
	chain  middleware.Middleware
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	leases   []registry.Lease
	services []*router.Service

	wg       sync.WaitGroup // in-flight handlers, for graceful drain
	shutdown atomic.Bool
}

// New creates a server with no services registered yet.
func New(opts Options) *Server {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = framing.DefaultMaxMessageSize
	}
	if opts.HandlerPoolSize <= 0 {
		opts.HandlerPoolSize = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		opts:   opts,
		router: router.New(),
		chain:  middleware.Chain(opts.Middlewares...),
		sem:    semaphore.NewWeighted(int64(opts.HandlerPoolSize)),
		logger: opts.Logger.Named("server"),
	}
}

// RegisterService adds a service's methods to the route table.
// Must be called before Serve.
func (s *Server) RegisterService(svc *router.Service) error {
	if err := s.router.Register(svc); err != nil {
		return err
	}
	s.mu.Lock()
	s.services = append(s.services, svc)
	s.mu.Unlock()
	return nil
}

// Serve listens on address (host:port) and blocks serving h2c traffic
// until Shutdown. If a registry is configured, every registered service is
// published before the accept loop starts.
func (s *Server) Serve(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// ServeListener is Serve on an existing listener; useful with :0 ports.
func (s *Server) ServeListener(l net.Listener) error {
	h2s := &http2.Server{}
	srv := &http.Server{Handler: h2c.NewHandler(s, h2s)}

	s.mu.Lock()
	s.listener = l
	s.httpSrv = srv
	s.mu.Unlock()

	if err := s.registerAll(l.Addr()); err != nil {
		l.Close()
		return err
	}

	s.logger.Info("serving", zap.String("addr", l.Addr().String()),
		zap.Strings("routes", s.router.Paths()))

	err := srv.Serve(l)
	if s.shutdown.Load() && err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Addr returns the bound listen address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// registerAll publishes one provider endpoint per registered service.
func (s *Server) registerAll(addr net.Addr) error {
	if s.opts.Registry == nil {
		return nil
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("server: cannot advertise non-TCP address %v", addr)
	}
	host := s.opts.AdvertiseHost
	if host == "" {
		host = "127.0.0.1"
	}

	md := map[string]string{}
	if s.opts.Group != "" {
		md["group"] = s.opts.Group
	}
	if s.opts.Version != "" {
		md["version"] = s.opts.Version
	}
	if s.opts.Weight > 0 {
		md["weight"] = strconv.Itoa(s.opts.Weight)
	}
	if s.opts.CPU > 0 {
		md["cpu"] = strconv.Itoa(s.opts.CPU)
	}

	s.mu.Lock()
	services := append([]*router.Service(nil), s.services...)
	s.mu.Unlock()

	for _, svc := range services {
		key := registry.ServiceKey{Interface: svc.Name, Group: s.opts.Group, Version: s.opts.Version}
		ep := registry.Endpoint{Host: host, Port: tcp.Port, Metadata: md}
		lease, err := s.opts.Registry.Register(key, ep)
		if err != nil {
			return fmt.Errorf("server: register %s: %w", key, err)
		}
		s.mu.Lock()
		s.leases = append(s.leases, lease)
		s.mu.Unlock()
	}
	return nil
}

// Shutdown deregisters from the registry first (so consumers stop routing
// here), stops accepting streams, and waits for in-flight handlers up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Store(true)

	s.mu.Lock()
	leases := s.leases
	s.leases = nil
	srv := s.httpSrv
	s.mu.Unlock()

	for _, lease := range leases {
		if err := lease.Close(); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
	}

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, in-flight handlers still running")
	}
	return err
}

// GracefulStop is Shutdown with a fixed drain timeout.
func (s *Server) GracefulStop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

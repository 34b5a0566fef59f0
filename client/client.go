// Package client is the consumer façade: it resolves a reference URL to
// endpoints (directly or through a registry-fed directory), balances calls
// across them, and exposes the four call shapes.
package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"triple-rpc/call"
	"triple-rpc/cluster"
	"triple-rpc/codec"
	"triple-rpc/durl"
	"triple-rpc/metadata"
	"triple-rpc/middleware"
	"triple-rpc/registry"
	"triple-rpc/registry/zookeeper"
	"triple-rpc/status"
	"triple-rpc/transport"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRegistry injects a pre-built registry instead of connecting one from
// the reference URL. The client does not close an injected registry.
func WithRegistry(reg registry.Registry) Option {
	return func(c *Client) { c.reg = reg }
}

// WithInterface sets the service interface when the reference URL carries
// none (registry references list registry hosts, not a service path).
func WithInterface(iface string) Option {
	return func(c *Client) { c.iface = iface }
}

// WithMiddlewares wraps every unary invocation, outermost first.
func WithMiddlewares(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.chain = middleware.Chain(mws...) }
}

// WithStaleGrace overrides the directory staleness grace window.
func WithStaleGrace(d time.Duration) Option {
	return func(c *Client) { c.staleGrace = &d }
}

// WithTransportOptions overrides connection tuning.
func WithTransportOptions(opts transport.Options) Option {
	return func(c *Client) { c.transportOpts = opts }
}

// Client invokes one service described by a reference URL.
type Client struct {
	ref   *durl.Reference
	iface string

	reg    registry.Registry
	ownReg bool
	dir    *cluster.Directory
	bal    cluster.Balancer
	conns  *transport.Manager
	chain  middleware.Middleware

	cfg           call.Config
	timeout       time.Duration
	static        *registry.Endpoint
	staleGrace    *time.Duration
	transportOpts transport.Options
	logger        *zap.Logger
}

// New builds a client for a tri:// (direct) or zookeeper:// (registry)
// reference.
func New(rawRef string, opts ...Option) (*Client, error) {
	ref, err := durl.ParseReference(rawRef)
	if err != nil {
		return nil, err
	}

	c := &Client{
		ref:     ref,
		iface:   ref.Interface,
		chain:   middleware.Chain(),
		timeout: ref.Timeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.iface == "" {
		return nil, fmt.Errorf("client: reference %q names no service interface", rawRef)
	}

	c.transportOpts.Logger = c.logger
	c.conns = transport.NewManager(c.transportOpts)
	c.cfg = call.Config{MaxMessageSize: ref.MaxMessageSize, Logger: c.logger}

	c.bal, err = cluster.NewBalancer(ref.Loadbalance)
	if err != nil {
		return nil, err
	}

	switch ref.Scheme {
	case "tri":
		host, portStr, err := net.SplitHostPort(ref.Address)
		if err != nil {
			return nil, fmt.Errorf("client: direct reference needs host:port, got %q", ref.Address)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("client: bad port in %q", ref.Address)
		}
		c.static = &registry.Endpoint{Host: host, Port: port}

	case "zookeeper":
		if c.reg == nil {
			c.reg, err = zookeeper.New(durl.RegistryHosts(ref.Address), zookeeper.WithLogger(c.logger))
			if err != nil {
				return nil, err
			}
			c.ownReg = true
		}
		dirOpts := []cluster.DirectoryOption{
			cluster.WithConnector(managerConnector{c.conns}),
			cluster.WithDirectoryLogger(c.logger),
		}
		if c.staleGrace != nil {
			dirOpts = append(dirOpts, cluster.WithStaleGrace(*c.staleGrace))
		}
		c.dir, err = cluster.NewDirectory(c.reg, ref.Key(c.iface), dirOpts...)
		if err != nil {
			if c.ownReg {
				c.reg.Close()
			}
			return nil, err
		}
	}
	return c, nil
}

// pick resolves the endpoint for one call.
func (c *Client) pick() (*transport.Conn, error) {
	if c.static != nil {
		return c.conns.Get(c.static.Addr()), nil
	}
	ep, err := c.dir.Select(c.bal)
	if err != nil {
		return nil, status.Newf(status.Unavailable, "no provider for %s", c.iface).WithCause(err)
	}
	return c.conns.Get(ep.Addr()), nil
}

// callCtx applies the reference's default timeout when the caller set none.
func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

func (c *Client) desc(d *codec.MethodDescriptor) *codec.MethodDescriptor {
	if d.Service != "" {
		return d
	}
	out := *d
	out.Service = c.iface
	return &out
}

// Invoke runs a unary call through the middleware chain.
func (c *Client) Invoke(ctx context.Context, d *codec.MethodDescriptor, req any, md metadata.MD) (any, error) {
	d = c.desc(d)
	h := c.chain(func(ctx context.Context, _ string, req any) (any, error) {
		conn, err := c.pick()
		if err != nil {
			return nil, err
		}
		ctx, cancel := c.callCtx(ctx)
		defer cancel()
		return call.Invoke(ctx, conn, d, md, req, c.cfg)
	})
	return h(ctx, d.Path(), req)
}

// ClientStream opens a client-streaming call.
func (c *Client) ClientStream(ctx context.Context, d *codec.MethodDescriptor, md metadata.MD) (*call.ClientStream, error) {
	conn, err := c.pick()
	if err != nil {
		return nil, err
	}
	return call.NewClientStream(ctx, conn, c.desc(d), md, c.cfg)
}

// ServerStream opens a server-streaming call: req is sent and the outbound
// half closed before this returns.
func (c *Client) ServerStream(ctx context.Context, d *codec.MethodDescriptor, req any, md metadata.MD) (*call.ServerStream, error) {
	conn, err := c.pick()
	if err != nil {
		return nil, err
	}
	return call.NewServerStream(ctx, conn, c.desc(d), md, req, c.cfg)
}

// BidiStream opens a bidirectional-streaming call.
func (c *Client) BidiStream(ctx context.Context, d *codec.MethodDescriptor, md metadata.MD) (*call.BidiStream, error) {
	conn, err := c.pick()
	if err != nil {
		return nil, err
	}
	return call.NewBidiStream(ctx, conn, c.desc(d), md, c.cfg)
}

// Directory exposes the live address list for registry references;
// nil for direct references.
func (c *Client) Directory() *cluster.Directory { return c.dir }

// Close releases the directory, owned registry, and all connections.
func (c *Client) Close() error {
	if c.dir != nil {
		c.dir.Close()
	}
	if c.ownReg && c.reg != nil {
		c.reg.Close()
	}
	c.conns.Close()
	return nil
}

// managerConnector adapts the conn manager to the directory's eager
// connection hooks.
type managerConnector struct {
	m *transport.Manager
}

func (a managerConnector) Warm(ep registry.Endpoint) { a.m.Warm(ep.Addr()) }
func (a managerConnector) Drop(ep registry.Endpoint) { a.m.Drop(ep.Addr()) }

// Package transport owns the HTTP/2 connections of the runtime.
//
// One Conn maps to one remote endpoint and carries every stream to it,
// multiplexed by HTTP/2. Connections are created lazily on first use, kept
// alive with HTTP/2 PING, and closed after a configurable idle period.
// Flow control, SETTINGS, and GOAWAY handling come with the HTTP/2 session;
// a sender suspends when its stream window is exhausted and resumes on
// WINDOW_UPDATE.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Options tune connection behavior.
type Options struct {
	// PingInterval is how long a connection may be silent before a
	// keepalive PING probes it. Zero selects the 30s default.
	PingInterval time.Duration
	// PingTimeout closes the connection when a PING ack does not arrive.
	PingTimeout time.Duration
	// IdleTimeout closes a connection with no active streams.
	IdleTimeout time.Duration
	// DialTimeout bounds the TCP dial.
	DialTimeout time.Duration
	// Logger; nil means no logging.
	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PingInterval == 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.PingTimeout == 0 {
		out.PingTimeout = 15 * time.Second
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 5 * time.Minute
	}
	if out.DialTimeout == 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Conn is the HTTP/2 client session to one endpoint, speaking h2c with
// prior knowledge (Triple needs no upgrade dance).
type Conn struct {
	addr   string
	h2     *http2.Transport
	logger *zap.Logger
}

func newConn(addr string, opts Options) *Conn {
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	return &Conn{
		addr: addr,
		h2: &http2.Transport{
			AllowHTTP: true,
			// Plain TCP under the TLS dial hook: this is how an h2c client
			// is assembled from x/net/http2.
			DialTLSContext: func(ctx context.Context, network, a string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, network, a)
			},
			ReadIdleTimeout: opts.PingInterval,
			PingTimeout:     opts.PingTimeout,
			IdleConnTimeout: opts.IdleTimeout,
		},
		logger: opts.Logger.Named("transport"),
	}
}

// Addr returns the endpoint address host:port.
func (c *Conn) Addr() string { return c.addr }

// RoundTrip opens one HTTP/2 stream for req and returns once response
// headers arrive. The request body streams concurrently; cancelling the
// request context resets the stream.
func (c *Conn) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.h2.RoundTrip(req)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: %s", c.addr)
	}
	return resp, nil
}

// CloseIdle tears down connections with no in-flight streams. Active
// streams finish undisturbed; the connection closes once they do.
func (c *Conn) CloseIdle() {
	c.h2.CloseIdleConnections()
}

// Manager hands out the Conn for an address, creating it on first use.
// Its Warm and Drop methods take an address; the client adapts them to
// cluster.Connector so a directory can warm new endpoints and drop removed
// ones.
type Manager struct {
	opts  Options
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates an empty connection manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:  opts.withDefaults(),
		conns: make(map[string]*Conn),
	}
}

// Get returns the connection for addr, creating it if needed.
func (m *Manager) Get(addr string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[addr]
	if !ok {
		c = newConn(addr, m.opts)
		m.conns[addr] = c
	}
	return c
}

// Warm pre-creates the conn for a newly visible endpoint.
func (m *Manager) Warm(addr string) {
	m.Get(addr)
}

// Drop forgets the conn for a removed endpoint and closes it once idle.
// In-flight calls on it run to completion.
func (m *Manager) Drop(addr string) {
	m.mu.Lock()
	c, ok := m.conns[addr]
	delete(m.conns, addr)
	m.mu.Unlock()
	if ok {
		c.logger.Info("dropping endpoint connection", zap.String("addr", addr))
		c.CloseIdle()
	}
}

// Close drops every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.CloseIdle()
	}
}

package cluster

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"triple-rpc/registry"
)

// DefaultStaleGrace is the window during which the last non-empty address
// list keeps serving after the registry reports empty.
const DefaultStaleGrace = 30 * time.Second

// Connector lets the directory manage connections eagerly: endpoints are
// warmed when they join a snapshot and dropped when they leave. Dropping
// must not reset in-flight calls; it only prevents reuse.
type Connector interface {
	Warm(ep registry.Endpoint)
	Drop(ep registry.Endpoint)
}

// Directory is the living address list for one service key. It subscribes
// to the registry, filters by group/version, and publishes immutable
// snapshots read by Select.
type Directory struct {
	key       registry.ServiceKey
	sub       registry.Subscription
	connector Connector
	grace     time.Duration
	logger    *zap.Logger

	seq  atomic.Uint64
	cur  atomic.Pointer[Snapshot]
	mu   sync.Mutex // guards lastNonEmpty swap + connector diffing
	last struct {
		snap *Snapshot
		at   time.Time
	}
	prevAddrs map[string]registry.Endpoint
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithStaleGrace sets the stale-serving window; 0 disables stale serving.
func WithStaleGrace(d time.Duration) DirectoryOption {
	return func(dir *Directory) { dir.grace = d }
}

// WithConnector installs eager connection management.
func WithConnector(c Connector) DirectoryOption {
	return func(dir *Directory) { dir.connector = c }
}

// WithDirectoryLogger sets the logger.
func WithDirectoryLogger(l *zap.Logger) DirectoryOption {
	return func(dir *Directory) { dir.logger = l.Named("directory") }
}

// NewDirectory subscribes to reg for key. The initial snapshot is delivered
// synchronously by the subscription before NewDirectory returns.
func NewDirectory(reg registry.Registry, key registry.ServiceKey, opts ...DirectoryOption) (*Directory, error) {
	d := &Directory{
		key:       key,
		grace:     DefaultStaleGrace,
		logger:    zap.NewNop(),
		prevAddrs: map[string]registry.Endpoint{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cur.Store(newSnapshot(nil, 0))

	sub, err := reg.Subscribe(key, d.notify)
	if err != nil {
		return nil, err
	}
	d.sub = sub
	return d, nil
}

// notify ingests one registry snapshot: filter, build a generation, swap it
// in, and reconcile eager connections.
func (d *Directory) notify(endpoints []registry.Endpoint) {
	filtered := make([]registry.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if d.matches(ep) {
			filtered = append(filtered, ep)
		}
	}

	snap := newSnapshot(filtered, d.seq.Add(1))

	d.mu.Lock()
	d.cur.Store(snap)
	if len(filtered) > 0 {
		d.last.snap = snap
	} else if len(d.prevAddrs) > 0 {
		// The grace window starts when the list goes empty.
		d.last.at = time.Now()
	}

	addrs := make(map[string]registry.Endpoint, len(filtered))
	for _, ep := range filtered {
		addrs[ep.Addr()] = ep
	}
	var added, removed []registry.Endpoint
	for a, ep := range addrs {
		if _, ok := d.prevAddrs[a]; !ok {
			added = append(added, ep)
		}
	}
	for a, ep := range d.prevAddrs {
		if _, ok := addrs[a]; !ok {
			removed = append(removed, ep)
		}
	}
	d.prevAddrs = addrs
	d.mu.Unlock()

	d.logger.Info("address list refreshed",
		zap.String("service", d.key.String()),
		zap.Int("endpoints", len(filtered)),
		zap.Uint64("generation", snap.Seq))

	if d.connector != nil {
		for _, ep := range added {
			d.connector.Warm(ep)
		}
		for _, ep := range removed {
			d.connector.Drop(ep)
		}
	}
}

// matches applies group/version filtering. An empty constraint matches any
// value; a set constraint requires equality.
func (d *Directory) matches(ep registry.Endpoint) bool {
	if d.key.Group != "" && ep.Param("group") != d.key.Group {
		return false
	}
	if d.key.Version != "" && ep.Param("version") != d.key.Version {
		return false
	}
	return true
}

// Select picks one endpoint with the given balancer. With an empty current
// list it falls back to the last non-empty snapshot inside the grace
// window; past the window it fails with ErrNoProvider.
func (d *Directory) Select(b Balancer) (registry.Endpoint, error) {
	snap := d.cur.Load()
	if len(snap.Endpoints) > 0 {
		return b.Pick(snap)
	}

	if d.grace > 0 {
		d.mu.Lock()
		stale, at := d.last.snap, d.last.at
		d.mu.Unlock()
		if stale != nil && time.Since(at) <= d.grace {
			d.logger.Warn("serving stale address list",
				zap.String("service", d.key.String()),
				zap.Uint64("generation", stale.Seq))
			return b.Pick(stale)
		}
	}
	return registry.Endpoint{}, ErrNoProvider
}

// Snapshot returns the current generation (possibly empty).
func (d *Directory) Snapshot() *Snapshot {
	return d.cur.Load()
}

// Close unsubscribes from the registry.
func (d *Directory) Close() error {
	if d.sub != nil {
		return d.sub.Close()
	}
	return nil
}

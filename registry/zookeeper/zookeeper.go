// Package zookeeper implements the reference Registry on Apache Zookeeper.
//
// Provider addresses live as ephemeral znodes named by their URL-encoded
// provider URL:
//
//	/dubbo/<interface>/providers/tri%3A%2F%2Fhost%3A20000%2F<interface>%3Fcpu%3D17
//
// Every children watch fire triggers a refetch and a full-snapshot delivery
// to the path's listeners. On session expiry all ephemeral nodes are
// re-created and all watches re-armed, then listeners get a fresh snapshot.
package zookeeper

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"triple-rpc/durl"
	"triple-rpc/registry"
)

const (
	rootPath          = "/dubbo"
	providersCategory = "providers"

	defaultSessionTimeout = 10 * time.Second
	watchRetryDelay       = time.Second
)

// Registry is a Zookeeper-backed registry.Registry.
type Registry struct {
	conn   *zk.Conn
	logger *zap.Logger

	mu       sync.Mutex
	leases   map[*lease]struct{}
	watchers map[string]*pathWatcher // providers path → watcher
	closed   bool
	done     chan struct{}
}

// Option configures the registry.
type Option func(*options)

type options struct {
	sessionTimeout time.Duration
	logger         *zap.Logger
}

// WithSessionTimeout sets the Zookeeper session timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *options) { o.sessionTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New connects to the given Zookeeper hosts ("h1:2181,h2:2181" accepted as
// a single string element or pre-split).
func New(hosts []string, opts ...Option) (*Registry, error) {
	o := options{
		sessionTimeout: defaultSessionTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if len(hosts) == 1 {
		hosts = durl.RegistryHosts(hosts[0])
	}

	conn, events, err := zk.Connect(hosts, o.sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrap(err, "zookeeper: connect")
	}

	r := &Registry{
		conn:     conn,
		logger:   o.logger.Named("registry.zk"),
		leases:   make(map[*lease]struct{}),
		watchers: make(map[string]*pathWatcher),
		done:     make(chan struct{}),
	}
	go r.sessionLoop(events)
	return r, nil
}

// sessionLoop watches session state. After an expiration, a new session must
// re-create every ephemeral node and re-notify every listener.
func (r *Registry) sessionLoop(events <-chan zk.Event) {
	expired := false
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.State {
			case zk.StateExpired:
				r.logger.Warn("session expired")
				expired = true
			case zk.StateHasSession:
				if expired {
					expired = false
					r.logger.Info("session re-established, restoring ephemerals")
					r.restore()
				}
			}
		}
	}
}

// restore re-creates all lease znodes and forces a snapshot on every watcher.
func (r *Registry) restore() {
	r.mu.Lock()
	leases := make([]*lease, 0, len(r.leases))
	for l := range r.leases {
		leases = append(leases, l)
	}
	watchers := make([]*pathWatcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	for _, l := range leases {
		if err := r.createEphemeral(l.path); err != nil {
			r.logger.Error("re-register failed", zap.String("path", l.path), zap.Error(err))
		}
	}
	for _, w := range watchers {
		w.kick()
	}
}

func (r *Registry) Register(key registry.ServiceKey, ep registry.Endpoint) (registry.Lease, error) {
	providerURL := durl.EncodeProvider(key, ep)
	path := providersPath(key.Interface) + "/" + url.QueryEscape(providerURL)
	if err := r.createEphemeral(path); err != nil {
		return nil, err
	}

	l := &lease{r: r, path: path}
	r.mu.Lock()
	r.leases[l] = struct{}{}
	r.mu.Unlock()
	r.logger.Info("registered provider", zap.String("path", path))
	return l, nil
}

func (r *Registry) createEphemeral(path string) error {
	if err := r.ensurePath(parentPath(path)); err != nil {
		return err
	}
	_, err := r.conn.Create(path, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(err, "zookeeper: create %s", path)
	}
	return nil
}

// ensurePath creates persistent parent nodes, tolerating concurrent creators.
func (r *Registry) ensurePath(path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, p := range parts {
		cur = cur + "/" + p
		_, err := r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "zookeeper: create %s", cur)
		}
	}
	return nil
}

func (r *Registry) Subscribe(key registry.ServiceKey, listener registry.Listener) (registry.Subscription, error) {
	path := providersPath(key.Interface)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("zookeeper: registry closed")
	}
	w, ok := r.watchers[path]
	if !ok {
		w = newPathWatcher(r, path)
		r.watchers[path] = w
		go w.run()
	}
	id := w.add(listener)
	r.mu.Unlock()

	return &subscription{w: w, id: id}, nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	for _, w := range r.watchers {
		w.stop()
	}
	r.mu.Unlock()

	r.conn.Close()
	return nil
}

func providersPath(iface string) string {
	return rootPath + "/" + iface + "/" + providersCategory
}

func parentPath(path string) string {
	i := strings.LastIndex(path, "/")
	return path[:i]
}

type lease struct {
	r    *Registry
	path string
	once sync.Once
}

func (l *lease) Close() error {
	var err error
	l.once.Do(func() {
		l.r.mu.Lock()
		delete(l.r.leases, l)
		l.r.mu.Unlock()
		err = l.r.conn.Delete(l.path, -1)
		if errors.Is(err, zk.ErrNoNode) {
			err = nil
		}
	})
	return errors.Wrap(err, "zookeeper: unregister")
}

type subscription struct {
	w    *pathWatcher
	id   int
	once sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.w.remove(s.id) })
	return nil
}

// pathWatcher owns the children watch of one providers path and fans
// snapshots out to its refcounted listeners.
type pathWatcher struct {
	r    *Registry
	path string

	mu        sync.Mutex
	listeners map[int]registry.Listener
	nextID    int
	last      []registry.Endpoint
	haveLast  bool

	kicks chan struct{}
	done  chan struct{}
	stop1 sync.Once
}

func newPathWatcher(r *Registry, path string) *pathWatcher {
	return &pathWatcher{
		r:         r,
		path:      path,
		listeners: make(map[int]registry.Listener),
		kicks:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (w *pathWatcher) add(listener registry.Listener) int {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = listener
	snapshot, have := w.last, w.haveLast
	w.mu.Unlock()

	if have {
		listener(snapshot)
	}
	return id
}

func (w *pathWatcher) remove(id int) {
	w.mu.Lock()
	delete(w.listeners, id)
	w.mu.Unlock()
}

// kick forces a refetch outside the normal watch cycle (session restore).
func (w *pathWatcher) kick() {
	select {
	case w.kicks <- struct{}{}:
	default:
	}
}

func (w *pathWatcher) stop() {
	w.stop1.Do(func() { close(w.done) })
}

// run re-arms getChildren watches forever: fetch, deliver, wait for the
// watch to fire, repeat. Errors back off and retry; the providers path may
// not exist yet.
func (w *pathWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		default:
		}

		children, _, watch, err := w.r.conn.ChildrenW(w.path)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				w.deliver(nil)
				if err := w.r.ensurePath(w.path); err != nil {
					w.r.logger.Debug("providers path not creatable yet", zap.Error(err))
				}
			} else {
				w.r.logger.Warn("children watch failed", zap.String("path", w.path), zap.Error(err))
			}
			select {
			case <-w.done:
				return
			case <-w.kicks:
			case <-time.After(watchRetryDelay):
			}
			continue
		}

		w.deliver(decodeChildren(children, w.r.logger))

		select {
		case <-w.done:
			return
		case <-w.kicks:
		case <-watch:
		}
	}
}

func (w *pathWatcher) deliver(eps []registry.Endpoint) {
	registry.SortEndpoints(eps)
	w.mu.Lock()
	w.last = eps
	w.haveLast = true
	listeners := make([]registry.Listener, 0, len(w.listeners))
	for _, l := range w.listeners {
		listeners = append(listeners, l)
	}
	w.mu.Unlock()

	for _, l := range listeners {
		l(eps)
	}
}

// decodeChildren turns URL-encoded znode names back into endpoints,
// skipping entries that do not parse.
func decodeChildren(children []string, logger *zap.Logger) []registry.Endpoint {
	eps := make([]registry.Endpoint, 0, len(children))
	for _, child := range children {
		raw, err := url.QueryUnescape(child)
		if err != nil {
			logger.Warn("undecodable provider znode", zap.String("name", child))
			continue
		}
		ep, err := durl.ParseProvider(raw)
		if err != nil {
			logger.Warn("unparsable provider URL", zap.String("url", raw), zap.Error(err))
			continue
		}
		eps = append(eps, ep)
	}
	return eps
}

package registry

import (
	"sync"
)

// InMemory is a process-local Registry. It backs tests and embedded
// deployments where client and server share a process, and doubles as the
// reference for subscription semantics: refcounted per-key listener sets,
// full-snapshot notification on every change.
type InMemory struct {
	mu        sync.Mutex
	providers map[string]map[string]Endpoint // key → addr → endpoint
	listeners map[string]map[int]Listener    // key → id → listener
	nextID    int
	closed    bool
}

// NewInMemory creates an empty in-memory registry.
func NewInMemory() *InMemory {
	return &InMemory{
		providers: make(map[string]map[string]Endpoint),
		listeners: make(map[string]map[int]Listener),
	}
}

func (r *InMemory) Register(key ServiceKey, ep Endpoint) (Lease, error) {
	k := key.String()
	r.mu.Lock()
	byAddr, ok := r.providers[k]
	if !ok {
		byAddr = make(map[string]Endpoint)
		r.providers[k] = byAddr
	}
	byAddr[ep.Addr()] = ep
	snapshot, listeners := r.snapshotLocked(k)
	r.mu.Unlock()

	notify(listeners, snapshot)
	return &memLease{r: r, key: k, addr: ep.Addr()}, nil
}

func (r *InMemory) Subscribe(key ServiceKey, listener Listener) (Subscription, error) {
	k := key.String()
	r.mu.Lock()
	byID, ok := r.listeners[k]
	if !ok {
		byID = make(map[int]Listener)
		r.listeners[k] = byID
	}
	id := r.nextID
	r.nextID++
	byID[id] = listener
	snapshot, _ := r.snapshotLocked(k)
	r.mu.Unlock()

	// Initial snapshot, delivered before any change notification.
	listener(snapshot)
	return &memSubscription{r: r, key: k, id: id}, nil
}

func (r *InMemory) Close() error {
	r.mu.Lock()
	r.closed = true
	r.providers = make(map[string]map[string]Endpoint)
	r.listeners = make(map[string]map[int]Listener)
	r.mu.Unlock()
	return nil
}

// snapshotLocked returns the sorted endpoint set and the listener list for
// key. Caller holds r.mu.
func (r *InMemory) snapshotLocked(key string) ([]Endpoint, []Listener) {
	eps := make([]Endpoint, 0, len(r.providers[key]))
	for _, ep := range r.providers[key] {
		eps = append(eps, ep)
	}
	SortEndpoints(eps)
	ls := make([]Listener, 0, len(r.listeners[key]))
	for _, l := range r.listeners[key] {
		ls = append(ls, l)
	}
	return eps, ls
}

func notify(listeners []Listener, snapshot []Endpoint) {
	for _, l := range listeners {
		l(snapshot)
	}
}

type memLease struct {
	r    *InMemory
	key  string
	addr string
	once sync.Once
}

func (l *memLease) Close() error {
	l.once.Do(func() {
		l.r.mu.Lock()
		delete(l.r.providers[l.key], l.addr)
		snapshot, listeners := l.r.snapshotLocked(l.key)
		l.r.mu.Unlock()
		notify(listeners, snapshot)
	})
	return nil
}

type memSubscription struct {
	r    *InMemory
	key  string
	id   int
	once sync.Once
}

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.r.mu.Lock()
		delete(s.r.listeners[s.key], s.id)
		s.r.mu.Unlock()
	})
	return nil
}

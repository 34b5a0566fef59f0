// Package etcd implements the Registry on etcd v3.
//
// Providers are keys under the same layout the Zookeeper registry uses as a
// path, with the provider URL as the final segment:
//
//	/dubbo/<interface>/providers/<provider URL>
//
// Registration attaches a TTL lease kept alive in the background, so a
// crashed provider disappears when its lease expires. Subscriptions watch
// the providers prefix; every event triggers a refetch and a full-snapshot
// delivery.
package etcd

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"triple-rpc/durl"
	"triple-rpc/registry"
)

const (
	rootPrefix = "/dubbo/"
	defaultTTL = 10 // seconds
)

// Registry is an etcd-backed registry.Registry.
type Registry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	cancel []context.CancelFunc
}

// New connects to the given etcd endpoints.
func New(endpoints []string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd: connect")
	}
	return &Registry{client: c, logger: logger.Named("registry.etcd")}, nil
}

func providersPrefix(iface string) string {
	return rootPrefix + iface + "/providers/"
}

func (r *Registry) Register(key registry.ServiceKey, ep registry.Endpoint) (registry.Lease, error) {
	ctx := context.Background()
	providerURL := durl.EncodeProvider(key, ep)
	k := providersPrefix(key.Interface) + providerURL

	grant, err := r.client.Grant(ctx, defaultTTL)
	if err != nil {
		return nil, errors.Wrap(err, "etcd: grant lease")
	}
	if _, err := r.client.Put(ctx, k, providerURL, clientv3.WithLease(grant.ID)); err != nil {
		return nil, errors.Wrapf(err, "etcd: put %s", k)
	}

	// KeepAlive renews the lease until the lease handle is closed.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "etcd: keepalive")
	}
	go func() {
		for range ch {
		}
	}()

	r.logger.Info("registered provider", zap.String("key", k))
	return &lease{r: r, key: k, leaseID: grant.ID, cancel: cancel}, nil
}

func (r *Registry) Subscribe(key registry.ServiceKey, listener registry.Listener) (registry.Subscription, error) {
	prefix := providersPrefix(key.Interface)
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, errors.New("etcd: registry closed")
	}
	r.cancel = append(r.cancel, cancel)
	r.mu.Unlock()

	// Initial snapshot before any watch event.
	listener(r.fetch(ctx, prefix))

	go func() {
		watchCh := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchCh {
			// Refetch the full set rather than applying deltas; the listener
			// contract is snapshot delivery.
			listener(r.fetch(ctx, prefix))
		}
	}()

	return &subscription{cancel: cancel}, nil
}

// fetch lists all provider URLs under prefix, skipping unparsable values.
func (r *Registry) fetch(ctx context.Context, prefix string) []registry.Endpoint {
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		r.logger.Warn("provider fetch failed", zap.String("prefix", prefix), zap.Error(err))
		return nil
	}
	eps := make([]registry.Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ep, err := durl.ParseProvider(string(kv.Value))
		if err != nil {
			r.logger.Warn("unparsable provider URL", zap.ByteString("value", kv.Value))
			continue
		}
		eps = append(eps, ep)
	}
	registry.SortEndpoints(eps)
	return eps
}

func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancels := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return r.client.Close()
}

type lease struct {
	r       *Registry
	key     string
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	once    sync.Once
}

func (l *lease) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err = l.r.client.Revoke(ctx, l.leaseID)
		if err == nil {
			_, err = l.r.client.Delete(ctx, l.key)
		}
	})
	return errors.Wrap(err, "etcd: unregister")
}

type subscription struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

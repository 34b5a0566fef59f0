// Package registry defines the pluggable service registry: providers
// register endpoint addresses under a service key, consumers subscribe to
// the live address set of a key.
//
// Listeners always receive the full current snapshot, never deltas, so a
// missed notification is repaired by the next one.
package registry

import (
	"fmt"
	"sort"
	"strconv"
)

// Endpoint is one provider address plus load-balancing metadata.
// Instances are value types keyed by Addr().
type Endpoint struct {
	Host     string
	Port     int
	Metadata map[string]string // weight, cpu, group, version
}

// Addr returns the host:port key of the endpoint.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Param returns a metadata value, or "" when absent.
func (e Endpoint) Param(key string) string {
	return e.Metadata[key]
}

// IntParam returns a metadata value as an int, or def when absent or
// malformed.
func (e Endpoint) IntParam(key string, def int) int {
	v, ok := e.Metadata[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ServiceKey identifies a subscribable service: interface name plus optional
// group and version.
type ServiceKey struct {
	Interface string
	Group     string
	Version   string
}

// String renders the canonical service key form group/interface:version,
// with empty parts omitted.
func (k ServiceKey) String() string {
	s := k.Interface
	if k.Group != "" {
		s = k.Group + "/" + s
	}
	if k.Version != "" {
		s = s + ":" + k.Version
	}
	return s
}

// Listener receives the full current endpoint set on every change.
type Listener func(endpoints []Endpoint)

// Lease represents one active registration; closing it unregisters.
type Lease interface {
	Close() error
}

// Subscription represents one active listener; closing it unsubscribes.
type Subscription interface {
	Close() error
}

// Registry is the pluggable registry interface. Implementations must be
// safe for concurrent use.
type Registry interface {
	// Register publishes an endpoint under key and returns its lease.
	Register(key ServiceKey, ep Endpoint) (Lease, error)
	// Subscribe registers a listener for key. The listener is called with
	// the current snapshot immediately and again on every change.
	Subscribe(key ServiceKey, listener Listener) (Subscription, error)
	// Close releases the registry client and all leases and subscriptions.
	Close() error
}

// SortEndpoints orders endpoints by address for deterministic snapshots.
func SortEndpoints(eps []Endpoint) {
	sort.Slice(eps, func(i, j int) bool { return eps[i].Addr() < eps[j].Addr() })
}

// Package cluster holds the client-side endpoint directory and the load
// balancing policies that select an endpoint per call.
//
// Two policies are provided:
//   - Random:      uniform pick, the default
//   - CPUWeighted: heterogeneous providers publishing a cpu metric
package cluster

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"triple-rpc/registry"
)

// ErrNoProvider is returned when selection has no endpoint to offer: the
// current snapshot is empty and the staleness grace window has passed.
var ErrNoProvider = errors.New("cluster: no available provider")

// Snapshot is one immutable refresh generation of the address list.
// Selection always operates on a single snapshot, so a concurrent refresh
// never straddles a pick.
type Snapshot struct {
	Endpoints   []registry.Endpoint
	Seq         uint64
	weights     []int // CPU weights, aligned with Endpoints
	totalWeight int
}

// newSnapshot precomputes per-endpoint CPU weights and the total.
// Weight is max(1, 100-cpu); an absent cpu metric counts as 0.
func newSnapshot(eps []registry.Endpoint, seq uint64) *Snapshot {
	s := &Snapshot{Endpoints: eps, Seq: seq, weights: make([]int, len(eps))}
	for i, ep := range eps {
		w := 100 - ep.IntParam("cpu", 0)
		if w < 1 {
			w = 1
		}
		s.weights[i] = w
		s.totalWeight += w
	}
	return s
}

// Balancer selects one endpoint from a non-empty snapshot.
// Implementations must be goroutine-safe; Pick runs on every call.
type Balancer interface {
	Pick(snap *Snapshot) (registry.Endpoint, error)
	Name() string
}

// NewBalancer maps a policy name ("random", "cpu") to its implementation.
func NewBalancer(name string) (Balancer, error) {
	switch name {
	case "", "random":
		return NewRandom(), nil
	case "cpu":
		return NewCPUWeighted(), nil
	}
	return nil, errors.New("cluster: unknown loadbalance policy " + name)
}

// lockedRand is a process-wide PRNG seeded from the wall clock
// (time.Now().UnixNano(), not a monotonic reading), shared by both policies.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var processRand = &lockedRand{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

// newLockedRand returns the process-wide PRNG.
func newLockedRand() *lockedRand {
	return processRand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	v := l.rng.Intn(n)
	l.mu.Unlock()
	return v
}

// Random picks uniformly over the snapshot.
type Random struct {
	rng *lockedRand
}

func NewRandom() *Random {
	return &Random{rng: newLockedRand()}
}

func (b *Random) Pick(snap *Snapshot) (registry.Endpoint, error) {
	if len(snap.Endpoints) == 0 {
		return registry.Endpoint{}, ErrNoProvider
	}
	return snap.Endpoints[b.rng.Intn(len(snap.Endpoints))], nil
}

func (b *Random) Name() string { return "random" }

// CPUWeighted picks weighted-random with weight max(1, 100-cpu), using the
// total cached in the snapshot at refresh time.
type CPUWeighted struct {
	rng *lockedRand
}

func NewCPUWeighted() *CPUWeighted {
	return &CPUWeighted{rng: newLockedRand()}
}

func (b *CPUWeighted) Pick(snap *Snapshot) (registry.Endpoint, error) {
	if len(snap.Endpoints) == 0 {
		return registry.Endpoint{}, ErrNoProvider
	}
	r := b.rng.Intn(snap.totalWeight)
	for i, w := range snap.weights {
		r -= w
		if r < 0 {
			return snap.Endpoints[i], nil
		}
	}
	// Unreachable while weights sum to totalWeight.
	return snap.Endpoints[len(snap.Endpoints)-1], nil
}

func (b *CPUWeighted) Name() string { return "cpu" }

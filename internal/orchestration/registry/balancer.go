package registry

import (
	"math/rand"
	"sync"

	"github.com/studioloom/conductor/internal/core/domain"
)

// Policy names an instance selection strategy.
type Policy string

const (
	PolicyRoundRobin Policy = "round-robin"
	PolicyLeastLoad  Policy = "least-loaded"
	PolicyRandom     Policy = "random"
)

// Balancer picks one instance from the healthy set per the configured policy.
type Balancer struct {
	mu     sync.Mutex
	policy Policy
	next   int
}

// NewBalancer builds a balancer; an unrecognized policy falls back to
// round-robin.
func NewBalancer(policy Policy) *Balancer {
	return &Balancer{policy: policy}
}

// Policy reports the active selection strategy.
func (b *Balancer) Policy() Policy { return b.policy }

// Pick selects from candidates, which the caller has already filtered to
// usable instances. Returns nil when the list is empty.
func (b *Balancer) Pick(candidates []*domain.Instance) *domain.Instance {
	if len(candidates) == 0 {
		return nil
	}
	switch b.policy {
	case PolicyLeastLoad:
		return b.leastLoaded(candidates)
	case PolicyRandom:
		return candidates[rand.Intn(len(candidates))]
	default:
		return b.roundRobin(candidates)
	}
}

// roundRobin advances a monotonic counter modulo the current list length. The
// counter is never reset on topology changes, so rotation stays fair over
// time even though the instance chosen right after a change may shift.
func (b *Balancer) roundRobin(candidates []*domain.Instance) *domain.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst := candidates[b.next%len(candidates)]
	b.next++
	return inst
}

// leastLoaded picks the instance with the fewest active workflows. Instances
// that have never reported stats count as idle, which deliberately steers
// work toward under-observed instances.
func (b *Balancer) leastLoaded(candidates []*domain.Instance) *domain.Instance {
	best := candidates[0]
	bestLoad := best.Health.SystemStats.Load()
	for _, inst := range candidates[1:] {
		if load := inst.Health.SystemStats.Load(); load < bestLoad {
			best = inst
			bestLoad = load
		}
	}
	return best
}

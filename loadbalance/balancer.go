// Package loadbalance picks which kernel a frontend connects to when several
// are registered under the same target.
//
// Three strategies are implemented:
//   - RoundRobin:      spread new sessions evenly
//   - WeightedRandom:  kernels on hosts of different capacity
//   - ConsistentHash:  the same session key always reaches the same kernel,
//     so a reconnecting frontend finds its interpreter state again
package loadbalance

import (
	"errors"
	"fmt"

	"kernel-rpc/registry"
)

var ErrNoInstances = errors.New("no available instances")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each dial.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies the
	// session; strategies without affinity ignore it.
	// Must be goroutine-safe.
	Pick(key string, instances []registry.KernelInstance) (*registry.KernelInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer for a configured strategy name.
func New(strategy string) (Balancer, error) {
	switch strategy {
	case "round_robin", "":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown load balancing strategy %q", strategy)
	}
}

package loadbalance

import (
	"sync/atomic"

	"kernel-rpc/registry"
)

// RoundRobinBalancer hands out instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Int64
}

func (b *RoundRobinBalancer) Pick(_ string, instances []registry.KernelInstance) (*registry.KernelInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	// Add returns the incremented value, so subtract 1 to start from index 0.
	idx := (b.counter.Add(1) - 1) % int64(len(instances))
	return &instances[idx], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}

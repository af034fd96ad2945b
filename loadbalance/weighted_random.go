package loadbalance

import (
	"math/rand"

	"kernel-rpc/registry"
)

// WeightedRandomBalancer selects instances randomly, weighted by capacity.
// Kernels without a weight count as weight 1.
//
//	Instances: A(w=5)  B(w=3)  C(w=2)   total = 10
//	Number line: [0──A──5──B──8──C──10)
//	rand.IntN(10) = 6  → falls in B's range → pick B
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.KernelInstance) (*registry.KernelInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	total := 0
	for i := range instances {
		total += weight(&instances[i])
	}

	r := rand.Intn(total)
	for i := range instances {
		r -= weight(&instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func weight(inst *registry.KernelInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

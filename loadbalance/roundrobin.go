package loadbalance

import (
	"sync/atomic"

	"chunk-rpc/registry"
)

// RoundRobinBalancer cycles through the instance list in registry order.
// The key is ignored. The zero value is ready to use.
type RoundRobinBalancer struct {
	next atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	i := (b.next.Add(1) - 1) % uint64(len(instances))
	return &instances[i], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}

// Package registry keeps track of which addresses serve which RPC services.
package registry

import "context"

type ServiceInstance struct {
	Addr    string
	Network string // "tcp", "unix" or "ws"; empty means "tcp"
	Codec   string // "json" or "binary"; empty means "json"
	Weight  int    // Weight for load balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done,
	// then closes the channel.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}

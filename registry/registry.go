package registry

import "context"

type ServiceInstance struct {
	Addr    string
	Weight  int // published for client-side balancing
	Version string
}

// Registry publishes the processors a server hosts.
type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
}

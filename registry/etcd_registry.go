// Package registry talks to etcd for two things: publishing the processors a server
// hosts, and reading the live per-call configuration that drives scheduling.
//
// Service instances live under TTL leases so a crashed server disappears on its own:
//
//	Key:   /mini-soa/services/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Per-call configuration lives next to it, see EtcdConfigCenter.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/mini-soa"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared with EtcdConfigCenter
	prefix string
	logger *zap.Logger
}

// Dial connects to the given etcd endpoints.
func Dial(endpoints []string) (*clientv3.Client, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial %v: %w", endpoints, err)
	}
	return c, nil
}

// NewEtcdRegistry wraps an etcd client. An empty prefix means DefaultPrefix.
func NewEtcdRegistry(client *clientv3.Client, prefix string, logger *zap.Logger) *EtcdRegistry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdRegistry{client: client, prefix: prefix, logger: logger}
}

func (r *EtcdRegistry) serviceKey(serviceName, addr string) string {
	return r.prefix + "/services/" + serviceName + "/" + addr
}

// Register stores instance under a lease of ttl seconds and keeps the lease alive until
// ctx is done. The lease id stays local so one EtcdRegistry can serve several servers.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	if _, err = r.client.Put(ctx, r.serviceKey(serviceName, instance.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", serviceName, err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive %s: %w", serviceName, err)
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("registry lease keepalive stopped", zap.String("service", serviceName), zap.String("addr", instance.Addr))
	}()
	return nil
}

// Deregister removes a service instance. Called during graceful shutdown before the
// listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	if _, err := r.client.Delete(ctx, r.serviceKey(serviceName, addr)); err != nil {
		return fmt.Errorf("delete %s: %w", serviceName, err)
	}
	return nil
}

// Discover returns all currently registered instances of a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.prefix+"/services/"+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("registry: skip malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

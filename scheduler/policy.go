// Package scheduler decides per call whether a request runs inline on its connection
// goroutine or on the worker pool.
package scheduler

import "mini-soa/registry"

// Policy is consulted once per inbound frame, so implementations must answer from memory.
type Policy interface {
	ShouldUseWorkerPool(serviceCallKey string) bool
}

// ConfigPolicy pools a call when pooling is globally enabled and the live configuration
// of its key does not set ThreadPool to false.
type ConfigPolicy struct {
	PoolEnabled bool
	Source      registry.ConfigSource // may be nil
}

func (p ConfigPolicy) ShouldUseWorkerPool(serviceCallKey string) bool {
	if !p.PoolEnabled {
		return false
	}
	if p.Source == nil {
		return true
	}
	cfg, ok := p.Source.GetConfig(serviceCallKey)
	if !ok {
		return true
	}
	if v, ok := registry.Bool(cfg, registry.ThreadPool); ok {
		return v
	}
	return true
}

// Func adapts a function to Policy.
type Func func(serviceCallKey string) bool

func (f Func) ShouldUseWorkerPool(serviceCallKey string) bool { return f(serviceCallKey) }

// Inline never uses the pool.
var Inline Policy = Func(func(string) bool { return false })

// Pooled always uses the pool.
var Pooled Policy = Func(func(string) bool { return true })

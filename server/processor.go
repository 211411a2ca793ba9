package server

import (
	"context"
	"sort"

	"mini-soa/middleware"
	"mini-soa/protocol"
)

// Processor runs one service's business logic. It reads the request through in, writes
// the reply body to out, and may return an *rpcerr.Error for a structured failure.
type Processor interface {
	Process(ctx context.Context, in *protocol.Decoder, out *protocol.Encoder) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, in *protocol.Decoder, out *protocol.Encoder) error

func (f ProcessorFunc) Process(ctx context.Context, in *protocol.Decoder, out *protocol.Encoder) error {
	return f(ctx, in, out)
}

// ProcessorTable maps service names to processors. It is built once and never changes,
// so lookups from many goroutines need no locking.
type ProcessorTable struct {
	m map[string]Processor
}

// NewProcessorTable copies procs and wraps every processor in the middleware chain.
func NewProcessorTable(procs map[string]Processor, mws ...middleware.Middleware) *ProcessorTable {
	chain := middleware.Chain(mws...)
	m := make(map[string]Processor, len(procs))
	for name, p := range procs {
		if len(mws) == 0 {
			m[name] = p
			continue
		}
		m[name] = ProcessorFunc(chain(p.Process))
	}
	return &ProcessorTable{m: m}
}

func (t *ProcessorTable) Lookup(serviceName string) (Processor, bool) {
	p, ok := t.m[serviceName]
	return p, ok
}

// Names returns the service names in sorted order.
func (t *ProcessorTable) Names() []string {
	names := make([]string, 0, len(t.m))
	for name := range t.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

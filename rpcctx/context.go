// Package rpcctx carries the per-call request context.
//
// A Context is created for every inbound frame and passed explicitly through a
// context.Context, including across the hand-off to a worker goroutine. There is no
// goroutine-local slot to install or clear: a cycle derives its context.Context with With
// and drops it when it returns.
package rpcctx

import (
	"context"

	"mini-soa/protocol"
)

// Context is the decoded header and sequence id of one call.
type Context struct {
	Header *protocol.Header
	SeqID  int32
}

// New returns a Context with an empty header.
func New() *Context {
	return &Context{Header: &protocol.Header{}}
}

// ServiceCallKey returns the configuration and metrics key of the call.
func (c *Context) ServiceCallKey() string {
	return c.Header.ServiceCallKey()
}

type ctxKey struct{}

// With returns a copy of parent carrying rc.
func With(parent context.Context, rc *Context) context.Context {
	return context.WithValue(parent, ctxKey{}, rc)
}

// FromContext returns the request context stored in ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*Context)
	return rc, ok && rc != nil
}

// MustFromContext is like FromContext but panics when ctx carries no request context.
func MustFromContext(ctx context.Context) *Context {
	rc, ok := FromContext(ctx)
	if !ok {
		panic("rpcctx: no request context installed")
	}
	return rc
}

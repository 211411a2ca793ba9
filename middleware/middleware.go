// Package middleware wraps processors onion-style. Chain(A, B)(h) runs A, then B, then h.
package middleware

import (
	"context"

	"mini-soa/protocol"
)

// HandlerFunc has the signature of a processor.
type HandlerFunc func(ctx context.Context, in *protocol.Decoder, out *protocol.Encoder) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

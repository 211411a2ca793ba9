package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-soa/protocol"
	"mini-soa/rpcerr"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in *protocol.Decoder, out *protocol.Encoder) error {
			if !limiter.Allow() {
				return rpcerr.RateLimited
			}
			return next(ctx, in, out)
		}
	}
}

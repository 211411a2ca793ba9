package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-soa/protocol"
	"mini-soa/rpcctx"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in *protocol.Decoder, out *protocol.Encoder) error {
			start := time.Now()
			err := next(ctx, in, out)

			fields := []zap.Field{zap.Duration("duration", time.Since(start)), zap.Int("reply_bytes", out.Len())}
			if rc, ok := rpcctx.FromContext(ctx); ok {
				fields = append(fields, zap.String("key", rc.ServiceCallKey()), zap.Int32("seq", rc.SeqID))
			}
			if err != nil {
				logger.Warn("processor returned error", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("processor finished", fields...)
			}
			return err
		}
	}
}

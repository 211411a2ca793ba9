package middleware

import (
	"context"
	"fmt"
	"time"

	"mini-soa/protocol"
	"mini-soa/registry"
	"mini-soa/rpcctx"
	"mini-soa/rpcerr"
)

// TimeOutMiddleware bounds processor execution. The live Timeout entry of the call's
// configuration in src wins over the static timeout; with neither the call is not bounded.
//
// On timeout the processor keeps running in the background against a private copy of
// the input and a private encoder, so the frame buffer can be released safely.
func TimeOutMiddleware(timeout time.Duration, src registry.ConfigSource) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in *protocol.Decoder, out *protocol.Encoder) error {
			d := timeout
			if rc, ok := rpcctx.FromContext(ctx); ok && src != nil {
				if cfg, ok := src.GetConfig(rc.ServiceCallKey()); ok {
					if v, ok := registry.Duration(cfg, registry.Timeout); ok {
						d = v
					}
				}
			}
			if d <= 0 {
				return next(ctx, in, out)
			}

			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			private := out.Fork()
			done := make(chan error, 1)
			go func(in *protocol.Decoder) {
				// Off the dispatcher goroutine, so its recover cannot see this panic.
				defer func() {
					if r := recover(); r != nil {
						done <- fmt.Errorf("processor panicked: %v", r)
					}
				}()
				done <- next(ctx, in, private)
			}(in.Detach())

			select {
			case err := <-done:
				if err == nil {
					_, err = out.Write(private.Bytes())
				}
				return err
			case <-ctx.Done():
				return rpcerr.Timeout
			}
		}
	}
}

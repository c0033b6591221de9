package middleware

import (
	"context"
	"time"

	"chunk-rpc/message"
)

// TimeOutMiddleware answers with message.ErrTimeout when the handler takes
// longer than timeout. The handler keeps running with a cancelled ctx.
// A non-positive timeout disables the limit.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(ctx context.Context, req *message.ServiceMessage) *message.ServiceMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.ServiceMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return reject(req, message.ErrTimeout)
			}
		}
	}
}

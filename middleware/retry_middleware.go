package middleware

import (
	"context"
	"time"

	"chunk-rpc/message"

	"go.uber.org/zap"
)

// Retryable reports whether a response error is worth another attempt.
func Retryable(errText string) bool {
	return errText == message.ErrTimeout || errText == message.ErrRateLimited
}

// RetryMiddleware re-runs the handler up to maxRetries times while it answers
// with a retryable error, sleeping baseDelay, 2*baseDelay, 4*baseDelay...
// between attempts. It gives up early when ctx is done.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.ServiceMessage) *message.ServiceMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Error == "" || !Retryable(resp.Error) {
					return resp
				}

				logger.Debug("retrying rpc call",
					zap.String("name", req.Name),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Error))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i)) // Exponential backoff
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp
				case <-timer.C:
				}
				resp = next(ctx, req)
			}
			return resp // Return last response after retries
		}
	}
}

package middleware

import (
	"context"

	"chunk-rpc/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects requests above r per second (token bucket with
// the given burst) with message.ErrRateLimited. The bucket is shared by every
// connection of the server. r <= 0 means no limit.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.ServiceMessage) *message.ServiceMessage {
			if !limiter.Allow() {
				return reject(req, message.ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}

package middleware

import (
	"context"
	"time"

	"chunk-rpc/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.ServiceMessage) *message.ServiceMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("name", req.Name),
				zap.Duration("duration", time.Since(start)),
				zap.Int("#request", len(req.Body)),
				zap.Int("#response", len(resp.Body)),
			}
			if resp.Error != "" {
				logger.Warn("rpc call failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Info("rpc call", fields...)
			}
			return resp
		}
	}
}

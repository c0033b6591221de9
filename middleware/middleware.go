// Package middleware wraps the server's request handler with cross-cutting
// behavior. Middlewares see complete, reassembled requests only.
package middleware

import (
	"context"

	"chunk-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.ServiceMessage) *message.ServiceMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one: Chain(A, B, C)(h) is A(B(C(h))).
// Nil entries are skipped, so optional middlewares can be listed inline.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			if middlewares[i] != nil {
				next = middlewares[i](next)
			}
		}
		return next
	}
}

// reject answers req with errText instead of calling the handler.
func reject(req *message.ServiceMessage, errText string) *message.ServiceMessage {
	return &message.ServiceMessage{Name: req.Name, Error: errText}
}

// Package middleware wraps the dispatch of inbound remote calls.
//
// Middlewares run on the kernel's loop, in the same pump the blocking waiter
// depends on, so they must not block.
package middleware

import (
	"context"

	"kernel-rpc/message"
)

type HandlerFunc func(ctx context.Context, inv *message.Invocation) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one: Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

package middleware

import (
	"context"
	"fmt"

	"kernel-rpc/message"

	"golang.org/x/time/rate"
)

// RateLimit rejects inbound calls beyond r per second (token bucket with
// the given burst). Ping and pong are never limited.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) (any, error) {
			if inv.Name != "ping" && inv.Name != "pong" && !limiter.Allow() {
				return nil, fmt.Errorf("%s: %w", inv.Name, message.ErrRateLimited)
			}
			return next(ctx, inv)
		}
	}
}

package middleware

import (
	"context"
	"time"

	"kernel-rpc/message"

	"github.com/rs/zerolog"
)

// SlowCall warns when a handler holds the loop longer than threshold. Every
// pending blocking call on the loop is delayed by that much.
func SlowCall(logger zerolog.Logger, threshold time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) (any, error) {
			start := time.Now()
			value, err := next(ctx, inv)
			if elapsed := time.Since(start); elapsed > threshold {
				logger.Warn().
					Str("call", inv.Name).
					Dur("duration", elapsed).
					Dur("threshold", threshold).
					Msg("slow remote call handler blocked the run loop")
			}
			return value, err
		}
	}
}

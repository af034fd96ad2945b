package middleware

import (
	"context"
	"time"

	"kernel-rpc/message"

	"github.com/rs/zerolog"
)

// Logging records every dispatched call with its duration and outcome.
func Logging(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) (any, error) {
			start := time.Now()
			value, err := next(ctx, inv)

			ev := logger.Debug()
			if err != nil {
				ev = logger.Warn().Err(err)
			}
			ev.Str("call", inv.Name).
				Str("call_id", inv.CallID).
				Bool("blocking", inv.Settings.Blocking).
				Dur("duration", time.Since(start)).
				Msg("remote call handled")
			return value, err
		}
	}
}

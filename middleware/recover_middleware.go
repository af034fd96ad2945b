package middleware

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"kernel-rpc/message"
)

// Recover turns a handler panic into a RemoteError of kind Panic carrying the
// frames of the panicking goroutine.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) (value any, err error) {
			defer func() {
				if r := recover(); r != nil {
					value = nil
					err = &message.RemoteError{
						Kind:     message.ErrorKindPanic,
						Message:  fmt.Sprint(r),
						CallName: inv.Name,
						Trace:    CallerFrames(3),
					}
				}
			}()
			return next(ctx, inv)
		}
	}
}

// CallerFrames captures the current goroutine's stack, outermost call first,
// skipping skip frames and the runtime's own panic machinery.
func CallerFrames(skip int) []message.Frame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []message.Frame
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, message.Frame{Function: f.Function, File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

package comm

import (
	"time"

	"kernel-rpc/codec"
	"kernel-rpc/eventloop"
	"kernel-rpc/middleware"

	"github.com/rs/zerolog"
)

// DefaultTarget is the comm target name a kernel advertises to frontends.
const DefaultTarget = "kernel_api"

const (
	DefaultTimeout   = 3 * time.Second
	DefaultOrphanTTL = time.Minute

	// A late reply for a timed out call is recognised for abandonFactor times
	// the call's timeout, then forgotten like any orphan.
	abandonFactor = 3

	pumpStep     = 50 * time.Millisecond
	pollInterval = 10 * time.Millisecond
)

// WaitStrategy selects how a blocking call waits for its reply.
type WaitStrategy int

const (
	// WaitPump runs the host loop one task at a time while waiting. Inbound
	// invokes and replies are both processed on the loop, so blocking calls
	// must be made from the loop owner.
	WaitPump WaitStrategy = iota

	// WaitPoll parks the caller on the pending table and processes replies on
	// the transport goroutine. For hosts that cannot tolerate re-entrant
	// pumping; inbound invokes wait until the blocked handler returns.
	WaitPoll
)

func (s WaitStrategy) String() string {
	if s == WaitPoll {
		return "poll"
	}
	return "pump"
}

// Option configures a Comm.
type Option func(*Comm)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Comm) { c.logger = logger }
}

// WithPayloadCodec sets the serializer for call payloads. Both peers must use
// the same one.
func WithPayloadCodec(pc codec.Codec) Option {
	return func(c *Comm) { c.payload = pc }
}

// WithLoop binds the comm to the host's run loop.
func WithLoop(loop *eventloop.Loop) Option {
	return func(c *Comm) { c.loop = loop }
}

func WithWaitStrategy(s WaitStrategy) Option {
	return func(c *Comm) { c.strategy = s }
}

// AllowNestedWaits controls whether a blocking call may be issued while
// another blocking call is already waiting on the same call path.
func AllowNestedWaits(allow bool) Option {
	return func(c *Comm) { c.allowNested = allow }
}

// WithDefaultTimeout sets the timeout of blocking calls that set none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Comm) { c.defaultTimeout = d }
}

// WithOrphanTTL sets how long a reply nobody waits for is kept.
func WithOrphanTTL(d time.Duration) Option {
	return func(c *Comm) { c.orphanTTL = d }
}

// WithMiddleware wraps inbound call dispatch. The first middleware is the
// outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Comm) { c.middlewares = append(c.middlewares, mws...) }
}

// WithTarget sets the comm target name.
func WithTarget(name string) Option {
	return func(c *Comm) { c.target = name }
}

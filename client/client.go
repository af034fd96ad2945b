// Package client is the frontend side: it finds a kernel, connects to it and
// makes calls.
//
// Flow of Connect:
//
//	registry.Discover(target) → Balancer.Pick(sessionKey) → dial tcp/websocket
//	  → comm.Open → comm_info handshake (target check)
//
// The client runs its own loop for calls the kernel makes to the frontend.
// Its comm waits with comm.WaitPoll so any goroutine may make blocking calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"kernel-rpc/comm"
	"kernel-rpc/eventloop"
	"kernel-rpc/loadbalance"
	"kernel-rpc/message"
	"kernel-rpc/registry"
	"kernel-rpc/server"
	"kernel-rpc/transport"

	"github.com/rs/zerolog"
)

var ErrTargetMismatch = errors.New("kernel serves a different comm target")

type Client struct {
	registry    registry.Registry // Where kernels are found; nil means Dial only
	balancer    loadbalance.Balancer
	target      string
	sessionKey  string
	dialTimeout time.Duration
	logger      zerolog.Logger
	commOpts    []comm.Option
	chanOpts    []transport.Option

	comm       *comm.Comm
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	mu     sync.Mutex
	pongs  []chan struct{}
	kernel *registry.KernelInstance
}

type Option func(*Client)

// WithRegistry makes Connect discover kernels in reg and pick one with bal.
func WithRegistry(reg registry.Registry, bal loadbalance.Balancer) Option {
	return func(c *Client) {
		c.registry = reg
		c.balancer = bal
	}
}

// WithTarget sets the comm target to look up and check. Defaults to
// comm.DefaultTarget.
func WithTarget(target string) Option {
	return func(c *Client) { c.target = target }
}

// WithSessionKey sets the key consistent hashing uses to route this frontend
// back to the same kernel.
func WithSessionKey(key string) Option {
	return func(c *Client) { c.sessionKey = key }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCommOptions configures the client's comm.
func WithCommOptions(opts ...comm.Option) Option {
	return func(c *Client) { c.commOpts = append(c.commOpts, opts...) }
}

// WithChannelOptions configures the channel built when dialing.
func WithChannelOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.chanOpts = append(c.chanOpts, opts...) }
}

// NewClient creates a disconnected client and starts its loop.
func NewClient(opts ...Option) *Client {
	c := &Client{
		target:      comm.DefaultTarget,
		balancer:    &loadbalance.RoundRobinBalancer{},
		dialTimeout: 5 * time.Second,
		logger:      zerolog.Nop(),
		loopDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	loop := eventloop.New(c.logger)
	base := []comm.Option{
		comm.WithLogger(c.logger),
		comm.WithLoop(loop),
		comm.WithTarget(c.target),
		comm.WithWaitStrategy(comm.WaitPoll),
	}
	c.comm = comm.New(append(base, c.commOpts...)...)
	c.comm.Register("pong", c.handlePong)

	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	go func() {
		defer close(c.loopDone)
		_ = loop.Run(ctx)
	}()
	return c
}

// Comm returns the client's comm, to register frontend-side handlers.
func (c *Client) Comm() *comm.Comm { return c.comm }

// Kernel returns the kernel the client is connected to, or nil.
func (c *Client) Kernel() *registry.KernelInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kernel
}

// Connect discovers the kernels serving the target and connects to one.
func (c *Client) Connect(ctx context.Context) error {
	if c.registry == nil {
		return errors.New("no registry configured, use Dial")
	}
	instances, err := c.registry.Discover(ctx, c.target)
	if err != nil {
		return fmt.Errorf("discover %s: %w", c.target, err)
	}
	if len(instances) == 0 {
		return fmt.Errorf("%w for %s", registry.ErrNotFound, c.target)
	}

	instance, err := c.balancer.Pick(c.sessionKey, instances)
	if err != nil {
		return err
	}
	c.logger.Debug().
		Str("kernel", instance.ID).
		Str("addr", instance.Addr).
		Str("balancer", c.balancer.Name()).
		Msg("kernel picked")
	return c.Dial(ctx, *instance)
}

// Dial connects to a known kernel and checks it serves the client's target.
func (c *Client) Dial(ctx context.Context, instance registry.KernelInstance) error {
	ch, err := c.dial(ctx, instance)
	if err != nil {
		return err
	}
	if err := c.comm.Open(ch); err != nil {
		ch.Close()
		return err
	}

	info, err := c.Info(ctx)
	if err != nil {
		c.comm.Close()
		return fmt.Errorf("handshake with %s: %w", instance.Addr, err)
	}
	if info.Target != c.target {
		c.comm.Close()
		return fmt.Errorf("%w: want %q, got %q", ErrTargetMismatch, c.target, info.Target)
	}

	c.mu.Lock()
	c.kernel = &instance
	c.mu.Unlock()
	c.logger.Info().Str("addr", instance.Addr).Str("comm_id", info.CommID).Msg("connected to kernel")
	return nil
}

func (c *Client) dial(ctx context.Context, instance registry.KernelInstance) (transport.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	opts := append([]transport.Option{transport.WithLogger(c.logger)}, c.chanOpts...)
	switch instance.Transport {
	case "websocket":
		return transport.DialWebsocket(ctx, instance.Addr, opts...)
	case "tcp", "":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", instance.Addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", instance.Addr, err)
		}
		return transport.NewStreamChannel(conn, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", instance.Transport)
	}
}

// Info asks the kernel to describe itself.
func (c *Client) Info(ctx context.Context) (server.Info, error) {
	return comm.CallAs[server.Info](ctx, c.comm.RemoteCall(), server.InfoCall)
}

// Call makes a blocking call and returns its result.
func (c *Client) Call(ctx context.Context, name string, args ...any) (any, error) {
	return c.comm.RemoteCall(c.callOptions(ctx, true)...).Call(ctx, name, args...)
}

// CallKw is Call with keyword arguments.
func (c *Client) CallKw(ctx context.Context, name string, kwargs map[string]any, args ...any) (any, error) {
	return c.comm.RemoteCall(c.callOptions(ctx, true)...).CallKw(ctx, name, kwargs, args...)
}

// CallInto makes a blocking call and decodes its result into out.
func (c *Client) CallInto(ctx context.Context, out any, name string, args ...any) error {
	return c.comm.RemoteCall(c.callOptions(ctx, true)...).CallInto(ctx, out, name, args...)
}

// Notify makes a fire-and-forget call. It only fails if the arguments cannot
// be encoded; a closed channel drops the call.
func (c *Client) Notify(ctx context.Context, name string, args ...any) error {
	_, err := c.comm.RemoteCall(c.callOptions(ctx, false)...).Call(ctx, name, args...)
	return err
}

// callOptions maps ctx's deadline onto the call timeout.
func (c *Client) callOptions(ctx context.Context, blocking bool) []comm.CallOption {
	var opts []comm.CallOption
	if blocking {
		opts = append(opts, comm.Blocking())
	}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			opts = append(opts, comm.WithTimeout(d))
		}
	}
	return opts
}

// Ping sends a ping and waits for the kernel's pong, returning the
// round trip time. It fails as soon as the call cannot be delivered or the
// channel closes.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	if !c.comm.IsOpen() {
		return 0, message.ErrChannelNotConnected
	}
	pong := make(chan struct{})
	c.mu.Lock()
	c.pongs = append(c.pongs, pong)
	c.mu.Unlock()
	defer c.forgetPong(pong)

	// The reply to ping itself only matters when it is an error: a dropped
	// call or a channel closed before the pong.
	failed := make(chan error, 1)
	opts := append(c.callOptions(ctx, false), comm.WithCallback(func(_ any, err error) {
		if err != nil {
			select {
			case failed <- err:
			default:
			}
		}
	}))

	start := time.Now()
	if _, err := c.comm.RemoteCall(opts...).Call(ctx, "ping"); err != nil {
		return 0, err
	}
	select {
	case <-pong:
		return time.Since(start), nil
	case err := <-failed:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Client) forgetPong(pong chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongs = slices.DeleteFunc(c.pongs, func(p chan struct{}) bool { return p == pong })
}

func (c *Client) handlePong(context.Context, *message.Invocation) (any, error) {
	c.mu.Lock()
	pongs := c.pongs
	c.pongs = nil
	c.mu.Unlock()
	for _, p := range pongs {
		close(p)
	}
	return nil, nil
}

// Close disconnects and stops the client's loop.
func (c *Client) Close() error {
	err := c.comm.Close()
	c.mu.Lock()
	c.kernel = nil
	c.mu.Unlock()
	c.loopCancel()
	c.comm.Loop().Close()
	<-c.loopDone
	return err
}

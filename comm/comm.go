// Package comm implements remote calls between a kernel and its frontend.
//
// A Comm is bound to one transport.Channel at a time. Each side registers
// handlers in its CallRegistry and issues calls through a Proxy:
//
//	c := comm.New(comm.WithLoop(loop))
//	c.RegisterFunc("add", func(a, b int) int { return a + b })
//	c.Open(ch)
//	...
//	sum, err := c.RemoteCall(comm.Blocking()).Call(ctx, "add", 2, 3)
//
// Blocking calls keep the host responsive while they wait: with WaitPump the
// waiter runs the host's own loop one task at a time, so a handler can call
// back into the peer and still receive unrelated traffic, including the
// peer's calls that its own reply depends on.
package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kernel-rpc/codec"
	"kernel-rpc/eventloop"
	"kernel-rpc/message"
	"kernel-rpc/middleware"
	"kernel-rpc/pending"
	"kernel-rpc/transport"

	"github.com/rs/zerolog"
)

// MessageHandler processes one router message kind.
type MessageHandler func(ctx context.Context, env *message.Envelope)

// Comm is one end of a remote call session.
type Comm struct {
	target         string
	logger         zerolog.Logger
	payload        codec.Codec
	loop           *eventloop.Loop
	strategy       WaitStrategy
	allowNested    bool
	defaultTimeout time.Duration
	orphanTTL      time.Duration
	middlewares    []middleware.Middleware

	calls    *CallRegistry
	pending  *pending.Table
	dispatch Handler

	mu           sync.Mutex
	channel      transport.Channel
	kinds        map[message.Kind]MessageHandler
	waiting      map[string]WaitInfo
	onAsyncError func(callName string, err error)
}

// New creates a closed comm with the ping/pong handlers registered.
func New(opts ...Option) *Comm {
	c := &Comm{
		target:         DefaultTarget,
		logger:         zerolog.Nop(),
		payload:        &codec.CBORCodec{},
		allowNested:    true,
		defaultTimeout: DefaultTimeout,
		orphanTTL:      DefaultOrphanTTL,
		calls:          NewCallRegistry(),
		kinds:          make(map[message.Kind]MessageHandler),
		waiting:        make(map[string]WaitInfo),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.loop == nil {
		c.loop = eventloop.New(c.logger)
	}
	c.logger = c.logger.With().Str("target", c.target).Logger()
	c.pending = pending.NewTable(c.orphanTTL)
	c.dispatch = middleware.Chain(c.middlewares...)(c.calls.Dispatch)

	c.calls.Register("ping", c.handlePing)
	c.calls.Register("pong", func(context.Context, *message.Invocation) (any, error) {
		return nil, nil
	})
	return c
}

// Target is the comm target name.
func (c *Comm) Target() string { return c.target }

// Loop is the run loop inbound calls are processed on.
func (c *Comm) Loop() *eventloop.Loop { return c.loop }

// Calls is the registry of handlers served to the peer.
func (c *Comm) Calls() *CallRegistry { return c.calls }

// Register binds a handler to name; see CallRegistry.Register.
func (c *Comm) Register(name string, h Handler) { c.calls.Register(name, h) }

// RegisterFunc adapts fn and binds it to name; see Func.
func (c *Comm) RegisterFunc(name string, fn any) error { return c.calls.RegisterFunc(name, fn) }

// RegisterService binds every exported method of rcvr; see CallRegistry.RegisterService.
func (c *Comm) RegisterService(rcvr any) error { return c.calls.RegisterService(rcvr) }

// OnAsyncError sets the hook receiving errors nobody waits for: an error
// reply to a non-blocking call without a callback.
func (c *Comm) OnAsyncError(fn func(callName string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAsyncError = fn
}

// RegisterMessageHandler binds a router message kind. Handlers registered
// before Open take precedence over the built-in invoke and reply handlers.
func (c *Comm) RegisterMessageHandler(kind message.Kind, h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.kinds, kind)
		return
	}
	c.kinds[kind] = h
}

// Open binds ch and starts receiving from it.
func (c *Comm) Open(ch transport.Channel) error {
	c.mu.Lock()
	if c.channel != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is bound to channel %s", message.ErrChannelAlreadyOpen, c.target, c.channel.ID())
	}
	c.channel = ch
	if _, ok := c.kinds[message.KindInvoke]; !ok {
		c.kinds[message.KindInvoke] = c.handleInvoke
	}
	if _, ok := c.kinds[message.KindReply]; !ok {
		c.kinds[message.KindReply] = c.handleReply
	}
	c.mu.Unlock()

	ch.OnMessage(c.receive)
	ch.OnClose(func() { c.channelClosed(ch) })
	if err := ch.Open(); err != nil {
		c.mu.Lock()
		c.channel = nil
		c.mu.Unlock()
		return fmt.Errorf("open channel %s: %w", ch.ID(), err)
	}
	c.logger.Debug().Str("comm_id", ch.ID()).Msg("comm opened")
	return nil
}

// IsOpen reports whether a channel is bound.
func (c *Comm) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != nil
}

// Channel returns the bound channel, or nil.
func (c *Comm) Channel() transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Close closes the bound channel. The peer is notified by the transport and
// every pending blocking call fails with ErrChannelNotConnected.
func (c *Comm) Close() error {
	ch := c.Channel()
	if ch == nil {
		return nil
	}
	err := ch.Close()
	c.channelClosed(ch)
	return err
}

func (c *Comm) channelClosed(ch transport.Channel) {
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	c.channel = nil
	c.mu.Unlock()

	failed := c.pending.FailAll(message.ErrChannelNotConnected)
	// Wake a waiter parked in the pump.
	_ = c.loop.Post(func(context.Context) {})
	for _, call := range failed {
		if call.Callback != nil {
			c.pending.Remove(call.ID)
			c.runCallback(call.Callback, nil, call.Err)
		}
	}
	c.logger.Debug().
		Str("comm_id", ch.ID()).
		Int("failed_calls", len(failed)).
		Msg("comm closed")
}

// receive is the channel's inbound callback, called on the transport
// goroutine.
func (c *Comm) receive(env *message.Envelope) {
	if c.strategy == WaitPoll && env.Kind == message.KindReply {
		c.Handle(context.Background(), env)
		return
	}
	if err := c.loop.Post(func(ctx context.Context) { c.Handle(ctx, env) }); err != nil {
		c.logger.Warn().Err(err).
			Str("kind", string(env.Kind)).
			Str("call", env.Content.CallName).
			Msg("inbound message dropped")
	}
}

// Handle routes one inbound envelope to the handler of its kind.
func (c *Comm) Handle(ctx context.Context, env *message.Envelope) {
	c.mu.Lock()
	h, ok := c.kinds[env.Kind]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("kind", string(env.Kind)).Msg("no such message kind")
		return
	}
	h(ctx, env)
}

func (c *Comm) handleInvoke(ctx context.Context, env *message.Envelope) {
	inv := &message.Invocation{
		Name:   env.Content.CallName,
		CallID: env.Content.CallID,
	}
	if env.Content.Settings != nil {
		inv.Settings = *env.Content.Settings
	}

	var (
		value any
		err   error
		p     message.InvokePayload
	)
	if loadErr := c.payload.Decode(env.Buffer(), &p); loadErr != nil {
		err = &message.RemoteError{
			Kind:     message.ErrorKindDeserialization,
			Message:  loadErr.Error(),
			CallName: inv.Name,
		}
	} else {
		inv.Args, inv.Kwargs = p.CallArgs, p.CallKwargs
		value, err = c.dispatch(ctx, inv)
	}
	c.setReturnValue(inv, value, err)
}

// setReturnValue replies to inv if the caller asked for a reply.
func (c *Comm) setReturnValue(inv *message.Invocation, value any, err error) {
	if !inv.Settings.WantsReply() {
		if err != nil {
			c.logger.Warn().Err(err).
				Str("call", inv.Name).
				Msg("non-blocking remote call failed")
		}
		return
	}

	reply := &message.Envelope{
		Kind: message.KindReply,
		Content: message.Content{
			CallName: inv.Name,
			CallID:   inv.CallID,
		},
	}
	buf, encErr := c.encodeResult(inv.Name, value, err)
	if encErr != nil {
		c.logger.Error().Err(encErr).Str("call", inv.Name).Msg("reply could not be encoded")
		return
	}
	reply.Content.IsError = err != nil || buf.isError
	reply.Buffers = [][]byte{buf.data}

	ch := c.Channel()
	if ch == nil {
		c.logger.Debug().Str("call", inv.Name).Msg("reply dropped, comm is closed")
		return
	}
	if err := ch.Send(reply); err != nil {
		c.logger.Warn().Err(err).Str("call", inv.Name).Msg("reply could not be sent")
	}
}

type encoded struct {
	data    []byte
	isError bool
}

func (c *Comm) encodeResult(name string, value any, err error) (encoded, error) {
	if err == nil {
		data, encErr := c.payload.Encode(value)
		if encErr == nil {
			return encoded{data: data}, nil
		}
		err = &message.RemoteError{
			Kind:     message.ErrorKindSerialization,
			Message:  encErr.Error(),
			CallName: name,
		}
	}
	re := message.NewRemoteError(name, err, nil)
	data, encErr := c.payload.Encode(re.Payload())
	if encErr != nil {
		return encoded{}, encErr
	}
	return encoded{data: data, isError: true}, nil
}

func (c *Comm) handleReply(_ context.Context, env *message.Envelope) {
	id, name := env.Content.CallID, env.Content.CallName

	r := pending.Result{IsError: env.Content.IsError}
	var loadErr error
	if r.IsError {
		var p message.ErrorPayload
		if loadErr = c.payload.Decode(env.Buffer(), &p); loadErr == nil {
			r.Err = message.FromPayload(name, &p)
		}
	} else {
		r.Raw = env.Buffer()
		loadErr = c.payload.Decode(r.Raw, &r.Value)
	}
	if loadErr != nil {
		r = pending.Result{
			IsError: true,
			Err: &message.RemoteError{
				Kind:     message.ErrorKindDeserialization,
				Message:  loadErr.Error(),
				CallName: name,
			},
		}
	}

	call, state := c.pending.Resolve(id, name, r)
	switch state {
	case pending.StateExpected:
		if call.Callback != nil {
			c.pending.Remove(id)
			c.runCallback(call.Callback, call.Value, call.Err)
		}
	case pending.StateOrphan:
		c.logger.Debug().Str("call", name).Str("call_id", id).Msg("reply for an unknown call recorded")
		if r.IsError {
			c.asyncError(name, r.Err)
		}
	case pending.StateAbandoned:
		c.logger.Debug().Str("call", name).Str("call_id", id).Msg("late reply dropped")
	case pending.StateDuplicate:
		c.logger.Warn().Str("call", name).Str("call_id", id).Msg("duplicate reply dropped")
	}
	c.sweep()
}

// sweep evicts stale pending entries and times out expired callback calls.
func (c *Comm) sweep() {
	n, expired := c.pending.Sweep()
	for _, call := range expired {
		c.runCallback(call.Callback, nil, &message.TimeoutError{
			CallName: call.Name,
			Timeout:  call.Deadline.Sub(call.RequestedAt),
		})
	}
	if n > 0 {
		c.logger.Debug().Int("evicted", n).Msg("pending calls swept")
	}
}

// runCallback runs a completion callback on the loop.
func (c *Comm) runCallback(fn func(any, error), value any, err error) {
	if postErr := c.loop.Post(func(context.Context) { fn(value, err) }); postErr != nil {
		fn(value, err)
	}
}

func (c *Comm) asyncError(name string, err error) {
	c.mu.Lock()
	hook := c.onAsyncError
	c.mu.Unlock()

	ev := c.logger.Error().Err(err).Str("call", name)
	var re *message.RemoteError
	if errors.As(err, &re) && len(re.Trace) > 0 {
		ev = ev.Str("traceback", re.FormatTrace())
	}
	ev.Msg("unexpected error from a non-blocking call")
	if hook != nil {
		hook(name, err)
	}
}

func (c *Comm) handlePing(ctx context.Context, _ *message.Invocation) (any, error) {
	_, err := c.RemoteCall().Call(ctx, "pong")
	return nil, err
}

// PendingLen is the number of entries in the pending call table.
func (c *Comm) PendingLen() int {
	c.sweep()
	return c.pending.Len()
}

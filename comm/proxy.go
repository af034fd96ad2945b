package comm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"kernel-rpc/message"

	"github.com/google/uuid"
)

type callOptions struct {
	blocking bool
	timeout  time.Duration
	commID   string
	callback func(value any, err error)
}

// CallOption configures the calls made through a Proxy.
type CallOption func(*callOptions)

// Blocking makes calls wait for the peer's reply.
func Blocking() CallOption {
	return func(o *callOptions) { o.blocking = true }
}

// NonBlocking makes calls fire and forget. This is the default.
func NonBlocking() CallOption {
	return func(o *callOptions) { o.blocking = false }
}

// WithTimeout bounds the wait of a blocking call, and the lifetime of a
// callback.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithCommID addresses the call to a specific channel. The call fails as not
// connected if another channel is bound.
func WithCommID(id string) CallOption {
	return func(o *callOptions) { o.commID = id }
}

// WithCallback asks the peer to reply to a non-blocking call and delivers the
// outcome to fn on the run loop.
func WithCallback(fn func(value any, err error)) CallOption {
	return func(o *callOptions) { o.callback = fn }
}

// Proxy issues calls to the peer with a fixed set of options.
type Proxy struct {
	comm *Comm
	opts callOptions
}

// RemoteCall returns a proxy for calls with opts.
func (c *Comm) RemoteCall(opts ...CallOption) *Proxy {
	p := &Proxy{comm: c}
	for _, opt := range opts {
		opt(&p.opts)
	}
	return p
}

// With returns a copy of p with opts applied on top.
func (p *Proxy) With(opts ...CallOption) *Proxy {
	cp := *p
	for _, opt := range opts {
		opt(&cp.opts)
	}
	return &cp
}

// Call invokes name on the peer. A non-blocking call returns (nil, nil) as
// soon as it is sent.
func (p *Proxy) Call(ctx context.Context, name string, args ...any) (any, error) {
	return p.CallKw(ctx, name, nil, args...)
}

// CallKw is Call with keyword arguments.
func (p *Proxy) CallKw(ctx context.Context, name string, kwargs map[string]any, args ...any) (any, error) {
	call, err := p.comm.invoke(ctx, name, args, kwargs, p.opts)
	if err != nil || call == nil {
		return nil, err
	}
	return call.Value, nil
}

// CallInto makes a blocking call and decodes its return value into out.
func (p *Proxy) CallInto(ctx context.Context, out any, name string, args ...any) error {
	o := p.opts
	o.blocking = true
	call, err := p.comm.invoke(ctx, name, args, nil, o)
	if err != nil {
		return err
	}
	if err := p.comm.payload.Decode(call.Raw, out); err != nil {
		return fmt.Errorf("decode %q result: %w", name, errors.Join(message.ErrDeserialization, err))
	}
	return nil
}

// Func returns a function calling name, for call sites that invoke the same
// name repeatedly.
func (p *Proxy) Func(name string) func(ctx context.Context, args ...any) (any, error) {
	return func(ctx context.Context, args ...any) (any, error) {
		return p.Call(ctx, name, args...)
	}
}

// CallAs makes a blocking call through p and returns its result as T.
func CallAs[T any](ctx context.Context, p *Proxy, name string, args ...any) (T, error) {
	var out T
	err := p.CallInto(ctx, &out, name, args...)
	return out, err
}

func newCallID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

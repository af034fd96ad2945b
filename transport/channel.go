// Package transport provides the duplex channels a comm is bound to.
//
// The comm only relies on four primitives: Send, callback registration
// (OnMessage/OnClose), Open and Close. Three implementations are provided:
//
//	StreamChannel     one envelope per protocol frame over a net.Conn (TCP, unix socket)
//	WebsocketChannel  one envelope per binary websocket message, for browser frontends
//	Pipe              an in-memory pair, used by tests and in-process frontends
//
// Every implementation preserves FIFO order per direction and delivers inbound
// envelopes from a single goroutine.
package transport

import (
	"sync"
	"time"

	"kernel-rpc/codec"
	"kernel-rpc/message"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is a single logical duplex connection between two comm peers.
type Channel interface {
	// ID identifies the channel (the comm id of multi-channel hosts).
	ID() string

	// Send transmits one envelope. It fails with message.ErrChannelNotConnected
	// once the channel is closed.
	Send(env *message.Envelope) error

	// OnMessage registers the inbound callback. Must be called before Open.
	OnMessage(fn func(env *message.Envelope))

	// OnClose registers a callback fired once, whichever side closed.
	OnClose(fn func())

	// Open starts delivering inbound envelopes.
	Open() error

	// Close closes the channel and notifies the other side.
	Close() error
}

type options struct {
	id        string
	codec     codec.Codec
	heartbeat time.Duration
	logger    zerolog.Logger
}

// Option configures a channel.
type Option func(*options)

// WithID overrides the generated channel id.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithCodec sets the codec used for envelope content on stream transports.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithHeartbeat sets the keep-alive interval. Zero disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) { o.heartbeat = interval }
}

// WithLogger sets the channel logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{
		codec:     &codec.JSONCodec{},
		heartbeat: 30 * time.Second,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.New().String()
	}
	return o
}

// callbacks holds the registered handlers shared by every implementation.
type callbacks struct {
	mu        sync.Mutex
	onMessage func(env *message.Envelope)
	onClose   func()
	closeOnce sync.Once
}

func (c *callbacks) OnMessage(fn func(env *message.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *callbacks) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *callbacks) deliver(env *message.Envelope) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

func (c *callbacks) fireClose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		fn := c.onClose
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

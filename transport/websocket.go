package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"kernel-rpc/codec"
	"kernel-rpc/message"
	"kernel-rpc/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebsocketChannel carries one protocol frame per binary websocket message.
// Browser frontends reach the kernel this way.
type WebsocketChannel struct {
	callbacks
	id        string
	conn      *websocket.Conn
	codec     codec.Codec
	heartbeat time.Duration
	logger    zerolog.Logger
	sending   sync.Mutex
	opened    atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
}

// NewWebsocketChannel wraps an established websocket connection.
func NewWebsocketChannel(conn *websocket.Conn, opts ...Option) *WebsocketChannel {
	o := buildOptions(opts)
	conn.SetReadLimit(protocol.MaxFrameSize + int64(protocol.HeaderSize))
	return &WebsocketChannel{
		id:        o.id,
		conn:      conn,
		codec:     o.codec,
		heartbeat: o.heartbeat,
		logger:    o.logger.With().Str("channel", o.id).Logger(),
		done:      make(chan struct{}),
	}
}

// DialWebsocket connects to a kernel websocket endpoint.
func DialWebsocket(ctx context.Context, url string, opts ...Option) (*WebsocketChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", url, err)
	}
	return NewWebsocketChannel(conn, opts...), nil
}

// Upgrader accepts frontend connections on the kernel side.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
}

// AcceptWebsocket upgrades an HTTP request into a channel.
func AcceptWebsocket(w http.ResponseWriter, r *http.Request, opts ...Option) (*WebsocketChannel, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebsocketChannel(conn, opts...), nil
}

func (c *WebsocketChannel) ID() string { return c.id }

func (c *WebsocketChannel) Open() error {
	if c.closed.Load() {
		return message.ErrChannelNotConnected
	}
	if c.opened.Swap(true) {
		return fmt.Errorf("channel %s already opened", c.id)
	}
	go c.recvLoop()
	if c.heartbeat > 0 {
		go c.pingLoop(c.heartbeat)
	}
	return nil
}

func (c *WebsocketChannel) Send(env *message.Envelope) error {
	if c.closed.Load() {
		return message.ErrChannelNotConnected
	}
	var buf bytes.Buffer
	if err := protocol.Encode(&buf, c.codec, env); err != nil {
		return fmt.Errorf("send %s: %w", env.Kind, err)
	}

	c.sending.Lock()
	defer c.sending.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (c *WebsocketChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.sending.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.sending.Unlock()

	err := c.conn.Close()
	c.fireClose()
	return err
}

func (c *WebsocketChannel) recvLoop() {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !c.closed.Load() && !errors.As(err, &closeErr) {
				c.logger.Warn().Err(err).Msg("websocket channel read failed")
			}
			c.Close()
			return
		}
		if mt != websocket.BinaryMessage {
			c.logger.Debug().Int("type", mt).Msg("ignoring non-binary websocket message")
			continue
		}
		_, env, err := protocol.Decode(bytes.NewReader(data))
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed websocket frame")
			continue
		}
		if env == nil {
			continue
		}
		c.deliver(env)
	}
}

func (c *WebsocketChannel) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sending.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval))
			c.sending.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

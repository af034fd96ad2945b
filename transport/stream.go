package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"kernel-rpc/codec"
	"kernel-rpc/message"
	"kernel-rpc/protocol"

	"github.com/rs/zerolog"
)

// StreamChannel carries envelopes over a byte stream such as a TCP connection.
//
// A single goroutine (recvLoop) reads frames, because frame boundaries can
// only be parsed sequentially; writes from the comm and from the heartbeat
// loop are serialized by the sending mutex so frames never interleave.
type StreamChannel struct {
	callbacks
	id        string
	conn      net.Conn
	codec     codec.Codec
	heartbeat time.Duration
	logger    zerolog.Logger
	sending   sync.Mutex
	opened    atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
}

// NewStreamChannel wraps conn. Nothing is read until Open is called.
func NewStreamChannel(conn net.Conn, opts ...Option) *StreamChannel {
	o := buildOptions(opts)
	return &StreamChannel{
		id:        o.id,
		conn:      conn,
		codec:     o.codec,
		heartbeat: o.heartbeat,
		logger:    o.logger.With().Str("channel", o.id).Logger(),
		done:      make(chan struct{}),
	}
}

func (s *StreamChannel) ID() string { return s.id }

// Conn returns the underlying connection.
func (s *StreamChannel) Conn() net.Conn { return s.conn }

// Open starts the receive loop and, if configured, the heartbeat loop.
func (s *StreamChannel) Open() error {
	if s.closed.Load() {
		return message.ErrChannelNotConnected
	}
	if s.opened.Swap(true) {
		return fmt.Errorf("channel %s already opened", s.id)
	}
	go s.recvLoop()
	if s.heartbeat > 0 {
		go s.heartbeatLoop(s.heartbeat)
	}
	return nil
}

func (s *StreamChannel) Send(env *message.Envelope) error {
	if s.closed.Load() {
		return message.ErrChannelNotConnected
	}
	s.sending.Lock()
	defer s.sending.Unlock()
	if err := protocol.Encode(s.conn, s.codec, env); err != nil {
		return fmt.Errorf("send %s: %w", env.Kind, err)
	}
	return nil
}

func (s *StreamChannel) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	err := s.conn.Close()
	s.fireClose()
	return err
}

// recvLoop reads frames until the connection breaks, delivering envelopes in
// arrival order.
func (s *StreamChannel) recvLoop() {
	for {
		_, env, err := protocol.Decode(s.conn)
		if err != nil {
			if !s.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Msg("stream channel read failed")
			}
			s.Close()
			return
		}
		if env == nil {
			continue // heartbeat
		}
		s.deliver(env)
	}
}

// heartbeatLoop keeps idle connections alive so a dead peer is detected by a
// failed write rather than never.
func (s *StreamChannel) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sending.Lock()
			err := protocol.EncodeHeartbeat(s.conn)
			s.sending.Unlock()
			if err != nil {
				s.Close()
				return
			}
		}
	}
}

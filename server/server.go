// Package server hosts a kernel: it owns the run loop and the comm, and binds
// the frontend's connection as the comm's channel.
//
// Connection handling:
//
//	Accept conn → StreamChannel → comm.Open
//	  → a second frontend while one is bound is refused
//	  → inbound calls run on the kernel loop, one at a time
//
// The loop goroutine is the kernel's "main thread": handlers and the blocking
// calls they make run there.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"kernel-rpc/comm"
	"kernel-rpc/message"
	"kernel-rpc/registry"
	"kernel-rpc/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InfoCall is the call frontends make after connecting to check they reached
// the right comm target.
const InfoCall = "comm_info"

// WebsocketPath is where ServeWebsocket accepts frontends.
const WebsocketPath = "/comm"

// Info is the result of InfoCall.
type Info struct {
	Target  string   `json:"target" cbor:"target"`
	CommID  string   `json:"comm_id" cbor:"comm_id"`
	Version string   `json:"version" cbor:"version"`
	Calls   []string `json:"calls" cbor:"calls"`
}

// Server is the kernel host.
type Server struct {
	comm     *comm.Comm
	logger   zerolog.Logger
	chanOpts []transport.Option

	registry      registry.Registry
	instance      registry.KernelInstance
	ttl           int64
	registeredIDs []string // Registry entries to remove on shutdown

	mu        sync.Mutex
	listeners []net.Listener
	https     []*http.Server
	shutdown  atomic.Bool

	startOnce  sync.Once
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithChannelOptions configures the channels built for accepted frontends.
func WithChannelOptions(opts ...transport.Option) Option {
	return func(s *Server) { s.chanOpts = append(s.chanOpts, opts...) }
}

// WithRegistry publishes the kernel while it serves. instance.Addr defaults
// to the listener address; instance.ID to a random id.
func WithRegistry(reg registry.Registry, instance registry.KernelInstance, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.instance = instance
		s.ttl = ttl
	}
}

// NewServer hosts c. Register handlers on c before serving.
func NewServer(c *comm.Comm, opts ...Option) *Server {
	s := &Server{
		comm:     c,
		logger:   zerolog.Nop(),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.instance.ID == "" {
		s.instance.ID = uuid.NewString()
	}
	s.chanOpts = append([]transport.Option{transport.WithLogger(s.logger)}, s.chanOpts...)

	c.Register(InfoCall, func(context.Context, *message.Invocation) (any, error) {
		return s.Info(), nil
	})
	return s
}

// Comm returns the hosted comm.
func (s *Server) Comm() *comm.Comm { return s.comm }

// Info describes the kernel to a connecting frontend.
func (s *Server) Info() Info {
	info := Info{
		Target:  s.comm.Target(),
		Version: s.instance.Version,
		Calls:   s.comm.Calls().Names(),
	}
	if ch := s.comm.Channel(); ch != nil {
		info.CommID = ch.ID()
	}
	return info
}

// Start runs the kernel loop in its own goroutine. Serve calls it.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.loopCancel = cancel
		go func() {
			defer close(s.loopDone)
			if err := s.comm.Loop().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("kernel loop stopped")
			}
		}()
	})
}

// Serve listens on address and accepts frontends until Shutdown.
func (s *Server) Serve(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

// ServeListener accepts frontends on ln until Shutdown.
func (s *Server) ServeListener(ln net.Listener) error {
	if !s.track(ln, nil) {
		ln.Close()
		return nil
	}
	s.Start()

	if err := s.publish(s.instance.ID, "tcp", ln.Addr().String()); err != nil {
		ln.Close()
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Str("target", s.comm.Target()).Msg("kernel listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that is not an error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.bind(transport.NewStreamChannel(conn, s.chanOpts...), conn.RemoteAddr().String())
	}
}

// WebsocketHandler accepts frontends over websocket.
func (s *Server) WebsocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.comm.IsOpen() {
			http.Error(w, message.ErrChannelAlreadyOpen.Error(), http.StatusConflict)
			return
		}
		ch, err := transport.AcceptWebsocket(w, r, s.chanOpts...)
		if err != nil {
			s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		s.bind(ch, r.RemoteAddr)
	})
}

// ServeWebsocket serves WebsocketHandler at WebsocketPath on ln until
// Shutdown.
func (s *Server) ServeWebsocket(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(WebsocketPath, s.WebsocketHandler())
	srv := &http.Server{Handler: mux}
	if !s.track(nil, srv) {
		ln.Close()
		return nil
	}
	s.Start()

	url := "ws://" + ln.Addr().String() + WebsocketPath
	if err := s.publish(s.instance.ID+"-ws", "websocket", url); err != nil {
		ln.Close()
		return err
	}
	s.logger.Info().Str("url", url).Str("target", s.comm.Target()).Msg("kernel websocket listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// bind makes ch the comm's channel, or refuses it if a frontend is already
// bound.
func (s *Server) bind(ch transport.Channel, remote string) {
	if err := s.comm.Open(ch); err != nil {
		s.logger.Warn().Err(err).Str("remote", remote).Msg("frontend refused")
		ch.Close()
		return
	}
	s.logger.Info().Str("remote", remote).Str("comm_id", ch.ID()).Msg("frontend connected")
}

func (s *Server) track(ln net.Listener, srv *http.Server) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	if ln != nil {
		s.listeners = append(s.listeners, ln)
	}
	if srv != nil {
		s.https = append(s.https, srv)
	}
	return true
}

func (s *Server) publish(id, transportName, addr string) error {
	if s.registry == nil {
		return nil
	}
	inst := s.instance
	inst.ID = id
	inst.Transport = transportName
	if inst.Addr == "" || transportName == "websocket" {
		inst.Addr = addr
	}
	if err := s.registry.Register(context.Background(), s.comm.Target(), inst, s.ttl); err != nil {
		return fmt.Errorf("register kernel: %w", err)
	}
	s.mu.Lock()
	s.registeredIDs = append(s.registeredIDs, id)
	s.mu.Unlock()
	return nil
}

// Shutdown stops the kernel:
//  1. Deregister from the registry so frontends stop picking it
//  2. Set the shutdown flag and close listeners
//  3. Close the comm, failing pending calls on both sides
//  4. Stop the loop and wait for the running task to return, or ctx
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := s.registeredIDs
	s.registeredIDs = nil
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.registry.Deregister(ctx, s.comm.Target(), id); err != nil {
			errs = append(errs, fmt.Errorf("deregister %s: %w", id, err))
		}
	}

	// Set the flag before closing so Accept errors are recognised.
	s.mu.Lock()
	s.shutdown.Store(true)
	listeners, https := s.listeners, s.https
	s.mu.Unlock()
	for _, ln := range listeners {
		ln.Close()
	}
	for _, srv := range https {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.comm.Close(); err != nil {
		errs = append(errs, err)
	}

	s.Start() // Makes loopDone closable when the server never served.
	s.loopCancel()
	s.comm.Loop().Close()
	select {
	case <-s.loopDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timeout waiting for the kernel loop: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

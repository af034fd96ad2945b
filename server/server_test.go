package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"kernel-rpc/comm"
	"kernel-rpc/eventloop"
	"kernel-rpc/registry"
	"kernel-rpc/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKernel(t *testing.T, opts ...Option) (*Server, net.Addr) {
	t.Helper()
	c := comm.New(comm.WithLoop(eventloop.New(zerolog.Nop())))
	require.NoError(t, c.RegisterFunc("add", func(a, b int) int { return a + b }))
	s := NewServer(c, append([]Option{WithChannelOptions(transport.WithHeartbeat(0))}, opts...)...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.ServeListener(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
		assert.NoError(t, <-served)
	})
	return s, ln.Addr()
}

// frontend connects a poll-mode comm to addr.
func frontend(t *testing.T, addr net.Addr) *comm.Comm {
	t.Helper()
	loop := eventloop.New(zerolog.Nop())
	c := comm.New(comm.WithLoop(loop), comm.WithWaitStrategy(comm.WaitPoll))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	require.NoError(t, c.Open(transport.NewStreamChannel(conn, transport.WithHeartbeat(0))))

	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		loop.Close()
		<-done
	})
	return c
}

func TestServeTCP(t *testing.T) {
	_, addr := newKernel(t)
	fe := frontend(t, addr)

	sum, err := comm.CallAs[int](context.Background(), fe.RemoteCall(), "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, sum)

	info, err := comm.CallAs[Info](context.Background(), fe.RemoteCall(), InfoCall)
	require.NoError(t, err)
	assert.Equal(t, comm.DefaultTarget, info.Target)
	assert.NotEmpty(t, info.CommID)
	assert.Contains(t, info.Calls, "add")
	assert.Contains(t, info.Calls, "ping")
}

func TestSecondFrontendIsRefused(t *testing.T) {
	_, addr := newKernel(t)
	first := frontend(t, addr)
	_, err := first.RemoteCall(comm.Blocking()).Call(context.Background(), "ping")
	require.NoError(t, err)

	second := frontend(t, addr)
	require.Eventually(t, func() bool { return !second.IsOpen() }, 2*time.Second, 10*time.Millisecond)

	// The bound frontend is unaffected.
	sum, err := comm.CallAs[int](context.Background(), first.RemoteCall(), "add", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, sum)
}

func TestFrontendCanReconnect(t *testing.T) {
	s, addr := newKernel(t)
	first := frontend(t, addr)
	_, err := first.RemoteCall(comm.Blocking()).Call(context.Background(), "ping")
	require.NoError(t, err)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return !s.Comm().IsOpen() }, 2*time.Second, 10*time.Millisecond)

	second := frontend(t, addr)
	sum, err := comm.CallAs[int](context.Background(), second.RemoteCall(), "add", 20, 22)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)
}

func TestKernelCallsBackIntoFrontend(t *testing.T) {
	s, addr := newKernel(t)
	k := s.Comm()
	require.NoError(t, k.RegisterFunc("describe", func(ctx context.Context, name string) (string, error) {
		// A blocking call from a handler: the kernel loop is pumped while waiting.
		theme, err := comm.CallAs[string](ctx, k.RemoteCall(), "get_option", "theme")
		if err != nil {
			return "", err
		}
		return name + " in " + theme, nil
	}))

	fe := frontend(t, addr)
	require.NoError(t, fe.RegisterFunc("get_option", func(option string) (string, error) {
		if option != "theme" {
			return "", errors.New("unknown option")
		}
		return "dark", nil
	}))

	got, err := comm.CallAs[string](context.Background(), fe.RemoteCall(), "describe", "editor")
	require.NoError(t, err)
	assert.Equal(t, "editor in dark", got)
}

func TestNamespaceService(t *testing.T) {
	s, addr := newKernel(t)
	require.NoError(t, s.Comm().RegisterService(NewNamespace()))
	fe := frontend(t, addr)
	p := fe.RemoteCall(comm.Blocking())
	ctx := context.Background()

	_, err := p.Call(ctx, "Namespace.Set", "x", 42)
	require.NoError(t, err)
	_, err = p.Call(ctx, "Namespace.Set", "msg", "hi")
	require.NoError(t, err)

	v, err := p.Call(ctx, "Namespace.Get", "x")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)

	names, err := comm.CallAs[[]string](ctx, p, "Namespace.Names")
	require.NoError(t, err)
	assert.Equal(t, []string{"msg", "x"}, names)

	_, err = p.Call(ctx, "Namespace.Get", "missing")
	assert.ErrorIs(t, err, comm.ErrRemoteHandler)
	assert.ErrorContains(t, err, `name "missing" is not defined`)
}

func TestRegistryLifecycle(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	c := comm.New(comm.WithLoop(eventloop.New(zerolog.Nop())))
	s := NewServer(c, WithRegistry(reg, registry.KernelInstance{ID: "k1", Weight: 3, Version: "1.2"}, 10))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.ServeListener(ln) }()

	require.Eventually(t, func() bool {
		instances, _ := reg.Discover(context.Background(), comm.DefaultTarget)
		return len(instances) == 1
	}, 2*time.Second, 5*time.Millisecond)
	instances, err := reg.Discover(context.Background(), comm.DefaultTarget)
	require.NoError(t, err)
	assert.Equal(t, registry.KernelInstance{
		ID: "k1", Addr: ln.Addr().String(), Transport: "tcp", Weight: 3, Version: "1.2",
	}, instances[0])

	fe := frontend(t, ln.Addr())
	_, err = fe.RemoteCall(comm.Blocking()).Call(context.Background(), "ping")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-served)

	instances, err = reg.Discover(context.Background(), comm.DefaultTarget)
	require.NoError(t, err)
	assert.Empty(t, instances)
	require.Eventually(t, func() bool { return !fe.IsOpen() }, 2*time.Second, 10*time.Millisecond)
}

func TestServeWebsocket(t *testing.T) {
	c := comm.New(comm.WithLoop(eventloop.New(zerolog.Nop())))
	require.NoError(t, c.RegisterFunc("add", func(a, b int) int { return a + b }))
	s := NewServer(c, WithChannelOptions(transport.WithHeartbeat(0)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.ServeWebsocket(ln) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
		assert.NoError(t, <-served)
	}()

	loop := eventloop.New(zerolog.Nop())
	go func() { _ = loop.Run(context.Background()) }()
	defer loop.Close()
	fe := comm.New(comm.WithLoop(loop), comm.WithWaitStrategy(comm.WaitPoll))

	ch, err := transport.DialWebsocket(context.Background(), "ws://"+ln.Addr().String()+WebsocketPath, transport.WithHeartbeat(0))
	require.NoError(t, err)
	require.NoError(t, fe.Open(ch))
	defer fe.Close()

	sum, err := comm.CallAs[int](context.Background(), fe.RemoteCall(), "add", 4, 5)
	require.NoError(t, err)
	assert.Equal(t, 9, sum)
}

func TestShutdownWithoutServing(t *testing.T) {
	s := NewServer(comm.New())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, s.Serve("tcp", "127.0.0.1:0"))
}

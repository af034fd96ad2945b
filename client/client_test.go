package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"kernel-rpc/comm"
	"kernel-rpc/eventloop"
	"kernel-rpc/loadbalance"
	"kernel-rpc/message"
	"kernel-rpc/registry"
	"kernel-rpc/server"
	"kernel-rpc/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kernel struct {
	server *server.Server
	addr   string
}

// startKernel serves a kernel on a loopback port and publishes it in reg when
// reg is not nil.
func startKernel(t *testing.T, reg registry.Registry, id string, commOpts ...comm.Option) *kernel {
	t.Helper()
	c := comm.New(append([]comm.Option{comm.WithLoop(eventloop.New(zerolog.Nop()))}, commOpts...)...)
	require.NoError(t, c.RegisterFunc("add", func(a, b int) int { return a + b }))
	require.NoError(t, c.RegisterFunc("greet", func(name string, kw map[string]any) string {
		if greeting, ok := kw["greeting"].(string); ok {
			return greeting + ", " + name
		}
		return "hello, " + name
	}))

	opts := []server.Option{server.WithChannelOptions(transport.WithHeartbeat(0))}
	if reg != nil {
		opts = append(opts, server.WithRegistry(reg, registry.KernelInstance{ID: id, Weight: 1}, 10))
	}
	s := server.NewServer(c, opts...)

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

	if reg != nil {
		require.Eventually(t, func() bool {
			instances, _ := reg.Discover(context.Background(), c.Target())
			for _, inst := range instances {
				if inst.ID == id {
					return true
				}
			}
			return false
		}, 2*time.Second, 5*time.Millisecond)
	}
	return &kernel{server: s, addr: ln.Addr().String()}
}

func newClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c := NewClient(append([]Option{WithChannelOptions(transport.WithHeartbeat(0))}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDialAndCall(t *testing.T) {
	k := startKernel(t, nil, "")
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Dial(ctx, registry.KernelInstance{Addr: k.addr, Transport: "tcp"}))
	require.NotNil(t, c.Kernel())
	assert.Equal(t, k.addr, c.Kernel().Addr)

	v, err := c.Call(ctx, "add", 2, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)

	var sum int
	require.NoError(t, c.CallInto(ctx, &sum, "add", 40, 2))
	assert.Equal(t, 42, sum)

	v, err = c.CallKw(ctx, "greet", map[string]any{"greeting": "hi"}, "ada")
	require.NoError(t, err)
	assert.Equal(t, "hi, ada", v)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, comm.DefaultTarget, info.Target)
	assert.Contains(t, info.Calls, "greet")
}

func TestConnectThroughRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startKernel(t, reg, "k1")
	c := newClient(t, WithRegistry(reg, loadbalance.NewConsistentHashBalancer()), WithSessionKey("session-1"))

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "k1", c.Kernel().ID)

	v, err := c.Call(context.Background(), "add", 1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}

func TestConnectWithoutKernels(t *testing.T) {
	c := newClient(t, WithRegistry(registry.NewMemoryRegistry(), &loadbalance.RoundRobinBalancer{}))
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, registry.ErrNotFound)

	c = newClient(t)
	assert.Error(t, c.Connect(context.Background()))
}

func TestTargetMismatch(t *testing.T) {
	k := startKernel(t, nil, "")
	c := newClient(t, WithTarget("plugins_api"))

	err := c.Dial(context.Background(), registry.KernelInstance{Addr: k.addr})
	assert.ErrorIs(t, err, ErrTargetMismatch)
	assert.False(t, c.Comm().IsOpen())
	assert.Nil(t, c.Kernel())
}

func TestDialWebsocket(t *testing.T) {
	c := comm.New(comm.WithLoop(eventloop.New(zerolog.Nop())))
	require.NoError(t, c.RegisterFunc("add", func(a, b int) int { return a + b }))
	reg := registry.NewMemoryRegistry()
	s := server.NewServer(c,
		server.WithChannelOptions(transport.WithHeartbeat(0)),
		server.WithRegistry(reg, registry.KernelInstance{ID: "k1"}, 10),
	)
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

	require.Eventually(t, func() bool {
		instances, _ := reg.Discover(context.Background(), comm.DefaultTarget)
		return len(instances) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cl := newClient(t, WithRegistry(reg, &loadbalance.RoundRobinBalancer{}))
	require.NoError(t, cl.Connect(context.Background()))
	assert.Equal(t, "websocket", cl.Kernel().Transport)
	assert.Equal(t, "k1-ws", cl.Kernel().ID)

	v, err := cl.Call(context.Background(), "add", 6, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 13, v)
}

func TestPing(t *testing.T) {
	k := startKernel(t, nil, "")
	c := newClient(t)

	_, err := c.Ping(context.Background())
	assert.ErrorIs(t, err, comm.ErrChannelNotConnected)

	require.NoError(t, c.Dial(context.Background(), registry.KernelInstance{Addr: k.addr}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rtt, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Positive(t, rtt)
}

func pendingPongs(c *Client) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pongs)
}

func TestPingGivesUpWithContext(t *testing.T) {
	k := startKernel(t, nil, "")
	// A kernel that never answers with a pong.
	k.server.Comm().Register("ping", func(context.Context, *message.Invocation) (any, error) { return nil, nil })
	c := newClient(t)
	require.NoError(t, c.Dial(context.Background(), registry.KernelInstance{Addr: k.addr}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Ping(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, pendingPongs(c))
}

func TestPingFailsWhenChannelCloses(t *testing.T) {
	k := startKernel(t, nil, "")
	kc := k.server.Comm()
	kc.Register("ping", func(context.Context, *message.Invocation) (any, error) {
		return nil, kc.Close()
	})
	c := newClient(t)
	require.NoError(t, c.Dial(context.Background(), registry.KernelInstance{Addr: k.addr}))

	done := make(chan error, 1)
	go func() {
		_, err := c.Ping(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, comm.ErrChannelNotConnected)
	case <-time.After(5 * time.Second):
		t.Fatal("ping did not return after the channel closed")
	}
	assert.Zero(t, pendingPongs(c))
}

func TestNotifyReachesKernel(t *testing.T) {
	got := make(chan string, 1)
	k := startKernel(t, nil, "")
	require.NoError(t, k.server.Comm().RegisterFunc("log_line", func(line string) { got <- line }))

	c := newClient(t)
	require.NoError(t, c.Dial(context.Background(), registry.KernelInstance{Addr: k.addr}))
	require.NoError(t, c.Notify(context.Background(), "log_line", "started"))

	select {
	case line := <-got:
		assert.Equal(t, "started", line)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNotifyOnClosedClientIsDropped(t *testing.T) {
	c := newClient(t)
	assert.NoError(t, c.Notify(context.Background(), "log_line", "lost"))
	_, err := c.Call(context.Background(), "add", 1, 2)
	assert.ErrorIs(t, err, comm.ErrChannelNotConnected)
}

func TestKernelCallsFrontend(t *testing.T) {
	k := startKernel(t, nil, "")
	kc := k.server.Comm()
	require.NoError(t, kc.RegisterFunc("open_file", func(ctx context.Context, path string) (bool, error) {
		return comm.CallAs[bool](ctx, kc.RemoteCall(), "editor_open", path)
	}))

	c := newClient(t)
	opened := make(chan string, 1)
	require.NoError(t, c.Comm().RegisterFunc("editor_open", func(path string) bool {
		opened <- path
		return true
	}))
	require.NoError(t, c.Dial(context.Background(), registry.KernelInstance{Addr: k.addr}))

	v, err := c.Call(context.Background(), "open_file", "/tmp/a.py")
	require.NoError(t, err)
	assert.Equal(t, true, v)
	assert.Equal(t, "/tmp/a.py", <-opened)
}

func TestCallTimeoutFollowsContextDeadline(t *testing.T) {
	k := startKernel(t, nil, "")
	require.NoError(t, k.server.Comm().RegisterFunc("sleep", func(ms int) { time.Sleep(time.Duration(ms) * time.Millisecond) }))
	c := newClient(t)
	require.NoError(t, c.Dial(context.Background(), registry.KernelInstance{Addr: k.addr}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Call(ctx, "sleep", 300)
	// Whichever of the call timeout and ctx fires first ends the wait.
	assert.True(t, errors.Is(err, comm.ErrTimeout) || errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestCloseDisconnects(t *testing.T) {
	k := startKernel(t, nil, "")
	c := NewClient(WithChannelOptions(transport.WithHeartbeat(0)))
	require.NoError(t, c.Dial(context.Background(), registry.KernelInstance{Addr: k.addr}))
	require.NoError(t, c.Close())
	assert.Nil(t, c.Kernel())
	require.Eventually(t, func() bool { return !k.server.Comm().IsOpen() }, 2*time.Second, 10*time.Millisecond)
}

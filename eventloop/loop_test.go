package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoOneIterationRequiresOwner(t *testing.T) {
	l := New(zerolog.Nop())
	_, err := l.DoOneIteration(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotOwner)

	other := New(zerolog.Nop())
	_, err = l.DoOneIteration(other.Own(context.Background()), 0)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestTasksRunInOrder(t *testing.T) {
	l := New(zerolog.Nop())
	ctx := l.Own(context.Background())

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, l.Post(func(ctx context.Context) { order = append(order, i) }))
	}
	assert.Equal(t, 5, l.Pending())

	for {
		ran, err := l.DoOneIteration(ctx, 0)
		require.NoError(t, err)
		if !ran {
			break
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, uint64(5), l.Iterations())
}

func TestDoOneIterationWaitsForPost(t *testing.T) {
	l := New(zerolog.Nop())
	ctx := l.Own(context.Background())

	ran, err := l.DoOneIteration(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ran)

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = l.Post(func(ctx context.Context) { close(done) })
	}()

	ran, err = l.DoOneIteration(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ran)
	<-done
}

func TestNestedPump(t *testing.T) {
	l := New(zerolog.Nop())
	ctx := l.Own(context.Background())

	var inner bool
	var depth int
	require.NoError(t, l.Post(func(ctx context.Context) {
		// The outer task pumps the loop it is running on.
		ran, err := l.DoOneIteration(ctx, time.Second)
		assert.NoError(t, err)
		assert.True(t, ran)
	}))
	require.NoError(t, l.Post(func(ctx context.Context) {
		inner = true
		depth = l.Depth()
	}))

	ran, err := l.DoOneIteration(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, inner)
	assert.Equal(t, 2, depth)
	assert.Equal(t, 0, l.Depth())
}

func TestPanickingTaskDoesNotStopLoop(t *testing.T) {
	l := New(zerolog.Nop())
	ctx := l.Own(context.Background())

	require.NoError(t, l.Post(func(ctx context.Context) { panic("boom") }))
	var after bool
	require.NoError(t, l.Post(func(ctx context.Context) { after = true }))

	_, err := l.DoOneIteration(ctx, 0)
	require.NoError(t, err)
	_, err = l.DoOneIteration(ctx, 0)
	require.NoError(t, err)
	assert.True(t, after)
}

func TestRunAndClose(t *testing.T) {
	l := New(zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = l.Run(context.Background())
	}()

	got := make(chan bool, 1)
	require.NoError(t, l.Post(func(ctx context.Context) { got <- l.Owns(ctx) }))
	assert.True(t, <-got, "tasks receive the owning context")

	l.Close()
	wg.Wait()
	assert.NoError(t, runErr)
	assert.ErrorIs(t, l.Post(func(context.Context) {}), ErrClosed)
}

func TestRunStopsOnCancel(t *testing.T) {
	l := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
}

func TestEscapedTaskContextCannotPump(t *testing.T) {
	l := New(zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(context.Background())
	}()
	defer func() {
		l.Close()
		<-done
	}()

	escaped := make(chan context.Context, 1)
	require.NoError(t, l.Post(func(ctx context.Context) { escaped <- ctx }))
	ctx := <-escaped

	// The task has returned; its context no longer owns the loop.
	require.Eventually(t, func() bool { return !l.Owns(ctx) }, time.Second, time.Millisecond)
	ran, err := l.DoOneIteration(ctx, 0)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.False(t, ran)

	// Neither does a second root while Run drives the loop.
	root := l.Own(context.Background())
	assert.False(t, l.Owns(root))
	_, err = l.DoOneIteration(root, 0)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.ErrorIs(t, l.Run(context.Background()), ErrNotOwner)
}

func TestTasksNeverRunConcurrently(t *testing.T) {
	l := New(zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(context.Background())
	}()
	defer func() {
		l.Close()
		<-done
	}()

	var running, maxRunning atomic.Int32
	work := func(context.Context) {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
	}

	escaped := make(chan context.Context, 1)
	require.NoError(t, l.Post(func(ctx context.Context) { escaped <- ctx }))
	ctx := <-escaped
	require.Eventually(t, func() bool { return !l.Owns(ctx) }, time.Second, time.Millisecond)
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Post(work))
	}
	for i := 0; i < 20; i++ {
		_, _ = l.DoOneIteration(ctx, time.Millisecond)
	}

	require.Eventually(t, func() bool { return l.Pending() == 0 && l.Depth() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestTaskContextPumpsFromOneCallerAtATime(t *testing.T) {
	l := New(zerolog.Nop())
	root := l.Own(context.Background())

	release := make(chan struct{})
	require.NoError(t, l.Post(func(ctx context.Context) {
		go func() {
			// The task is parked in its own pump; a second caller is refused.
			assert.Eventually(t, func() bool {
				_, err := l.DoOneIteration(ctx, 0)
				return errors.Is(err, ErrNotOwner)
			}, time.Second, time.Millisecond)
			close(release)
		}()
		for {
			select {
			case <-release:
				return
			default:
			}
			_, err := l.DoOneIteration(ctx, 5*time.Millisecond)
			assert.NoError(t, err)
		}
	}))

	ran, err := l.DoOneIteration(root, 0)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, l.Owns(root))
}

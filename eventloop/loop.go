// Package eventloop implements the kernel's single-threaded run loop.
//
// Transports deliver inbound messages from their own goroutines; they only
// Post tasks. Tasks run one at a time on the goroutine that owns the loop,
// either from Run or from a nested DoOneIteration. The latter is what lets a
// handler that is itself running on the loop wait for a reply: it pumps the
// same loop recursively until the reply has been processed.
//
// Go does not expose goroutine identity, so ownership is carried by the
// context. Run marks its context with a root frame and every task receives a
// context carrying a frame of its own. Only the innermost running frame may
// pump, and one caller at a time: a task context that escaped to another
// goroutine stops owning the loop once its task returns.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrClosed   = errors.New("event loop closed")
	ErrNotOwner = errors.New("context does not own the event loop")
)

// Task is one unit of host work.
type Task func(ctx context.Context)

// frame marks one level of the pump stack: Run's root or a running task.
type frame struct {
	loop    *Loop
	parent  *frame
	pumping atomic.Bool
}

type frameKey struct{}

// Loop is a FIFO task queue drained by a single owner.
type Loop struct {
	mu     sync.Mutex
	queue  []Task
	closed bool
	wake   chan struct{}
	done   chan struct{}
	depth  atomic.Int32
	cur    atomic.Pointer[frame] // Innermost frame allowed to pump; nil when idle
	ran    atomic.Uint64
	logger zerolog.Logger
}

// New creates an empty loop.
func New(logger zerolog.Logger) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post queues a task. It is safe to call from any goroutine and never blocks.
func (l *Loop) Post(task Task) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Own returns a root context for driving the loop. Only the goroutine that
// drives the loop should hold one, and only one root drives it at a time.
func (l *Loop) Own(ctx context.Context) context.Context {
	return context.WithValue(ctx, frameKey{}, &frame{loop: l})
}

func (l *Loop) frameOf(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	if f == nil || f.loop != l {
		return nil
	}
	return f
}

// Owns reports whether ctx may pump the loop now: it belongs to the innermost
// running task, or it is a root while the loop is idle or driven by it.
func (l *Loop) Owns(ctx context.Context) bool {
	f := l.frameOf(ctx)
	if f == nil {
		return false
	}
	cur := l.cur.Load()
	return cur == f || (cur == nil && f.parent == nil)
}

// enter claims the right to pump for f and returns its release.
func (l *Loop) enter(f *frame) (func(), error) {
	if f == nil || !f.pumping.CompareAndSwap(false, true) {
		return nil, ErrNotOwner
	}
	if f.parent == nil && l.cur.CompareAndSwap(nil, f) {
		return func() {
			l.cur.Store(nil)
			f.pumping.Store(false)
		}, nil
	}
	if l.cur.Load() != f {
		f.pumping.Store(false)
		return nil, ErrNotOwner
	}
	return func() { f.pumping.Store(false) }, nil
}

// Depth is the number of tasks currently executing, nested pumps included.
func (l *Loop) Depth() int {
	return int(l.depth.Load())
}

// Pending is the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Iterations is the number of tasks run since the loop was created.
func (l *Loop) Iterations() uint64 {
	return l.ran.Load()
}

func (l *Loop) next() Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task
}

// DoOneIteration runs at most one task, waiting up to wait for one to be
// posted (a negative wait blocks until a task, ctx cancellation or Close).
// It reports whether a task ran.
func (l *Loop) DoOneIteration(ctx context.Context, wait time.Duration) (bool, error) {
	f := l.frameOf(ctx)
	release, err := l.enter(f)
	if err != nil {
		return false, err
	}
	defer release()

	task := l.next()
	if task == nil {
		if wait == 0 {
			return false, nil
		}
		var timeout <-chan time.Time
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-l.wake:
		case <-timeout:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-l.done:
			return false, ErrClosed
		}
		if task = l.next(); task == nil {
			return false, nil
		}
	}

	l.run(ctx, f, task)
	return true, nil
}

func (l *Loop) run(ctx context.Context, parent *frame, task Task) {
	child := &frame{loop: l, parent: parent}
	l.cur.Store(child)
	defer l.cur.Store(parent)
	l.depth.Add(1)
	defer l.depth.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("event loop task panicked")
		}
	}()
	l.ran.Add(1)
	task(context.WithValue(ctx, frameKey{}, child))
}

// Run drives the loop until ctx is cancelled or the loop is closed. It fails
// with ErrNotOwner if the loop is already being driven.
func (l *Loop) Run(ctx context.Context) error {
	ctx = l.Own(ctx)
	root := l.frameOf(ctx)
	if !l.cur.CompareAndSwap(nil, root) {
		return fmt.Errorf("%w: the loop is already being driven", ErrNotOwner)
	}
	defer l.cur.CompareAndSwap(root, nil)
	for {
		_, err := l.DoOneIteration(ctx, -1)
		switch {
		case errors.Is(err, ErrClosed):
			return nil
		case err != nil:
			return err
		}
	}
}

// Close stops the loop. Queued tasks are discarded.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	close(l.done)
}

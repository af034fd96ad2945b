package comm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"kernel-rpc/eventloop"
	"kernel-rpc/message"
	"kernel-rpc/pending"
)

// WaitInfo describes a blocking call currently waiting for its reply.
type WaitInfo struct {
	CallID   string
	CallName string
	Since    time.Time
	Timeout  time.Duration
}

type waitKey struct{}

// Waiting lists the blocking calls in flight, oldest first.
func (c *Comm) Waiting() []WaitInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WaitInfo, 0, len(c.waiting))
	for _, w := range c.waiting {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// invoke sends one call. For a blocking call it returns the resolved entry;
// otherwise it returns nil.
func (c *Comm) invoke(ctx context.Context, name string, args []any, kwargs map[string]any, o callOptions) (*pending.Call, error) {
	c.sweep()

	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	settings := &message.Settings{
		Blocking:  o.blocking,
		SendReply: !o.blocking && o.callback != nil,
		CommID:    o.commID,
	}
	if o.timeout > 0 {
		settings.Timeout = o.timeout.Seconds()
	}
	env := &message.Envelope{
		Kind: message.KindInvoke,
		Content: message.Content{
			CallName: name,
			CallID:   newCallID(),
			Settings: settings,
		},
	}
	id := env.Content.CallID

	buf, err := c.payload.Encode(&message.InvokePayload{CallArgs: args, CallKwargs: kwargs})
	if err != nil {
		return nil, c.dropped(o, name, fmt.Errorf("encode %q arguments: %w", name, errors.Join(message.ErrSerialization, err)))
	}
	env.Buffers = [][]byte{buf}

	ch := c.Channel()
	if ch == nil || (o.commID != "" && o.commID != ch.ID()) {
		return nil, c.dropped(o, name, fmt.Errorf("call %q: %w", name, message.ErrChannelNotConnected))
	}

	if o.blocking {
		if err := c.canWait(ctx); err != nil {
			return nil, fmt.Errorf("call %q: %w", name, err)
		}
	}

	// Register before sending so the reply cannot race ahead of its entry.
	switch {
	case o.blocking:
		c.pending.Expect(id, name, timeout, nil)
	case o.callback != nil:
		c.pending.Expect(id, name, timeout, o.callback)
	}

	if err := ch.Send(env); err != nil {
		c.pending.Forget(id)
		return nil, c.dropped(o, name, fmt.Errorf("send %q: %w", name, err))
	}
	c.logger.Debug().
		Str("call", name).
		Str("call_id", id).
		Bool("blocking", o.blocking).
		Msg("remote call sent")

	if !o.blocking {
		return nil, nil
	}

	if err := c.wait(ctx, id, name, timeout); err != nil {
		return nil, err
	}
	call, ok := c.pending.Take(id)
	if !ok {
		return nil, fmt.Errorf("call %q: reply vanished from the pending table", name)
	}
	if call.IsError {
		var re *message.RemoteError
		if errors.As(call.Err, &re) {
			c.logger.Error().
				Str("call", name).
				Str("traceback", re.FormatTrace()).
				Msg("remote call raised an error")
		}
		return nil, call.Err
	}
	return call, nil
}

// dropped fails a blocking call with err. A non-blocking caller cannot act on
// a delivery failure, so the call is logged and dropped.
func (c *Comm) dropped(o callOptions, name string, err error) error {
	if o.blocking {
		return err
	}
	c.logger.Debug().Err(err).Str("call", name).Msg("non-blocking call dropped")
	if o.callback != nil {
		c.runCallback(o.callback, nil, err)
	}
	return nil
}

func (c *Comm) canWait(ctx context.Context) error {
	if c.strategy == WaitPump && !c.loop.Owns(ctx) {
		return message.ErrCrossThreadBlockingCall
	}
	if !c.allowNested && ctx.Value(waitKey{}) != nil {
		return message.ErrNestedBlockingCall
	}
	return nil
}

// wait returns once the reply for id is in the pending table, or fails after
// timeout. The wait never parks for more than one pump step or poll interval
// without rechecking.
func (c *Comm) wait(ctx context.Context, id, name string, timeout time.Duration) error {
	start := time.Now()
	c.mu.Lock()
	c.waiting[id] = WaitInfo{CallID: id, CallName: name, Since: start, Timeout: timeout}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
	}()

	pumpCtx := context.WithValue(ctx, waitKey{}, id)
	for {
		changed := c.pending.Changed()
		if c.pending.Has(id) {
			return nil
		}

		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			c.pending.Abandon(id, abandonFactor*timeout)
			return &message.TimeoutError{CallName: name, Timeout: timeout}
		}

		var err error
		switch c.strategy {
		case WaitPump:
			_, err = c.loop.DoOneIteration(pumpCtx, min(remaining, pumpStep))
			if errors.Is(err, eventloop.ErrNotOwner) {
				err = message.ErrCrossThreadBlockingCall
			}
		case WaitPoll:
			timer := time.NewTimer(min(remaining, pollInterval))
			select {
			case <-changed:
			case <-timer.C:
			case <-ctx.Done():
				err = ctx.Err()
			}
			timer.Stop()
		}
		if err != nil {
			c.pending.Abandon(id, abandonFactor*timeout)
			return fmt.Errorf("wait for %q: %w", name, err)
		}
	}
}

package transport

import (
	"fmt"
	"sync"

	"kernel-rpc/message"
)

// PipeChannel is one end of an in-memory channel pair.
type PipeChannel struct {
	callbacks
	id     string
	peer   *PipeChannel
	state  *pipeState
	mu     sync.Mutex
	queue  []*message.Envelope
	wake   chan struct{}
	opened bool
}

type pipeState struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Pipe returns two connected channels. Envelopes sent on one end are delivered
// in order on the other; closing either end closes both.
func Pipe(opts ...Option) (*PipeChannel, *PipeChannel) {
	o := buildOptions(opts)
	state := &pipeState{done: make(chan struct{})}
	a := &PipeChannel{id: o.id, state: state, wake: make(chan struct{}, 1)}
	b := &PipeChannel{id: o.id, state: state, wake: make(chan struct{}, 1)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeChannel) ID() string { return p.id }

func (p *PipeChannel) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return message.ErrChannelNotConnected
	}
	if p.opened {
		return fmt.Errorf("channel %s already opened", p.id)
	}
	p.opened = true
	go p.deliverLoop()
	return nil
}

func (p *PipeChannel) Send(env *message.Envelope) error {
	if p.isClosed() {
		return message.ErrChannelNotConnected
	}
	cp := *env
	p.peer.enqueue(&cp)
	return nil
}

func (p *PipeChannel) Close() error {
	p.state.mu.Lock()
	if p.state.closed {
		p.state.mu.Unlock()
		return nil
	}
	p.state.closed = true
	close(p.state.done)
	p.state.mu.Unlock()

	p.fireClose()
	p.peer.fireClose()
	return nil
}

func (p *PipeChannel) isClosed() bool {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	return p.state.closed
}

func (p *PipeChannel) enqueue(env *message.Envelope) {
	p.mu.Lock()
	p.queue = append(p.queue, env)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// deliverLoop is the single goroutine that hands inbound envelopes to the
// callback, so delivery order matches send order.
func (p *PipeChannel) deliverLoop() {
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, env := range batch {
			if p.isClosed() {
				return
			}
			p.deliver(env)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-p.wake:
		case <-p.state.done:
			return
		}
	}
}

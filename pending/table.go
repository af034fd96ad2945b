// Package pending tracks the calls this side has issued and is still
// expecting a reply for.
//
// Entries are created before the invoke is sent (so a reply can never race
// ahead of its registration), resolved by the router when the reply arrives,
// and removed by the single reader that Takes them. Replies nobody will read
// are evicted:
//   - a call whose waiter timed out is marked abandoned; its late reply is
//     dropped when it arrives, and the mark itself expires after a TTL;
//   - a reply with an unknown call id is kept as an orphan (another waiter on
//     the same host may claim it) until it is older than the orphan TTL.
package pending

import (
	"sync"
	"time"
)

// Call is one in-flight call.
type Call struct {
	ID          string
	Name        string
	Resolved    bool
	IsError     bool
	Value       any    // Decoded return value
	Raw         []byte // Serialized return value, for typed decoding
	Err         error  // Remote or local error when IsError is set
	RequestedAt time.Time
	ReceivedAt  time.Time
	Deadline    time.Time // Only for callback calls; waiters enforce their own timeout
	Callback    func(value any, err error)
}

// Result is what a reply carries.
type Result struct {
	Value   any
	Raw     []byte
	Err     error
	IsError bool
}

// State tells the router what a resolved id corresponded to.
type State int

const (
	StateExpected  State = iota // A registered call got its reply
	StateOrphan                 // No such call; recorded until claimed or expired
	StateAbandoned              // The caller gave up; reply dropped
	StateDuplicate              // Already resolved; reply dropped
)

// Table is safe for concurrent use. The comm mutates it from the loop
// goroutine, but nested pumps and poll-mode transports may insert too.
type Table struct {
	mu        sync.Mutex
	calls     map[string]*Call
	abandoned map[string]time.Time // id -> expiry
	orphanTTL time.Duration
	changed   chan struct{}
	now       func() time.Time
}

// NewTable creates a table evicting orphan replies after orphanTTL.
func NewTable(orphanTTL time.Duration) *Table {
	return &Table{
		calls:     make(map[string]*Call),
		abandoned: make(map[string]time.Time),
		orphanTTL: orphanTTL,
		changed:   make(chan struct{}),
		now:       time.Now,
	}
}

// Expect registers a call before it is sent. A callback call expires at
// now+timeout if no reply arrives; a zero timeout never expires.
func (t *Table) Expect(id, name string, timeout time.Duration, callback func(any, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	call := &Call{
		ID:          id,
		Name:        name,
		RequestedAt: now,
		Callback:    callback,
	}
	if callback != nil && timeout > 0 {
		call.Deadline = now.Add(timeout)
	}
	t.calls[id] = call
}

// Forget drops a call that was never sent.
func (t *Table) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, id)
}

// Resolve records a reply. The returned call is a snapshot of the entry.
func (t *Table) Resolve(id, name string, r Result) (Call, State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if _, ok := t.abandoned[id]; ok {
		delete(t.abandoned, id)
		return Call{ID: id, Name: name}, StateAbandoned
	}

	call, ok := t.calls[id]
	state := StateExpected
	switch {
	case !ok:
		call = &Call{ID: id, Name: name}
		t.calls[id] = call
		state = StateOrphan
	case call.Resolved:
		return *call, StateDuplicate
	}

	call.Resolved = true
	call.IsError = r.IsError
	call.Value = r.Value
	call.Raw = r.Raw
	call.Err = r.Err
	call.ReceivedAt = now
	t.broadcast()
	return *call, state
}

// Has reports whether a reply for id is ready to be taken.
func (t *Table) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	return ok && call.Resolved
}

// Take returns the resolved call for id and removes it; a call is never read
// twice.
func (t *Table) Take(id string) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if !ok || !call.Resolved {
		return nil, false
	}
	delete(t.calls, id)
	return call, true
}

// Remove deletes an entry whatever its state. Used for calls answered
// through a callback.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, id)
}

// Abandon gives up on id: any stored entry is dropped and a reply arriving
// within ttl is discarded.
func (t *Table) Abandon(id string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, id)
	t.abandoned[id] = t.now().Add(ttl)
}

// Sweep evicts expired abandon marks and orphan replies, and removes callback
// calls past their deadline. It returns the number of entries evicted and the
// expired callback calls, whose callbacks the caller must fire.
func (t *Table) Sweep() (int, []Call) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	var expired []Call
	for id, expiry := range t.abandoned {
		if now.After(expiry) {
			delete(t.abandoned, id)
			n++
		}
	}
	for id, call := range t.calls {
		switch {
		case call.Resolved && call.RequestedAt.IsZero() && now.Sub(call.ReceivedAt) > t.orphanTTL:
			delete(t.calls, id)
			n++
		case !call.Resolved && !call.Deadline.IsZero() && now.After(call.Deadline):
			delete(t.calls, id)
			expired = append(expired, *call)
			n++
		}
	}
	return n, expired
}

// FailAll resolves every unresolved call with err, so that no waiter is left
// hanging when the channel goes away. It returns the failed calls.
func (t *Table) FailAll(err error) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	var failed []Call
	now := t.now()
	for _, call := range t.calls {
		if call.Resolved {
			continue
		}
		call.Resolved = true
		call.IsError = true
		call.Err = err
		call.ReceivedAt = now
		failed = append(failed, *call)
	}
	if len(failed) > 0 {
		t.broadcast()
	}
	return failed
}

// Changed returns a channel closed at the next resolution.
func (t *Table) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

func (t *Table) broadcast() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Len is the number of stored entries, abandoned marks included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls) + len(t.abandoned)
}

// Package message defines the envelopes exchanged between the two ends of a comm.
//
// An Envelope is the "frame" of every remote call. Its Content is small and
// JSON-able (it is what the host transport sees), while the arguments, return
// values and errors travel in a single serialized buffer:
//
//   - remote_call:         Content names the call and its settings, Buffers[0] is an InvokePayload.
//   - blocking_call_reply: Content echoes the call id, Buffers[0] is the return value,
//     or an ErrorPayload when IsError is set.
package message

import "time"

// Kind is the router-level message type. It frames the protocol itself and is
// independent from the application-level call names carried inside an invoke.
type Kind string

const (
	KindInvoke Kind = "remote_call"
	KindReply  Kind = "blocking_call_reply"
)

// Settings are the per-call options chosen by the caller.
type Settings struct {
	Blocking  bool    `json:"blocking"`
	Timeout   float64 `json:"timeout,omitempty"`    // Seconds; zero means the caller's default
	SendReply bool    `json:"send_reply,omitempty"` // Reply wanted although nobody blocks on it
	CommID    string  `json:"comm_id,omitempty"`    // Target channel on multi-channel hosts
}

// WantsReply reports whether the callee must answer this call.
// A caller that did not ask for a reply must not receive one.
func (s *Settings) WantsReply() bool {
	return s != nil && (s.Blocking || s.SendReply)
}

// TimeoutDuration converts Timeout to a duration, falling back to def.
func (s *Settings) TimeoutDuration(def time.Duration) time.Duration {
	if s == nil || s.Timeout <= 0 {
		return def
	}
	return time.Duration(s.Timeout * float64(time.Second))
}

// Content is the JSON-able part of an envelope.
type Content struct {
	CallName string    `json:"call_name"`
	CallID   string    `json:"call_id"`
	Settings *Settings `json:"settings,omitempty"` // Invoke only
	IsError  bool      `json:"is_error,omitempty"` // Reply only
}

// Envelope carries one message. Only a single buffer is supported.
type Envelope struct {
	Kind    Kind     `json:"kind"`
	Content Content  `json:"content"`
	Buffers [][]byte `json:"-"`
}

// Buffer returns the payload buffer, or nil when the envelope has none.
func (e *Envelope) Buffer() []byte {
	if len(e.Buffers) == 0 {
		return nil
	}
	return e.Buffers[0]
}

// InvokePayload is the serialized body of a remote_call.
type InvokePayload struct {
	CallArgs   []any          `json:"call_args" cbor:"call_args"`
	CallKwargs map[string]any `json:"call_kwargs" cbor:"call_kwargs"`
}

// Invocation is a decoded remote_call as seen by handlers and middleware.
type Invocation struct {
	Name     string
	CallID   string
	Args     []any
	Kwargs   map[string]any
	Settings Settings
}

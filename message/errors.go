package message

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrChannelNotConnected     = errors.New("the comm is not connected")
	ErrChannelAlreadyOpen      = errors.New("close the comm first")
	ErrUnknownRemoteCall       = errors.New("no such remote call")
	ErrDeserialization         = errors.New("payload could not be decoded")
	ErrSerialization           = errors.New("payload could not be encoded")
	ErrTimeout                 = errors.New("timeout while waiting for reply")
	ErrRemoteHandler           = errors.New("remote handler failed")
	ErrPanic                   = errors.New("remote handler panicked")
	ErrRateLimited             = errors.New("rate limit exceeded")
	ErrCrossThreadBlockingCall = errors.New("can't make blocking calls from outside the run loop")
	ErrNestedBlockingCall      = errors.New("nested blocking calls are disabled")
)

// Error kinds are stable across peers: a RemoteError never tries to rebuild
// the original error type, it only carries its kind, message and trace.
const (
	ErrorKindHandler         = "HandlerError"
	ErrorKindUnknownCall     = "UnknownRemoteCall"
	ErrorKindDeserialization = "DeserializationFailure"
	ErrorKindSerialization   = "SerializationFailure"
	ErrorKindPanic           = "Panic"
	ErrorKindRateLimited     = "RateLimited"
	ErrorKindNotConnected    = "ChannelNotConnected"
	ErrorKindTimeout         = "Timeout"
)

var kindSentinels = map[string]error{
	ErrorKindHandler:         ErrRemoteHandler,
	ErrorKindUnknownCall:     ErrUnknownRemoteCall,
	ErrorKindDeserialization: ErrDeserialization,
	ErrorKindSerialization:   ErrSerialization,
	ErrorKindPanic:           ErrPanic,
	ErrorKindRateLimited:     ErrRateLimited,
	ErrorKindNotConnected:    ErrChannelNotConnected,
	ErrorKindTimeout:         ErrTimeout,
}

// KindOf classifies a local error into a wire error kind.
func KindOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	for kind, sentinel := range kindSentinels {
		if kind != ErrorKindHandler && errors.Is(err, sentinel) {
			return kind
		}
	}
	return ErrorKindHandler
}

// Frame is one entry of a structured traceback.
type Frame struct {
	Function string `json:"function" cbor:"function"`
	File     string `json:"file" cbor:"file"`
	Line     int    `json:"line" cbor:"line"`
}

func (f Frame) String() string {
	return fmt.Sprintf("  File %q, line %d, in %s", f.File, f.Line, f.Function)
}

// Exception is the first element of an ErrorPayload.
type Exception struct {
	Kind    string `json:"kind" cbor:"kind"`
	Message string `json:"message" cbor:"message"`
}

// ErrorPayload is the reply body when is_error is set: [exception, traceback].
type ErrorPayload struct {
	_         struct{}  `cbor:",toarray"`
	Exception Exception `json:"exception"`
	Traceback []Frame   `json:"traceback"`
}

// RemoteError is an error raised on the other side of the comm.
type RemoteError struct {
	Kind     string
	Message  string
	CallName string
	Trace    []Frame
}

// NewRemoteError captures err and its trace for marshaling.
func NewRemoteError(callName string, err error, trace []Frame) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{
		Kind:     KindOf(err),
		Message:  err.Error(),
		CallName: callName,
		Trace:    trace,
	}
}

// FromPayload rebuilds the error described by a reply.
func FromPayload(callName string, p *ErrorPayload) *RemoteError {
	return &RemoteError{
		Kind:     p.Exception.Kind,
		Message:  p.Exception.Message,
		CallName: callName,
		Trace:    p.Traceback,
	}
}

// Payload converts the error back to its wire form.
func (e *RemoteError) Payload() *ErrorPayload {
	return &ErrorPayload{
		Exception: Exception{Kind: e.Kind, Message: e.Message},
		Traceback: e.Trace,
	}
}

func (e *RemoteError) Error() string {
	if e.CallName == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("remote call %q failed: %s: %s", e.CallName, e.Kind, e.Message)
}

// Is lets errors.Is match a RemoteError against the sentinel of its kind.
func (e *RemoteError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// FormatTrace renders the trace the way an interpreter prints a traceback.
func (e *RemoteError) FormatTrace() string {
	var b strings.Builder
	b.WriteString("Traceback (most recent call last):\n")
	for _, f := range e.Trace {
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Message)
	return b.String()
}

// TimeoutError is returned to a blocking caller whose reply did not arrive in time.
type TimeoutError struct {
	CallName string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout while waiting for '%s' reply (%s)", e.CallName, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

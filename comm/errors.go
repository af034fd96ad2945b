package comm

import "kernel-rpc/message"

// Errors surfaced by the comm. They are the message package's sentinels,
// re-exported so callers only need to import comm.
var (
	ErrChannelNotConnected     = message.ErrChannelNotConnected
	ErrChannelAlreadyOpen      = message.ErrChannelAlreadyOpen
	ErrUnknownRemoteCall       = message.ErrUnknownRemoteCall
	ErrDeserialization         = message.ErrDeserialization
	ErrSerialization           = message.ErrSerialization
	ErrTimeout                 = message.ErrTimeout
	ErrRemoteHandler           = message.ErrRemoteHandler
	ErrCrossThreadBlockingCall = message.ErrCrossThreadBlockingCall
	ErrNestedBlockingCall      = message.ErrNestedBlockingCall
)

type (
	RemoteError  = message.RemoteError
	TimeoutError = message.TimeoutError
)

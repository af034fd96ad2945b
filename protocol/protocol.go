// Package protocol implements the binary frame used by stream transports.
//
// A stream (TCP socket, websocket message) carries envelopes back to back, so
// each one is wrapped in a fixed 14-byte header followed by the codec-encoded
// content and the single payload buffer. The receiver reads the header first,
// then exactly contentLen+bufferLen bytes.
//
// Frame format:
//
//	0      3  4  5  6           10          14
//	┌──────┬──┬──┬──┬───────────┬───────────┬─────────────┬─────────────┐
//	│magic │v │ct│k │contentLen │ bufferLen │ content ... │ buffer ...  │
//	│ krp  │01│  │  │  uint32   │  uint32   │             │             │
//	└──────┴──┴──┴──┴───────────┴───────────┴─────────────┴─────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"kernel-rpc/codec"
	"kernel-rpc/message"
)

// Magic number bytes: "krp" (kernel remote procedure).
const (
	MagicNumber byte = 0x6b // 'k'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (kind) + 4 (contentLen) + 4 (bufferLen)

	// MaxFrameSize bounds a single frame so a corrupt header cannot make the
	// reader allocate without limit.
	MaxFrameSize = 256 << 20
)

// FrameKind is the one-byte form of message.Kind, plus heartbeats.
type FrameKind byte

const (
	FrameInvoke    FrameKind = 0
	FrameReply     FrameKind = 1
	FrameHeartbeat FrameKind = 2 // KeepAlive ping (no body)
)

// ErrFrameTooLarge is returned for frames whose body exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// frameLimit is MaxFrameSize, lowered by tests.
var frameLimit uint64 = MaxFrameSize

var kindToFrame = map[message.Kind]FrameKind{
	message.KindInvoke: FrameInvoke,
	message.KindReply:  FrameReply,
}

var frameToKind = map[FrameKind]message.Kind{
	FrameInvoke: message.KindInvoke,
	FrameReply:  message.KindReply,
}

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType  codec.CodecType // Content encoding
	Kind       FrameKind
	ContentLen uint32
	BufferLen  uint32
}

// Encode writes a frame for env to w, encoding its content with c.
// The caller must serialize concurrent writers on the same stream.
func Encode(w io.Writer, c codec.Codec, env *message.Envelope) error {
	kind, ok := kindToFrame[env.Kind]
	if !ok {
		return fmt.Errorf("unsupported message kind: %q", env.Kind)
	}
	if len(env.Buffers) > 1 {
		return fmt.Errorf("only one buffer is supported, got %d", len(env.Buffers))
	}

	content, err := c.Encode(&env.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	buffer := env.Buffer()
	if size := uint64(len(content)) + uint64(len(buffer)); size > frameLimit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, frameLimit)
	}

	h := &Header{
		CodecType:  c.Type(),
		Kind:       kind,
		ContentLen: uint32(len(content)),
		BufferLen:  uint32(len(buffer)),
	}
	if err := writeHeader(w, h); err != nil {
		return err
	}
	if _, err := w.Write(content); err != nil {
		return err
	}
	if len(buffer) > 0 {
		if _, err := w.Write(buffer); err != nil {
			return err
		}
	}
	return nil
}

// EncodeHeartbeat writes a body-less heartbeat frame.
func EncodeHeartbeat(w io.Writer) error {
	return writeHeader(w, &Header{Kind: FrameHeartbeat})
}

func writeHeader(w io.Writer, h *Header) error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.CodecType)
	buf[5] = byte(h.Kind)
	binary.BigEndian.PutUint32(buf[6:10], h.ContentLen)
	binary.BigEndian.PutUint32(buf[10:14], h.BufferLen)
	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r. Heartbeats are returned with a nil envelope.
// It validates the magic number, version, codec type and kind before reading
// the body, using io.ReadFull so partial reads never leak into the next frame.
func Decode(r io.Reader) (*Header, *message.Envelope, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	ct := codec.CodecType(headerBuf[4])
	if ct != codec.CodecTypeJSON && ct != codec.CodecTypeCBOR {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	h := &Header{
		CodecType:  ct,
		Kind:       FrameKind(headerBuf[5]),
		ContentLen: binary.BigEndian.Uint32(headerBuf[6:10]),
		BufferLen:  binary.BigEndian.Uint32(headerBuf[10:14]),
	}

	if h.Kind == FrameHeartbeat {
		return h, nil, nil
	}
	kind, ok := frameToKind[h.Kind]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported message kind: %d", headerBuf[5])
	}
	if size := uint64(h.ContentLen) + uint64(h.BufferLen); size > frameLimit {
		return nil, nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, frameLimit)
	}

	content := make([]byte, h.ContentLen)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, nil, err
	}
	buffer := make([]byte, h.BufferLen)
	if _, err := io.ReadFull(r, buffer); err != nil {
		return nil, nil, err
	}

	env := &message.Envelope{Kind: kind, Buffers: [][]byte{buffer}}
	if err := codec.GetCodec(ct).Decode(content, &env.Content); err != nil {
		return nil, nil, fmt.Errorf("decode content: %w", err)
	}
	return h, env, nil
}

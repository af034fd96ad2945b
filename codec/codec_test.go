package codec

import (
	"math"
	"testing"

	"kernel-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCBORCodecRoundTrip(t *testing.T) {
	cbor := &CBORCodec{}

	values := map[string]any{
		"nil":    nil,
		"bool":   true,
		"int":    int64(-42),
		"float":  3.25,
		"string": "hello",
		"bytes":  []byte{0x00, 0xff},
		"list":   []any{int64(1), "two", []any{3.5}},
		"map":    map[string]any{"a": int64(1), "b": map[string]any{"c": false}},
	}

	for name, v := range values {
		t.Run(name, func(t *testing.T) {
			data, err := cbor.Encode(v)
			require.NoError(t, err)

			var decoded any
			require.NoError(t, cbor.Decode(data, &decoded))
			assert.Equal(t, v, decoded)
		})
	}
}

func TestCBORCodecInvokePayload(t *testing.T) {
	cbor := &CBORCodec{}

	payload := &message.InvokePayload{
		CallArgs:   []any{int64(2), int64(3)},
		CallKwargs: map[string]any{"name": "x"},
	}
	data, err := cbor.Encode(payload)
	require.NoError(t, err)

	var decoded message.InvokePayload
	require.NoError(t, cbor.Decode(data, &decoded))
	assert.Equal(t, payload, &decoded)
}

func TestCBORCodecErrorPayloadIsArray(t *testing.T) {
	cbor := &CBORCodec{}

	p := &message.ErrorPayload{
		Exception: message.Exception{Kind: message.ErrorKindHandler, Message: "x"},
		Traceback: []message.Frame{{Function: "f", File: "f.go", Line: 1}},
	}
	data, err := cbor.Encode(p)
	require.NoError(t, err)

	// [exception, traceback]
	var generic []any
	require.NoError(t, cbor.Decode(data, &generic))
	require.Len(t, generic, 2)

	var decoded message.ErrorPayload
	require.NoError(t, cbor.Decode(data, &decoded))
	assert.Equal(t, p.Exception, decoded.Exception)
	assert.Equal(t, p.Traceback, decoded.Traceback)
}

func TestCBORCodecDecodeGarbage(t *testing.T) {
	var v any
	assert.Error(t, (&CBORCodec{}).Decode([]byte{0xff, 0x00, 0x13}, &v))
}

func TestJSONCodecContent(t *testing.T) {
	jsonCodec := &JSONCodec{}

	content := message.Content{CallName: "add", CallID: "id-1", Settings: &message.Settings{Blocking: true}}
	data, err := jsonCodec.Encode(&content)
	require.NoError(t, err)

	var decoded message.Content
	require.NoError(t, jsonCodec.Decode(data, &decoded))
	assert.Equal(t, content, decoded)
}

func TestJSONPayloadMatchesCBORShapes(t *testing.T) {
	payload := message.InvokePayload{
		CallArgs:   []any{int64(7), 2.5, "x", []any{int64(-1), map[string]any{"n": int64(3)}}},
		CallKwargs: map[string]any{"big": int64(1) << 60, "ratio": 0.5},
	}
	for _, c := range []Codec{&JSONCodec{}, &CBORCodec{}} {
		t.Run(c.Type().String(), func(t *testing.T) {
			data, err := c.Encode(&payload)
			require.NoError(t, err)

			var decoded message.InvokePayload
			require.NoError(t, c.Decode(data, &decoded))
			assert.Equal(t, payload, decoded)
		})
	}

	var v any
	require.NoError(t, (&JSONCodec{}).Decode([]byte(`[1, 1.0, 1e400]`), &v))
	assert.Equal(t, int64(1), v.([]any)[0])
	assert.Equal(t, 1.0, v.([]any)[1])
	assert.True(t, math.IsInf(v.([]any)[2].(float64), 1))

	assert.Error(t, (&JSONCodec{}).Decode([]byte(`1 2`), &v))
}

func TestGetCodec(t *testing.T) {
	assert.Equal(t, CodecTypeJSON, GetCodec(CodecTypeJSON).Type())
	assert.Equal(t, CodecTypeCBOR, GetCodec(CodecTypeCBOR).Type())

	ct, err := ParseCodecType("json")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, ct)

	ct, err = ParseCodecType("")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeCBOR, ct)

	_, err = ParseCodecType("pickle")
	assert.Error(t, err)
}

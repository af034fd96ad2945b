// Package codec provides the serializers used by the comm.
//
// Two formats are available:
//   - CBOR: the default payload serializer. Arbitrary values (args, kwargs,
//     return values, error payloads) round-trip without a schema.
//   - JSON: used for envelope content on stream transports, and usable as a
//     payload serializer when the peer cannot speak CBOR.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &CBORCodec{}
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json":
		return CodecTypeJSON, nil
	case "cbor", "":
		return CodecTypeCBOR, nil
	default:
		return 0, fmt.Errorf("unsupported codec: %q", name)
	}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

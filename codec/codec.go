// Package codec serializes call payloads. The codec for a call is named by the
// codec byte of its header, so a reply is always encoded the way its request was.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// Valid reports whether t names a known codec.
func (t CodecType) Valid() bool {
	return t == CodecTypeJSON || t == CodecTypeBinary
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	}
	return "unknown"
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

var (
	jsonCodec   = &JSONCodec{}
	binaryCodec = &BinaryCodec{}
)

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return jsonCodec
	}

	return binaryCodec
}

package codec

import (
	"encoding"
	"fmt"
)

// BinaryCodec passes opaque bytes through untouched. It is meant for processors that
// speak their own payload format: values are raw byte slices, strings, or types
// implementing encoding.BinaryMarshaler / encoding.BinaryUnmarshaler.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return val, nil
	case *[]byte:
		return *val, nil
	case string:
		return []byte(val), nil
	case encoding.BinaryMarshaler:
		return val.MarshalBinary()
	}
	return nil, fmt.Errorf("BinaryCodec: cannot encode %T", v)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch val := v.(type) {
	case *[]byte:
		*val = append((*val)[:0], data...)
		return nil
	case *string:
		*val = string(data)
		return nil
	case encoding.BinaryUnmarshaler:
		return val.UnmarshalBinary(data)
	}
	return fmt.Errorf("BinaryCodec: cannot decode into %T", v)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

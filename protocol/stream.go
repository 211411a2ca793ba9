package protocol

import (
	"bytes"

	"mini-soa/codec"
)

// Decoder gives a processor access to the request payload.
// The payload aliases the frame buffer and is only valid until the frame is released;
// use Detach to keep it longer.
type Decoder struct {
	codec   codec.Codec
	payload []byte
}

func newDecoder(ct codec.CodecType, payload []byte) *Decoder {
	return &Decoder{codec: codec.GetCodec(ct), payload: payload}
}

// NewDecoder builds a Decoder over payload, mostly for tests and in-process calls.
func NewDecoder(ct codec.CodecType, payload []byte) *Decoder {
	return newDecoder(ct, payload)
}

func (d *Decoder) Payload() []byte { return d.payload }

// Decode unmarshals the payload with the codec named in the request header.
func (d *Decoder) Decode(v any) error {
	return d.codec.Decode(d.payload, v)
}

// Detach returns a Decoder that owns a private copy of the payload.
func (d *Decoder) Detach() *Decoder {
	return &Decoder{codec: d.codec, payload: bytes.Clone(d.payload)}
}

// Encoder collects the reply body written by a processor.
type Encoder struct {
	codec codec.Codec
	body  bytes.Buffer
}

func NewEncoder(ct codec.CodecType) *Encoder {
	return &Encoder{codec: codec.GetCodec(ct)}
}

func (e *Encoder) Write(p []byte) (int, error) {
	return e.body.Write(p)
}

// Encode marshals v with the reply codec and appends it to the body.
func (e *Encoder) Encode(v any) error {
	b, err := e.codec.Encode(v)
	if err != nil {
		return err
	}
	e.body.Write(b)
	return nil
}

// Fork returns an empty Encoder using the same codec.
func (e *Encoder) Fork() *Encoder {
	return &Encoder{codec: e.codec}
}

func (e *Encoder) Bytes() []byte { return e.body.Bytes() }

func (e *Encoder) Len() int { return e.body.Len() }

// Reset discards anything written so far.
func (e *Encoder) Reset() { e.body.Reset() }

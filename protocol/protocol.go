// Package protocol implements the length-framed binary protocol of mini-soa.
//
// Every frame starts with a 4-byte big-endian length describing the bytes that follow
// the prefix. The rest of the frame is a header block, a message envelope and the payload:
//
//	0     4        8
//	┌─────┬────────┬───────────────────────────┬──────────────────────┬─────────┐
//	│ len │ "soa"v │ service version method    │ name  kind  seqid    │ payload │
//	│ u32 │ magic  │ codec flags code? message?│ str   u8    i32      │  ...    │
//	└─────┴────────┴───────────────────────────┴──────────────────────┴─────────┘
//	       └──────────── header block ────────┘└───── envelope ─────┘
//
// Strings are uint16 length-prefixed. The header flags byte says whether the optional
// response code (bit 0) and response message (bit 1) follow.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"mini-soa/codec"
)

const (
	MagicNumber byte = 0x73 // 's'
	MagicByte2  byte = 0x6f // 'o'
	MagicByte3  byte = 0x61 // 'a'
	Version     byte = 0x01

	// LengthSize is the size of the frame length prefix.
	LengthSize = 4

	// DefaultMaxFrameSize bounds a single frame unless the server is configured otherwise.
	DefaultMaxFrameSize = 16 << 20
)

const (
	flagRespCode    byte = 1 << 0
	flagRespMessage byte = 1 << 1
)

var (
	ErrInvalidFrameLength = errors.New("protocol: invalid frame length")
	ErrMalformedFrame     = errors.New("protocol: malformed frame")
	ErrStringTooLong      = errors.New("protocol: string longer than 65535 bytes")
)

// MessageKind is the envelope message type.
type MessageKind byte

const (
	KindCall      MessageKind = 1
	KindReply     MessageKind = 2
	KindException MessageKind = 3
	KindOneway    MessageKind = 4
)

func (k MessageKind) valid() bool { return k >= KindCall && k <= KindOneway }

// Header is the per-call metadata block.
type Header struct {
	ServiceName string
	VersionName string
	MethodName  string
	Codec       codec.CodecType
	RespCode    *string // set on replies carrying an error
	RespMessage *string
}

// ServiceCallKey is the key used for both configuration lookups and metrics.
func (h *Header) ServiceCallKey() string {
	return h.ServiceName + "." + h.VersionName + "." + h.MethodName + ".producer"
}

// SetError stores the response code and message on the header.
func (h *Header) SetError(code, message string) {
	h.RespCode = &code
	h.RespMessage = &message
}

// Clone returns a copy that shares no optional fields with h.
func (h *Header) Clone() *Header {
	c := *h
	if h.RespCode != nil {
		v := *h.RespCode
		c.RespCode = &v
	}
	if h.RespMessage != nil {
		v := *h.RespMessage
		c.RespMessage = &v
	}
	return &c
}

// Envelope names the message and correlates replies to requests.
type Envelope struct {
	Name  string
	Kind  MessageKind
	SeqID int32
}

// ReadFrame reads one complete frame from r into a pooled Buffer. The returned Buffer
// includes the length prefix and its read cursor sits at the frame start.
func ReadFrame(r io.Reader, maxSize int) (*Buffer, error) {
	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n, err := checkLength(int32(binary.BigEndian.Uint32(prefix[:])), maxSize)
	if err != nil {
		return nil, err
	}

	buf := AllocBuffer(LengthSize + n)
	copy(buf.data, prefix[:])
	if _, err := io.ReadFull(r, buf.data[LengthSize:]); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

func checkLength(n int32, maxSize int) (int, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if n <= 0 || int(n) > maxSize {
		return 0, fmt.Errorf("%w: %d", ErrInvalidFrameLength, n)
	}
	return int(n), nil
}

// PeekFrameLength returns the length prefix at the read cursor without advancing it.
func PeekFrameLength(buf *Buffer) (int, error) {
	idx := buf.ReaderIndex()
	n, err := buf.ReadInt32()
	buf.SetReaderIndex(idx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return checkLength(n, math.MaxInt32)
}

// DecodeRequest decodes the frame starting at the read cursor. It consumes exactly the
// bytes described by the length prefix and leaves the cursor at the frame end.
func DecodeRequest(buf *Buffer) (*Header, Envelope, *Decoder, error) {
	h, env, payload, err := decodeFrame(buf)
	if err != nil {
		return nil, Envelope{}, nil, err
	}
	if env.Kind != KindCall && env.Kind != KindOneway {
		return nil, Envelope{}, nil, fmt.Errorf("%w: unexpected request kind %d", ErrMalformedFrame, env.Kind)
	}
	return h, env, newDecoder(h.Codec, payload), nil
}

// DecodeReply is the client side counterpart of DecodeRequest.
func DecodeReply(buf *Buffer) (*Header, Envelope, []byte, error) {
	return decodeFrame(buf)
}

func decodeFrame(buf *Buffer) (h *Header, env Envelope, payload []byte, err error) {
	n, err := PeekFrameLength(buf)
	if err != nil {
		return nil, env, nil, err
	}
	if buf.Readable() < LengthSize+n {
		return nil, env, nil, fmt.Errorf("%w: frame needs %d bytes, have %d", ErrMalformedFrame, LengthSize+n, buf.Readable())
	}
	start := buf.ReaderIndex()
	end := start + LengthSize + n
	// Sub-reads must never run into the next frame.
	frame := &Buffer{data: buf.data[:end], r: start + LengthSize}

	h, err = decodeHeader(frame)
	if err != nil {
		return nil, env, nil, err
	}
	if env, err = decodeEnvelope(frame); err != nil {
		return nil, env, nil, err
	}
	payload, _ = frame.ReadBytes(frame.Readable())
	buf.SetReaderIndex(end)
	return h, env, payload, nil
}

func decodeHeader(b *Buffer) (*Header, error) {
	magic, err := b.ReadBytes(4)
	if err != nil {
		return nil, malformed(err)
	}
	if magic[0] != MagicNumber || magic[1] != MagicByte2 || magic[2] != MagicByte3 {
		return nil, fmt.Errorf("%w: invalid magic number %x", ErrMalformedFrame, magic[0:3])
	}
	if magic[3] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, magic[3])
	}

	h := &Header{}
	if h.ServiceName, err = b.ReadString(); err != nil {
		return nil, malformed(err)
	}
	if h.VersionName, err = b.ReadString(); err != nil {
		return nil, malformed(err)
	}
	if h.MethodName, err = b.ReadString(); err != nil {
		return nil, malformed(err)
	}
	ct, err := b.ReadUint8()
	if err != nil {
		return nil, malformed(err)
	}
	h.Codec = codec.CodecType(ct)
	if !h.Codec.Valid() {
		return nil, fmt.Errorf("%w: unsupported codec type %d", ErrMalformedFrame, ct)
	}
	flags, err := b.ReadUint8()
	if err != nil {
		return nil, malformed(err)
	}
	if flags&flagRespCode != 0 {
		s, err := b.ReadString()
		if err != nil {
			return nil, malformed(err)
		}
		h.RespCode = &s
	}
	if flags&flagRespMessage != 0 {
		s, err := b.ReadString()
		if err != nil {
			return nil, malformed(err)
		}
		h.RespMessage = &s
	}
	return h, nil
}

func decodeEnvelope(b *Buffer) (env Envelope, err error) {
	if env.Name, err = b.ReadString(); err != nil {
		return env, malformed(err)
	}
	kind, err := b.ReadUint8()
	if err != nil {
		return env, malformed(err)
	}
	env.Kind = MessageKind(kind)
	if !env.Kind.valid() {
		return env, fmt.Errorf("%w: unsupported message kind %d", ErrMalformedFrame, kind)
	}
	if env.SeqID, err = b.ReadInt32(); err != nil {
		return env, malformed(err)
	}
	return env, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
}

// EncodeRequest builds a call frame.
func EncodeRequest(h *Header, seqID int32, body []byte) (*Buffer, error) {
	return EncodeFrame(h, Envelope{Name: h.ServiceName + ":" + h.MethodName, Kind: KindCall, SeqID: seqID}, body)
}

// EncodeReply builds the reply frame for a successful call.
func EncodeReply(h *Header, seqID int32, body []byte) (*Buffer, error) {
	return EncodeFrame(h, Envelope{Name: h.ServiceName + ":" + h.MethodName, Kind: KindReply, SeqID: seqID}, body)
}

// EncodeErrorReply builds a reply frame with an empty body. The error travels in the
// header's response code and message.
func EncodeErrorReply(h *Header, seqID int32) (*Buffer, error) {
	return EncodeReply(h, seqID, nil)
}

// EncodeFrame writes h, env and body into a pooled Buffer with a consistent length prefix.
func EncodeFrame(h *Header, env Envelope, body []byte) (*Buffer, error) {
	strs := []string{h.ServiceName, h.VersionName, h.MethodName, env.Name}
	var flags byte
	if h.RespCode != nil {
		flags |= flagRespCode
		strs = append(strs, *h.RespCode)
	}
	if h.RespMessage != nil {
		flags |= flagRespMessage
		strs = append(strs, *h.RespMessage)
	}
	size := LengthSize + 4 + 1 + 1 + 1 + 4 + len(body)
	for _, s := range strs {
		if len(s) > math.MaxUint16 {
			return nil, ErrStringTooLong
		}
		size += 2 + len(s)
	}

	buf := AllocBuffer(size)
	w := writer{b: buf.data}
	w.putUint32(uint32(size - LengthSize))
	w.put(MagicNumber, MagicByte2, MagicByte3, Version)
	w.putString(h.ServiceName)
	w.putString(h.VersionName)
	w.putString(h.MethodName)
	w.put(byte(h.Codec), flags)
	if h.RespCode != nil {
		w.putString(*h.RespCode)
	}
	if h.RespMessage != nil {
		w.putString(*h.RespMessage)
	}
	w.putString(env.Name)
	w.put(byte(env.Kind))
	w.putUint32(uint32(env.SeqID))
	w.putBytes(body)
	return buf, nil
}

type writer struct {
	b   []byte
	off int
}

func (w *writer) put(bs ...byte) {
	w.off += copy(w.b[w.off:], bs)
}

func (w *writer) putUint32(v uint32) {
	binary.BigEndian.PutUint32(w.b[w.off:], v)
	w.off += 4
}

func (w *writer) putString(s string) {
	binary.BigEndian.PutUint16(w.b[w.off:], uint16(len(s)))
	w.off += 2
	w.off += copy(w.b[w.off:], s)
}

func (w *writer) putBytes(p []byte) {
	w.off += copy(w.b[w.off:], p)
}

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-soa/codec"
)

func echoHeader() *Header {
	return &Header{ServiceName: "Echo", VersionName: "1.0", MethodName: "ping", Codec: codec.CodecTypeJSON}
}

func TestEncodeDecodeRequest(t *testing.T) {
	frame, err := EncodeRequest(echoHeader(), 12345, []byte(`"hello world"`))
	require.NoError(t, err)
	defer frame.Release()

	n, err := PeekFrameLength(frame)
	require.NoError(t, err)
	assert.Equal(t, frame.Len()-LengthSize, n)
	assert.Equal(t, 0, frame.ReaderIndex(), "peek must not move the cursor")

	h, env, in, err := DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, "Echo", h.ServiceName)
	assert.Equal(t, "1.0", h.VersionName)
	assert.Equal(t, "ping", h.MethodName)
	assert.Nil(t, h.RespCode)
	assert.Equal(t, int32(12345), env.SeqID)
	assert.Equal(t, KindCall, env.Kind)
	assert.Equal(t, "Echo:ping", env.Name)
	assert.Equal(t, frame.Len(), frame.ReaderIndex(), "decode consumes the whole frame")

	var s string
	require.NoError(t, in.Decode(&s))
	assert.Equal(t, "hello world", s)
}

func TestErrorReplyCarriesCodeAndMessage(t *testing.T) {
	h := echoHeader()
	h.SetError("Err-Core-098", "processor not found")

	frame, err := EncodeErrorReply(h, 7)
	require.NoError(t, err)
	defer frame.Release()

	got, env, body, err := DecodeReply(frame)
	require.NoError(t, err)
	require.NotNil(t, got.RespCode)
	require.NotNil(t, got.RespMessage)
	assert.Equal(t, "Err-Core-098", *got.RespCode)
	assert.Equal(t, "processor not found", *got.RespMessage)
	assert.Equal(t, KindReply, env.Kind)
	assert.Equal(t, int32(7), env.SeqID)
	assert.Empty(t, body)
}

func TestReadFrameFromStream(t *testing.T) {
	first, err := EncodeRequest(echoHeader(), 1, []byte(`"a"`))
	require.NoError(t, err)
	second, err := EncodeRequest(echoHeader(), 2, []byte(`"b"`))
	require.NoError(t, err)

	var stream bytes.Buffer
	stream.Write(first.Bytes())
	stream.Write(second.Bytes())

	for _, want := range []int32{1, 2} {
		buf, err := ReadFrame(&stream, 0)
		require.NoError(t, err)
		_, env, _, err := DecodeRequest(buf)
		require.NoError(t, err)
		assert.Equal(t, want, env.SeqID)
		assert.True(t, buf.Release())
	}

	_, err = ReadFrame(&stream, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeStopsAtFrameEnd(t *testing.T) {
	first, err := EncodeRequest(echoHeader(), 1, []byte(`"a"`))
	require.NoError(t, err)
	second, err := EncodeRequest(echoHeader(), 2, []byte(`"b"`))
	require.NoError(t, err)

	buf := WrapBuffer(append(bytes.Clone(first.Bytes()), second.Bytes()...))
	_, env, in, err := DecodeRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.SeqID)
	assert.Equal(t, `"a"`, string(in.Payload()))

	_, env, in, err = DecodeRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.SeqID)
	assert.Equal(t, `"b"`, string(in.Payload()))
}

func TestInvalidFrameLengths(t *testing.T) {
	for _, n := range []int32{0, -1} {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(n))

		_, err := ReadFrame(bytes.NewReader(prefix[:]), 0)
		assert.ErrorIs(t, err, ErrInvalidFrameLength, "length %d", n)

		_, err = PeekFrameLength(WrapBuffer(prefix[:]))
		assert.ErrorIs(t, err, ErrInvalidFrameLength, "length %d", n)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 1024)
	_, err := ReadFrame(bytes.NewReader(prefix[:]), 512)
	assert.ErrorIs(t, err, ErrInvalidFrameLength)
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame, err := EncodeRequest(echoHeader(), 1, nil)
	require.NoError(t, err)
	raw := bytes.Clone(frame.Bytes())
	raw[LengthSize] = 0x00

	_, _, _, err = DecodeRequest(WrapBuffer(raw))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeTruncatedFrame(t *testing.T) {
	frame, err := EncodeRequest(echoHeader(), 1, nil)
	require.NoError(t, err)
	raw := frame.Bytes()

	// Keep the length prefix but drop the tail.
	_, _, _, err = DecodeRequest(WrapBuffer(raw[:len(raw)-3]))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	// Shrink the prefix so the envelope no longer fits.
	short := bytes.Clone(raw[:LengthSize+10])
	binary.BigEndian.PutUint32(short, 10)
	_, _, _, err = DecodeRequest(WrapBuffer(short))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRejectsReplyAsRequest(t *testing.T) {
	frame, err := EncodeReply(echoHeader(), 1, nil)
	require.NoError(t, err)
	_, _, _, err = DecodeRequest(frame)
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestServiceCallKey(t *testing.T) {
	assert.Equal(t, "Echo.1.0.ping.producer", echoHeader().ServiceCallKey())
	assert.Equal(t, "Unknown..ping.producer", (&Header{ServiceName: "Unknown", MethodName: "ping"}).ServiceCallKey())
}

func TestEncodeRejectsLongStrings(t *testing.T) {
	h := echoHeader()
	h.MethodName = string(make([]byte, 70000))
	_, err := EncodeRequest(h, 1, nil)
	assert.ErrorIs(t, err, ErrStringTooLong)
}

func TestBufferRelease(t *testing.T) {
	buf := AllocBuffer(32)
	buf.Retain()
	assert.Equal(t, int32(2), buf.RefCnt())
	assert.True(t, buf.Release())
	assert.True(t, buf.Release())
	assert.Equal(t, int32(0), buf.RefCnt())
	assert.False(t, buf.Release(), "second release of a freed buffer is a no-op")
}

func TestHeaderClone(t *testing.T) {
	h := echoHeader()
	h.SetError("c", "m")
	c := h.Clone()
	*c.RespCode = "other"
	assert.Equal(t, "c", *h.RespCode)
}

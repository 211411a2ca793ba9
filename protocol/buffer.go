package protocol

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrShortBuffer is returned when a read runs past the readable bytes of a Buffer.
var ErrShortBuffer = errors.New("protocol: short buffer")

// Buffers up to this capacity are recycled through bufPool; bigger ones are left to the GC.
const maxPooledCap = 64 << 10

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 8192)
		return &b
	},
}

// Buffer is a byte slice with a read cursor and a reference count.
//
// A Buffer starts with one reference. Release drops it, and when the count reaches zero
// the backing array goes back to the pool. Releasing an already released Buffer is a no-op
// that reports false, so teardown paths can release unconditionally.
type Buffer struct {
	data   []byte
	r      int
	refs   atomic.Int32
	pooled bool
}

// AllocBuffer returns a pooled Buffer of length n.
func AllocBuffer(n int) *Buffer {
	bp := bufPool.Get().(*[]byte)
	b := *bp
	if cap(b) < n {
		b = make([]byte, n)
	}
	buf := &Buffer{data: b[:n], pooled: true}
	buf.refs.Store(1)
	return buf
}

// WrapBuffer wraps b without copying. The slice is never returned to the pool.
func WrapBuffer(b []byte) *Buffer {
	buf := &Buffer{data: b}
	buf.refs.Store(1)
	return buf
}

// Bytes returns the whole frame, ignoring the read cursor.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the total number of bytes held.
func (b *Buffer) Len() int { return len(b.data) }

// Readable returns the number of bytes after the read cursor.
func (b *Buffer) Readable() int { return len(b.data) - b.r }

func (b *Buffer) ReaderIndex() int { return b.r }

// SetReaderIndex moves the read cursor. Out of range values are clamped.
func (b *Buffer) SetReaderIndex(i int) {
	switch {
	case i < 0:
		i = 0
	case i > len(b.data):
		i = len(b.data)
	}
	b.r = i
}

// RefCnt reports the current reference count.
func (b *Buffer) RefCnt() int32 { return b.refs.Load() }

// Retain adds a reference.
func (b *Buffer) Retain() { b.refs.Add(1) }

// Release drops one reference and reports whether this call released it.
func (b *Buffer) Release() bool {
	for {
		n := b.refs.Load()
		if n <= 0 {
			return false
		}
		if b.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				b.free()
			}
			return true
		}
	}
}

func (b *Buffer) free() {
	data := b.data
	b.data = nil
	b.r = 0
	if b.pooled && cap(data) <= maxPooledCap {
		data = data[:0]
		bufPool.Put(&data)
	}
}

func (b *Buffer) ReadUint8() (uint8, error) {
	if b.Readable() < 1 {
		return 0, ErrShortBuffer
	}
	v := b.data[b.r]
	b.r++
	return v, nil
}

func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Readable() < 2 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint16(b.data[b.r:])
	b.r += 2
	return v, nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Readable() < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint32(b.data[b.r:])
	b.r += 4
	return v, nil
}

// ReadInt32 reads a big-endian signed 32 bit integer.
func (b *Buffer) ReadInt32() (int32, error) {
	v, err := b.ReadUint32()
	return int32(v), err
}

// ReadBytes returns the next n bytes without copying.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if n < 0 || b.Readable() < n {
		return nil, ErrShortBuffer
	}
	v := b.data[b.r : b.r+n]
	b.r += n
	return v, nil
}

// ReadString reads a uint16 length-prefixed string.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadUint16()
	if err != nil {
		return "", err
	}
	v, err := b.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

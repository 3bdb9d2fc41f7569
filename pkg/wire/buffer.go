package wire

import (
	"encoding/binary"
	"errors"
)

// Buffer is a minimal in-memory implementation of Reader and Writer,
// useful for tests and for in-process framing before handing bytes to a
// real transport.
type Buffer struct {
	buf []byte
	off int
}

// ErrShortBuffer is returned when a read would run past the end of the
// buffer.
var ErrShortBuffer = errors.New("wire: short buffer")

func (b *Buffer) WriteU8(v uint8) error {
	b.buf = append(b.buf, v)

	return nil
}

func (b *Buffer) WriteU16(v uint16) error {
	var tmp [2]byte

	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)

	return nil
}

func (b *Buffer) WriteU32(v uint32) error {
	var tmp [4]byte

	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)

	return nil
}

func (b *Buffer) WriteU64(v uint64) error {
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)

	return nil
}

func (b *Buffer) WriteBytes(p []byte) error {
	b.buf = append(b.buf, p...)

	return nil
}

func (b *Buffer) HasData(n int) bool { return len(b.buf)-b.off >= n }

func (b *Buffer) ReadU8() (uint8, error) {
	if !b.HasData(1) {
		return 0, ErrShortBuffer
	}

	v := b.buf[b.off]
	b.off++

	return v, nil
}

func (b *Buffer) ReadU16() (uint16, error) {
	if !b.HasData(2) {
		return 0, ErrShortBuffer
	}

	v := binary.BigEndian.Uint16(b.buf[b.off:])
	b.off += 2

	return v, nil
}

func (b *Buffer) ReadU32() (uint32, error) {
	if !b.HasData(4) {
		return 0, ErrShortBuffer
	}

	v := binary.BigEndian.Uint32(b.buf[b.off:])
	b.off += 4

	return v, nil
}

func (b *Buffer) ReadU64() (uint64, error) {
	if !b.HasData(8) {
		return 0, ErrShortBuffer
	}

	v := binary.BigEndian.Uint64(b.buf[b.off:])
	b.off += 8

	return v, nil
}

func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if !b.HasData(n) {
		return nil, ErrShortBuffer
	}

	out := make([]byte, n)
	copy(out, b.buf[b.off:b.off+n])
	b.off += n

	return out, nil
}

// Bytes returns the buffer's underlying bytes written so far.
func (b *Buffer) Bytes() []byte { return b.buf }

// Package buffer provides a growable byte buffer with an independent
// read cursor, used by the encoding and frames packages to marshal and
// unmarshal AMQP wire data without extra copies.
package buffer

import "encoding/binary"

// Buffer is a []byte with a read cursor. Unlike bytes.Buffer, reads do
// not discard the consumed bytes, so the same backing array can be
// rewound (e.g. to patch a frame's length prefix after encoding its
// body).
type Buffer struct {
	b   []byte
	off int
}

// New creates a Buffer wrapping b. The buffer takes ownership of b.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Reset discards all written and read data.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.off = 0
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

// Size returns the total number of bytes written to the buffer,
// including bytes already read.
func (b *Buffer) Size() int {
	return len(b.b)
}

// Bytes returns the unread portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.b[b.off:]
}

// Detach returns the entire underlying slice, ignoring the read cursor.
func (b *Buffer) Detach() []byte {
	return b.b
}

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

// Append is an allocation-free alias for Write used by encoders that
// don't need the io.Writer return signature.
func (b *Buffer) Append(p []byte) {
	b.b = append(b.b, p...)
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	b.b = append(b.b, c)
	return nil
}

// WriteUint16 appends v in network byte order.
func (b *Buffer) WriteUint16(v uint16) {
	b.b = append(b.b, byte(v>>8), byte(v))
}

// WriteUint32 appends v in network byte order.
func (b *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// WriteUint64 appends v in network byte order.
func (b *Buffer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// PutUint32At overwrites the 4 bytes at offset off with v. Used to
// backfill a frame's size prefix once the body has been encoded.
func (b *Buffer) PutUint32At(off int, v uint32) {
	binary.BigEndian.PutUint32(b.b[off:off+4], v)
}

// Skip advances the read cursor by n bytes without returning them.
func (b *Buffer) Skip(n int) {
	b.off += n
}

// Next reads up to n unread bytes, advancing the cursor. The returned
// slice aliases the buffer; it is not safe to retain past the next
// mutation of b.
func (b *Buffer) Next(n int64) ([]byte, error) {
	if n < 0 {
		n = 0
	}
	avail := int64(b.Len())
	if n > avail {
		n = avail
	}
	p := b.b[b.off : b.off+int(n)]
	b.off += int(n)
	return p, nil
}

// ReadByte reads and consumes a single byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, errEOF
	}
	c := b.b[b.off]
	b.off++
	return c, nil
}

// PeekByte returns the next unread byte without consuming it.
func (b *Buffer) PeekByte() (byte, error) {
	if b.Len() < 1 {
		return 0, errEOF
	}
	return b.b[b.off], nil
}

// ReadUint16 reads and consumes a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Len() < 2 {
		return 0, errEOF
	}
	v := binary.BigEndian.Uint16(b.b[b.off:])
	b.off += 2
	return v, nil
}

// ReadUint32 reads and consumes a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Len() < 4 {
		return 0, errEOF
	}
	v := binary.BigEndian.Uint32(b.b[b.off:])
	b.off += 4
	return v, nil
}

// ReadUint64 reads and consumes a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Len() < 8 {
		return 0, errEOF
	}
	v := binary.BigEndian.Uint64(b.b[b.off:])
	b.off += 8
	return v, nil
}

type bufErr string

func (e bufErr) Error() string { return string(e) }

const errEOF = bufErr("buffer: insufficient data")

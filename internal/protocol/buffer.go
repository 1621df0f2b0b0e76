// Package protocol implements the binary wire protocol spoken between game
// clients and the relay: the cursor-based codec for primitive types, the
// control opcodes, length framing for the reliable stream transport, and
// the reusable buffer pool used by every send path.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"
)

// MaxPacketSize is the hard upper bound for a single framed packet,
// independent of the per-channel limits configured for relayed payloads.
// The frame length prefix is a uint16, so this cannot exceed 0xFFFF.
const MaxPacketSize = 0xFFFF

// Buffer is a growable byte buffer with an explicit cursor, shared by the
// encode and decode paths. Writes grow the underlying storage as needed and
// preserve already-written bytes; reads past the written length return
// ErrTruncated.
//
// String encoding is deliberately simple: a 4-byte code-unit count followed
// by 2-byte UTF-16 code units. A zero count is the shared sentinel for both
// the empty and the absent string, so an absent string decodes as empty.
type Buffer struct {
	data []byte
	pos  int
}

// NewBuffer returns an empty write buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Wrap returns a read buffer over data with the cursor at the start.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the written portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of bytes written.
func (b *Buffer) Len() int { return len(b.data) }

// Pos returns the current cursor position.
func (b *Buffer) Pos() int { return b.pos }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.data) - b.pos }

// Reset clears the buffer for reuse, keeping the underlying storage.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.pos = 0
}

// grow extends the written length by n bytes and returns the offset at
// which they start. Growth preserves existing bytes and the cursor.
func (b *Buffer) grow(n int) int {
	off := len(b.data)
	if cap(b.data) < off+n {
		grown := make([]byte, off, (off+n)*2)
		copy(grown, b.data)
		b.data = grown
	}
	b.data = b.data[:off+n]
	return off
}

// PutUint8 appends a single byte.
func (b *Buffer) PutUint8(v byte) {
	off := b.grow(1)
	b.data[off] = v
}

// PutOpcode appends an opcode byte.
func (b *Buffer) PutOpcode(op Opcode) {
	b.PutUint8(byte(op))
}

// PutBool appends a bool as one byte, nonzero meaning true.
func (b *Buffer) PutBool(v bool) {
	if v {
		b.PutUint8(1)
	} else {
		b.PutUint8(0)
	}
}

// PutInt32 appends a fixed-width little-endian int32.
func (b *Buffer) PutInt32(v int32) {
	off := b.grow(4)
	binary.LittleEndian.PutUint32(b.data[off:], uint32(v))
}

// PutString appends a length-prefixed UTF-16 string. Empty strings encode
// as a bare zero count.
func (b *Buffer) PutString(s string) {
	if s == "" {
		b.PutInt32(0)
		return
	}
	units := utf16.Encode([]rune(s))
	b.PutInt32(int32(len(units)))
	off := b.grow(2 * len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b.data[off+2*i:], u)
	}
}

// PutBlob appends a length-prefixed byte blob.
func (b *Buffer) PutBlob(p []byte) {
	b.PutInt32(int32(len(p)))
	off := b.grow(len(p))
	copy(b.data[off:], p)
}

// ReadUint8 reads a single byte at the cursor.
func (b *Buffer) ReadUint8() (byte, error) {
	if b.Remaining() < 1 {
		return 0, ErrTruncated
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

// ReadOpcode reads and validates an opcode byte.
func (b *Buffer) ReadOpcode() (Opcode, error) {
	v, err := b.ReadUint8()
	if err != nil {
		return 0, err
	}
	op := Opcode(v)
	if !op.Valid() {
		return 0, fmt.Errorf("%w: 0x%02X", ErrInvalidOpcode, v)
	}
	return op, nil
}

// ReadBool reads a bool, any nonzero byte meaning true.
func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadInt32 reads a fixed-width little-endian int32.
func (b *Buffer) ReadInt32() (int32, error) {
	if b.Remaining() < 4 {
		return 0, ErrTruncated
	}
	v := int32(binary.LittleEndian.Uint32(b.data[b.pos:]))
	b.pos += 4
	return v, nil
}

// ReadString reads a length-prefixed UTF-16 string.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadInt32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if n < 0 || b.Remaining() < int(n)*2 {
		return "", ErrTruncated
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b.data[b.pos+2*i:])
	}
	b.pos += int(n) * 2
	return string(utf16.Decode(units)), nil
}

// ReadBlob reads a length-prefixed byte blob. The returned slice aliases
// the buffer's storage.
func (b *Buffer) ReadBlob() ([]byte, error) {
	n, err := b.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 || b.Remaining() < int(n) {
		return nil, ErrTruncated
	}
	p := b.data[b.pos : b.pos+int(n)]
	b.pos += int(n)
	return p, nil
}

// ReadFrame reads a single length-prefixed packet from a reader.
// Frame format on the reliable stream: [2-byte LE length][payload bytes...].
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	if length == 0 {
		return nil, fmt.Errorf("received zero-length frame")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload (%d bytes): %w", length, err)
	}

	return payload, nil
}

// WriteFrame writes a length-prefixed packet to a writer.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrOversized, len(data))
	}
	length := uint16(len(data))
	if err := binary.Write(w, binary.LittleEndian, length); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame data: %w", err)
	}
	return nil
}

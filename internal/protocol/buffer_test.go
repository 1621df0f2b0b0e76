package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferRoundTrip(t *testing.T) {
	buf := NewBuffer(64)
	buf.PutUint8(0x7F)
	buf.PutBool(true)
	buf.PutBool(false)
	buf.PutInt32(-123456)
	buf.PutString("lobby-Ω✓")
	buf.PutBlob([]byte{0xDE, 0xAD, 0xBE, 0xEF})

	r := Wrap(buf.Bytes())

	b, err := r.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7F), b)

	v, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, v)

	v, err = r.ReadBool()
	require.NoError(t, err)
	assert.False(t, v)

	i, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-123456), i)

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "lobby-Ω✓", s)

	p, err := r.ReadBlob()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, p)

	assert.Equal(t, 0, r.Remaining())
}

// An empty string and an absent string share the zero-count sentinel, so
// both decode as empty.
func TestBufferEmptyStringSentinel(t *testing.T) {
	buf := NewBuffer(8)
	buf.PutString("")
	assert.Equal(t, 4, buf.Len(), "empty string must encode as a bare zero count")

	s, err := Wrap(buf.Bytes()).ReadString()
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestBufferTruncatedReads(t *testing.T) {
	_, err := Wrap(nil).ReadUint8()
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Wrap([]byte{1, 2}).ReadInt32()
	assert.ErrorIs(t, err, ErrTruncated)

	// Count prefix claims more code units than the buffer holds.
	buf := NewBuffer(8)
	buf.PutInt32(100)
	_, err = Wrap(buf.Bytes()).ReadString()
	assert.ErrorIs(t, err, ErrTruncated)

	buf.Reset()
	buf.PutInt32(100)
	_, err = Wrap(buf.Bytes()).ReadBlob()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestBufferNegativeLengthPrefix(t *testing.T) {
	buf := NewBuffer(8)
	buf.PutInt32(-1)

	_, err := Wrap(buf.Bytes()).ReadString()
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Wrap(buf.Bytes()).ReadBlob()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestBufferGrowthPreservesContents(t *testing.T) {
	buf := NewBuffer(2)
	for i := 0; i < 100; i++ {
		buf.PutUint8(byte(i))
	}
	require.Equal(t, 100, buf.Len())
	for i, b := range buf.Bytes() {
		require.Equal(t, byte(i), b)
	}
}

func TestReadOpcode(t *testing.T) {
	buf := NewBuffer(4)
	buf.PutOpcode(OpJoinRoom)

	op, err := Wrap(buf.Bytes()).ReadOpcode()
	require.NoError(t, err)
	assert.Equal(t, OpJoinRoom, op)

	_, err = Wrap([]byte{0xFF}).ReadOpcode()
	assert.ErrorIs(t, err, ErrInvalidOpcode)
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{byte(OpUpdateData), 1, 2, 3}

	var stream bytes.Buffer
	require.NoError(t, WriteFrame(&stream, payload))

	got, err := ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var stream bytes.Buffer
	err := WriteFrame(&stream, make([]byte, MaxPacketSize+1))
	assert.ErrorIs(t, err, ErrOversized)
}

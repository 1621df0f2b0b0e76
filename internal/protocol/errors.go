package protocol

import "errors"

var (
	// ErrTruncated is returned when a read would run past the end of a buffer.
	// The registry treats it as a protocol violation by the sender.
	ErrTruncated = errors.New("protocol: buffer truncated")

	// ErrInvalidOpcode is returned when an inbound packet carries an opcode
	// the dispatcher does not recognize.
	ErrInvalidOpcode = errors.New("protocol: invalid opcode")

	// ErrOversized is returned when a payload exceeds the configured maximum
	// message size for its channel.
	ErrOversized = errors.New("protocol: payload exceeds maximum message size")

	// ErrDuplicateKey is returned by the bidirectional ID map when either side
	// of an insertion already exists. It never surfaces to a client.
	ErrDuplicateKey = errors.New("protocol: duplicate key")
)

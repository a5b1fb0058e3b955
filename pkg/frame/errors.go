package frame

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyField      = errors.New("frame: empty field")
	ErrReservedByte    = errors.New("frame: reserved byte in field")
	ErrFieldTooLong    = errors.New("frame: field too long")
	ErrBroadcastSource = errors.New("frame: broadcast sentinel used as source")
	ErrUnknownType     = errors.New("frame: unknown packet type")
	ErrFieldCount      = errors.New("frame: invalid header field count")
	ErrMetadata        = errors.New("frame: malformed metadata")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrBadEscape       = errors.New("frame: invalid escape sequence")
	ErrTruncated       = errors.New("frame: truncated frame")
)

// EncodeError reports a frame that cannot be put on the wire.
type EncodeError struct {
	Field string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("frame: encode %s: %v", e.Field, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a span the deframer dropped. Skipped counts the bytes of
// the span consumed before the deframer gave up on it.
type DecodeError struct {
	Skipped int
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame: decode: %v (%d bytes skipped)", e.Err, e.Skipped)
}

func (e *DecodeError) Unwrap() error { return e.Err }

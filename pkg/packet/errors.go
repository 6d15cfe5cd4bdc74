package packet

import (
	"errors"
	"fmt"
)

// ErrMalformedPacket indicates the packet structure is invalid. Every decode
// failure other than ErrIncompletePacket wraps it, so callers can treat the
// whole family with a single errors.Is check.
var ErrMalformedPacket = errors.New("malformed packet")

// ErrIncompletePacket indicates more data is needed to complete the packet.
var ErrIncompletePacket = errors.New("incomplete packet")

// malformed builds an error that reports msg and matches ErrMalformedPacket.
func malformed(msg string) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, msg)
}

// Decode errors.
var (
	ErrMalformedRemainingLength = malformed("remaining length exceeds 4 bytes")
	ErrInvalidPacketType        = malformed("invalid packet type")
	ErrInvalidFlags             = malformed("invalid packet flags")
	ErrInvalidQoS               = malformed("invalid QoS level")
	ErrInvalidProtocolName      = malformed("invalid protocol name")
	ErrInvalidProtocolVersion   = malformed("invalid protocol version")
	ErrInvalidUTF8              = malformed("invalid UTF-8 string")
	ErrInvalidUTF8NullChar      = malformed("UTF-8 string contains null character")
	ErrInvalidPacketID          = malformed("invalid packet identifier")
	ErrInvalidReturnCode        = malformed("invalid return code")
	ErrTrailingBytes            = malformed("unexpected bytes after packet body")
	ErrTruncatedBody            = malformed("packet body shorter than its fields")
	ErrEmptyPayload             = malformed("payload must contain at least one entry")
)

// Encode errors.
var (
	// ErrPacketTooLarge indicates the packet exceeds maximum allowed size.
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrShortBuffer indicates insufficient buffer space for encoding.
	ErrShortBuffer = errors.New("buffer too short")

	// ErrStringTooLong indicates a string or binary field exceeds 65535 bytes.
	ErrStringTooLong = errors.New("field exceeds 65535 bytes")
)

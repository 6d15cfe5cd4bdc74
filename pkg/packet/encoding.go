package packet

import (
	"encoding/binary"
	"unicode/utf8"
)

// EncodeVarInt encodes a variable byte integer into buf and returns the number of bytes written.
// Returns 0 if the value is too large or the buffer is too small.
// MQTT 3.1.1 Section 2.2.3
func EncodeVarInt(buf []byte, value uint32) int {
	if value > MaxRemainingLength {
		return 0
	}

	i := 0
	for {
		if i >= len(buf) {
			return 0
		}
		encodedByte := byte(value & 0x7F)
		value >>= 7
		if value > 0 {
			encodedByte |= 0x80
		}
		buf[i] = encodedByte
		i++
		if value == 0 {
			break
		}
	}
	return i
}

// DecodeVarInt decodes a variable byte integer from buf.
// It returns ErrIncompletePacket when buf ends before the last length byte and
// ErrMalformedRemainingLength when a fourth byte still has its continuation bit set.
func DecodeVarInt(buf []byte) (value uint32, n int, err error) {
	var multiplier uint32 = 1

	for i := 0; i < 4; i++ {
		if i >= len(buf) {
			return 0, 0, ErrIncompletePacket
		}
		encodedByte := buf[i]
		value += uint32(encodedByte&0x7F) * multiplier

		if encodedByte&0x80 == 0 {
			return value, i + 1, nil
		}
		multiplier *= 128
	}

	return 0, 0, ErrMalformedRemainingLength
}

// VarIntSize returns the number of bytes needed to encode a value as a variable byte integer.
func VarIntSize(value uint32) int {
	switch {
	case value < 128:
		return 1
	case value < 16384:
		return 2
	case value < 2097152:
		return 3
	default:
		return 4
	}
}

// EncodeUint16 encodes a 16-bit unsigned integer in big-endian order.
// Returns 2 on success, 0 if buffer is too small.
func EncodeUint16(buf []byte, value uint16) int {
	if len(buf) < 2 {
		return 0
	}
	binary.BigEndian.PutUint16(buf, value)
	return 2
}

// DecodeUint16 decodes a 16-bit unsigned integer from big-endian bytes.
func DecodeUint16(buf []byte) (value uint16, n int, ok bool) {
	if len(buf) < 2 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(buf), 2, true
}

// EncodeString encodes a UTF-8 string with a 2-byte length prefix.
// Returns the number of bytes written, or 0 on error.
// MQTT 3.1.1 Section 1.5.3
func EncodeString(buf []byte, s string) int {
	slen := len(s)
	if slen > 65535 {
		return 0
	}
	if len(buf) < 2+slen {
		return 0
	}
	binary.BigEndian.PutUint16(buf, uint16(slen))
	copy(buf[2:], s)
	return 2 + slen
}

// EncodeBytes encodes binary data with a 2-byte length prefix.
// Returns the number of bytes written, or 0 on error.
func EncodeBytes(buf []byte, data []byte) int {
	dlen := len(data)
	if dlen > 65535 {
		return 0
	}
	if len(buf) < 2+dlen {
		return 0
	}
	binary.BigEndian.PutUint16(buf, uint16(dlen))
	copy(buf[2:], data)
	return 2 + dlen
}

// DecodeString decodes a length-prefixed field from buf.
// Returns a slice referencing the original buffer, bytes consumed, and success flag.
func DecodeString(buf []byte) (s []byte, n int, ok bool) {
	if len(buf) < 2 {
		return nil, 0, false
	}
	slen := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+slen {
		return nil, 0, false
	}
	return buf[2 : 2+slen], 2 + slen, true
}

// decodeUTF8 decodes and validates a length-prefixed UTF-8 string.
// The body is already complete, so a short field is malformed rather than incomplete.
func decodeUTF8(buf []byte) (string, int, error) {
	data, n, ok := DecodeString(buf)
	if !ok {
		return "", 0, ErrTruncatedBody
	}
	if err := ValidateUTF8String(data); err != nil {
		return "", 0, err
	}
	return string(data), n, nil
}

// decodeBinary decodes a length-prefixed binary field into a fresh slice.
func decodeBinary(buf []byte) ([]byte, int, error) {
	data, n, ok := DecodeString(buf)
	if !ok {
		return nil, 0, ErrTruncatedBody
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, n, nil
}

// decodePacketID decodes a nonzero packet identifier.
func decodePacketID(buf []byte) (uint16, error) {
	id, _, ok := DecodeUint16(buf)
	if !ok {
		return 0, ErrTruncatedBody
	}
	if id == 0 {
		return 0, ErrInvalidPacketID
	}
	return id, nil
}

// ValidateUTF8String validates that a byte slice is valid UTF-8 without null characters.
// MQTT 3.1.1 Section 1.5.3
func ValidateUTF8String(data []byte) error {
	if !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == 0 {
			return ErrInvalidUTF8NullChar
		}
		i += size
	}
	return nil
}

// FixedHeaderSize calculates the size of the fixed header for a given remaining length.
func FixedHeaderSize(remainingLength uint32) int {
	return 1 + VarIntSize(remainingLength)
}

// EncodeFixedHeader encodes the fixed header into buf.
// Returns the number of bytes written, or 0 on error.
func EncodeFixedHeader(buf []byte, packetType Type, flags byte, remainingLength uint32) int {
	if len(buf) < 1 {
		return 0
	}
	buf[0] = byte(packetType)<<4 | (flags & 0x0F)
	n := EncodeVarInt(buf[1:], remainingLength)
	if n == 0 {
		return 0
	}
	return 1 + n
}

// DecodeFixedHeader decodes the fixed header from buf.
// Returns packet type, flags, remaining length and bytes consumed.
func DecodeFixedHeader(buf []byte) (packetType Type, flags byte, remainingLength uint32, n int, err error) {
	if len(buf) < 1 {
		return 0, 0, 0, 0, ErrIncompletePacket
	}

	packetType = Type(buf[0] >> 4)
	flags = buf[0] & 0x0F

	remainingLength, varIntLen, err := DecodeVarInt(buf[1:])
	if err != nil {
		return 0, 0, 0, 0, err
	}

	return packetType, flags, remainingLength, 1 + varIntLen, nil
}

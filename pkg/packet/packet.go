package packet

// Packet is the interface implemented by all MQTT control packets.
type Packet interface {
	// Type returns the packet type.
	Type() Type

	// Encode encodes the packet into buf.
	// Returns the number of bytes written, or 0 on error.
	Encode(buf []byte) int

	// EncodedSize returns the total size of the encoded packet.
	EncodedSize() int
}

// Identified is implemented by packets that carry a packet identifier.
type Identified interface {
	Packet
	ID() uint16
}

// validator is implemented by packets whose fields can be checked before encoding.
type validator interface {
	validate() error
}

// Will represents an MQTT Will Message configuration.
type Will struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

// Encode validates p and returns its wire representation.
func Encode(p Packet) ([]byte, error) {
	if v, ok := p.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	size := p.EncodedSize()
	if size > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	buf := make([]byte, size)
	n := p.Encode(buf)
	if n == 0 {
		return nil, ErrPacketTooLarge
	}
	return buf[:n], nil
}

// AppendEncode appends the wire representation of p to dst, reusing its capacity.
func AppendEncode(dst []byte, p Packet) ([]byte, error) {
	if v, ok := p.(validator); ok {
		if err := v.validate(); err != nil {
			return dst, err
		}
	}
	size := p.EncodedSize()
	start := len(dst)
	if cap(dst)-start < size {
		grown := make([]byte, start, start+size)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+size]
	n := p.Encode(dst[start:])
	if n == 0 {
		return dst[:start], ErrPacketTooLarge
	}
	return dst[:start+n], nil
}

// Decode decodes the first packet in buf.
// It returns the packet and the number of bytes it occupied. When buf holds only
// a prefix of a packet the error is ErrIncompletePacket; any structural problem
// yields an error wrapping ErrMalformedPacket. Decode never retains buf.
func Decode(buf []byte) (Packet, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrIncompletePacket
	}

	// The first byte is enough to reject a bad type or reserved flags.
	packetType := Type(buf[0] >> 4)
	flags := buf[0] & 0x0F
	if !packetType.Valid() {
		return nil, 0, ErrInvalidPacketType
	}
	if packetType != TypePublish && flags != packetType.requiredFlags() {
		return nil, 0, ErrInvalidFlags
	}

	_, _, remainingLength, headerLen, err := DecodeFixedHeader(buf)
	if err != nil {
		return nil, 0, err
	}

	total := headerLen + int(remainingLength)
	if len(buf) < total {
		return nil, 0, ErrIncompletePacket
	}

	pkt, err := decodeBody(packetType, flags, buf[headerLen:total])
	if err != nil {
		return nil, 0, err
	}
	return pkt, total, nil
}

// decodeBody decodes a packet given its type, flags, and body.
func decodeBody(packetType Type, flags byte, data []byte) (Packet, error) {
	switch packetType {
	case TypeConnect:
		return DecodeConnect(data)
	case TypeConnack:
		return DecodeConnack(data)
	case TypePublish:
		return DecodePublish(flags, data)
	case TypePuback:
		return DecodePuback(data)
	case TypePubrec:
		return DecodePubrec(data)
	case TypePubrel:
		return DecodePubrel(data)
	case TypePubcomp:
		return DecodePubcomp(data)
	case TypeSubscribe:
		return DecodeSubscribe(data)
	case TypeSuback:
		return DecodeSuback(data)
	case TypeUnsubscribe:
		return DecodeUnsubscribe(data)
	case TypeUnsuback:
		return DecodeUnsuback(data)
	case TypePingreq:
		return DecodePingreq(data)
	case TypePingresp:
		return DecodePingresp(data)
	case TypeDisconnect:
		return DecodeDisconnect(data)
	default:
		return nil, ErrInvalidPacketType
	}
}

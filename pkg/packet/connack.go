package packet

// ConnackCode is the CONNACK return code.
// MQTT 3.1.1 Section 3.2.2.3
type ConnackCode byte

const (
	ConnackAccepted                    ConnackCode = 0x00
	ConnackUnacceptableProtocolVersion ConnackCode = 0x01
	ConnackIdentifierRejected          ConnackCode = 0x02
	ConnackServerUnavailable           ConnackCode = 0x03
	ConnackBadUsernameOrPassword       ConnackCode = 0x04
	ConnackNotAuthorized               ConnackCode = 0x05
)

// String returns a human-readable description of the return code.
func (c ConnackCode) String() string {
	switch c {
	case ConnackAccepted:
		return "connection accepted"
	case ConnackUnacceptableProtocolVersion:
		return "unacceptable protocol version"
	case ConnackIdentifierRejected:
		return "identifier rejected"
	case ConnackServerUnavailable:
		return "server unavailable"
	case ConnackBadUsernameOrPassword:
		return "bad user name or password"
	case ConnackNotAuthorized:
		return "not authorized"
	default:
		return "unknown return code"
	}
}

// Connack represents an MQTT CONNACK packet.
// MQTT 3.1.1 Section 3.2
type Connack struct {
	SessionPresent bool
	ReturnCode     ConnackCode
}

// Type returns TypeConnack.
func (c *Connack) Type() Type {
	return TypeConnack
}

// EncodedSize returns the total size of the encoded CONNACK packet.
func (c *Connack) EncodedSize() int {
	return 4
}

// Encode encodes the CONNACK packet into buf.
func (c *Connack) Encode(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}
	pos := EncodeFixedHeader(buf, TypeConnack, 0, 2)
	if c.SessionPresent {
		buf[pos] = 0x01
	} else {
		buf[pos] = 0x00
	}
	buf[pos+1] = byte(c.ReturnCode)
	return pos + 2
}

// DecodeConnack decodes a CONNACK packet from buf.
func DecodeConnack(buf []byte) (*Connack, error) {
	if len(buf) != 2 {
		return nil, ErrTruncatedBody
	}
	// Only bit 0 of the acknowledge flags may be set.
	if buf[0]&0xFE != 0 {
		return nil, ErrInvalidFlags
	}
	return &Connack{
		SessionPresent: buf[0]&0x01 != 0,
		ReturnCode:     ConnackCode(buf[1]),
	}, nil
}

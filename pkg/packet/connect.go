package packet

// Connect represents an MQTT CONNECT packet.
// MQTT 3.1.1 Section 3.1
type Connect struct {
	// Protocol identification
	ProtocolName    string  // "MQTT", or "MQIsdp" for 3.1
	ProtocolVersion Version // 4 for v3.1.1

	CleanSession bool
	KeepAlive    uint16 // seconds

	ClientID string
	Will     *Will // nil when no will message is set

	UsernameFlag bool
	Username     string
	PasswordFlag bool
	Password     []byte
}

// NewConnect returns a 3.1.1 CONNECT for clientID.
func NewConnect(clientID string, keepAlive uint16, cleanSession bool) *Connect {
	return &Connect{
		ProtocolName:    "MQTT",
		ProtocolVersion: Version311,
		CleanSession:    cleanSession,
		KeepAlive:       keepAlive,
		ClientID:        clientID,
	}
}

// Type returns TypeConnect.
func (c *Connect) Type() Type {
	return TypeConnect
}

// connectFlagBits defines the bit positions in the connect flags byte.
const (
	connectFlagReserved     = 1 << 0
	connectFlagCleanSession = 1 << 1
	connectFlagWill         = 1 << 2
	connectFlagWillRetain   = 1 << 5
	connectFlagPassword     = 1 << 6
	connectFlagUsername     = 1 << 7
)

func (c *Connect) remainingLength() int {
	// Protocol name, level, flags and keep alive
	n := 2 + len(c.ProtocolName) + 1 + 1 + 2
	n += 2 + len(c.ClientID)
	if c.Will != nil {
		n += 2 + len(c.Will.Topic)
		n += 2 + len(c.Will.Payload)
	}
	if c.UsernameFlag {
		n += 2 + len(c.Username)
	}
	if c.PasswordFlag {
		n += 2 + len(c.Password)
	}
	return n
}

// EncodedSize returns the total size of the encoded CONNECT packet.
func (c *Connect) EncodedSize() int {
	rl := c.remainingLength()
	return FixedHeaderSize(uint32(rl)) + rl
}

func (c *Connect) flags() byte {
	var flags byte
	if c.CleanSession {
		flags |= connectFlagCleanSession
	}
	if c.Will != nil {
		flags |= connectFlagWill
		flags |= byte(c.Will.QoS) << 3
		if c.Will.Retain {
			flags |= connectFlagWillRetain
		}
	}
	if c.PasswordFlag {
		flags |= connectFlagPassword
	}
	if c.UsernameFlag {
		flags |= connectFlagUsername
	}
	return flags
}

func (c *Connect) validate() error {
	if c.Will != nil && !c.Will.QoS.Valid() {
		return ErrInvalidQoS
	}
	if c.PasswordFlag && !c.UsernameFlag {
		return malformed("password set without username")
	}
	for _, s := range []string{c.ProtocolName, c.ClientID, c.Username} {
		if len(s) > 65535 {
			return ErrStringTooLong
		}
	}
	if len(c.Password) > 65535 {
		return ErrStringTooLong
	}
	if c.Will != nil && (len(c.Will.Topic) > 65535 || len(c.Will.Payload) > 65535) {
		return ErrStringTooLong
	}
	return nil
}

// Encode encodes the CONNECT packet into buf.
// Returns the number of bytes written, or 0 on error.
func (c *Connect) Encode(buf []byte) int {
	if len(buf) < c.EncodedSize() {
		return 0
	}

	pos := EncodeFixedHeader(buf, TypeConnect, 0, uint32(c.remainingLength()))
	if pos == 0 {
		return 0
	}

	pos += EncodeString(buf[pos:], c.ProtocolName)
	buf[pos] = byte(c.ProtocolVersion)
	pos++
	buf[pos] = c.flags()
	pos++
	pos += EncodeUint16(buf[pos:], c.KeepAlive)

	// Payload
	pos += EncodeString(buf[pos:], c.ClientID)
	if c.Will != nil {
		pos += EncodeString(buf[pos:], c.Will.Topic)
		pos += EncodeBytes(buf[pos:], c.Will.Payload)
	}
	if c.UsernameFlag {
		pos += EncodeString(buf[pos:], c.Username)
	}
	if c.PasswordFlag {
		pos += EncodeBytes(buf[pos:], c.Password)
	}

	return pos
}

// DecodeConnect decodes a CONNECT packet from buf.
// buf should contain the packet data starting after the fixed header.
func DecodeConnect(buf []byte) (*Connect, error) {
	c := &Connect{}
	pos := 0

	name, n, err := decodeUTF8(buf)
	if err != nil {
		return nil, err
	}
	c.ProtocolName = name
	pos += n

	if pos+4 > len(buf) {
		return nil, ErrTruncatedBody
	}
	c.ProtocolVersion = Version(buf[pos])
	pos++

	switch {
	case c.ProtocolName == "MQTT" && c.ProtocolVersion == Version311:
	case c.ProtocolName == "MQIsdp" && c.ProtocolVersion == Version31:
	case c.ProtocolName != "MQTT" && c.ProtocolName != "MQIsdp":
		return nil, ErrInvalidProtocolName
	default:
		return nil, ErrInvalidProtocolVersion
	}

	flags := buf[pos]
	pos++
	if flags&connectFlagReserved != 0 {
		return nil, ErrInvalidFlags
	}

	c.CleanSession = flags&connectFlagCleanSession != 0
	willFlag := flags&connectFlagWill != 0
	willQoS := QoS((flags >> 3) & 0x03)
	willRetain := flags&connectFlagWillRetain != 0
	c.PasswordFlag = flags&connectFlagPassword != 0
	c.UsernameFlag = flags&connectFlagUsername != 0

	if !willFlag && (willQoS != 0 || willRetain) {
		return nil, ErrInvalidFlags
	}
	if willFlag && !willQoS.Valid() {
		return nil, ErrInvalidQoS
	}
	if c.PasswordFlag && !c.UsernameFlag {
		return nil, ErrInvalidFlags
	}

	c.KeepAlive, _, _ = DecodeUint16(buf[pos:])
	pos += 2

	clientID, n, err := decodeUTF8(buf[pos:])
	if err != nil {
		return nil, err
	}
	c.ClientID = clientID
	pos += n

	if willFlag {
		w := &Will{QoS: willQoS, Retain: willRetain}
		w.Topic, n, err = decodeUTF8(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		w.Payload, n, err = decodeBinary(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		c.Will = w
	}

	if c.UsernameFlag {
		c.Username, n, err = decodeUTF8(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
	}

	if c.PasswordFlag {
		c.Password, n, err = decodeBinary(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
	}

	if pos != len(buf) {
		return nil, ErrTrailingBytes
	}
	return c, nil
}

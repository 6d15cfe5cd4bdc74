package packet

// Publish represents an MQTT PUBLISH packet.
// MQTT 3.1.1 Section 3.3
type Publish struct {
	// Fixed header flags
	Dup    bool // Duplicate delivery flag
	QoS    QoS  // Quality of Service level
	Retain bool // Retain flag

	// Variable header
	TopicName string // Topic name
	PacketID  uint16 // Packet identifier (only for QoS > 0)

	Payload []byte
}

// NewPublish creates a new PUBLISH packet. A nil payload is stored as an
// empty one, which is what Decode produces.
func NewPublish(topic string, payload []byte, qos QoS, retain bool) *Publish {
	if payload == nil {
		payload = []byte{}
	}
	return &Publish{
		TopicName: topic,
		Payload:   payload,
		QoS:       qos,
		Retain:    retain,
	}
}

// Type returns TypePublish.
func (p *Publish) Type() Type {
	return TypePublish
}

// ID returns the packet identifier.
func (p *Publish) ID() uint16 {
	return p.PacketID
}

// flags returns the fixed header flags for this PUBLISH packet.
func (p *Publish) flags() byte {
	var flags byte
	if p.Retain {
		flags |= PublishFlagRetain
	}
	flags |= byte(p.QoS) << 1
	if p.Dup {
		flags |= PublishFlagDup
	}
	return flags
}

func (p *Publish) remainingLength() int {
	n := 2 + len(p.TopicName)
	if p.QoS > QoS0 {
		n += 2
	}
	return n + len(p.Payload)
}

// EncodedSize returns the total size of the encoded PUBLISH packet.
func (p *Publish) EncodedSize() int {
	rl := p.remainingLength()
	return FixedHeaderSize(uint32(rl)) + rl
}

func (p *Publish) validate() error {
	if !p.QoS.Valid() {
		return ErrInvalidQoS
	}
	if p.QoS > QoS0 && p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if p.QoS == QoS0 && p.Dup {
		return ErrInvalidFlags
	}
	if len(p.TopicName) > 65535 {
		return ErrStringTooLong
	}
	if p.remainingLength() > MaxRemainingLength {
		return ErrPacketTooLarge
	}
	return nil
}

// Encode encodes the PUBLISH packet into buf.
// Returns the number of bytes written, or 0 on error.
func (p *Publish) Encode(buf []byte) int {
	if len(buf) < p.EncodedSize() {
		return 0
	}

	pos := EncodeFixedHeader(buf, TypePublish, p.flags(), uint32(p.remainingLength()))
	if pos == 0 {
		return 0
	}

	pos += EncodeString(buf[pos:], p.TopicName)
	if p.QoS > QoS0 {
		pos += EncodeUint16(buf[pos:], p.PacketID)
	}

	copy(buf[pos:], p.Payload)
	pos += len(p.Payload)

	return pos
}

// DecodePublish decodes a PUBLISH packet from buf.
// flags are the fixed header flags (lower 4 bits of first byte).
// buf should contain the packet data starting after the fixed header.
func DecodePublish(flags byte, buf []byte) (*Publish, error) {
	p := &Publish{}
	pos := 0

	p.Retain = flags&PublishFlagRetain != 0
	p.QoS = QoS((flags >> 1) & 0x03)
	p.Dup = flags&PublishFlagDup != 0

	if !p.QoS.Valid() {
		return nil, ErrInvalidQoS
	}
	// DUP must be 0 for QoS 0
	if p.QoS == QoS0 && p.Dup {
		return nil, ErrInvalidFlags
	}

	topic, n, err := decodeUTF8(buf)
	if err != nil {
		return nil, err
	}
	p.TopicName = topic
	pos += n

	if p.QoS > QoS0 {
		id, err := decodePacketID(buf[pos:])
		if err != nil {
			return nil, err
		}
		p.PacketID = id
		pos += 2
	}

	// Payload is the remainder, never nil; copy so the packet does not alias
	// the read buffer.
	p.Payload = make([]byte, len(buf)-pos)
	copy(p.Payload, buf[pos:])

	return p, nil
}

// Copy returns a deep copy of the packet.
func (p *Publish) Copy() *Publish {
	cp := *p
	if p.Payload != nil {
		cp.Payload = append(make([]byte, 0, len(p.Payload)), p.Payload...)
	}
	return &cp
}

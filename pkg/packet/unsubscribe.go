package packet

// Unsubscribe represents an MQTT UNSUBSCRIBE packet.
// MQTT 3.1.1 Section 3.10
type Unsubscribe struct {
	PacketID     uint16
	TopicFilters []string
}

// Type returns TypeUnsubscribe.
func (u *Unsubscribe) Type() Type {
	return TypeUnsubscribe
}

// ID returns the packet identifier.
func (u *Unsubscribe) ID() uint16 {
	return u.PacketID
}

func (u *Unsubscribe) remainingLength() int {
	n := 2
	for _, f := range u.TopicFilters {
		n += 2 + len(f)
	}
	return n
}

// EncodedSize returns the total size of the encoded UNSUBSCRIBE packet.
func (u *Unsubscribe) EncodedSize() int {
	rl := u.remainingLength()
	return FixedHeaderSize(uint32(rl)) + rl
}

func (u *Unsubscribe) validate() error {
	if u.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(u.TopicFilters) == 0 {
		return ErrEmptyPayload
	}
	for _, f := range u.TopicFilters {
		if len(f) > 65535 {
			return ErrStringTooLong
		}
	}
	return nil
}

// Encode encodes the UNSUBSCRIBE packet into buf.
func (u *Unsubscribe) Encode(buf []byte) int {
	if len(buf) < u.EncodedSize() {
		return 0
	}
	pos := EncodeFixedHeader(buf, TypeUnsubscribe, UnsubscribeFlags, uint32(u.remainingLength()))
	if pos == 0 {
		return 0
	}
	pos += EncodeUint16(buf[pos:], u.PacketID)
	for _, f := range u.TopicFilters {
		pos += EncodeString(buf[pos:], f)
	}
	return pos
}

// DecodeUnsubscribe decodes an UNSUBSCRIBE packet from buf.
func DecodeUnsubscribe(buf []byte) (*Unsubscribe, error) {
	id, err := decodePacketID(buf)
	if err != nil {
		return nil, err
	}
	u := &Unsubscribe{PacketID: id}
	pos := 2
	for pos < len(buf) {
		filter, n, err := decodeUTF8(buf[pos:])
		if err != nil {
			return nil, err
		}
		u.TopicFilters = append(u.TopicFilters, filter)
		pos += n
	}
	if len(u.TopicFilters) == 0 {
		return nil, ErrEmptyPayload
	}
	return u, nil
}

// Unsuback represents an MQTT UNSUBACK packet.
// MQTT 3.1.1 Section 3.11
type Unsuback struct {
	PacketID uint16
}

// Type returns TypeUnsuback.
func (u *Unsuback) Type() Type { return TypeUnsuback }

// ID returns the packet identifier.
func (u *Unsuback) ID() uint16 { return u.PacketID }

// EncodedSize returns the total size of the encoded UNSUBACK packet.
func (u *Unsuback) EncodedSize() int { return 4 }

// Encode encodes the UNSUBACK packet into buf.
func (u *Unsuback) Encode(buf []byte) int { return encodeIDOnly(buf, TypeUnsuback, u.PacketID) }

func (u *Unsuback) validate() error { return validateID(u.PacketID) }

// DecodeUnsuback decodes an UNSUBACK packet from buf.
func DecodeUnsuback(buf []byte) (*Unsuback, error) {
	id, err := decodeIDOnly(buf)
	if err != nil {
		return nil, err
	}
	return &Unsuback{PacketID: id}, nil
}

package packet

// Subscription represents a single topic subscription.
type Subscription struct {
	TopicFilter string
	QoS         QoS
}

// Subscribe represents an MQTT SUBSCRIBE packet.
// MQTT 3.1.1 Section 3.8
type Subscribe struct {
	PacketID      uint16
	Subscriptions []Subscription
}

// Type returns TypeSubscribe.
func (s *Subscribe) Type() Type {
	return TypeSubscribe
}

// ID returns the packet identifier.
func (s *Subscribe) ID() uint16 {
	return s.PacketID
}

func (s *Subscribe) remainingLength() int {
	n := 2
	for _, sub := range s.Subscriptions {
		n += 2 + len(sub.TopicFilter) + 1
	}
	return n
}

// EncodedSize returns the total size of the encoded SUBSCRIBE packet.
func (s *Subscribe) EncodedSize() int {
	rl := s.remainingLength()
	return FixedHeaderSize(uint32(rl)) + rl
}

func (s *Subscribe) validate() error {
	if s.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(s.Subscriptions) == 0 {
		return ErrEmptyPayload
	}
	for _, sub := range s.Subscriptions {
		if !sub.QoS.Valid() {
			return ErrInvalidQoS
		}
		if len(sub.TopicFilter) > 65535 {
			return ErrStringTooLong
		}
	}
	return nil
}

// Encode encodes the SUBSCRIBE packet into buf.
func (s *Subscribe) Encode(buf []byte) int {
	if len(buf) < s.EncodedSize() {
		return 0
	}

	pos := EncodeFixedHeader(buf, TypeSubscribe, SubscribeFlags, uint32(s.remainingLength()))
	if pos == 0 {
		return 0
	}
	pos += EncodeUint16(buf[pos:], s.PacketID)

	for _, sub := range s.Subscriptions {
		pos += EncodeString(buf[pos:], sub.TopicFilter)
		buf[pos] = byte(sub.QoS)
		pos++
	}

	return pos
}

// DecodeSubscribe decodes a SUBSCRIBE packet from buf.
func DecodeSubscribe(buf []byte) (*Subscribe, error) {
	id, err := decodePacketID(buf)
	if err != nil {
		return nil, err
	}
	s := &Subscribe{PacketID: id}
	pos := 2

	for pos < len(buf) {
		filter, n, err := decodeUTF8(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n

		if pos >= len(buf) {
			return nil, ErrTruncatedBody
		}
		options := buf[pos]
		pos++
		// Upper six bits are reserved in 3.1.1.
		if options&0xFC != 0 {
			return nil, malformed("reserved subscription option bits set")
		}
		qos := QoS(options & 0x03)
		if !qos.Valid() {
			return nil, ErrInvalidQoS
		}

		s.Subscriptions = append(s.Subscriptions, Subscription{TopicFilter: filter, QoS: qos})
	}

	if len(s.Subscriptions) == 0 {
		return nil, ErrEmptyPayload
	}
	return s, nil
}

// SubackFailure is the SUBACK return code for a rejected subscription.
const SubackFailure byte = 0x80

// Suback represents an MQTT SUBACK packet.
// MQTT 3.1.1 Section 3.9
type Suback struct {
	PacketID    uint16
	ReturnCodes []byte // granted QoS per subscription, or SubackFailure
}

// Type returns TypeSuback.
func (s *Suback) Type() Type {
	return TypeSuback
}

// ID returns the packet identifier.
func (s *Suback) ID() uint16 {
	return s.PacketID
}

// EncodedSize returns the total size of the encoded SUBACK packet.
func (s *Suback) EncodedSize() int {
	rl := 2 + len(s.ReturnCodes)
	return FixedHeaderSize(uint32(rl)) + rl
}

func (s *Suback) validate() error {
	if s.PacketID == 0 {
		return ErrInvalidPacketID
	}
	for _, code := range s.ReturnCodes {
		if !validSubackCode(code) {
			return ErrInvalidReturnCode
		}
	}
	return nil
}

// Encode encodes the SUBACK packet into buf.
func (s *Suback) Encode(buf []byte) int {
	if len(buf) < s.EncodedSize() {
		return 0
	}
	pos := EncodeFixedHeader(buf, TypeSuback, 0, uint32(2+len(s.ReturnCodes)))
	if pos == 0 {
		return 0
	}
	pos += EncodeUint16(buf[pos:], s.PacketID)
	copy(buf[pos:], s.ReturnCodes)
	return pos + len(s.ReturnCodes)
}

func validSubackCode(code byte) bool {
	return code <= byte(QoS2) || code == SubackFailure
}

// DecodeSuback decodes a SUBACK packet from buf.
func DecodeSuback(buf []byte) (*Suback, error) {
	id, err := decodePacketID(buf)
	if err != nil {
		return nil, err
	}
	codes := buf[2:]
	if len(codes) == 0 {
		return nil, ErrEmptyPayload
	}
	s := &Suback{PacketID: id, ReturnCodes: make([]byte, len(codes))}
	for i, code := range codes {
		if !validSubackCode(code) {
			return nil, ErrInvalidReturnCode
		}
		s.ReturnCodes[i] = code
	}
	return s, nil
}

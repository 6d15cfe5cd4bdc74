package packet

// The acknowledgment packets PUBACK, PUBREC, PUBREL, PUBCOMP and UNSUBACK share
// one body layout in 3.1.1: a two byte packet identifier and nothing else.

func encodeIDOnly(buf []byte, t Type, id uint16) int {
	if len(buf) < 4 {
		return 0
	}
	pos := EncodeFixedHeader(buf, t, t.requiredFlags(), 2)
	pos += EncodeUint16(buf[pos:], id)
	return pos
}

func decodeIDOnly(buf []byte) (uint16, error) {
	if len(buf) < 2 {
		return 0, ErrTruncatedBody
	}
	if len(buf) > 2 {
		return 0, ErrTrailingBytes
	}
	return decodePacketID(buf)
}

func validateID(id uint16) error {
	if id == 0 {
		return ErrInvalidPacketID
	}
	return nil
}

// Puback represents an MQTT PUBACK packet (QoS 1 acknowledgment).
// MQTT 3.1.1 Section 3.4
type Puback struct {
	PacketID uint16
}

// Type returns TypePuback.
func (p *Puback) Type() Type { return TypePuback }

// ID returns the packet identifier.
func (p *Puback) ID() uint16 { return p.PacketID }

// EncodedSize returns the total size of the encoded PUBACK packet.
func (p *Puback) EncodedSize() int { return 4 }

// Encode encodes the PUBACK packet into buf.
func (p *Puback) Encode(buf []byte) int { return encodeIDOnly(buf, TypePuback, p.PacketID) }

func (p *Puback) validate() error { return validateID(p.PacketID) }

// DecodePuback decodes a PUBACK packet from buf.
func DecodePuback(buf []byte) (*Puback, error) {
	id, err := decodeIDOnly(buf)
	if err != nil {
		return nil, err
	}
	return &Puback{PacketID: id}, nil
}

// Pubrec represents an MQTT PUBREC packet (QoS 2, part 1).
// MQTT 3.1.1 Section 3.5
type Pubrec struct {
	PacketID uint16
}

// Type returns TypePubrec.
func (p *Pubrec) Type() Type { return TypePubrec }

// ID returns the packet identifier.
func (p *Pubrec) ID() uint16 { return p.PacketID }

// EncodedSize returns the total size of the encoded PUBREC packet.
func (p *Pubrec) EncodedSize() int { return 4 }

// Encode encodes the PUBREC packet into buf.
func (p *Pubrec) Encode(buf []byte) int { return encodeIDOnly(buf, TypePubrec, p.PacketID) }

func (p *Pubrec) validate() error { return validateID(p.PacketID) }

// DecodePubrec decodes a PUBREC packet from buf.
func DecodePubrec(buf []byte) (*Pubrec, error) {
	id, err := decodeIDOnly(buf)
	if err != nil {
		return nil, err
	}
	return &Pubrec{PacketID: id}, nil
}

// Pubrel represents an MQTT PUBREL packet (QoS 2, part 2).
// Its fixed header flags are always 0010.
// MQTT 3.1.1 Section 3.6
type Pubrel struct {
	PacketID uint16
}

// Type returns TypePubrel.
func (p *Pubrel) Type() Type { return TypePubrel }

// ID returns the packet identifier.
func (p *Pubrel) ID() uint16 { return p.PacketID }

// EncodedSize returns the total size of the encoded PUBREL packet.
func (p *Pubrel) EncodedSize() int { return 4 }

// Encode encodes the PUBREL packet into buf.
func (p *Pubrel) Encode(buf []byte) int { return encodeIDOnly(buf, TypePubrel, p.PacketID) }

func (p *Pubrel) validate() error { return validateID(p.PacketID) }

// DecodePubrel decodes a PUBREL packet from buf.
func DecodePubrel(buf []byte) (*Pubrel, error) {
	id, err := decodeIDOnly(buf)
	if err != nil {
		return nil, err
	}
	return &Pubrel{PacketID: id}, nil
}

// Pubcomp represents an MQTT PUBCOMP packet (QoS 2, part 3).
// MQTT 3.1.1 Section 3.7
type Pubcomp struct {
	PacketID uint16
}

// Type returns TypePubcomp.
func (p *Pubcomp) Type() Type { return TypePubcomp }

// ID returns the packet identifier.
func (p *Pubcomp) ID() uint16 { return p.PacketID }

// EncodedSize returns the total size of the encoded PUBCOMP packet.
func (p *Pubcomp) EncodedSize() int { return 4 }

// Encode encodes the PUBCOMP packet into buf.
func (p *Pubcomp) Encode(buf []byte) int { return encodeIDOnly(buf, TypePubcomp, p.PacketID) }

func (p *Pubcomp) validate() error { return validateID(p.PacketID) }

// DecodePubcomp decodes a PUBCOMP packet from buf.
func DecodePubcomp(buf []byte) (*Pubcomp, error) {
	id, err := decodeIDOnly(buf)
	if err != nil {
		return nil, err
	}
	return &Pubcomp{PacketID: id}, nil
}

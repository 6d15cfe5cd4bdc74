package client

import (
	"time"

	"github.com/bromq-dev/mqttc/pkg/packet"
)

type exchangeKind int

const (
	kindPublish exchangeKind = iota
	kindSubscribe
	kindUnsubscribe
)

func (k exchangeKind) String() string {
	switch k {
	case kindPublish:
		return "publish"
	case kindSubscribe:
		return "subscribe"
	case kindUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

type exchangeState int

const (
	awaitingPubAck exchangeState = iota
	awaitingPubRec
	awaitingPubComp
	awaitingSubAck
	awaitingUnsubAck
)

func (s exchangeState) String() string {
	switch s {
	case awaitingPubAck:
		return "awaiting PUBACK"
	case awaitingPubRec:
		return "awaiting PUBREC"
	case awaitingPubComp:
		return "awaiting PUBCOMP"
	case awaitingSubAck:
		return "awaiting SUBACK"
	case awaitingUnsubAck:
		return "awaiting UNSUBACK"
	default:
		return "unknown"
	}
}

// exchange is one outbound request waiting for its acknowledgment. The packet
// it holds is the one retransmitted on timeout; it is owned by the exchange
// and never mutated once handed to the writer.
type exchange struct {
	id    uint16
	kind  exchangeKind
	state exchangeState
	pkt   packet.Packet
	timer *time.Timer

	// subscribe/unsubscribe bookkeeping
	filter  string
	qos     packet.QoS
	handler MessageHandler
	granted byte

	// result receives exactly one value: nil on success or the failure.
	result chan error
}

func newExchange(id uint16, kind exchangeKind, state exchangeState, pkt packet.Packet) *exchange {
	return &exchange{
		id:     id,
		kind:   kind,
		state:  state,
		pkt:    pkt,
		result: make(chan error, 1),
	}
}

// resolve delivers the outcome. The caller must have removed the exchange
// from its session first, which guarantees a single resolve per exchange.
func (ex *exchange) resolve(err error) {
	if ex.timer != nil {
		ex.timer.Stop()
	}
	ex.result <- err
}

// retransmitPacket returns the packet to resend after a timeout. PUBLISH is
// resent with DUP set; PUBREL is resent as is.
func (ex *exchange) retransmitPacket() packet.Packet {
	if pub, ok := ex.pkt.(*packet.Publish); ok && !pub.Dup {
		dup := *pub
		dup.Dup = true
		ex.pkt = &dup
	}
	return ex.pkt
}

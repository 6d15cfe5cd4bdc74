package client

import "github.com/bromq-dev/mqttc/pkg/packet"

// Message is an application message received from the broker.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       packet.QoS
	Retain    bool
	Duplicate bool
	PacketID  uint16 // zero for QoS 0
}

// MessageHandler is called for each message that matches a subscription.
//
// Handlers for one connection run one at a time, in arrival order, on a
// goroutine owned by the client. They may call Publish, Subscribe and the
// other client methods. Each handler gets its own copy of the message, so it
// may keep or modify msg.
//
// A message is routed to the handlers subscribed when it arrives, even if the
// subscription changes or the connection ends before the handler runs.
type MessageHandler func(c *Client, msg *Message)

func newMessage(p *packet.Publish) *Message {
	return &Message{
		Topic:     p.TopicName,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Duplicate: p.Dup,
		PacketID:  p.PacketID,
	}
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	cp := *m
	if m.Payload != nil {
		cp.Payload = append(make([]byte, 0, len(m.Payload)), m.Payload...)
	}
	return &cp
}

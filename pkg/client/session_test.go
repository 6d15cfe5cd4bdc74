package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bromq-dev/mqttc/pkg/packet"
)

func TestAllocateIDSkipsInUse(t *testing.T) {
	s := newSession()

	id, err := s.allocateID()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)
	s.track(newExchange(id, kindPublish, awaitingPubAck, nil))

	s.nextID = 1
	id, err = s.allocateID()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id)
}

func TestAllocateIDWrapsAroundZero(t *testing.T) {
	s := newSession()
	s.nextID = 65535

	id, err := s.allocateID()
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), id)

	id, err = s.allocateID()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)
}

func TestAllocateIDExhausted(t *testing.T) {
	s := newSession()
	for i := 1; i <= 65535; i++ {
		s.track(newExchange(uint16(i), kindPublish, awaitingPubAck, nil))
	}

	_, err := s.allocateID()
	assert.ErrorIs(t, err, ErrPacketIDsExhausted)
}

func TestCompleteChecksKindAndState(t *testing.T) {
	s := newSession()
	s.track(newExchange(5, kindPublish, awaitingPubRec, nil))

	assert.Nil(t, s.complete(5, kindSubscribe, awaitingSubAck))
	assert.Nil(t, s.complete(5, kindPublish, awaitingPubAck))
	assert.Nil(t, s.complete(6, kindPublish, awaitingPubRec))

	ex := s.complete(5, kindPublish, awaitingPubRec, awaitingPubComp)
	require.NotNil(t, ex)
	assert.Equal(t, uint16(5), ex.id)
	assert.Empty(t, s.outbound)
}

func TestDrain(t *testing.T) {
	s := newSession()
	s.track(newExchange(1, kindPublish, awaitingPubAck, nil))
	s.track(newExchange(2, kindSubscribe, awaitingSubAck, nil))
	s.inbound[3] = &packet.Publish{PacketID: 3}

	pending := s.drain()
	assert.Len(t, pending, 2)
	assert.Empty(t, s.outbound)
	assert.Empty(t, s.inbound)
}

func TestRetransmitPacketSetsDupOnCopy(t *testing.T) {
	pub := &packet.Publish{TopicName: "t", QoS: packet.QoS1, PacketID: 4}
	ex := newExchange(4, kindPublish, awaitingPubAck, pub)

	again := ex.retransmitPacket().(*packet.Publish)
	assert.True(t, again.Dup)
	assert.False(t, pub.Dup, "original packet must not change")
	assert.Same(t, again, ex.retransmitPacket())

	rel := &packet.Pubrel{PacketID: 4}
	ex.pkt = rel
	assert.Same(t, rel, ex.retransmitPacket())
}

func TestDeliveryQueue(t *testing.T) {
	q := newDeliveryQueue()
	q.push(delivery{msg: &Message{Topic: "a"}})
	q.push(delivery{msg: &Message{Topic: "b"}})
	assert.Equal(t, 2, q.len())

	batch, ok := q.next()
	require.True(t, ok)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].msg.Topic)
	assert.Equal(t, "b", batch[1].msg.Topic)

	q.push(delivery{msg: &Message{Topic: "c"}})
	q.close()
	q.push(delivery{msg: &Message{Topic: "dropped"}})

	batch, ok = q.next()
	require.True(t, ok)
	require.Len(t, batch, 1)
	assert.Equal(t, "c", batch[0].msg.Topic)

	_, ok = q.next()
	assert.False(t, ok)
}

func TestMessageCopy(t *testing.T) {
	msg := &Message{Topic: "a", Payload: []byte("xyz"), QoS: packet.QoS1}
	cp := msg.Copy()
	cp.Payload[0] = 'X'

	assert.Equal(t, []byte("xyz"), msg.Payload)
	assert.Equal(t, msg.Topic, cp.Topic)
	assert.Equal(t, msg.QoS, cp.QoS)
	assert.NotNil(t, (&Message{Payload: []byte{}}).Copy().Payload)
}

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bromq-dev/mqttc/pkg/packet"
	"github.com/bromq-dev/mqttc/pkg/topic"
)

// Publish sends an application message.
//
// QoS 0 returns once the PUBLISH has been written. QoS 1 returns after PUBACK,
// QoS 2 after PUBCOMP. Until then the client retransmits every
// Config.AckTimeout: PUBLISH with DUP set, or PUBREL once PUBREC arrived.
// If Config.OperationTimeout or ctx ends the wait first, the error wraps
// ErrOperationTimeout (or the context error) and the exchange keeps running
// in the background until acknowledged or the connection ends.
func (c *Client) Publish(ctx context.Context, topicName string, payload []byte, qos packet.QoS, retain bool) error {
	if err := topic.ValidateName(topicName); err != nil {
		return err
	}
	if !qos.Valid() {
		return ErrInvalidQoS
	}

	pub := packet.NewPublish(topicName, append([]byte(nil), payload...), qos, retain)
	if pub.EncodedSize() > packet.MaxPacketSize {
		return packet.ErrPacketTooLarge
	}
	if err := c.hooks.OnPublish(ctx, c, newMessage(pub)); err != nil {
		return err
	}

	conn, err := c.current()
	if err != nil {
		return err
	}

	if qos == packet.QoS0 {
		err = c.write(ctx, conn, pub)
	} else {
		err = c.publishAcked(ctx, conn, pub)
	}

	if err == nil {
		c.stats.messagesPublished.Add(1)
	}
	c.hooks.OnPublished(ctx, c, newMessage(pub), err)
	return err
}

func (c *Client) publishAcked(ctx context.Context, conn *connection, pub *packet.Publish) error {
	state := awaitingPubAck
	if pub.QoS == packet.QoS2 {
		state = awaitingPubRec
	}

	ex, err := c.begin(conn, kindPublish, state, func(ex *exchange) {
		pub.PacketID = ex.id
		ex.pkt = pub
	})
	if err != nil {
		return err
	}
	c.enqueue(conn, pub)

	var timeout <-chan time.Time
	if c.cfg.OperationTimeout > 0 {
		t := time.NewTimer(c.cfg.OperationTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case err := <-ex.result:
		return err
	case <-timeout:
		return fmt.Errorf("%w: publish %d to %s", ErrOperationTimeout, ex.id, pub.TopicName)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrOperationTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

// begin allocates a packet identifier and tracks a new exchange on conn.
// prepare fills in the exchange before it becomes visible to the read loop.
func (c *Client) begin(conn *connection, kind exchangeKind, state exchangeState, prepare func(ex *exchange)) (*exchange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn.closed {
		return nil, lostError(conn.cause)
	}
	id, err := conn.session.allocateID()
	if err != nil {
		return nil, err
	}

	ex := newExchange(id, kind, state, nil)
	prepare(ex)

	if kind == kindPublish {
		ex.timer = time.AfterFunc(c.cfg.AckTimeout, func() { c.retransmit(conn, ex) })
	} else if c.cfg.OperationTimeout > 0 {
		ex.timer = time.AfterFunc(c.cfg.OperationTimeout, func() { c.expire(conn, ex, c.cfg.OperationTimeout) })
	}

	conn.session.track(ex)
	return ex, nil
}

// retransmit resends the last packet of an unacknowledged publish exchange
// and rearms its timer.
func (c *Client) retransmit(conn *connection, ex *exchange) {
	c.mu.Lock()
	if conn.closed || conn.session.outbound[ex.id] != ex {
		c.mu.Unlock()
		return
	}
	pkt := ex.retransmitPacket()
	ex.timer.Reset(c.cfg.AckTimeout)
	state := ex.state
	c.mu.Unlock()

	c.stats.retransmissions.Add(1)
	c.logger.Debug("retransmitting",
		"packet_id", ex.id,
		"type", pkt.Type(),
		"state", state,
	)
	c.enqueue(conn, pkt)
}

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bromq-dev/mqttc/pkg/packet"
	"github.com/bromq-dev/mqttc/pkg/topic"
)

// Subscribe subscribes to filter and routes matching messages to handler.
// A nil handler routes them to Config.DefaultHandler.
//
// It returns after SUBACK. The broker may grant a lower QoS than requested;
// the granted value is recorded in Subscriptions. A rejected filter returns
// ErrSubscriptionRejected. If no SUBACK arrives within
// Config.OperationTimeout the broker is considered broken: the call fails with
// ErrOperationTimeout and the connection is closed.
func (c *Client) Subscribe(ctx context.Context, filter string, qos packet.QoS, handler MessageHandler) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return err
	}
	if !qos.Valid() {
		return ErrInvalidQoS
	}
	if err := c.hooks.OnSubscribe(ctx, c, filter, qos); err != nil {
		return err
	}

	conn, err := c.current()
	if err != nil {
		return err
	}

	granted, err := c.subscribe(ctx, conn, filter, qos, handler)
	if err != nil {
		return err
	}

	c.logger.Debug("subscribed", "topic", filter, "qos", qos, "granted", granted)
	c.hooks.OnSubscribed(ctx, c, filter, granted)
	return nil
}

func (c *Client) subscribe(ctx context.Context, conn *connection, filter string, qos packet.QoS, handler MessageHandler) (packet.QoS, error) {
	ex, err := c.begin(conn, kindSubscribe, awaitingSubAck, func(ex *exchange) {
		ex.pkt = &packet.Subscribe{
			PacketID:      ex.id,
			Subscriptions: []packet.Subscription{{TopicFilter: filter, QoS: qos}},
		}
		ex.filter = filter
		ex.qos = qos
		ex.handler = handler
	})
	if err != nil {
		return 0, err
	}
	c.enqueue(conn, ex.pkt)

	if err := c.awaitAck(ctx, conn, ex); err != nil {
		return 0, err
	}
	return packet.QoS(ex.granted), nil
}

// Unsubscribe removes the subscription for filter. It returns after UNSUBACK,
// with the same timeout behavior as Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return err
	}

	conn, err := c.current()
	if err != nil {
		return err
	}

	ex, err := c.begin(conn, kindUnsubscribe, awaitingUnsubAck, func(ex *exchange) {
		ex.pkt = &packet.Unsubscribe{PacketID: ex.id, TopicFilters: []string{filter}}
		ex.filter = filter
	})
	if err != nil {
		return err
	}
	c.enqueue(conn, ex.pkt)

	if err := c.awaitAck(ctx, conn, ex); err != nil {
		return err
	}

	c.logger.Debug("unsubscribed", "topic", filter)
	c.hooks.OnUnsubscribed(ctx, c, filter)
	return nil
}

// awaitAck waits for a SUBACK or UNSUBACK exchange. A context deadline counts
// as an operation timeout. Plain cancellation only stops the wait: the
// exchange keeps its packet identifier until the broker answers, and a late
// acknowledgment still updates the registry.
func (c *Client) awaitAck(ctx context.Context, conn *connection, ex *exchange) error {
	select {
	case err := <-ex.result:
		return err
	case <-ctx.Done():
	}

	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		select {
		case err := <-ex.result:
			return err
		default:
			return ctx.Err()
		}
	}

	c.expire(conn, ex, 0)
	// expire resolves ex unless an ack or teardown won the race.
	return <-ex.result
}

// expire fails an unacknowledged SUBSCRIBE or UNSUBSCRIBE and closes the
// connection.
func (c *Client) expire(conn *connection, ex *exchange, after time.Duration) {
	if !c.untrack(conn, ex) {
		return
	}

	err := fmt.Errorf("%w: no acknowledgment for %s %d", ErrOperationTimeout, ex.kind, ex.id)
	ex.resolve(err)

	c.logger.Warn("broker did not acknowledge",
		"type", ex.kind,
		"packet_id", ex.id,
		"topic", ex.filter,
		"timeout", after,
	)
	c.teardown(conn, protocolViolation("no acknowledgment for %s %d", ex.kind, ex.id))
}

// untrack removes ex from its session. It reports false if ex was already
// completed or drained.
func (c *Client) untrack(conn *connection, ex *exchange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn.session.outbound[ex.id] != ex {
		return false
	}
	delete(conn.session.outbound, ex.id)
	return true
}

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/bromq-dev/mqttc/pkg/packet"
	"github.com/bromq-dev/mqttc/pkg/topic"
	"github.com/bromq-dev/mqttc/pkg/transport"
)

// writeRequest is one packet for the write loop. done, when set, receives the
// result of the write.
type writeRequest struct {
	pkt  packet.Packet
	done chan error
}

// connection is the state of one network connection to the broker. Every
// goroutine started for it stops once done is closed.
type connection struct {
	sess     *transport.Session
	reader   *packet.Reader
	outbound chan writeRequest
	done     chan struct{}
	queue    *deliveryQueue

	lastSent atomic.Int64 // unix nanoseconds of the last completed write

	// Guarded by Client.mu.
	closed   bool
	cause    error
	session  *session
	pingSent time.Time
}

func newConnection(sess *transport.Session, cfg *Config) *connection {
	reader := packet.NewReader(sess, 4096)
	reader.SetMaxPacketSize(cfg.MaxPacketSize)

	conn := &connection{
		sess:     sess,
		reader:   reader,
		outbound: make(chan writeRequest, cfg.OutboundBuffer),
		done:     make(chan struct{}),
		queue:    newDeliveryQueue(),
		session:  newSession(),
	}
	conn.lastSent.Store(time.Now().UnixNano())
	return conn
}

// lostErr returns the error calls see once conn has been torn down.
func (c *Client) lostErr(conn *connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lostError(conn.cause)
}

// write queues pkt and waits until it has been written to the transport.
func (c *Client) write(ctx context.Context, conn *connection, pkt packet.Packet) error {
	req := writeRequest{pkt: pkt, done: make(chan error, 1)}

	select {
	case conn.outbound <- req:
	case <-conn.done:
		return c.lostErr(conn)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-conn.done:
		return c.lostErr(conn)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue queues pkt without waiting for the write. It reports false if the
// connection is already gone.
func (c *Client) enqueue(conn *connection, pkt packet.Packet) bool {
	select {
	case conn.outbound <- writeRequest{pkt: pkt}:
		return true
	case <-conn.done:
		return false
	}
}

// writeLoop is the only goroutine writing to the transport.
func (c *Client) writeLoop(conn *connection) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in write loop",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			c.teardown(conn, fmt.Errorf("panic in write loop: %v", r))
		}
	}()

	buf := packet.GetBuffer()
	defer func() { packet.PutBuffer(buf) }()

	for {
		var req writeRequest
		select {
		case req = <-conn.outbound:
		case <-conn.done:
			return
		}

		var err error
		buf, err = packet.AppendEncode(buf[:0], req.pkt)
		if err == nil {
			err = conn.sess.WriteAll(buf)
			if err != nil {
				if req.done != nil {
					req.done <- err
				}
				c.teardown(conn, err)
				return
			}
			conn.lastSent.Store(time.Now().UnixNano())
			c.stats.packetsSent.Add(1)
		}
		if req.done != nil {
			req.done <- err
		} else if err != nil {
			c.logger.Error("failed to encode packet", "type", req.pkt.Type(), "error", err)
		}
	}
}

// readLoop decodes packets until the connection fails and drives the
// protocol state machine with each of them.
func (c *Client) readLoop(conn *connection) {
	defer conn.queue.close()

	for {
		pkt, err := conn.reader.ReadPacket()
		if err != nil {
			c.teardown(conn, readError(err))
			return
		}
		c.stats.packetsReceived.Add(1)

		if err := c.handlePacket(conn, pkt); err != nil {
			c.logger.Error("protocol violation", "type", pkt.Type(), "error", err)
			c.teardown(conn, err)
			return
		}
	}
}

func readError(err error) error {
	switch {
	case errors.Is(err, packet.ErrMalformedPacket), errors.Is(err, packet.ErrPacketTooLarge):
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	case errors.Is(err, io.EOF):
		return fmt.Errorf("broker closed the connection: %w", err)
	default:
		return err
	}
}

func (c *Client) handlePacket(conn *connection, pkt packet.Packet) error {
	switch p := pkt.(type) {
	case *packet.Publish:
		return c.handlePublish(conn, p)
	case *packet.Pubrel:
		c.handlePubrel(conn, p)
	case *packet.Puback:
		c.handlePuback(conn, p)
	case *packet.Pubrec:
		return c.handlePubrec(conn, p)
	case *packet.Pubcomp:
		c.handlePubcomp(conn, p)
	case *packet.Suback:
		return c.handleSuback(conn, p)
	case *packet.Unsuback:
		c.handleUnsuback(conn, p)
	case *packet.Pingresp:
		c.mu.Lock()
		conn.pingSent = time.Time{}
		c.mu.Unlock()
	default:
		return protocolViolation("unexpected %s from broker", pkt.Type())
	}
	return nil
}

func (c *Client) handlePublish(conn *connection, p *packet.Publish) error {
	if err := topic.ValidateName(p.TopicName); err != nil {
		return protocolViolation("publish to %q: %v", p.TopicName, err)
	}

	switch p.QoS {
	case packet.QoS0:
		conn.queue.push(c.route(p))

	case packet.QoS1:
		// Routed before PUBACK so that a later Unsubscribe or teardown cannot
		// lose an acknowledged message.
		conn.queue.push(c.route(p))
		c.enqueue(conn, &packet.Puback{PacketID: p.PacketID})

	case packet.QoS2:
		// Stored until PUBREL; a redelivered PUBLISH only gets its PUBREC again.
		c.mu.Lock()
		if _, seen := conn.session.inbound[p.PacketID]; !seen {
			conn.session.inbound[p.PacketID] = p
		}
		c.mu.Unlock()
		c.enqueue(conn, &packet.Pubrec{PacketID: p.PacketID})
	}
	return nil
}

func (c *Client) handlePubrel(conn *connection, p *packet.Pubrel) {
	c.mu.Lock()
	pub, ok := conn.session.inbound[p.PacketID]
	delete(conn.session.inbound, p.PacketID)
	c.mu.Unlock()

	if ok {
		conn.queue.push(c.route(pub))
	}
	c.enqueue(conn, &packet.Pubcomp{PacketID: p.PacketID})
}

func (c *Client) handlePuback(conn *connection, p *packet.Puback) {
	c.mu.Lock()
	ex := conn.session.complete(p.PacketID, kindPublish, awaitingPubAck)
	c.mu.Unlock()

	if ex == nil {
		c.logger.Debug("ignoring PUBACK for unknown packet id", "packet_id", p.PacketID)
		return
	}
	ex.resolve(nil)
}

func (c *Client) handlePubrec(conn *connection, p *packet.Pubrec) error {
	c.mu.Lock()
	ex, ok := conn.session.outbound[p.PacketID]
	if !ok || ex.kind != kindPublish {
		c.mu.Unlock()
		// Release whatever the broker holds under this id.
		c.enqueue(conn, &packet.Pubrel{PacketID: p.PacketID})
		return nil
	}

	switch ex.state {
	case awaitingPubAck:
		c.mu.Unlock()
		return protocolViolation("PUBREC for QoS 1 publish %d", p.PacketID)
	case awaitingPubRec:
		ex.state = awaitingPubComp
		ex.pkt = &packet.Pubrel{PacketID: p.PacketID}
		ex.timer.Reset(c.cfg.AckTimeout)
	}
	rel := ex.pkt
	c.mu.Unlock()

	c.enqueue(conn, rel)
	return nil
}

func (c *Client) handlePubcomp(conn *connection, p *packet.Pubcomp) {
	c.mu.Lock()
	ex := conn.session.complete(p.PacketID, kindPublish, awaitingPubComp)
	c.mu.Unlock()

	if ex == nil {
		c.logger.Debug("ignoring PUBCOMP for unknown packet id", "packet_id", p.PacketID)
		return
	}
	ex.resolve(nil)
}

func (c *Client) handleSuback(conn *connection, p *packet.Suback) error {
	c.mu.Lock()
	ex := conn.session.complete(p.PacketID, kindSubscribe, awaitingSubAck)
	c.mu.Unlock()

	if ex == nil {
		c.logger.Debug("ignoring SUBACK for unknown packet id", "packet_id", p.PacketID)
		return nil
	}

	if len(p.ReturnCodes) != 1 {
		err := protocolViolation("SUBACK %d has %d return codes for 1 filter", p.PacketID, len(p.ReturnCodes))
		ex.resolve(err)
		return err
	}

	code := p.ReturnCodes[0]
	if code == packet.SubackFailure {
		ex.resolve(fmt.Errorf("%w: %s", ErrSubscriptionRejected, ex.filter))
		return nil
	}

	// Registered before the caller is released so that messages following
	// the SUBACK are routed.
	if err := c.registry.Add(ex.filter, packet.QoS(code), ex.handler); err != nil {
		ex.resolve(err)
		return nil
	}
	ex.granted = code
	ex.resolve(nil)
	return nil
}

func (c *Client) handleUnsuback(conn *connection, p *packet.Unsuback) {
	c.mu.Lock()
	ex := conn.session.complete(p.PacketID, kindUnsubscribe, awaitingUnsubAck)
	c.mu.Unlock()

	if ex == nil {
		c.logger.Debug("ignoring UNSUBACK for unknown packet id", "packet_id", p.PacketID)
		return
	}
	c.registry.Remove(ex.filter)
	ex.resolve(nil)
}

// teardown ends conn with cause. Only the first call has any effect: it closes
// the transport, fails every pending exchange and moves the client to
// Disconnected.
func (c *Client) teardown(conn *connection, cause error) {
	c.mu.Lock()
	if conn.closed {
		c.mu.Unlock()
		return
	}
	conn.closed = true
	conn.cause = cause
	close(conn.done)
	pending := conn.session.drain()

	requested := errors.Is(cause, ErrClientDisconnected)
	current := c.conn == conn
	if current {
		c.conn = nil
		c.setState(StateDisconnected)
		if requested || !c.cfg.Resubscribe {
			c.registry.Clear()
		}
	}
	c.mu.Unlock()

	conn.sess.Close()

	err := lostError(cause)
	for _, ex := range pending {
		ex.resolve(err)
	}

	if !current {
		return
	}

	ctx := context.Background()
	if requested {
		c.logger.Info("disconnected", "broker", c.cfg.Broker)
		c.hooks.OnDisconnected(ctx, c)
		return
	}
	c.logger.Warn("connection lost",
		"broker", c.cfg.Broker,
		"pending", len(pending),
		"error", cause,
	)
	c.hooks.OnConnectionLost(ctx, c, err)
}

// route matches p against the registry as it stands when p arrives.
func (c *Client) route(p *packet.Publish) delivery {
	d := delivery{msg: newMessage(p)}
	for _, sub := range c.registry.Match(p.TopicName) {
		if sub.Handler != nil {
			d.handlers = append(d.handlers, sub.Handler)
		}
	}
	return d
}

// dispatch runs message handlers for conn, one message at a time. Messages
// queued before teardown are still delivered.
func (c *Client) dispatch(conn *connection) {
	for {
		batch, ok := conn.queue.next()
		if !ok {
			return
		}
		for _, d := range batch {
			c.deliver(d)
		}
	}
}

func (c *Client) deliver(d delivery) {
	c.stats.messagesReceived.Add(1)
	c.hooks.OnMessageReceived(context.Background(), c, d.msg)

	if len(d.handlers) == 0 {
		if c.cfg.DefaultHandler != nil {
			c.callHandler(c.cfg.DefaultHandler, d.msg.Copy())
			return
		}
		c.logger.Debug("no handler for message", "topic", d.msg.Topic)
		return
	}
	for _, h := range d.handlers {
		c.callHandler(h, d.msg.Copy())
	}
}

func (c *Client) callHandler(h MessageHandler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in message handler",
				"topic", msg.Topic,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	h(c, msg)
}

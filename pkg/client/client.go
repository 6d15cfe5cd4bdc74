// Package client implements an MQTT 3.1.1 client.
//
// A Client owns at most one connection at a time. Connect performs the
// CONNECT/CONNACK handshake and starts the connection goroutines:
//
//   - a write loop, the only writer to the transport
//   - a read loop, which decodes packets and drives the QoS state machines
//   - a delivery goroutine, which runs message handlers in arrival order
//   - a keep-alive loop, when Config.KeepAlive is set
//
// Publish, Subscribe and Unsubscribe block until the broker acknowledges them,
// the operation times out or the connection is lost.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bromq-dev/mqttc/pkg/packet"
	"github.com/bromq-dev/mqttc/pkg/transport"
)

// Client is an MQTT 3.1.1 client. It is safe for concurrent use.
type Client struct {
	cfg      *Config
	logger   *slog.Logger
	dialer   transport.Dialer
	registry *Registry
	hooks    *Hooks

	mu    sync.Mutex
	state atomic.Int32 // written under mu
	conn  *connection

	stats counters
}

type counters struct {
	packetsSent       atomic.Uint64
	packetsReceived   atomic.Uint64
	messagesPublished atomic.Uint64
	messagesReceived  atomic.Uint64
	retransmissions   atomic.Uint64
}

// Stats is a snapshot of client statistics.
type Stats struct {
	State             State
	OutboundInflight  int // unacknowledged PUBLISH, SUBSCRIBE and UNSUBSCRIBE
	InboundInflight   int // QoS 2 messages waiting for PUBREL
	PendingDeliveries int
	Subscriptions     int

	PacketsSent       uint64
	PacketsReceived   uint64
	MessagesPublished uint64
	MessagesReceived  uint64
	Retransmissions   uint64
}

// New creates a client. cfg is validated and must not be modified afterwards;
// nil uses DefaultConfig.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dialer, err := cfg.dialer()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:      cfg,
		logger:   logger.With("client_id", cfg.ClientID),
		dialer:   dialer,
		registry: NewRegistry(),
		hooks:    NewHooks(),
	}, nil
}

// RegisterHook adds a hook to the client.
func (c *Client) RegisterHook(h Hook) {
	c.hooks.Register(h)
}

// ClientID returns the client identifier sent in CONNECT.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// Broker returns the configured broker address.
func (c *Client) Broker() string { return c.cfg.Broker }

// Username returns the configured username.
func (c *Client) Username() string { return c.cfg.Username }

// KeepAlive returns the keep-alive interval in seconds sent in CONNECT.
func (c *Client) KeepAlive() uint16 { return c.cfg.keepAliveSeconds() }

// CleanSession returns the clean session flag sent in CONNECT.
func (c *Client) CleanSession() bool { return c.cfg.CleanSession }

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the client has an established connection.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Subscriptions returns the active subscriptions sorted by filter.
func (c *Client) Subscriptions() []Subscription {
	return c.registry.Subscriptions()
}

// Stats returns client statistics.
func (c *Client) Stats() Stats {
	s := Stats{
		State:             c.State(),
		Subscriptions:     c.registry.Count(),
		PacketsSent:       c.stats.packetsSent.Load(),
		PacketsReceived:   c.stats.packetsReceived.Load(),
		MessagesPublished: c.stats.messagesPublished.Load(),
		MessagesReceived:  c.stats.messagesReceived.Load(),
		Retransmissions:   c.stats.retransmissions.Load(),
	}

	c.mu.Lock()
	if conn := c.conn; conn != nil {
		s.OutboundInflight = len(conn.session.outbound)
		s.InboundInflight = len(conn.session.inbound)
		s.PendingDeliveries = conn.queue.len()
	}
	c.mu.Unlock()

	return s
}

// setState must be called with mu held.
func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// current returns the established connection.
func (c *Client) current() (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Connect opens the transport, performs the CONNECT/CONNACK handshake within
// Config.ConnectTimeout and starts the connection goroutines.
//
// Errors: *ConnectError when the broker cannot be reached, *ConnectRefusedError
// when CONNACK carries a nonzero return code or does not arrive in time, and
// ErrProtocolViolation when the broker answers with something else.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.State() != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.setState(StateConnecting)
	c.mu.Unlock()

	conn, connack, err := c.handshake(ctx)
	if err != nil {
		c.mu.Lock()
		c.setState(StateDisconnected)
		c.mu.Unlock()

		c.logger.Warn("connect failed", "broker", c.cfg.Broker, "error", err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.setState(StateConnected)
	c.mu.Unlock()

	go c.writeLoop(conn)
	go c.readLoop(conn)
	go c.dispatch(conn)
	if c.cfg.KeepAlive > 0 {
		go c.keepAliveLoop(conn)
	}

	c.logger.Info("connected",
		"broker", c.cfg.Broker,
		"remote", conn.sess.RemoteAddr().String(),
		"session_present", connack.SessionPresent,
	)
	c.hooks.OnConnected(ctx, c, connack.SessionPresent)

	if c.cfg.Resubscribe {
		c.resubscribe(ctx, conn)
	}
	return nil
}

func (c *Client) handshake(parent context.Context) (*connection, *packet.Connack, error) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.ConnectTimeout)
	defer cancel()

	sess, err := transport.Open(ctx, c.dialer, c.cfg.Broker)
	if err != nil {
		if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
			return nil, nil, parent.Err()
		}
		return nil, nil, &ConnectError{Broker: c.cfg.Broker, Err: err}
	}

	// Unblocks the CONNACK read when ctx ends.
	stop := context.AfterFunc(ctx, func() { sess.Close() })

	conn := newConnection(sess, c.cfg)
	connack, err := c.exchangeConnect(conn)

	if !stop() {
		sess.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, &ConnectRefusedError{
				Err: fmt.Errorf("%w: no CONNACK within %s", ErrOperationTimeout, c.cfg.ConnectTimeout),
			}
		}
		return nil, nil, ctx.Err()
	}
	if err != nil {
		sess.Close()
		return nil, nil, err
	}
	if connack.ReturnCode != packet.ConnackAccepted {
		sess.Close()
		return nil, nil, &ConnectRefusedError{Code: connack.ReturnCode}
	}
	return conn, connack, nil
}

// exchangeConnect writes CONNECT and reads the first packet, which must be CONNACK.
func (c *Client) exchangeConnect(conn *connection) (*packet.Connack, error) {
	data, err := packet.Encode(c.cfg.connectPacket())
	if err != nil {
		return nil, err
	}
	if err := conn.sess.WriteAll(data); err != nil {
		return nil, &ConnectError{Broker: c.cfg.Broker, Err: err}
	}
	conn.lastSent.Store(time.Now().UnixNano())
	c.stats.packetsSent.Add(1)

	pkt, err := conn.reader.ReadPacket()
	if err != nil {
		if errors.Is(err, packet.ErrMalformedPacket) {
			return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		return nil, &ConnectError{Broker: c.cfg.Broker, Err: err}
	}
	c.stats.packetsReceived.Add(1)

	connack, ok := pkt.(*packet.Connack)
	if !ok {
		return nil, protocolViolation("expected CONNACK, got %s", pkt.Type())
	}
	return connack, nil
}

// resubscribe re-issues the subscriptions kept from the previous connection.
func (c *Client) resubscribe(ctx context.Context, conn *connection) {
	for _, sub := range c.registry.Subscriptions() {
		_, err := c.subscribe(ctx, conn, sub.Filter, sub.QoS, sub.Handler)
		if err == nil {
			continue
		}
		c.logger.Warn("resubscribe failed", "topic", sub.Filter, "error", err)
		if errors.Is(err, ErrSubscriptionRejected) {
			c.registry.Remove(sub.Filter)
			continue
		}
		return
	}
}

// Disconnect sends DISCONNECT and closes the connection without waiting for a
// reply. Pending calls fail with ErrClientDisconnected. The client may Connect
// again afterwards.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.State() != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.setState(StateDisconnecting)
	c.mu.Unlock()

	err := c.write(ctx, conn, &packet.Disconnect{})
	c.teardown(conn, ErrClientDisconnected)

	if err != nil && !errors.Is(err, ErrConnectionLost) {
		return err
	}
	return nil
}

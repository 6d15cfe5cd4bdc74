package client

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bromq-dev/mqttc/pkg/packet"
)

const waitTimeout = 5 * time.Second

// scriptedBroker accepts connections on a loopback port. Tests drive each
// accepted connection by hand from the test goroutine.
type scriptedBroker struct {
	ln    net.Listener
	conns chan net.Conn
}

func newScriptedBroker(t *testing.T) *scriptedBroker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &scriptedBroker{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *scriptedBroker) addr() string {
	return "tcp://" + b.ln.Addr().String()
}

func (b *scriptedBroker) accept(t *testing.T) *brokerConn {
	t.Helper()
	select {
	case conn := <-b.conns:
		t.Cleanup(func() { conn.Close() })
		return &brokerConn{conn: conn, reader: packet.NewReader(conn, 1024)}
	case <-time.After(waitTimeout):
		t.Fatal("no connection accepted")
		return nil
	}
}

type brokerConn struct {
	conn   net.Conn
	reader *packet.Reader
}

func (bc *brokerConn) readPacket() (packet.Packet, error) {
	bc.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	return bc.reader.ReadPacket()
}

func (bc *brokerConn) read(t *testing.T) packet.Packet {
	t.Helper()
	pkt, err := bc.readPacket()
	require.NoError(t, err)
	return pkt
}

// readUntil skips packets until one of type typ arrives.
func (bc *brokerConn) readUntil(t *testing.T, typ packet.Type) packet.Packet {
	t.Helper()
	for {
		pkt := bc.read(t)
		if pkt.Type() == typ {
			return pkt
		}
	}
}

func (bc *brokerConn) send(t *testing.T, pkts ...packet.Packet) {
	t.Helper()
	for _, p := range pkts {
		data, err := packet.Encode(p)
		require.NoError(t, err)
		_, err = bc.conn.Write(data)
		require.NoError(t, err)
	}
}

func (bc *brokerConn) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	_, err := bc.conn.Write(data)
	require.NoError(t, err)
}

// expectClosed waits for the client to close the connection.
func (bc *brokerConn) expectClosed(t *testing.T) {
	t.Helper()
	for {
		if _, err := bc.readPacket(); err != nil {
			var netErr net.Error
			assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
			return
		}
	}
}

func expect[T packet.Packet](t *testing.T, bc *brokerConn) T {
	t.Helper()
	pkt := bc.read(t)
	v, ok := pkt.(T)
	require.True(t, ok, "unexpected packet %T", pkt)
	return v
}

func testConfig(broker string) *Config {
	cfg := DefaultConfig()
	cfg.Broker = broker
	cfg.ClientID = "test-client"
	cfg.KeepAlive = 0
	cfg.ConnectTimeout = 2 * time.Second
	cfg.OperationTimeout = 2 * time.Second
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("call did not return")
		return nil
	}
}

func connectClient(t *testing.T, b *scriptedBroker, configure func(*Config)) (*Client, *brokerConn) {
	t.Helper()

	cfg := testConfig(b.addr())
	if configure != nil {
		configure(cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)

	done := async(func() error { return c.Connect(context.Background()) })
	bc := b.accept(t)
	connect := expect[*packet.Connect](t, bc)
	assert.Equal(t, cfg.ClientID, connect.ClientID)
	bc.send(t, &packet.Connack{ReturnCode: packet.ConnackAccepted})
	require.NoError(t, wait(t, done))
	require.True(t, c.IsConnected())

	t.Cleanup(func() { c.Disconnect(context.Background()) })
	return c, bc
}

func subscribeClient(t *testing.T, c *Client, bc *brokerConn, filter string, qos packet.QoS, handler MessageHandler) {
	t.Helper()
	done := async(func() error { return c.Subscribe(context.Background(), filter, qos, handler) })
	sub := expect[*packet.Subscribe](t, bc)
	require.Len(t, sub.Subscriptions, 1)
	assert.Equal(t, filter, sub.Subscriptions[0].TopicFilter)
	bc.send(t, &packet.Suback{PacketID: sub.PacketID, ReturnCodes: []byte{byte(qos)}})
	require.NoError(t, wait(t, done))
}

func collect() (MessageHandler, <-chan *Message) {
	ch := make(chan *Message, 16)
	return func(_ *Client, msg *Message) { ch <- msg }, ch
}

func receive(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("no message delivered")
		return nil
	}
}

func assertNoMessage(t *testing.T, ch <-chan *Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message on %s", msg.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

type recordingHook struct {
	mu           sync.Mutex
	connected    int
	lost         []error
	disconnected int
	received     []string
	published    []error
	subscribed   []string
	unsubscribed []string
}

func (h *recordingHook) ID() string { return "recorder" }

func (h *recordingHook) OnConnected(_ context.Context, _ ClientInfo, _ bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected++
}

func (h *recordingHook) OnConnectionLost(_ context.Context, _ ClientInfo, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost = append(h.lost, err)
}

func (h *recordingHook) OnDisconnected(_ context.Context, _ ClientInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected++
}

func (h *recordingHook) OnMessageReceived(_ context.Context, _ ClientInfo, msg *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, msg.Topic)
}

func (h *recordingHook) OnPublished(_ context.Context, _ ClientInfo, _ *Message, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published = append(h.published, err)
}

func (h *recordingHook) OnSubscribed(_ context.Context, _ ClientInfo, filter string, _ packet.QoS) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribed = append(h.subscribed, filter)
}

func (h *recordingHook) OnUnsubscribed(_ context.Context, _ ClientInfo, filter string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribed = append(h.unsubscribed, filter)
}

func (h *recordingHook) lostErrors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.lost...)
}

func TestSubscribePublishQoS1RoundTrip(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, func(cfg *Config) { cfg.CleanSession = true })

	handler, msgs := collect()
	subscribeClient(t, c, bc, "a/b", packet.QoS1, handler)

	done := async(func() error {
		return c.Publish(context.Background(), "a/b", []byte("hi"), packet.QoS1, false)
	})

	pub := expect[*packet.Publish](t, bc)
	assert.Equal(t, "a/b", pub.TopicName)
	assert.Equal(t, []byte("hi"), pub.Payload)
	assert.Equal(t, packet.QoS1, pub.QoS)
	assert.NotZero(t, pub.PacketID)
	assert.False(t, pub.Dup)

	bc.send(t, &packet.Puback{PacketID: pub.PacketID})
	require.NoError(t, wait(t, done))

	// Route the message back as a broker would.
	bc.send(t, &packet.Publish{TopicName: "a/b", Payload: []byte("hi"), QoS: packet.QoS1, PacketID: 7})
	ack := expect[*packet.Puback](t, bc)
	assert.Equal(t, uint16(7), ack.PacketID)

	msg := receive(t, msgs)
	assert.Equal(t, "a/b", msg.Topic)
	assert.Equal(t, []byte("hi"), msg.Payload)
	assert.Equal(t, packet.QoS1, msg.QoS)
	assertNoMessage(t, msgs)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.MessagesPublished)
	assert.Equal(t, uint64(1), stats.MessagesReceived)
	assert.Zero(t, stats.OutboundInflight)
}

func TestDuplicatePubackIsIgnored(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	done := async(func() error {
		return c.Publish(context.Background(), "t", []byte("1"), packet.QoS1, false)
	})
	pub := expect[*packet.Publish](t, bc)
	bc.send(t, &packet.Puback{PacketID: pub.PacketID}, &packet.Puback{PacketID: pub.PacketID})
	require.NoError(t, wait(t, done))

	// The connection survives and the next publish gets its own exchange.
	done = async(func() error {
		return c.Publish(context.Background(), "t", []byte("2"), packet.QoS1, false)
	})
	next := expect[*packet.Publish](t, bc)
	assert.NotEqual(t, pub.PacketID, next.PacketID)
	bc.send(t, &packet.Puback{PacketID: next.PacketID})
	require.NoError(t, wait(t, done))

	assert.True(t, c.IsConnected())
	assert.Zero(t, c.Stats().OutboundInflight)
}

func TestPublishQoS0(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	require.NoError(t, c.Publish(context.Background(), "t/0", []byte("x"), packet.QoS0, true))

	pub := expect[*packet.Publish](t, bc)
	assert.Equal(t, packet.QoS0, pub.QoS)
	assert.True(t, pub.Retain)
	assert.Zero(t, pub.PacketID)
	assert.Zero(t, c.Stats().OutboundInflight)
}

func TestPublishQoS2(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	done := async(func() error {
		return c.Publish(context.Background(), "t/2", []byte("x"), packet.QoS2, false)
	})

	pub := expect[*packet.Publish](t, bc)
	assert.Equal(t, packet.QoS2, pub.QoS)
	bc.send(t, &packet.Pubrec{PacketID: pub.PacketID})

	rel := expect[*packet.Pubrel](t, bc)
	assert.Equal(t, pub.PacketID, rel.PacketID)

	// A repeated PUBREC is answered with PUBREL again.
	bc.send(t, &packet.Pubrec{PacketID: pub.PacketID})
	rel = expect[*packet.Pubrel](t, bc)
	assert.Equal(t, pub.PacketID, rel.PacketID)

	select {
	case err := <-done:
		t.Fatalf("publish returned before PUBCOMP: %v", err)
	default:
	}

	bc.send(t, &packet.Pubcomp{PacketID: pub.PacketID})
	require.NoError(t, wait(t, done))
	assert.Zero(t, c.Stats().OutboundInflight)
}

func TestRetransmitSetsDup(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, func(cfg *Config) { cfg.AckTimeout = 50 * time.Millisecond })

	done := async(func() error {
		return c.Publish(context.Background(), "t/r", []byte("x"), packet.QoS1, false)
	})

	first := expect[*packet.Publish](t, bc)
	assert.False(t, first.Dup)

	again := expect[*packet.Publish](t, bc)
	assert.True(t, again.Dup)
	assert.Equal(t, first.PacketID, again.PacketID)
	assert.Equal(t, first.Payload, again.Payload)

	bc.send(t, &packet.Puback{PacketID: first.PacketID})
	require.NoError(t, wait(t, done))
	assert.GreaterOrEqual(t, c.Stats().Retransmissions, uint64(1))
}

func TestRetransmitPubrel(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, func(cfg *Config) { cfg.AckTimeout = 50 * time.Millisecond })

	done := async(func() error {
		return c.Publish(context.Background(), "t/r", []byte("x"), packet.QoS2, false)
	})

	pub := expect[*packet.Publish](t, bc)
	bc.send(t, &packet.Pubrec{PacketID: pub.PacketID})

	// Both the answer and the retransmission are PUBREL; no PUBLISH follows PUBREC.
	for range 2 {
		pkt := bc.readUntil(t, packet.TypePubrel)
		assert.Equal(t, pub.PacketID, pkt.(*packet.Pubrel).PacketID)
	}

	bc.send(t, &packet.Pubcomp{PacketID: pub.PacketID})
	require.NoError(t, wait(t, done))
}

func TestPublishOperationTimeout(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, func(cfg *Config) { cfg.OperationTimeout = 100 * time.Millisecond })

	done := async(func() error {
		return c.Publish(context.Background(), "t", []byte("x"), packet.QoS1, false)
	})
	pub := expect[*packet.Publish](t, bc)

	err := wait(t, done)
	assert.ErrorIs(t, err, ErrOperationTimeout)

	// The exchange outlives its waiter.
	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, c.Stats().OutboundInflight)
	bc.send(t, &packet.Puback{PacketID: pub.PacketID})
	assert.Eventually(t, func() bool { return c.Stats().OutboundInflight == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestInboundQoS2DeliveredOnce(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	handler, msgs := collect()
	subscribeClient(t, c, bc, "x/#", packet.QoS2, handler)

	pub := &packet.Publish{TopicName: "x/y", Payload: []byte("once"), QoS: packet.QoS2, PacketID: 9}
	bc.send(t, pub)
	rec := expect[*packet.Pubrec](t, bc)
	assert.Equal(t, uint16(9), rec.PacketID)

	dup := *pub
	dup.Dup = true
	bc.send(t, &dup)
	rec = expect[*packet.Pubrec](t, bc)
	assert.Equal(t, uint16(9), rec.PacketID)

	// Nothing reaches the application before PUBREL.
	assertNoMessage(t, msgs)
	assert.Equal(t, 1, c.Stats().InboundInflight)

	bc.send(t, &packet.Pubrel{PacketID: 9})
	comp := expect[*packet.Pubcomp](t, bc)
	assert.Equal(t, uint16(9), comp.PacketID)

	msg := receive(t, msgs)
	assert.Equal(t, "x/y", msg.Topic)
	assert.Equal(t, []byte("once"), msg.Payload)

	// A late PUBREL is completed again but delivers nothing.
	bc.send(t, &packet.Pubrel{PacketID: 9})
	expect[*packet.Pubcomp](t, bc)
	assertNoMessage(t, msgs)
	assert.Zero(t, c.Stats().InboundInflight)
}

func TestKeepAliveSendsPing(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, func(cfg *Config) {
		cfg.KeepAlive = 50 * time.Millisecond
		cfg.PingTimeout = time.Second
	})

	for range 2 {
		bc.readUntil(t, packet.TypePingreq)
		bc.send(t, &packet.Pingresp{})
	}
	assert.True(t, c.IsConnected())
}

func TestKeepAliveTimeoutFailsPendingCalls(t *testing.T) {
	b := newScriptedBroker(t)
	hook := &recordingHook{}

	cfg := testConfig(b.addr())
	cfg.KeepAlive = 50 * time.Millisecond
	cfg.PingTimeout = 100 * time.Millisecond
	cfg.OperationTimeout = 0
	c, err := New(cfg)
	require.NoError(t, err)
	c.RegisterHook(hook)

	connected := async(func() error { return c.Connect(context.Background()) })
	bc := b.accept(t)
	connect := expect[*packet.Connect](t, bc)
	assert.Equal(t, uint16(1), connect.KeepAlive)
	bc.send(t, &packet.Connack{})
	require.NoError(t, wait(t, connected))

	done := async(func() error {
		return c.Publish(context.Background(), "t", []byte("x"), packet.QoS1, false)
	})
	bc.readUntil(t, packet.TypePublish)
	bc.readUntil(t, packet.TypePingreq)

	err = wait(t, done)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, ErrKeepAliveTimeout)
	assert.Equal(t, StateDisconnected, c.State())
	bc.expectClosed(t)

	assert.Eventually(t, func() bool { return len(hook.lostErrors()) == 1 }, waitTimeout, 10*time.Millisecond)
	assert.ErrorIs(t, hook.lostErrors()[0], ErrKeepAliveTimeout)
}

func TestConnectRefused(t *testing.T) {
	b := newScriptedBroker(t)
	c, err := New(testConfig(b.addr()))
	require.NoError(t, err)

	done := async(func() error { return c.Connect(context.Background()) })
	bc := b.accept(t)
	expect[*packet.Connect](t, bc)
	bc.send(t, &packet.Connack{ReturnCode: packet.ConnackNotAuthorized})

	err = wait(t, done)
	assert.ErrorIs(t, err, ErrConnectRefused)

	var refused *ConnectRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, packet.ConnackNotAuthorized, refused.Code)
	assert.Equal(t, StateDisconnected, c.State())
	bc.expectClosed(t)
}

func TestConnectTimeout(t *testing.T) {
	b := newScriptedBroker(t)
	cfg := testConfig(b.addr())
	cfg.ConnectTimeout = 100 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)

	done := async(func() error { return c.Connect(context.Background()) })
	bc := b.accept(t)
	expect[*packet.Connect](t, bc)

	err = wait(t, done)
	assert.ErrorIs(t, err, ErrConnectRefused)
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, StateDisconnected, c.State())
	bc.expectClosed(t)
}

func TestConnectUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c, err := New(testConfig("tcp://" + addr))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnect)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "tcp://"+addr, connErr.Broker)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectTLSUntrusted(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	broker := "ssl://" + srv.Listener.Addr().String()

	c, err := New(testConfig(broker))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnect)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, broker, connErr.Broker)

	var certErr *tls.CertificateVerificationError
	assert.ErrorAs(t, err, &certErr)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.IsConnected())
}

func TestConnectRequiresConnack(t *testing.T) {
	b := newScriptedBroker(t)
	c, err := New(testConfig(b.addr()))
	require.NoError(t, err)

	done := async(func() error { return c.Connect(context.Background()) })
	bc := b.accept(t)
	expect[*packet.Connect](t, bc)
	bc.send(t, &packet.Pingresp{})

	err = wait(t, done)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectTwice(t *testing.T) {
	b := newScriptedBroker(t)
	c, _ := connectClient(t, b, nil)

	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnectSendsCredentialsAndWill(t *testing.T) {
	b := newScriptedBroker(t)
	cfg := testConfig(b.addr())
	cfg.Username = "user"
	cfg.Password = "secret"
	cfg.CleanSession = false
	cfg.Will = &WillConfig{Topic: "status/test", Payload: "offline", QoS: packet.QoS1, Retain: true}
	c, err := New(cfg)
	require.NoError(t, err)

	done := async(func() error { return c.Connect(context.Background()) })
	bc := b.accept(t)
	connect := expect[*packet.Connect](t, bc)
	bc.send(t, &packet.Connack{SessionPresent: true})
	require.NoError(t, wait(t, done))
	t.Cleanup(func() { c.Disconnect(context.Background()) })

	assert.Equal(t, "MQTT", connect.ProtocolName)
	assert.Equal(t, packet.Version311, connect.ProtocolVersion)
	assert.False(t, connect.CleanSession)
	assert.True(t, connect.UsernameFlag)
	assert.Equal(t, "user", connect.Username)
	assert.True(t, connect.PasswordFlag)
	assert.Equal(t, []byte("secret"), connect.Password)
	require.NotNil(t, connect.Will)
	assert.Equal(t, "status/test", connect.Will.Topic)
	assert.Equal(t, []byte("offline"), connect.Will.Payload)
	assert.Equal(t, packet.QoS1, connect.Will.QoS)
	assert.True(t, connect.Will.Retain)
}

func TestSubscribeTimeoutClosesConnection(t *testing.T) {
	b := newScriptedBroker(t)
	hook := &recordingHook{}
	c, bc := connectClient(t, b, func(cfg *Config) { cfg.OperationTimeout = 300 * time.Millisecond })
	c.RegisterHook(hook)

	done := async(func() error { return c.Subscribe(context.Background(), "s/#", packet.QoS1, nil) })
	expect[*packet.Subscribe](t, bc)

	// Another call pending on the same connection, started well after the
	// subscribe so that its own timeout cannot fire first.
	time.Sleep(50 * time.Millisecond)
	pending := async(func() error {
		return c.Publish(context.Background(), "t", []byte("x"), packet.QoS1, false)
	})
	expect[*packet.Publish](t, bc)

	err := wait(t, done)
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.NotErrorIs(t, err, ErrConnectionLost)

	err = wait(t, pending)
	assert.ErrorIs(t, err, ErrConnectionLost)

	bc.expectClosed(t)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.Subscriptions())

	lost := hook.lostErrors()
	require.Len(t, lost, 1)
	assert.ErrorIs(t, lost[0], ErrProtocolViolation)
}

func TestSubscribeCancelKeepsPacketID(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := async(func() error { return c.Subscribe(ctx, "late/#", packet.QoS1, nil) })
	sub := expect[*packet.Subscribe](t, bc)
	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
	assert.Equal(t, 1, c.Stats().OutboundInflight)

	pubDone := async(func() error {
		return c.Publish(context.Background(), "t", nil, packet.QoS1, false)
	})
	pub := expect[*packet.Publish](t, bc)
	assert.NotEqual(t, sub.PacketID, pub.PacketID)
	bc.send(t, &packet.Puback{PacketID: pub.PacketID})
	require.NoError(t, wait(t, pubDone))

	// The broker's answer still lands in the registry.
	bc.send(t, &packet.Suback{PacketID: sub.PacketID, ReturnCodes: []byte{0x01}})
	assert.Eventually(t, func() bool {
		return len(c.Subscriptions()) == 1
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, "late/#", c.Subscriptions()[0].Filter)
	assert.Zero(t, c.Stats().OutboundInflight)
}

func TestSubscribeGrantedAndRejected(t *testing.T) {
	b := newScriptedBroker(t)
	hook := &recordingHook{}
	c, bc := connectClient(t, b, nil)
	c.RegisterHook(hook)

	done := async(func() error { return c.Subscribe(context.Background(), "g/+", packet.QoS2, nil) })
	sub := expect[*packet.Subscribe](t, bc)
	assert.Equal(t, packet.QoS2, sub.Subscriptions[0].QoS)
	bc.send(t, &packet.Suback{PacketID: sub.PacketID, ReturnCodes: []byte{1}})
	require.NoError(t, wait(t, done))

	subs := c.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "g/+", subs[0].Filter)
	assert.Equal(t, packet.QoS1, subs[0].QoS)

	done = async(func() error { return c.Subscribe(context.Background(), "denied/#", packet.QoS0, nil) })
	sub = expect[*packet.Subscribe](t, bc)
	bc.send(t, &packet.Suback{PacketID: sub.PacketID, ReturnCodes: []byte{packet.SubackFailure}})
	assert.ErrorIs(t, wait(t, done), ErrSubscriptionRejected)

	assert.Len(t, c.Subscriptions(), 1)
	assert.True(t, c.IsConnected())

	hook.mu.Lock()
	assert.Equal(t, []string{"g/+"}, hook.subscribed)
	hook.mu.Unlock()
}

func TestUnsubscribe(t *testing.T) {
	b := newScriptedBroker(t)
	hook := &recordingHook{}
	c, bc := connectClient(t, b, nil)
	c.RegisterHook(hook)

	handler, msgs := collect()
	subscribeClient(t, c, bc, "u/1", packet.QoS0, handler)

	done := async(func() error { return c.Unsubscribe(context.Background(), "u/1") })
	unsub := expect[*packet.Unsubscribe](t, bc)
	assert.Equal(t, []string{"u/1"}, unsub.TopicFilters)
	bc.send(t, &packet.Unsuback{PacketID: unsub.PacketID})
	require.NoError(t, wait(t, done))

	assert.Empty(t, c.Subscriptions())

	bc.send(t, &packet.Publish{TopicName: "u/1", Payload: []byte("late")})
	assertNoMessage(t, msgs)

	hook.mu.Lock()
	assert.Equal(t, []string{"u/1"}, hook.unsubscribed)
	hook.mu.Unlock()
}

func TestAckedMessagesDeliveredAfterDisconnect(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	msgs := make(chan *Message, 4)
	var once sync.Once
	subscribeClient(t, c, bc, "s/#", packet.QoS1, func(_ *Client, msg *Message) {
		once.Do(func() {
			close(entered)
			<-release
		})
		msgs <- msg
	})

	bc.send(t, &packet.Publish{TopicName: "s/1", QoS: packet.QoS1, PacketID: 1, Payload: []byte("one")})
	assert.Equal(t, uint16(1), expect[*packet.Puback](t, bc).PacketID)
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("handler not called")
	}

	// Acknowledged while the handler is still busy with the first message.
	bc.send(t, &packet.Publish{TopicName: "s/2", QoS: packet.QoS1, PacketID: 2, Payload: []byte("two")})
	assert.Equal(t, uint16(2), expect[*packet.Puback](t, bc).PacketID)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Empty(t, c.Subscriptions())
	close(release)

	assert.Equal(t, "s/1", receive(t, msgs).Topic)
	assert.Equal(t, "s/2", receive(t, msgs).Topic)
}

func TestMessageRoutedOnArrival(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	msgs := make(chan *Message, 4)
	subscribeClient(t, c, bc, "block", packet.QoS0, func(_ *Client, _ *Message) {
		close(entered)
		<-release
	})
	subscribeClient(t, c, bc, "r/1", packet.QoS0, func(_ *Client, msg *Message) { msgs <- msg })

	bc.send(t, &packet.Publish{TopicName: "block"})
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("handler not called")
	}
	bc.send(t, &packet.Publish{TopicName: "r/1", Payload: []byte("before")})

	done := async(func() error { return c.Unsubscribe(context.Background(), "r/1") })
	unsub := expect[*packet.Unsubscribe](t, bc)
	bc.send(t, &packet.Unsuback{PacketID: unsub.PacketID})
	require.NoError(t, wait(t, done))

	close(release)
	assert.Equal(t, []byte("before"), receive(t, msgs).Payload)
}

func TestHandlersGetOwnCopy(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	msgs := make(chan *Message, 4)
	subscribeClient(t, c, bc, "m/#", packet.QoS0, func(_ *Client, msg *Message) {
		msg.Payload[0] = 'X'
		msgs <- msg
	})
	subscribeClient(t, c, bc, "m/+", packet.QoS0, func(_ *Client, msg *Message) {
		msgs <- msg
	})

	bc.send(t, &packet.Publish{TopicName: "m/1", Payload: []byte("abc")})

	payloads := []string{string(receive(t, msgs).Payload), string(receive(t, msgs).Payload)}
	assert.ElementsMatch(t, []string{"Xbc", "abc"}, payloads)
}

func TestDefaultHandler(t *testing.T) {
	b := newScriptedBroker(t)
	fallback, msgs := collect()
	c, bc := connectClient(t, b, func(cfg *Config) { cfg.DefaultHandler = fallback })

	subscribeClient(t, c, bc, "known", packet.QoS0, nil)

	bc.send(t, &packet.Publish{TopicName: "known", Payload: []byte("1")})
	bc.send(t, &packet.Publish{TopicName: "unknown", Payload: []byte("2")})

	assert.Equal(t, "known", receive(t, msgs).Topic)
	assert.Equal(t, "unknown", receive(t, msgs).Topic)
}

func TestHandlerMayPublish(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	subscribeClient(t, c, bc, "req", packet.QoS0, func(c *Client, msg *Message) {
		c.Publish(context.Background(), "resp", msg.Payload, packet.QoS0, false)
	})

	bc.send(t, &packet.Publish{TopicName: "req", Payload: []byte("ping")})
	resp := expect[*packet.Publish](t, bc)
	assert.Equal(t, "resp", resp.TopicName)
	assert.Equal(t, []byte("ping"), resp.Payload)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	handler, msgs := collect()
	subscribeClient(t, c, bc, "boom", packet.QoS0, func(*Client, *Message) { panic("boom") })
	subscribeClient(t, c, bc, "ok", packet.QoS0, handler)

	bc.send(t, &packet.Publish{TopicName: "boom"}, &packet.Publish{TopicName: "ok"})
	assert.Equal(t, "ok", receive(t, msgs).Topic)
	assert.True(t, c.IsConnected())
}

func TestDisconnect(t *testing.T) {
	b := newScriptedBroker(t)
	hook := &recordingHook{}
	c, bc := connectClient(t, b, nil)
	c.RegisterHook(hook)

	pending := async(func() error {
		return c.Publish(context.Background(), "t", []byte("x"), packet.QoS1, false)
	})
	expect[*packet.Publish](t, bc)

	require.NoError(t, c.Disconnect(context.Background()))
	expect[*packet.Disconnect](t, bc)
	bc.expectClosed(t)

	err := wait(t, pending)
	assert.ErrorIs(t, err, ErrClientDisconnected)
	assert.ErrorIs(t, err, ErrConnectionLost)

	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Disconnect(context.Background()), ErrNotConnected)

	hook.mu.Lock()
	assert.Equal(t, 1, hook.disconnected)
	assert.Empty(t, hook.lost)
	hook.mu.Unlock()
}

func TestReconnectAfterDisconnect(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	require.NoError(t, c.Disconnect(context.Background()))
	bc.expectClosed(t)

	done := async(func() error { return c.Connect(context.Background()) })
	bc = b.accept(t)
	expect[*packet.Connect](t, bc)
	bc.send(t, &packet.Connack{})
	require.NoError(t, wait(t, done))
	assert.True(t, c.IsConnected())
}

func TestResubscribeAfterConnectionLost(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, func(cfg *Config) { cfg.Resubscribe = true })

	handler, msgs := collect()
	subscribeClient(t, c, bc, "r/+", packet.QoS1, handler)

	bc.conn.Close()
	assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, waitTimeout, 10*time.Millisecond)
	assert.Len(t, c.Subscriptions(), 1)

	done := async(func() error { return c.Connect(context.Background()) })
	bc = b.accept(t)
	expect[*packet.Connect](t, bc)
	bc.send(t, &packet.Connack{})

	sub := expect[*packet.Subscribe](t, bc)
	require.Len(t, sub.Subscriptions, 1)
	assert.Equal(t, "r/+", sub.Subscriptions[0].TopicFilter)
	assert.Equal(t, packet.QoS1, sub.Subscriptions[0].QoS)
	bc.send(t, &packet.Suback{PacketID: sub.PacketID, ReturnCodes: []byte{1}})
	require.NoError(t, wait(t, done))

	bc.send(t, &packet.Publish{TopicName: "r/1", Payload: []byte("back")})
	assert.Equal(t, []byte("back"), receive(t, msgs).Payload)
}

func TestConnectionLostClearsSubscriptions(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	subscribeClient(t, c, bc, "c/#", packet.QoS0, nil)
	bc.conn.Close()

	assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, waitTimeout, 10*time.Millisecond)
	assert.Empty(t, c.Subscriptions())
}

func TestMalformedPacketClosesConnection(t *testing.T) {
	b := newScriptedBroker(t)
	hook := &recordingHook{}
	c, bc := connectClient(t, b, nil)
	c.RegisterHook(hook)

	// PUBACK with reserved flag bits set.
	bc.sendRaw(t, []byte{0x41, 0x02, 0x00, 0x01})
	bc.expectClosed(t)

	assert.Eventually(t, func() bool { return len(hook.lostErrors()) == 1 }, waitTimeout, 10*time.Millisecond)
	lost := hook.lostErrors()[0]
	assert.ErrorIs(t, lost, ErrProtocolViolation)
	assert.ErrorIs(t, lost, packet.ErrMalformedPacket)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestUnexpectedPacketClosesConnection(t *testing.T) {
	b := newScriptedBroker(t)
	c, bc := connectClient(t, b, nil)

	bc.send(t, &packet.Subscribe{PacketID: 1, Subscriptions: []packet.Subscription{{TopicFilter: "x"}}})
	bc.expectClosed(t)
	assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, waitTimeout, 10*time.Millisecond)
}

func TestCallsRequireConnection(t *testing.T) {
	c, err := New(testConfig("tcp://127.0.0.1:1883"))
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "t", nil, packet.QoS0, false), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(ctx, "t", packet.QoS0, nil), ErrNotConnected)
	assert.ErrorIs(t, c.Unsubscribe(ctx, "t"), ErrNotConnected)
	assert.ErrorIs(t, c.Disconnect(ctx), ErrNotConnected)
}

func TestCallsValidateArguments(t *testing.T) {
	c, err := New(testConfig("tcp://127.0.0.1:1883"))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, c.Publish(ctx, "a/+", nil, packet.QoS0, false))
	assert.Error(t, c.Publish(ctx, "", nil, packet.QoS0, false))
	assert.ErrorIs(t, c.Publish(ctx, "t", nil, packet.QoS(3), false), ErrInvalidQoS)
	assert.Error(t, c.Subscribe(ctx, "a/#/b", packet.QoS0, nil))
	assert.ErrorIs(t, c.Subscribe(ctx, "a", packet.QoS(3), nil), ErrInvalidQoS)
	assert.Error(t, c.Unsubscribe(ctx, ""))
}

func TestHooksObserveMessages(t *testing.T) {
	b := newScriptedBroker(t)
	hook := &recordingHook{}
	c, bc := connectClient(t, b, nil)
	c.RegisterHook(hook)

	require.NoError(t, c.Publish(context.Background(), "out", nil, packet.QoS0, false))
	expect[*packet.Publish](t, bc)

	bc.send(t, &packet.Publish{TopicName: "in"})
	assert.Eventually(t, func() bool {
		hook.mu.Lock()
		defer hook.mu.Unlock()
		return len(hook.received) == 1
	}, waitTimeout, 10*time.Millisecond)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Equal(t, []string{"in"}, hook.received)
	require.Len(t, hook.published, 1)
	assert.NoError(t, hook.published[0])
}

type denyGuard struct {
	topic string
	err   error
}

func (g denyGuard) ID() string { return "deny" }

func (g denyGuard) OnPublish(_ context.Context, _ ClientInfo, msg *Message) error {
	if msg.Topic == g.topic {
		return g.err
	}
	return nil
}

func (g denyGuard) OnSubscribe(_ context.Context, _ ClientInfo, filter string, _ packet.QoS) error {
	if filter == g.topic {
		return g.err
	}
	return nil
}

func TestGuardsVetoCalls(t *testing.T) {
	b := newScriptedBroker(t)
	hook := &recordingHook{}
	c, bc := connectClient(t, b, nil)
	denied := errors.New("denied")
	c.RegisterHook(denyGuard{topic: "blocked", err: denied})
	c.RegisterHook(hook)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "blocked", nil, packet.QoS1, false), denied)
	assert.ErrorIs(t, c.Subscribe(ctx, "blocked", packet.QoS1, nil), denied)

	// Nothing reached the broker for the vetoed calls.
	require.NoError(t, c.Publish(ctx, "open", nil, packet.QoS0, false))
	pub := expect[*packet.Publish](t, bc)
	assert.Equal(t, "open", pub.TopicName)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Len(t, hook.published, 1)
	assert.Empty(t, hook.subscribed)
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(ErrKeepAliveTimeout, ErrConnectionLost))
	assert.True(t, errors.Is(ErrClientDisconnected, ErrConnectionLost))
	assert.True(t, errors.Is(&ConnectError{Err: io.EOF}, ErrConnect))
	assert.True(t, errors.Is(&ConnectError{Err: io.EOF}, io.EOF))
	assert.True(t, errors.Is(&ConnectRefusedError{Code: packet.ConnackServerUnavailable}, ErrConnectRefused))

	assert.ErrorIs(t, lostError(nil), ErrConnectionLost)
	assert.Equal(t, ErrKeepAliveTimeout, lostError(ErrKeepAliveTimeout))
	wrapped := lostError(io.ErrUnexpectedEOF)
	assert.ErrorIs(t, wrapped, ErrConnectionLost)
	assert.ErrorIs(t, wrapped, io.ErrUnexpectedEOF)
}

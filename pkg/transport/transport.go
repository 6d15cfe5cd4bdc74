// Package transport opens the byte stream an MQTT client speaks over: plain
// TCP, TLS, or WebSocket (plain or TLS). Every variant is exposed as a net.Conn
// wrapped in a Session.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Default broker ports.
const (
	DefaultPort    = "1883"
	DefaultTLSPort = "8883"
)

var (
	// ErrUnsupportedScheme is returned for broker URLs with an unknown scheme.
	ErrUnsupportedScheme = errors.New("unsupported broker scheme")

	// ErrClosed is returned by Session methods after Close.
	ErrClosed = errors.New("transport closed")
)

// Options configures how a broker connection is opened.
type Options struct {
	// TLSConfig enables TLS if set. ssl://, tls://, mqtts:// and wss:// always
	// use TLS and fall back to a default config when this is nil.
	TLSConfig *tls.Config

	// WebSocketPath is used for ws:// and wss:// URLs without a path. Default: "/mqtt".
	WebSocketPath string

	// Header is sent with the WebSocket handshake.
	Header http.Header

	// DialTimeout bounds connection setup including the TLS handshake.
	// Zero means only the context deadline applies.
	DialTimeout time.Duration
}

// Dialer opens a connection to a broker. It exists so callers can substitute
// their own connection source, for example an in-memory pipe in tests.
type Dialer interface {
	Dial(ctx context.Context, broker string) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, broker string) (net.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, broker string) (net.Conn, error) {
	return f(ctx, broker)
}

// NetDialer dials brokers over the network according to Options.
type NetDialer struct {
	Options Options
}

// Dial implements Dialer.
func (d *NetDialer) Dial(ctx context.Context, broker string) (net.Conn, error) {
	return Dial(ctx, broker, d.Options)
}

// Endpoint is a parsed broker address.
type Endpoint struct {
	Scheme string // tcp, tls, ws or wss
	Host   string // host:port
	Path   string // WebSocket request path
}

// Secure reports whether the endpoint requires TLS.
func (e Endpoint) Secure() bool {
	return e.Scheme == "tls" || e.Scheme == "wss"
}

// URL returns the endpoint in URL form.
func (e Endpoint) URL() string {
	return e.Scheme + "://" + e.Host + e.Path
}

// ParseBroker parses a broker address such as "tcp://host:1883",
// "mqtts://host", "wss://host/mqtt" or a bare "host:port".
func ParseBroker(broker string, opts Options) (Endpoint, error) {
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	u, err := url.Parse(broker)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse broker %q: %w", broker, err)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("parse broker %q: missing host", broker)
	}

	var ep Endpoint
	switch strings.ToLower(u.Scheme) {
	case "tcp", "mqtt":
		ep.Scheme = "tcp"
		if opts.TLSConfig != nil {
			ep.Scheme = "tls"
		}
	case "ssl", "tls", "mqtts", "tcps":
		ep.Scheme = "tls"
	case "ws":
		ep.Scheme = "ws"
		if opts.TLSConfig != nil {
			ep.Scheme = "wss"
		}
	case "wss":
		ep.Scheme = "wss"
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	port := u.Port()
	if port == "" {
		switch ep.Scheme {
		case "tcp":
			port = DefaultPort
		case "tls":
			port = DefaultTLSPort
		case "ws":
			port = "80"
		case "wss":
			port = "443"
		}
	}
	ep.Host = net.JoinHostPort(u.Hostname(), port)

	if ep.Scheme == "ws" || ep.Scheme == "wss" {
		ep.Path = u.EscapedPath()
		if ep.Path == "" {
			ep.Path = opts.WebSocketPath
		}
		if ep.Path == "" {
			ep.Path = "/mqtt"
		}
	}
	return ep, nil
}

// Dial connects to broker. For TLS variants the handshake, including
// certificate verification, completes before Dial returns.
func Dial(ctx context.Context, broker string, opts Options) (net.Conn, error) {
	ep, err := ParseBroker(broker, opts)
	if err != nil {
		return nil, err
	}
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	tlsConfig := opts.TLSConfig
	if ep.Secure() && tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	switch ep.Scheme {
	case "tcp":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ep.Host)
	case "tls":
		d := tls.Dialer{Config: tlsConfig}
		return d.DialContext(ctx, "tcp", ep.Host)
	default:
		return dialWebSocket(ctx, ep, tlsConfig, opts.Header)
	}
}

// Session owns one open broker connection.
// Close is idempotent and safe to call from any goroutine; the underlying
// connection is released on the first call.
type Session struct {
	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Open dials broker with d and wraps the connection in a Session.
func Open(ctx context.Context, d Dialer, broker string) (*Session, error) {
	conn, err := d.Dial(ctx, broker)
	if err != nil {
		return nil, err
	}
	return NewSession(conn), nil
}

// NewSession wraps an already open connection.
func NewSession(conn net.Conn) *Session {
	return &Session{conn: conn, closed: make(chan struct{})}
}

// WriteAll writes all of p or returns an error.
func (s *Session) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := s.conn.Write(p)
		if err != nil {
			return s.mapErr(err)
		}
		p = p[n:]
	}
	return nil
}

// Read reads whatever bytes are available, blocking until at least one byte
// arrives or the connection is closed.
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if err != nil && n == 0 {
		return 0, s.mapErr(err)
	}
	return n, nil
}

// SetWriteDeadline sets the deadline for future writes.
func (s *Session) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// RemoteAddr returns the broker address of the connection.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close releases the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Done is closed once Close has been called.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) mapErr(err error) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
		return err
	}
}

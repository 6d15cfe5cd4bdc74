package client

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/bromq-dev/mqttc/pkg/packet"
	"github.com/bromq-dev/mqttc/pkg/topic"
	"github.com/bromq-dev/mqttc/pkg/transport"
)

// WillConfig is the last-will message the broker publishes if the client
// disappears without sending DISCONNECT.
type WillConfig struct {
	Topic   string     `yaml:"topic"`
	Payload string     `yaml:"payload"`
	QoS     packet.QoS `yaml:"qos"`
	Retain  bool       `yaml:"retain"`
}

// Config holds client configuration.
type Config struct {
	// Broker is the broker address, e.g. "tcp://localhost:1883", "ssl://host:8883"
	// or "ws://host:8080/mqtt".
	Broker string `yaml:"broker"`

	// ClientID identifies the session on the broker. Empty generates "mqttc-<uuid>".
	ClientID string `yaml:"client_id"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// KeepAlive is the longest the client stays silent before sending PINGREQ
	// (0 = disabled). It is sent to the broker rounded up to whole seconds.
	KeepAlive time.Duration `yaml:"keep_alive"`

	// PingTimeout is how long to wait for PINGRESP before declaring the
	// connection dead.
	PingTimeout time.Duration `yaml:"ping_timeout"`

	// ConnectTimeout bounds dialing, the TLS handshake and the wait for CONNACK.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// AckTimeout is the retransmit interval for unacknowledged QoS 1/2 packets.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// OperationTimeout bounds how long Publish, Subscribe and Unsubscribe wait
	// for their acknowledgment (0 = only the caller's context applies).
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// CleanSession asks the broker to discard any previous session state.
	CleanSession bool `yaml:"clean_session"`

	// Resubscribe re-issues the current subscriptions after every successful
	// Connect that follows a lost connection.
	Resubscribe bool `yaml:"resubscribe"`

	Will *WillConfig `yaml:"will"`

	TLS transport.TLSOptions `yaml:"tls"`

	// WebSocketPath is used for ws:// and wss:// brokers without a path.
	WebSocketPath string `yaml:"websocket_path"`

	// OutboundBuffer is the capacity of the write queue.
	OutboundBuffer int `yaml:"outbound_buffer"`

	// MaxPacketSize limits inbound packets (0 = protocol max ~256MB).
	MaxPacketSize int `yaml:"max_packet_size"`

	// Logger receives client logs. Default: slog.Default().
	Logger *slog.Logger `yaml:"-"`

	// Dialer overrides how connections are opened. Default: a transport.NetDialer
	// built from TLS and WebSocketPath.
	Dialer transport.Dialer `yaml:"-"`

	// DefaultHandler receives messages that match no subscription.
	DefaultHandler MessageHandler `yaml:"-"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker:           "tcp://localhost:1883",
		KeepAlive:        20 * time.Second,
		PingTimeout:      10 * time.Second,
		ConnectTimeout:   10 * time.Second,
		AckTimeout:       5 * time.Second,
		OperationTimeout: 30 * time.Second,
		CleanSession:     true,
		WebSocketPath:    "/mqtt",
		OutboundBuffer:   256,
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig and then
// applies MQTTC_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables with the MQTTC_ prefix.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("MQTTC_BROKER"); v != "" {
		c.Broker = v
	}
	if v := os.Getenv("MQTTC_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv("MQTTC_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("MQTTC_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("MQTTC_KEEP_ALIVE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MQTTC_KEEP_ALIVE: %w", err)
		}
		c.KeepAlive = d
	}
	if v := os.Getenv("MQTTC_CLEAN_SESSION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MQTTC_CLEAN_SESSION: %w", err)
		}
		c.CleanSession = b
	}
	if v := os.Getenv("MQTTC_TLS_CA_CERT"); v != "" {
		c.TLS.Enabled = true
		c.TLS.CACert = v
	}
	return nil
}

// Validate checks the configuration and fills in derived defaults.
func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.New("broker address is required")
	}
	if _, err := transport.ParseBroker(c.Broker, transport.Options{}); err != nil {
		return err
	}
	if c.ClientID == "" {
		c.ClientID = "mqttc-" + uuid.NewString()
	}
	if len(c.ClientID) > 65535 {
		return errors.New("client id too long")
	}
	if c.KeepAlive < 0 || c.KeepAlive > 65535*time.Second {
		return fmt.Errorf("keep_alive %s out of range", c.KeepAlive)
	}
	if c.KeepAlive > 0 && c.PingTimeout <= 0 {
		return errors.New("ping_timeout must be positive when keep_alive is set")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be positive")
	}
	if c.AckTimeout <= 0 {
		return errors.New("ack_timeout must be positive")
	}
	if c.OperationTimeout < 0 {
		return errors.New("operation_timeout must not be negative")
	}
	if c.Password != "" && c.Username == "" {
		return errors.New("password requires a username")
	}
	if c.Will != nil {
		if err := topic.ValidateName(c.Will.Topic); err != nil {
			return fmt.Errorf("will topic: %w", err)
		}
		if !c.Will.QoS.Valid() {
			return fmt.Errorf("will: %w", ErrInvalidQoS)
		}
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 256
	}
	return nil
}

// keepAliveSeconds is the keep-alive value sent in CONNECT.
func (c *Config) keepAliveSeconds() uint16 {
	if c.KeepAlive <= 0 {
		return 0
	}
	secs := (c.KeepAlive + time.Second - 1) / time.Second
	return uint16(secs)
}

// connectPacket builds the CONNECT packet for this configuration.
func (c *Config) connectPacket() *packet.Connect {
	pkt := packet.NewConnect(c.ClientID, c.keepAliveSeconds(), c.CleanSession)
	if c.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.Username
	}
	if c.Password != "" {
		pkt.PasswordFlag = true
		pkt.Password = []byte(c.Password)
	}
	if c.Will != nil {
		pkt.Will = &packet.Will{
			Topic:   c.Will.Topic,
			Payload: []byte(c.Will.Payload),
			QoS:     c.Will.QoS,
			Retain:  c.Will.Retain,
		}
	}
	return pkt
}

// dialer returns the configured Dialer or builds one from the TLS settings.
func (c *Config) dialer() (transport.Dialer, error) {
	if c.Dialer != nil {
		return c.Dialer, nil
	}
	tlsConfig, err := c.TLS.Config()
	if err != nil {
		return nil, err
	}
	return &transport.NetDialer{Options: transport.Options{
		TLSConfig:     tlsConfig,
		WebSocketPath: c.WebSocketPath,
	}}, nil
}

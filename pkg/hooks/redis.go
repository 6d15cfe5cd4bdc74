package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bromq-dev/mqttc/pkg/client"
	"github.com/bromq-dev/mqttc/pkg/packet"
	"github.com/bromq-dev/mqttc/pkg/topic"
)

// RedisHook mirrors received messages into Redis/Valkey.
// Features:
//   - Last value per topic in a hash (<prefix>messages)
//   - Optional fan-out of every message on a Redis pub/sub channel
//   - Connection status per client id (<prefix>status)
type RedisHook struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	channel   string
	filters   []string
	ttl       time.Duration
	timeout   time.Duration
	log       *slog.Logger
}

// RedisConfig configures the Redis hook.
type RedisConfig struct {
	// Addr is the Redis server address (default: "localhost:6379").
	Addr string

	// Addrs is a list of addresses for cluster mode.
	Addrs []string

	// Password for Redis authentication (optional).
	Password string

	// DB is the Redis database number (ignored in cluster mode).
	DB int

	// KeyPrefix is prepended to all Redis keys (default: "mqtt:").
	KeyPrefix string

	// Channel, when set, receives every mirrored message on <prefix><channel>.
	Channel string

	// Topics limits mirroring to messages matching these filters (default: all).
	Topics []string

	// TTL expires the last-value hash after the latest write (0 = never).
	TTL time.Duration

	// Timeout bounds each Redis command issued from a hook (default: 2s).
	Timeout time.Duration

	// Client allows providing a pre-configured Redis client.
	// If set, Addr/Addrs/Password/DB are ignored and Close leaves it open.
	Client redis.UniversalClient

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// mirroredMessage is the msgpack record stored for each topic.
type mirroredMessage struct {
	Topic      string `msgpack:"t"`
	Payload    []byte `msgpack:"p"`
	QoS        byte   `msgpack:"q"`
	Retain     bool   `msgpack:"r,omitempty"`
	ClientID   string `msgpack:"c"`
	ReceivedAt int64  `msgpack:"ts"`
}

// NewRedisHook connects to Redis and returns the hook.
func NewRedisHook(cfg RedisConfig) (*RedisHook, error) {
	for _, f := range cfg.Topics {
		if err := topic.ValidateFilter(f); err != nil {
			return nil, fmt.Errorf("redis hook topic %q: %w", f, err)
		}
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mqtt:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &RedisHook{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		channel:   cfg.Channel,
		filters:   cfg.Topics,
		ttl:       cfg.TTL,
		timeout:   cfg.Timeout,
		log:       cfg.Logger,
	}

	if h.client == nil {
		addrs := cfg.Addrs
		if len(addrs) == 0 {
			addr := cfg.Addr
			if addr == "" {
				addr = "localhost:6379"
			}
			addrs = []string{addr}
		}
		h.client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		h.ownClient = true
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.client.Ping(ctx).Err(); err != nil {
		if h.ownClient {
			h.client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	h.log.Info("redis hook initialized",
		"prefix", cfg.KeyPrefix,
		"channel", cfg.Channel,
		"topics", len(cfg.Topics),
	)
	return h, nil
}

func (h *RedisHook) ID() string { return "redis" }

// Close closes the Redis connection if the hook created it.
func (h *RedisHook) Close() error {
	if h.ownClient {
		return h.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client for advanced usage.
func (h *RedisHook) Client() redis.UniversalClient {
	return h.client
}

func (h *RedisHook) messagesKey() string { return h.keyPrefix + "messages" }

func (h *RedisHook) statusKey() string { return h.keyPrefix + "status" }

// ChannelName returns the pub/sub channel messages are published on, or ""
// when fan-out is disabled.
func (h *RedisHook) ChannelName() string {
	if h.channel == "" {
		return ""
	}
	return h.keyPrefix + h.channel
}

func (h *RedisHook) wants(topicName string) bool {
	if len(h.filters) == 0 {
		return true
	}
	for _, f := range h.filters {
		if topic.Match(f, topicName) {
			return true
		}
	}
	return false
}

// MessageHook implementation

// OnMessageReceived stores the message as the last value of its topic.
// Failures are logged; they never affect delivery.
func (h *RedisHook) OnMessageReceived(ctx context.Context, c client.ClientInfo, msg *client.Message) {
	if !h.wants(msg.Topic) {
		return
	}

	data, err := encodeMirrored(c.ClientID(), msg, time.Now())
	if err != nil {
		h.log.Error("redis hook encode failed", "topic", msg.Topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()

	pipe := h.client.TxPipeline()
	pipe.HSet(ctx, h.messagesKey(), msg.Topic, data)
	if h.ttl > 0 {
		pipe.Expire(ctx, h.messagesKey(), h.ttl)
	}
	if ch := h.ChannelName(); ch != "" {
		pipe.Publish(ctx, ch, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		h.log.Warn("redis hook write failed", "topic", msg.Topic, "error", err)
	}
}

func (h *RedisHook) OnPublished(ctx context.Context, c client.ClientInfo, msg *client.Message, err error) {}

// ConnectionHook implementation

func (h *RedisHook) OnConnected(ctx context.Context, c client.ClientInfo, sessionPresent bool) {
	h.setStatus(ctx, c.ClientID(), "connected")
}

func (h *RedisHook) OnConnectionLost(ctx context.Context, c client.ClientInfo, err error) {
	h.setStatus(ctx, c.ClientID(), "lost")
}

func (h *RedisHook) OnDisconnected(ctx context.Context, c client.ClientInfo) {
	h.setStatus(ctx, c.ClientID(), "disconnected")
}

func (h *RedisHook) setStatus(ctx context.Context, clientID, status string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()
	if err := h.client.HSet(ctx, h.statusKey(), clientID, status).Err(); err != nil {
		h.log.Warn("redis hook status write failed", "status", status, "error", err)
	}
}

// Status returns the last recorded connection status of clientID.
func (h *RedisHook) Status(ctx context.Context, clientID string) (string, error) {
	return h.client.HGet(ctx, h.statusKey(), clientID).Result()
}

// Last returns the last mirrored message for topicName.
// It returns redis.Nil if none was stored.
func (h *RedisHook) Last(ctx context.Context, topicName string) (*client.Message, error) {
	data, err := h.client.HGet(ctx, h.messagesKey(), topicName).Bytes()
	if err != nil {
		return nil, err
	}
	return decodeMirrored(data)
}

// Messages returns the last mirrored message of every topic matching filter.
func (h *RedisHook) Messages(ctx context.Context, filter string) ([]*client.Message, error) {
	all, err := h.client.HGetAll(ctx, h.messagesKey()).Result()
	if err != nil {
		return nil, err
	}

	var results []*client.Message
	for name, data := range all {
		if !topic.Match(filter, name) {
			continue
		}
		msg, err := decodeMirrored([]byte(data))
		if err != nil {
			h.log.Warn("redis hook skipping undecodable record", "topic", name, "error", err)
			continue
		}
		results = append(results, msg)
	}
	return results, nil
}

func encodeMirrored(clientID string, msg *client.Message, at time.Time) ([]byte, error) {
	return msgpack.Marshal(&mirroredMessage{
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		QoS:        byte(msg.QoS),
		Retain:     msg.Retain,
		ClientID:   clientID,
		ReceivedAt: at.UnixMilli(),
	})
}

func decodeMirrored(data []byte) (*client.Message, error) {
	var m mirroredMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &client.Message{
		Topic:   m.Topic,
		Payload: m.Payload,
		QoS:     packet.QoS(m.QoS),
		Retain:  m.Retain,
	}, nil
}

var (
	_ client.ConnectionHook = (*RedisHook)(nil)
	_ client.MessageHook    = (*RedisHook)(nil)
)

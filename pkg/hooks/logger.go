package hooks

import (
	"context"
	"log/slog"

	"github.com/bromq-dev/mqttc/pkg/client"
	"github.com/bromq-dev/mqttc/pkg/packet"
)

// LoggerHook logs client events using slog.
type LoggerHook struct {
	logger *slog.Logger
	level  LogLevel
}

// LogLevel controls which events are logged.
type LogLevel int

const (
	// LogLevelConnection logs connect/disconnect events.
	LogLevelConnection LogLevel = 1 << iota
	// LogLevelSubscribe logs subscribe/unsubscribe events.
	LogLevelSubscribe
	// LogLevelPublish logs outbound publishes.
	LogLevelPublish
	// LogLevelReceive logs inbound messages.
	LogLevelReceive
	// LogLevelAll logs all events.
	LogLevelAll = LogLevelConnection | LogLevelSubscribe | LogLevelPublish | LogLevelReceive
)

// LoggerConfig configures the logger hook.
type LoggerConfig struct {
	// Logger is the slog.Logger to use (default: slog.Default()).
	Logger *slog.Logger

	// Level controls which events are logged (default: LogLevelAll).
	Level LogLevel
}

// NewLoggerHook creates a new logging hook.
func NewLoggerHook(cfg LoggerConfig) *LoggerHook {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Level == 0 {
		cfg.Level = LogLevelAll
	}
	return &LoggerHook{
		logger: cfg.Logger,
		level:  cfg.Level,
	}
}

func (h *LoggerHook) ID() string { return "logger" }

// ConnectionHook implementation

func (h *LoggerHook) OnConnected(ctx context.Context, c client.ClientInfo, sessionPresent bool) {
	if h.level&LogLevelConnection == 0 {
		return
	}
	h.logger.Info("connected",
		"client_id", c.ClientID(),
		"broker", c.Broker(),
		"username", c.Username(),
		"keep_alive", c.KeepAlive(),
		"clean_session", c.CleanSession(),
		"session_present", sessionPresent,
	)
}

func (h *LoggerHook) OnConnectionLost(ctx context.Context, c client.ClientInfo, err error) {
	if h.level&LogLevelConnection == 0 {
		return
	}
	h.logger.Warn("connection lost",
		"client_id", c.ClientID(),
		"broker", c.Broker(),
		"error", err.Error(),
	)
}

func (h *LoggerHook) OnDisconnected(ctx context.Context, c client.ClientInfo) {
	if h.level&LogLevelConnection == 0 {
		return
	}
	h.logger.Info("disconnected",
		"client_id", c.ClientID(),
		"broker", c.Broker(),
	)
}

// SubscriptionHook implementation

func (h *LoggerHook) OnSubscribed(ctx context.Context, c client.ClientInfo, filter string, granted packet.QoS) {
	if h.level&LogLevelSubscribe == 0 {
		return
	}
	h.logger.Info("subscribed",
		"client_id", c.ClientID(),
		"topic", filter,
		"qos", granted,
	)
}

func (h *LoggerHook) OnUnsubscribed(ctx context.Context, c client.ClientInfo, filter string) {
	if h.level&LogLevelSubscribe == 0 {
		return
	}
	h.logger.Info("unsubscribed",
		"client_id", c.ClientID(),
		"topic", filter,
	)
}

// MessageHook implementation

func (h *LoggerHook) OnMessageReceived(ctx context.Context, c client.ClientInfo, msg *client.Message) {
	if h.level&LogLevelReceive == 0 {
		return
	}
	h.logger.Debug("message received",
		"client_id", c.ClientID(),
		"topic", msg.Topic,
		"qos", msg.QoS,
		"retain", msg.Retain,
		"dup", msg.Duplicate,
		"payload_size", len(msg.Payload),
	)
}

func (h *LoggerHook) OnPublished(ctx context.Context, c client.ClientInfo, msg *client.Message, err error) {
	if h.level&LogLevelPublish == 0 {
		return
	}
	if err != nil {
		h.logger.Warn("publish failed",
			"client_id", c.ClientID(),
			"topic", msg.Topic,
			"qos", msg.QoS,
			"error", err.Error(),
		)
		return
	}
	h.logger.Debug("message published",
		"client_id", c.ClientID(),
		"topic", msg.Topic,
		"qos", msg.QoS,
		"retain", msg.Retain,
		"payload_size", len(msg.Payload),
	)
}

var (
	_ client.ConnectionHook   = (*LoggerHook)(nil)
	_ client.SubscriptionHook = (*LoggerHook)(nil)
	_ client.MessageHook      = (*LoggerHook)(nil)
)

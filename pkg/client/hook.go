package client

import (
	"context"

	"github.com/bromq-dev/mqttc/pkg/packet"
)

// Hook provides extension points for observing client behavior.
// A hook implements Hook plus any of the event interfaces below; RegisterHook
// detects which ones.
//
// Hook methods are called synchronously from client goroutines. For
// long-running work, implementations should spawn goroutines internally.
type Hook interface {
	// ID returns a unique identifier for this hook.
	ID() string
}

// ConnectionHook observes the connection lifecycle.
type ConnectionHook interface {
	Hook

	// OnConnected is called after CONNACK accepted the connection.
	OnConnected(ctx context.Context, client ClientInfo, sessionPresent bool)

	// OnConnectionLost is called when the connection ends for any reason other
	// than Disconnect. err wraps ErrConnectionLost.
	OnConnectionLost(ctx context.Context, client ClientInfo, err error)

	// OnDisconnected is called after Disconnect closed the connection.
	OnDisconnected(ctx context.Context, client ClientInfo)
}

// MessageHook observes application messages.
type MessageHook interface {
	Hook

	// OnMessageReceived is called for every inbound message before handlers run,
	// on the delivery goroutine.
	OnMessageReceived(ctx context.Context, client ClientInfo, msg *Message)

	// OnPublished is called when a Publish call returns.
	OnPublished(ctx context.Context, client ClientInfo, msg *Message, err error)
}

// SubscriptionHook observes subscription changes acknowledged by the broker.
type SubscriptionHook interface {
	Hook

	OnSubscribed(ctx context.Context, client ClientInfo, filter string, granted packet.QoS)
	OnUnsubscribed(ctx context.Context, client ClientInfo, filter string)
}

// PublishGuard may veto outbound messages. OnPublish runs before Publish
// touches the connection; a non-nil error is returned to the caller and
// nothing is sent.
type PublishGuard interface {
	Hook
	OnPublish(ctx context.Context, client ClientInfo, msg *Message) error
}

// SubscribeGuard may veto subscriptions before SUBSCRIBE is sent.
type SubscribeGuard interface {
	Hook
	OnSubscribe(ctx context.Context, client ClientInfo, filter string, qos packet.QoS) error
}

// ClientInfo provides read-only information about a client.
type ClientInfo interface {
	// ClientID returns the client identifier sent in CONNECT.
	ClientID() string

	// Broker returns the configured broker address.
	Broker() string

	// Username returns the username sent in CONNECT, if any.
	Username() string

	// KeepAlive returns the keep-alive interval in seconds sent in CONNECT.
	KeepAlive() uint16

	// CleanSession returns the clean session flag sent in CONNECT.
	CleanSession() bool
}

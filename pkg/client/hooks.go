package client

import (
	"context"
	"sync"

	"github.com/bromq-dev/mqttc/pkg/packet"
)

// Hooks manages registered hooks and dispatches events.
type Hooks struct {
	mu sync.RWMutex

	connection   []ConnectionHook
	message      []MessageHook
	subscription []SubscriptionHook
	publishGuard []PublishGuard
	subGuard     []SubscribeGuard
}

// NewHooks creates a new hook manager.
func NewHooks() *Hooks {
	return &Hooks{}
}

// Register registers a hook. The hook is checked for all supported interfaces.
func (h *Hooks) Register(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := hook.(ConnectionHook); ok {
		h.connection = append(h.connection, ch)
	}
	if mh, ok := hook.(MessageHook); ok {
		h.message = append(h.message, mh)
	}
	if sh, ok := hook.(SubscriptionHook); ok {
		h.subscription = append(h.subscription, sh)
	}
	if pg, ok := hook.(PublishGuard); ok {
		h.publishGuard = append(h.publishGuard, pg)
	}
	if sg, ok := hook.(SubscribeGuard); ok {
		h.subGuard = append(h.subGuard, sg)
	}
}

// Len returns the number of registered event interfaces.
func (h *Hooks) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connection) + len(h.message) + len(h.subscription) +
		len(h.publishGuard) + len(h.subGuard)
}

// OnConnected notifies all connection hooks of a successful connection.
func (h *Hooks) OnConnected(ctx context.Context, client ClientInfo, sessionPresent bool) {
	h.mu.RLock()
	hooks := h.connection
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook.OnConnected(ctx, client, sessionPresent)
	}
}

// OnConnectionLost notifies all connection hooks of an unexpected disconnect.
func (h *Hooks) OnConnectionLost(ctx context.Context, client ClientInfo, err error) {
	h.mu.RLock()
	hooks := h.connection
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook.OnConnectionLost(ctx, client, err)
	}
}

// OnDisconnected notifies all connection hooks of a requested disconnect.
func (h *Hooks) OnDisconnected(ctx context.Context, client ClientInfo) {
	h.mu.RLock()
	hooks := h.connection
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook.OnDisconnected(ctx, client)
	}
}

// OnMessageReceived notifies all message hooks of an inbound message.
func (h *Hooks) OnMessageReceived(ctx context.Context, client ClientInfo, msg *Message) {
	h.mu.RLock()
	hooks := h.message
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook.OnMessageReceived(ctx, client, msg)
	}
}

// OnPublished notifies all message hooks of a completed publish.
func (h *Hooks) OnPublished(ctx context.Context, client ClientInfo, msg *Message, err error) {
	h.mu.RLock()
	hooks := h.message
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook.OnPublished(ctx, client, msg, err)
	}
}

// OnSubscribed notifies all subscription hooks of an accepted subscription.
func (h *Hooks) OnSubscribed(ctx context.Context, client ClientInfo, filter string, granted packet.QoS) {
	h.mu.RLock()
	hooks := h.subscription
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook.OnSubscribed(ctx, client, filter, granted)
	}
}

// OnUnsubscribed notifies all subscription hooks of a removed subscription.
func (h *Hooks) OnUnsubscribed(ctx context.Context, client ClientInfo, filter string) {
	h.mu.RLock()
	hooks := h.subscription
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook.OnUnsubscribed(ctx, client, filter)
	}
}

// OnPublish asks every publish guard in registration order. The first error
// stops the publish.
func (h *Hooks) OnPublish(ctx context.Context, client ClientInfo, msg *Message) error {
	h.mu.RLock()
	hooks := h.publishGuard
	h.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook.OnPublish(ctx, client, msg); err != nil {
			return err
		}
	}
	return nil
}

// OnSubscribe asks every subscribe guard in registration order. The first
// error stops the subscription.
func (h *Hooks) OnSubscribe(ctx context.Context, client ClientInfo, filter string, qos packet.QoS) error {
	h.mu.RLock()
	hooks := h.subGuard
	h.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook.OnSubscribe(ctx, client, filter, qos); err != nil {
			return err
		}
	}
	return nil
}

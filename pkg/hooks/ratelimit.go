package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bromq-dev/mqttc/pkg/client"
)

// ErrRateLimited is returned by Publish when the local publish rate is
// exceeded. Nothing is sent to the broker.
var ErrRateLimited = errors.New("mqtt: publish rate limit exceeded")

// RateLimitHook limits the outbound publish rate of each client it is
// registered with. It is a token bucket: BurstSize publishes may go out at
// once, refilled at PublishRate per Interval.
type RateLimitHook struct {
	publishRate int
	interval    time.Duration
	burstSize   int
	now         func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	// PublishRate is the max number of publishes per interval per client.
	PublishRate int `yaml:"publish_rate"`

	// Interval is the rate limit window (default: 1s).
	Interval time.Duration `yaml:"interval"`

	// BurstSize is the max burst allowed (default: PublishRate).
	BurstSize int `yaml:"burst_size"`
}

// NewRateLimitHook creates a new rate limiting hook. A PublishRate of zero
// disables limiting.
func NewRateLimitHook(cfg RateLimitConfig) *RateLimitHook {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.PublishRate
	}

	return &RateLimitHook{
		publishRate: cfg.PublishRate,
		interval:    cfg.Interval,
		burstSize:   cfg.BurstSize,
		now:         time.Now,
		buckets:     make(map[string]*bucket),
	}
}

func (h *RateLimitHook) ID() string { return "ratelimit" }

// OnPublish takes a token for the client or rejects the publish.
func (h *RateLimitHook) OnPublish(ctx context.Context, c client.ClientInfo, msg *client.Message) error {
	if h.publishRate <= 0 {
		return nil
	}
	if !h.take(c.ClientID()) {
		return fmt.Errorf("%w: %d per %s", ErrRateLimited, h.publishRate, h.interval)
	}
	return nil
}

// ConnectionHook implementation (cleanup on disconnect)

func (h *RateLimitHook) OnConnected(ctx context.Context, c client.ClientInfo, sessionPresent bool) {}

func (h *RateLimitHook) OnConnectionLost(ctx context.Context, c client.ClientInfo, err error) {}

func (h *RateLimitHook) OnDisconnected(ctx context.Context, c client.ClientInfo) {
	h.mu.Lock()
	delete(h.buckets, c.ClientID())
	h.mu.Unlock()
}

func (h *RateLimitHook) take(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	b, ok := h.buckets[clientID]
	if !ok {
		b = &bucket{tokens: float64(h.burstSize), lastFill: now}
		h.buckets[clientID] = b
	}

	if elapsed := now.Sub(b.lastFill); elapsed > 0 {
		b.tokens += float64(h.publishRate) * elapsed.Seconds() / h.interval.Seconds()
		if b.tokens > float64(h.burstSize) {
			b.tokens = float64(h.burstSize)
		}
		b.lastFill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

var (
	_ client.PublishGuard   = (*RateLimitHook)(nil)
	_ client.ConnectionHook = (*RateLimitHook)(nil)
)

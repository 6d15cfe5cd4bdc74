package hooks

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bromq-dev/mqttc/pkg/client"
	"github.com/bromq-dev/mqttc/pkg/topic"
)

// StatsHook periodically publishes client statistics as retained messages.
// Topics published under <prefix>/<client id>/:
//   - uptime
//   - state
//   - connects
//   - connections/lost
//   - inflight/outbound
//   - inflight/inbound
//   - messages/published
//   - messages/received
//   - packets/sent
//   - packets/received
//   - retransmissions
//   - subscriptions
type StatsHook struct {
	source    StatsSource
	publisher StatsPublisher
	prefix    string
	interval  time.Duration
	log       *slog.Logger

	startTime time.Time
	connects  atomic.Int64
	lost      atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// StatsSource provides the statistics to publish. *client.Client implements it.
type StatsSource interface {
	client.ClientInfo
	Stats() client.Stats
}

// StatsPublisher is called to publish one statistic.
type StatsPublisher func(ctx context.Context, topic string, payload []byte, retain bool) error

// StatsConfig configures the stats hook.
type StatsConfig struct {
	// Source is the client whose statistics are published.
	Source StatsSource

	// Publisher sends the statistics. Defaults to QoS 0 publishes through
	// Source when it is a *client.Client.
	Publisher StatsPublisher

	// Prefix is the topic prefix (default: "clients").
	Prefix string

	// Interval is how often to publish (default: 10s).
	Interval time.Duration

	// Logger receives publish failures (default: slog.Default()).
	Logger *slog.Logger
}

// NewStatsHook creates a stats hook. Register it with the client and call
// Start to begin publishing.
func NewStatsHook(cfg StatsConfig) (*StatsHook, error) {
	if cfg.Source == nil {
		return nil, errors.New("stats hook: source is required")
	}
	if cfg.Publisher == nil {
		c, ok := cfg.Source.(*client.Client)
		if !ok {
			return nil, errors.New("stats hook: publisher is required")
		}
		cfg.Publisher = func(ctx context.Context, name string, payload []byte, retain bool) error {
			return c.Publish(ctx, name, payload, 0, retain)
		}
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "clients"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	prefix := cfg.Prefix + "/" + cfg.Source.ClientID()
	if err := topic.ValidateName(prefix); err != nil {
		return nil, err
	}

	return &StatsHook{
		source:    cfg.Source,
		publisher: cfg.Publisher,
		prefix:    prefix,
		interval:  cfg.Interval,
		log:       cfg.Logger,
		startTime: time.Now(),
	}, nil
}

func (h *StatsHook) ID() string { return "stats" }

// Start begins publishing. It is a no-op if already started.
func (h *StatsHook) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	go h.loop(ctx, h.done)
}

// Stop stops publishing and waits for an in-progress round to finish.
func (h *StatsHook) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (h *StatsHook) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.PublishNow(ctx)
		}
	}
}

// PublishNow publishes every statistic once. It does nothing while the
// client is not connected.
func (h *StatsHook) PublishNow(ctx context.Context) {
	s := h.source.Stats()
	if s.State != client.StateConnected {
		return
	}

	for _, v := range h.values(s) {
		if err := h.publisher(ctx, h.prefix+"/"+v.name, []byte(v.value), true); err != nil {
			h.log.Debug("stats publish failed", "topic", h.prefix+"/"+v.name, "error", err)
			return
		}
	}
}

type statValue struct {
	name  string
	value string
}

func (h *StatsHook) values(s client.Stats) []statValue {
	u := func(n uint64) string { return strconv.FormatUint(n, 10) }
	i := func(n int64) string { return strconv.FormatInt(n, 10) }

	return []statValue{
		{"uptime", i(int64(time.Since(h.startTime).Seconds()))},
		{"state", s.State.String()},
		{"connects", i(h.connects.Load())},
		{"connections/lost", i(h.lost.Load())},
		{"inflight/outbound", strconv.Itoa(s.OutboundInflight)},
		{"inflight/inbound", strconv.Itoa(s.InboundInflight)},
		{"messages/published", u(s.MessagesPublished)},
		{"messages/received", u(s.MessagesReceived)},
		{"packets/sent", u(s.PacketsSent)},
		{"packets/received", u(s.PacketsReceived)},
		{"retransmissions", u(s.Retransmissions)},
		{"subscriptions", strconv.Itoa(s.Subscriptions)},
	}
}

// ConnectionHook implementation

func (h *StatsHook) OnConnected(ctx context.Context, c client.ClientInfo, sessionPresent bool) {
	h.connects.Add(1)
}

func (h *StatsHook) OnConnectionLost(ctx context.Context, c client.ClientInfo, err error) {
	h.lost.Add(1)
}

func (h *StatsHook) OnDisconnected(ctx context.Context, c client.ClientInfo) {}

// Metrics returns the counters the hook maintains itself.
func (h *StatsHook) Metrics() StatsMetrics {
	return StatsMetrics{
		Uptime:          time.Since(h.startTime),
		Connects:        h.connects.Load(),
		ConnectionsLost: h.lost.Load(),
	}
}

// StatsMetrics holds the hook's own counters.
type StatsMetrics struct {
	Uptime          time.Duration
	Connects        int64
	ConnectionsLost int64
}

var _ client.ConnectionHook = (*StatsHook)(nil)

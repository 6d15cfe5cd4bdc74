package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/bromq-dev/mqttc/pkg/client"
	"github.com/bromq-dev/mqttc/pkg/hooks"
	"github.com/bromq-dev/mqttc/pkg/packet"
)

func runSub(ctx context.Context, args []string) error {
	var (
		common       commonFlags
		topics       []string
		qos          uint8
		count        int
		verbose      bool
		redisAddr    string
		redisChannel string
	)

	fs := pflag.NewFlagSet("sub", pflag.ContinueOnError)
	common.register(fs)
	fs.StringArrayVarP(&topics, "topic", "t", nil, "topic filter to subscribe to (repeatable, required)")
	fs.Uint8VarP(&qos, "qos", "q", 1, "maximum quality of service (0, 1 or 2)")
	fs.IntVarP(&count, "count", "n", 0, "exit after this many messages (0 = run until interrupted)")
	fs.BoolVarP(&verbose, "verbose", "v", false, "print QoS, retain and duplicate flags")
	fs.StringVar(&redisAddr, "redis", "", "mirror received messages to this Redis address")
	fs.StringVar(&redisChannel, "redis-channel", "", "also publish mirrored messages on this Redis channel")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(topics) == 0 {
		return fmt.Errorf("--topic is required")
	}

	logger, err := newLogger(common.logLevel, common.logFormat)
	if err != nil {
		return err
	}
	cfg, err := common.config(fs, logger)
	if err != nil {
		return err
	}

	lost := make(chan error, 1)
	extra := []client.Hook{&lostNotifier{ch: lost}}
	if redisAddr != "" {
		mirror, err := hooks.NewRedisHook(hooks.RedisConfig{
			Addr:    redisAddr,
			Channel: redisChannel,
			Topics:  topics,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer mirror.Close()
		extra = append(extra, mirror)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var received atomic.Int64
	printer := newPrinter(verbose)
	handler := func(_ *client.Client, msg *client.Message) {
		printer.print(msg)
		if count > 0 && received.Add(1) >= int64(count) {
			cancel()
		}
	}

	c, err := connect(ctx, cfg, logger, extra...)
	if err != nil {
		return err
	}
	defer c.Disconnect(context.Background())

	for _, filter := range topics {
		if err := c.Subscribe(ctx, filter, packet.QoS(qos), handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", filter, err)
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-lost:
		return err
	}
}

type printer struct {
	verbose bool
	topic   func(format string, a ...any) string
	meta    func(format string, a ...any) string
}

func newPrinter(verbose bool) *printer {
	return &printer{
		verbose: verbose,
		topic:   color.New(color.FgCyan, color.Bold).SprintfFunc(),
		meta:    color.New(color.Faint).SprintfFunc(),
	}
}

func (p *printer) print(msg *client.Message) {
	if !p.verbose {
		fmt.Fprintf(color.Output, "%s %s\n", p.topic("%s", msg.Topic), msg.Payload)
		return
	}
	fmt.Fprintf(color.Output, "%s %s %s %s\n",
		p.meta("%s", time.Now().Format("15:04:05.000")),
		p.topic("%s", msg.Topic),
		p.meta("qos=%d retain=%t dup=%t", msg.QoS, msg.Retain, msg.Duplicate),
		msg.Payload,
	)
}

// lostNotifier ends the sub command when the connection drops.
type lostNotifier struct {
	ch chan error
}

func (n *lostNotifier) ID() string { return "sub-lost" }

func (n *lostNotifier) OnConnected(context.Context, client.ClientInfo, bool) {}
func (n *lostNotifier) OnDisconnected(context.Context, client.ClientInfo)    {}

func (n *lostNotifier) OnConnectionLost(_ context.Context, _ client.ClientInfo, err error) {
	select {
	case n.ch <- err:
	default:
	}
}

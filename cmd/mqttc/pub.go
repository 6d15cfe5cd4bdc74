package main

import (
	"context"
	"fmt"
	"errors"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bromq-dev/mqttc/pkg/client"
	"github.com/bromq-dev/mqttc/pkg/hooks"
	"github.com/bromq-dev/mqttc/pkg/packet"
)

func runPub(ctx context.Context, args []string) error {
	var (
		common   commonFlags
		topic    string
		message  string
		file     string
		qos      uint8
		retain   bool
		count    int
		interval time.Duration
		rate     int
	)

	fs := pflag.NewFlagSet("pub", pflag.ContinueOnError)
	common.register(fs)
	fs.StringVarP(&topic, "topic", "t", "", "topic to publish to (required)")
	fs.StringVarP(&message, "message", "m", "", "message payload")
	fs.StringVarP(&file, "file", "f", "", "read the payload from a file ('-' for stdin)")
	fs.Uint8VarP(&qos, "qos", "q", 1, "quality of service (0, 1 or 2)")
	fs.BoolVarP(&retain, "retain", "r", false, "ask the broker to retain the message")
	fs.IntVarP(&count, "count", "n", 1, "number of times to publish the message")
	fs.DurationVar(&interval, "interval", 0, "pause between repeated publishes")
	fs.IntVar(&rate, "rate", 0, "limit repeated publishes to this many per second")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if topic == "" {
		return fmt.Errorf("--topic is required")
	}

	payload := []byte(message)
	if file != "" {
		var err error
		if payload, err = readPayload(file); err != nil {
			return err
		}
	}

	logger, err := newLogger(common.logLevel, common.logFormat)
	if err != nil {
		return err
	}
	cfg, err := common.config(fs, logger)
	if err != nil {
		return err
	}

	var extra []client.Hook
	if rate > 0 {
		extra = append(extra, hooks.NewRateLimitHook(hooks.RateLimitConfig{PublishRate: rate}))
	}

	c, err := connect(ctx, cfg, logger, extra...)
	if err != nil {
		return err
	}
	defer c.Disconnect(context.Background())

	for i := 0; i < count; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
		if err := publishThrottled(ctx, c, topic, payload, packet.QoS(qos), retain, rate); err != nil {
			return fmt.Errorf("publish %d: %w", i+1, err)
		}
	}
	return nil
}

// publishThrottled retries a publish rejected by the local rate limiter once
// a token should be available again.
func publishThrottled(ctx context.Context, c *client.Client, topic string, payload []byte, qos packet.QoS, retain bool, rate int) error {
	for {
		err := c.Publish(ctx, topic, payload, qos, retain)
		if !errors.Is(err, hooks.ErrRateLimited) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second / time.Duration(rate)):
		}
	}
}

func readPayload(file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}

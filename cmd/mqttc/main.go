// Command mqttc publishes and subscribes to an MQTT 3.1.1 broker.
//
//	mqttc pub -t sensors/1 -m 21.5
//	mqttc sub -t 'sensors/#'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bromq-dev/mqttc/pkg/client"
	"github.com/bromq-dev/mqttc/pkg/hooks"
)

const usage = `usage: mqttc <command> [flags]

commands:
  pub    publish messages
  sub    subscribe and print messages

Run 'mqttc <command> --help' for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "pub":
		err = runPub(ctx, os.Args[2:])
	case "sub":
		err = runSub(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "mqttc: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by every command.
type commonFlags struct {
	configPath string
	broker     string
	clientID   string
	username   string
	password   string
	keepAlive  time.Duration
	clean      bool
	caCert     string
	clientCert string
	clientKey  string
	insecure   bool
	timeout    time.Duration
	logLevel   string
	logFormat  string
}

func (f *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	fs.StringVarP(&f.broker, "broker", "b", "tcp://localhost:1883", "broker address (tcp://, ssl://, ws://, wss://)")
	fs.StringVarP(&f.clientID, "client-id", "i", "", "client identifier (default: generated)")
	fs.StringVarP(&f.username, "username", "u", "", "username")
	fs.StringVarP(&f.password, "password", "P", "", "password")
	fs.DurationVarP(&f.keepAlive, "keep-alive", "k", 20*time.Second, "keep-alive interval (0 disables)")
	fs.BoolVar(&f.clean, "clean", true, "start a clean session")
	fs.StringVar(&f.caCert, "ca-cert", "", "CA certificate for verifying the broker")
	fs.StringVar(&f.clientCert, "cert", "", "client certificate for mutual TLS")
	fs.StringVar(&f.clientKey, "key", "", "client private key for mutual TLS")
	fs.BoolVar(&f.insecure, "insecure", false, "skip broker certificate verification")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second, "connect timeout")
	fs.StringVar(&f.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format (text, json)")
}

// config loads the config file and applies the flags that were set explicitly.
func (f *commonFlags) config(fs *pflag.FlagSet, logger *slog.Logger) (*client.Config, error) {
	cfg, err := client.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	if fs.Changed("broker") {
		cfg.Broker = f.broker
	}
	if fs.Changed("client-id") {
		cfg.ClientID = f.clientID
	}
	if fs.Changed("username") {
		cfg.Username = f.username
	}
	if fs.Changed("password") {
		cfg.Password = f.password
	}
	if fs.Changed("keep-alive") {
		cfg.KeepAlive = f.keepAlive
	}
	if fs.Changed("clean") {
		cfg.CleanSession = f.clean
	}
	if fs.Changed("timeout") {
		cfg.ConnectTimeout = f.timeout
	}
	if f.caCert != "" || f.clientCert != "" || f.insecure {
		cfg.TLS.Enabled = true
		cfg.TLS.CACert = f.caCert
		cfg.TLS.ClientCert = f.clientCert
		cfg.TLS.ClientKey = f.clientKey
		cfg.TLS.InsecureSkipVerify = f.insecure
	}

	cfg.Logger = logger
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// connect builds a client with the logger hook and connects it.
func connect(ctx context.Context, cfg *client.Config, logger *slog.Logger, extra ...client.Hook) (*client.Client, error) {
	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}

	c.RegisterHook(hooks.NewLoggerHook(hooks.LoggerConfig{Logger: logger}))
	for _, h := range extra {
		c.RegisterHook(h)
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

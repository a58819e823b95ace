// acpbridge fronts an ACP agent for clients that speak ACP, the Copilot
// SDK protocol or stream-json. It serves one client over stdio, or many
// over WebSocket when --listen is given.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/m4xw311/acpbridge/clock"
	"github.com/m4xw311/acpbridge/config"
	"github.com/m4xw311/acpbridge/engine"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "acpbridge: %+v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	agent       string
	endpoint    string
	listen      string
	token       string
	trace       bool
	logLevel    string
	turnTimeout time.Duration
	restart     bool

	listenSet bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("acpbridge", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&o.configPath, "config", "c", "", "config file layered over ~/.acpbridge and ./.acpbridge")
	fs.StringVar(&o.agent, "agent", "", "backend agent command line, e.g. \"my-agent --acp\"")
	fs.StringVar(&o.endpoint, "endpoint", "", "backend agent HTTP relay URL")
	fs.StringVar(&o.listen, "listen", "", "serve WebSocket clients on this address instead of stdio")
	fs.StringVar(&o.token, "token", "", "token WebSocket clients must present")
	fs.BoolVar(&o.trace, "trace", false, "append debug records to "+logging.DefaultTracePath)
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	fs.DurationVar(&o.turnTimeout, "turn-timeout", 0, "give up on a silent turn after this long")
	fs.BoolVar(&o.restart, "restart", false, "restart the agent after it crashes")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: acpbridge [flags]\n\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, errors.New("unexpected argument: %s", fs.Arg(0))
	}
	o.listenSet = fs.Changed("listen")
	return o, nil
}

// apply layers the flags that were set over the loaded configuration.
func (o *options) apply(cfg *config.Config) {
	if fields := strings.Fields(o.agent); len(fields) > 0 {
		cfg.Agent.Command = fields[0]
		cfg.Agent.Args = fields[1:]
		cfg.Agent.Endpoint = ""
	}
	if o.endpoint != "" {
		cfg.Agent.Endpoint = o.endpoint
		if strings.TrimSpace(o.agent) == "" {
			cfg.Agent.Command = ""
			cfg.Agent.Args = nil
		}
	}
	if o.listen != "" {
		cfg.Bridge.Listen = o.listen
	}
	if o.token != "" {
		cfg.Bridge.Token = o.token
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.turnTimeout > 0 {
		cfg.Bridge.TurnTimeout = o.turnTimeout
	}
	if o.restart {
		cfg.Agent.Restart = true
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	opts.apply(cfg)

	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, Trace: opts.trace, Output: stderr})
	if err != nil {
		return err
	}
	defer closeLog()

	rt, err := engine.Build(ctx, cfg, logger, clock.Real())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	if err := rt.Engine.Start(ctx); err != nil {
		return errors.Wrapf(err, "start backend agent")
	}
	go rt.LogApprovals(ctx, logger)

	if !opts.listenSet {
		logger.Info("serving stdio client", zap.String("agent", agentName(cfg)))
		return serveStdio(ctx, rt.Engine, stdin, stdout)
	}
	return serveWebSocket(ctx, rt.Engine, cfg, logger)
}

func serveStdio(ctx context.Context, h transport.Handler, stdin io.Reader, stdout io.Writer) error {
	done := make(chan error, 1)
	go func() { done <- transport.ServeStdio(ctx, h, stdin, stdout) }()
	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		// A blocked stdin read never returns on its own.
		return nil
	}
}

func serveWebSocket(ctx context.Context, h transport.Handler, cfg *config.Config, logger *zap.Logger) error {
	srv := transport.NewWebSocketServer(h, transport.WebSocketOptions{
		Addr:         cfg.Bridge.Listen,
		Token:        cfg.Bridge.Token,
		MaxFrameSize: int64(cfg.Bridge.MaxFrameSize),
		Logger:       logger.Named("websocket"),
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	if cfg.Bridge.Token == "" {
		logger.Warn("websocket endpoint accepts clients without a token")
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- srv.Wait() }()
	select {
	case err := <-waitErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(stopCtx)
}

func agentName(cfg *config.Config) string {
	if cfg.Agent.Endpoint != "" {
		return cfg.Agent.Endpoint
	}
	return cfg.Agent.Command
}

// ws_bridge serves an ACP agent to WebSocket clients:
//
//	ws_bridge [--listen :8080] [--token T] <agent> [args...]
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
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

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ws_bridge: %+v\n", err)
		os.Exit(1)
	}
}

func configure(args []string, stderr io.Writer) (*config.Config, error) {
	var listen, token, logLevel string
	fs := pflag.NewFlagSet("ws_bridge", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&listen, "listen", config.DefaultListen, "address to serve WebSocket clients on")
	fs.StringVar(&token, "token", "", "token clients must present")
	fs.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	// Everything after the agent command belongs to the agent.
	fs.SetInterspersed(false)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: ws_bridge [flags] <agent> [args...]\n\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, errors.New("missing agent command")
	}

	cfg, err := config.LoadConfig("")
	if err != nil {
		return nil, err
	}
	cfg.Agent.Command = fs.Arg(0)
	cfg.Agent.Args = fs.Args()[1:]
	cfg.Agent.Endpoint = ""
	cfg.Bridge.Listen = listen
	if token != "" {
		cfg.Bridge.Token = token
	}
	cfg.LogLevel = logLevel
	return cfg, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := configure(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, Output: stderr})
	if err != nil {
		return err
	}
	defer closeLog()

	rt, err := engine.Build(ctx, cfg, logger, clock.Real())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.Close(shutdownCtx)
	}()
	if err := rt.Engine.Start(ctx); err != nil {
		return errors.Wrapf(err, "start %s", cfg.Agent.Command)
	}
	go rt.LogApprovals(ctx, logger)

	srv := transport.NewWebSocketServer(rt.Engine, transport.WebSocketOptions{
		Addr:         cfg.Bridge.Listen,
		Token:        cfg.Bridge.Token,
		MaxFrameSize: int64(cfg.Bridge.MaxFrameSize),
		Logger:       logger,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("websocket bridge running", zap.String("url", "ws://"+srv.Addr()+transport.DefaultPath))

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(stopCtx)
}

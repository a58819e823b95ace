package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/clock"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/framing"
	"go.uber.org/zap"
)

// Agent is the backend surface the engine drives.
type Agent interface {
	Start(method string, params any, timeout time.Duration) (*Call, error)
	Request(ctx context.Context, method string, params any, timeout time.Duration) (*acp.Message, error)
	Notify(method string, params any) error
	OnNotification(func(*acp.Message))
	OnRequest(func(*acp.Message, Reply))
	OnResponse(func(id int64))
	OnExit(func(error))
	Err() error
	Close(ctx context.Context) error
}

// Options describes how to reach the agent: a local command, or a remote
// endpoint when Endpoint is set.
type Options struct {
	Command   string
	Args      []string
	Dir       string
	Env       []string
	StopGrace time.Duration

	Endpoint string
	Token    string

	Framing      framing.Mode
	MaxFrameSize int
	Logger       *zap.Logger
	Clock        clock.Clock
}

// Client is a connected backend agent.
type Client struct {
	*Conn
	proc  *Process
	relay *HTTPRelay
	log   *zap.Logger
}

var _ Agent = (*Client)(nil)

// Connect spawns or dials the agent described by opts.
func Connect(opts Options) (*Client, error) {
	if opts.Endpoint != "" {
		return Dial(opts)
	}
	return Spawn(opts)
}

// Spawn starts the agent as a child process speaking ACP over stdio. The
// connection fails with a *errors.CrashError when the child dies.
func Spawn(opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	proc, err := StartProcess(ProcessOptions{
		Command:   opts.Command,
		Args:      opts.Args,
		Dir:       opts.Dir,
		Env:       opts.Env,
		StopGrace: opts.StopGrace,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	conn := NewConn(proc.Stdin(), ConnOptions{
		Logger:       log,
		Clock:        opts.Clock,
		Framing:      opts.Framing,
		MaxFrameSize: opts.MaxFrameSize,
	})
	go func() {
		conn.ReadLoop(proc.Stdout())
		err := proc.Wait()
		if err == nil {
			err = errors.ErrBackendClosed
		}
		conn.Fail(err)
	}()
	return &Client{Conn: conn, proc: proc, log: log}, nil
}

// Dial connects to an agent reachable over HTTP.
func Dial(opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Endpoint == "" {
		return nil, errors.New("no agent endpoint configured")
	}
	relay := NewHTTPRelay(opts.Endpoint, opts.Token, log)
	conn := NewConn(relay, ConnOptions{
		Logger:       log,
		Clock:        opts.Clock,
		Framing:      framing.ModeLines,
		MaxFrameSize: opts.MaxFrameSize,
		FailOnEOF:    true,
	})
	go conn.ReadLoop(relay.Reader())
	return &Client{Conn: conn, relay: relay, log: log}, nil
}

// Initialize performs the ACP handshake and returns the raw result.
func (c *Client) Initialize(ctx context.Context, params acp.InitializeParams) (json.RawMessage, error) {
	msg, err := c.Request(ctx, acp.MethodInitialize, params, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "initialize agent")
	}
	return msg.Result, nil
}

// Close shuts the agent down. Pending calls fail with ErrBackendClosed.
func (c *Client) Close(ctx context.Context) error {
	c.Fail(errors.ErrBackendClosed)
	if c.proc != nil {
		err := c.proc.Stop(ctx)
		select {
		case <-c.Done():
		case <-ctx.Done():
		}
		return err
	}
	if c.relay != nil {
		return c.relay.Close()
	}
	return nil
}

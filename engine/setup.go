package engine

import (
	"context"
	"os"
	"strings"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/audit"
	"github.com/m4xw311/acpbridge/backend"
	"github.com/m4xw311/acpbridge/clock"
	"github.com/m4xw311/acpbridge/config"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/framing"
	"github.com/m4xw311/acpbridge/llm"
	"github.com/m4xw311/acpbridge/safety"
	"github.com/m4xw311/acpbridge/session"
	"github.com/m4xw311/acpbridge/tools"
	"go.uber.org/zap"
)

// Runtime is an engine built from configuration together with the
// resources it owns.
type Runtime struct {
	Engine    *Engine
	Approvals *safety.ApprovalQueue

	closers []func() error
}

// Build assembles the safety interceptor, audit log, workspace, model
// catalog and backend dialer described by cfg. The backend is not started.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, clk clock.Clock) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	rt := &Runtime{Approvals: safety.NewApprovalQueue(0)}

	policy, err := safety.NewPolicy(cfg, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "build safety policy")
	}
	interceptor := safety.NewInterceptor(safety.Options{
		Policy:   policy,
		Approver: rt.Approvals,
		Logger:   logger,
		Now:      clk.Now,
	})

	var sink audit.Sink = audit.Nop{}
	if cfg.Audit.Path != "" {
		fs, err := audit.Open(audit.Options{
			Path:     cfg.Audit.Path,
			Compress: cfg.Audit.Compress,
			Logger:   logger,
			Now:      clk.Now,
		})
		if err != nil {
			return nil, err
		}
		sink = fs
		rt.closers = append(rt.closers, fs.Close)
	}

	cwd := cfg.Agent.Cwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			rt.Close(ctx)
			return nil, errors.Wrapf(err, "could not get working directory")
		}
	}
	workspace, err := tools.NewWorkspace(cwd, cfg.FilesystemAccess)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	env := agentEnv(cfg.Agent.Env)
	logger.Debug("agent environment prepared",
		zap.Strings("redacted", backend.DefaultEnvPolicy().RedactedNames(env)),
		zap.Int("vars", len(env)))

	backendOpts := backend.Options{
		Command:      cfg.Agent.Command,
		Args:         cfg.Agent.Args,
		Dir:          cwd,
		Env:          env,
		StopGrace:    cfg.Agent.StopGrace,
		Endpoint:     cfg.Agent.Endpoint,
		Token:        os.Getenv("ACPBRIDGE_AGENT_TOKEN"),
		Framing:      framing.ParseMode(cfg.Agent.Framing),
		MaxFrameSize: cfg.Bridge.MaxFrameSize,
		Logger:       logger.Named("backend"),
		Clock:        clk,
	}
	dial := func(context.Context) (backend.Agent, error) {
		client, err := backend.Connect(backendOpts)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	e, err := New(Options{
		Dial:           dial,
		Sessions:       session.NewTable(clk.Now),
		Interceptor:    interceptor,
		Audit:          sink,
		Models:         llm.NewModelLister(ctx, cfg.LLMClient, cfg.Model, logger),
		Auth:           llm.NewAuthProber(),
		LLMClient:      cfg.LLMClient,
		Model:          cfg.Model,
		Tools:          tools.NewRegistry(cfg.AdditionalMCPServers, logger),
		Workspace:      workspace,
		Cwd:            cwd,
		McpServers:     mcpServers(cfg.AdditionalMCPServers),
		TurnTimeout:    cfg.Bridge.TurnTimeout,
		RequestTimeout: cfg.Bridge.RequestTimeout,
		MaxFrameSize:   cfg.Bridge.MaxFrameSize,
		Restart:        cfg.Agent.Restart,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.Engine = e
	return rt, nil
}

// Close stops the engine and releases everything Build opened.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.Engine != nil {
		errs = append(errs, r.Engine.Close(ctx))
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// agentEnv builds the child environment. Entries of the form NAME=value are
// passed as given; bare names let that variable through from the bridge's
// own environment.
func agentEnv(entries []string) []string {
	var names, pairs []string
	for _, entry := range entries {
		if strings.Contains(entry, "=") {
			pairs = append(pairs, entry)
			continue
		}
		if entry != "" {
			names = append(names, entry)
		}
	}
	return append(backend.DefaultEnvPolicy().With(names...).Environ(), pairs...)
}

func mcpServers(servers []config.MCPServer) []acp.McpServer {
	out := make([]acp.McpServer, 0, len(servers))
	for _, s := range servers {
		args := s.Args
		if args == nil {
			args = []string{}
		}
		out = append(out, acp.McpServer{Name: s.Name, Command: s.Command, Args: args, Env: []acp.EnvVar{}})
	}
	return out
}

// LogApprovals logs permission requests as they open and settle until ctx
// is done.
func (r *Runtime) LogApprovals(ctx context.Context, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-r.Approvals.Updates():
			fields := []zap.Field{
				zap.String("permission", u.Request.ID),
				zap.String("session", u.Request.SessionID),
			}
			if u.Decision == "" {
				logger.Info("permission requested", append(fields,
					zap.String("risk", u.Request.Risk),
					zap.String("command", u.Request.Command))...)
				continue
			}
			logger.Info("permission resolved", append(fields, zap.String("decision", u.Decision))...)
		}
	}
}

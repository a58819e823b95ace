// Package engine wires the framer, dialect codecs, normalizer, correlator
// and safety interceptor into client connections that share one backend
// agent.
//
// Each call to Serve runs one client connection. Backend notifications and
// permission requests are routed to the connection that last used the
// session they name. When the backend dies every connection fails its
// in-flight requests with a crash error and keeps its transport open;
// backend-bound calls fail fast until Restart attaches a new agent.
package engine

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/audit"
	"github.com/m4xw311/acpbridge/backend"
	"github.com/m4xw311/acpbridge/clock"
	"github.com/m4xw311/acpbridge/correlate"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/llm"
	"github.com/m4xw311/acpbridge/normalize"
	"github.com/m4xw311/acpbridge/safety"
	"github.com/m4xw311/acpbridge/session"
	"github.com/m4xw311/acpbridge/tools"
	"go.uber.org/zap"
)

// Version is reported by status.get and in the ACP client info.
const Version = "0.3.0"

// RestartDelay is how long an auto-restart waits after a backend exit.
const RestartDelay = time.Second

// KillSwitch reports sessions that must not receive further prompts.
type KillSwitch interface {
	IsKilled(sessionID string) bool
}

// Dialer attaches a fresh backend agent.
type Dialer func(ctx context.Context) (backend.Agent, error)

type Options struct {
	Dial        Dialer
	Sessions    *session.Table
	Interceptor *safety.Interceptor
	Audit       audit.Sink
	KillSwitch  KillSwitch

	Models    llm.ModelLister
	Auth      *llm.AuthProber
	LLMClient string
	Model     string
	Tools     *tools.Registry
	Workspace *tools.Workspace

	// Cwd and McpServers are sent with every session/new.
	Cwd        string
	McpServers []acp.McpServer

	TurnTimeout    time.Duration
	RequestTimeout time.Duration
	MaxFrameSize   int
	// Restart re-attaches the backend after it exits on its own.
	Restart bool

	Clock  clock.Clock
	Logger *zap.Logger
}

type Engine struct {
	opts        Options
	log         *zap.Logger
	clock       clock.Clock
	sessions    *session.Table
	interceptor *safety.Interceptor
	audit       audit.Sink
	kill        KillSwitch

	sessionLocks sync.Map // local session id -> *sync.Mutex

	mu         sync.Mutex
	ctx        context.Context
	agent      backend.Agent
	gen        int
	initResult json.RawMessage
	closed     bool
	conns      map[*Connection]struct{}
	owners     map[string]*Connection
	nextConnID int
}

func New(opts Options) (*Engine, error) {
	if opts.Dial == nil {
		return nil, errors.New("engine needs a backend dialer")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewTable(opts.Clock.Now)
	}
	if opts.Interceptor == nil {
		opts.Interceptor = safety.NewInterceptor(safety.Options{Logger: opts.Logger, Now: opts.Clock.Now})
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.KillSwitch == nil {
		opts.KillSwitch = opts.Sessions
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = correlate.DefaultTurnTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = backend.DefaultRequestTimeout
	}
	if opts.McpServers == nil {
		opts.McpServers = []acp.McpServer{}
	}
	return &Engine{
		opts:        opts,
		log:         opts.Logger,
		clock:       opts.Clock,
		sessions:    opts.Sessions,
		interceptor: opts.Interceptor,
		audit:       opts.Audit,
		kill:        opts.KillSwitch,
		ctx:         context.Background(),
		conns:       make(map[*Connection]struct{}),
		owners:      make(map[string]*Connection),
	}, nil
}

// Start attaches the backend and performs the ACP initialize handshake. The
// handshake result is cached and answers every pass-through initialize.
// ctx also bounds automatic restarts.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
	return e.attach(ctx)
}

// Restart replaces the backend. In-flight requests fail with a crash
// error, session mappings are cleared and every connection returns to idle.
func (e *Engine) Restart(ctx context.Context) error {
	e.mu.Lock()
	old := e.agent
	e.agent = nil
	e.mu.Unlock()
	if old != nil {
		if err := old.Close(ctx); err != nil {
			e.log.Debug("closing previous backend", zap.Error(err))
		}
	}
	if err := e.attach(ctx); err != nil {
		return err
	}
	e.sessions.Reset()
	e.mu.Lock()
	e.owners = make(map[string]*Connection)
	conns := e.connections()
	e.mu.Unlock()
	for _, c := range conns {
		c.reset()
	}
	e.lifecycle("backend_restarted", nil)
	e.log.Info("backend agent restarted")
	return nil
}

// Close shuts the backend down. Connections stay open and fail fast.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	agent := e.agent
	e.agent = nil
	e.mu.Unlock()
	if agent == nil {
		return nil
	}
	return agent.Close(ctx)
}

// Serve runs one client connection until r ends or ctx is done, then waits
// for the backend calls it issued to resolve or time out.
func (e *Engine) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	c := e.newConnection(w)
	e.register(c)
	defer e.unregister(c)
	c.log.Debug("client connected")

	err := c.readLoop(ctx, r)
	c.release()
	c.log.Debug("client disconnected", zap.Error(err))
	return err
}

// Sessions returns the session table.
func (e *Engine) Sessions() *session.Table { return e.sessions }

// Interceptor returns the permission interceptor, for approvers that
// resolve requests out of band.
func (e *Engine) Interceptor() *safety.Interceptor { return e.interceptor }

// Kill marks a session killed. Its pending permission requests are
// cancelled, the backend is asked to stop the current turn, and later
// prompts are refused.
func (e *Engine) Kill(sessionID string) {
	e.sessions.Kill(sessionID)
	e.interceptor.CancelSession(sessionID)
	if agent, err := e.currentAgent(); err == nil {
		backendID := e.sessions.ResolveBackendID(sessionID)
		if err := agent.Notify(acp.MethodSessionCancel, acp.CancelParams{SessionID: backendID}); err != nil {
			e.log.Debug("cancel after kill not delivered", zap.Error(err))
		}
	}
	e.log.Warn("session killed", zap.String("session", sessionID))
}

func (e *Engine) attach(ctx context.Context) error {
	agent, err := e.opts.Dial(ctx)
	if err != nil {
		return errors.Wrapf(err, "start backend agent")
	}
	agent.OnNotification(e.handleNotification)
	agent.OnRequest(e.handleRequest)
	agent.OnResponse(e.handleResponse)

	initCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	params := e.initializeParams()
	e.auditJSON("", audit.FrameBackendOut, map[string]any{"method": acp.MethodInitialize, "params": params})
	msg, err := agent.Request(initCtx, acp.MethodInitialize, params, e.opts.RequestTimeout)
	if err != nil {
		_ = agent.Close(ctx)
		return errors.Wrapf(err, "initialize backend agent")
	}
	e.auditMessage("", audit.FrameBackendIn, msg)

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.agent = agent
	e.initResult = msg.Result
	e.closed = false
	e.mu.Unlock()

	agent.OnExit(func(err error) { e.backendExited(gen, agent, err) })
	e.lifecycle("backend_ready", nil)
	return nil
}

func (e *Engine) initializeParams() acp.InitializeParams {
	fs := e.opts.Workspace != nil
	caps, _ := json.Marshal(map[string]any{
		"fs": map[string]bool{"readTextFile": fs, "writeTextFile": fs},
	})
	return acp.InitializeParams{
		ProtocolVersion:    acp.ProtocolVersion,
		ClientCapabilities: caps,
		ClientInfo:         &acp.Implementation{Name: "acpbridge", Version: Version},
	}
}

// backendExited drains every connection. Exits of a replaced backend are
// ignored.
func (e *Engine) backendExited(gen int, agent backend.Agent, err error) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	unexpected := e.agent == agent && !e.closed
	if e.agent == agent {
		e.agent = nil
	}
	conns := e.connections()
	ctx := e.ctx
	e.mu.Unlock()

	if unexpected {
		e.log.Error("backend agent exited", zap.Error(err))
	} else {
		e.log.Info("backend agent stopped", zap.Error(err))
	}
	e.lifecycle("backend_exited", err)
	e.interceptor.CancelAll()
	for _, c := range conns {
		c.drain(err)
	}

	if unexpected && e.opts.Restart {
		e.clock.AfterFunc(RestartDelay, func() {
			if ctx.Err() != nil {
				return
			}
			if err := e.Restart(ctx); err != nil {
				e.log.Error("backend restart failed", zap.Error(err))
			}
		})
	}
}

// currentAgent returns the attached backend, or ErrBackendUnavailable.
func (e *Engine) currentAgent() (backend.Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agent == nil {
		return nil, errors.ErrBackendUnavailable
	}
	return e.agent, nil
}

func (e *Engine) cachedInitialize() (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initResult == nil {
		return nil, errors.ErrBackendUnavailable
	}
	return e.initResult, nil
}

// request sends a backend request on behalf of a session and waits for it.
func (e *Engine) request(ctx context.Context, sessionID, method string, params any) (*acp.Message, error) {
	agent, err := e.currentAgent()
	if err != nil {
		return nil, err
	}
	e.auditJSON(sessionID, audit.FrameBackendOut, map[string]any{"method": method, "params": params})
	msg, err := agent.Request(ctx, method, params, e.opts.RequestTimeout)
	if msg != nil {
		e.auditMessage(sessionID, audit.FrameBackendIn, msg)
	}
	return msg, err
}

func (e *Engine) newSessionParams() acp.NewSessionParams {
	return acp.NewSessionParams{Cwd: e.opts.Cwd, McpServers: e.opts.McpServers}
}

// ensureBackendSession returns the backend session behind a local one,
// creating it with session/new on first use.
func (e *Engine) ensureBackendSession(ctx context.Context, localID string) (string, error) {
	lock := e.sessionLock(localID)
	lock.Lock()
	defer lock.Unlock()

	s, _ := e.sessions.Ensure(localID)
	if s.BackendID != "" {
		return s.BackendID, nil
	}
	msg, err := e.request(ctx, localID, acp.MethodSessionNew, e.newSessionParams())
	if err != nil {
		return "", errors.Wrapf(err, "create backend session")
	}
	var res acp.NewSessionResult
	if err := json.Unmarshal(msg.Result, &res); err != nil || res.SessionID == "" {
		return "", errors.New("backend session/new returned no sessionId")
	}
	if err := e.sessions.Bind(localID, res.SessionID); err != nil {
		return "", err
	}
	e.log.Debug("backend session created",
		zap.String("session", localID),
		zap.String("backend_session", res.SessionID))
	if s.Model != "" {
		e.pushModel(localID)
	}
	if s.Mode != "" {
		e.pushMode(localID)
	}
	return res.SessionID, nil
}

// pushModel tells the backend about the session's selected model. The
// backend may not support switching; failures are only logged.
func (e *Engine) pushModel(localID string) {
	s, ok := e.sessions.Get(localID)
	if !ok || s.BackendID == "" || s.Model == "" {
		return
	}
	e.pushSetting(localID, acp.MethodSessionSetModel, acp.SetModelParams{SessionID: s.BackendID, ModelID: s.Model})
}

func (e *Engine) pushMode(localID string) {
	s, ok := e.sessions.Get(localID)
	if !ok || s.BackendID == "" || s.Mode == "" {
		return
	}
	e.pushSetting(localID, acp.MethodSessionSetMode, acp.SetModeParams{SessionID: s.BackendID, ModeID: s.Mode})
}

func (e *Engine) pushSetting(localID, method string, params any) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	go func() {
		if _, err := e.request(ctx, localID, method, params); err != nil {
			e.log.Debug("backend rejected session setting",
				zap.String("session", localID),
				zap.String("method", method),
				zap.Error(err))
		}
	}()
}

// loadBackendSession asks the backend to reopen a session it created
// earlier, binding the local id to it.
func (e *Engine) loadBackendSession(ctx context.Context, localID string) error {
	lock := e.sessionLock(localID)
	lock.Lock()
	defer lock.Unlock()

	if s, ok := e.sessions.Get(localID); ok && s.BackendID != "" {
		return nil
	}
	_, err := e.request(ctx, localID, acp.MethodSessionLoad, acp.LoadSessionParams{
		SessionID:  localID,
		Cwd:        e.opts.Cwd,
		McpServers: e.opts.McpServers,
	})
	if err != nil {
		return err
	}
	e.sessions.Ensure(localID)
	return e.sessions.Bind(localID, localID)
}

func (e *Engine) sessionLock(localID string) *sync.Mutex {
	lock, _ := e.sessionLocks.LoadOrStore(localID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (e *Engine) newConnection(w io.Writer) *Connection {
	e.mu.Lock()
	e.nextConnID++
	id := e.nextConnID
	e.mu.Unlock()
	return newConnection(e, id, w)
}

func (e *Engine) register(c *Connection) {
	e.mu.Lock()
	e.conns[c] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) unregister(c *Connection) {
	e.mu.Lock()
	delete(e.conns, c)
	for sid, owner := range e.owners {
		if owner == c {
			delete(e.owners, sid)
		}
	}
	e.mu.Unlock()
}

// connections returns the open connections. e.mu must be held.
func (e *Engine) connections() []*Connection {
	out := make([]*Connection, 0, len(e.conns))
	for c := range e.conns {
		out = append(out, c)
	}
	return out
}

func (e *Engine) setOwner(sessionID string, c *Connection) {
	e.mu.Lock()
	e.owners[sessionID] = c
	e.mu.Unlock()
}

func (e *Engine) dropOwner(sessionID string) {
	e.mu.Lock()
	delete(e.owners, sessionID)
	e.mu.Unlock()
}

// owner returns the connection a session's backend traffic goes to. With a
// single connection open, that connection owns every session.
func (e *Engine) owner(sessionID string) *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.owners[sessionID]; ok {
		return c
	}
	if len(e.conns) == 1 {
		for c := range e.conns {
			return c
		}
	}
	return nil
}

func (e *Engine) handleNotification(msg *acp.Message) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	_ = msg.DecodeParams(&params)
	local := e.sessions.LocalID(params.SessionID)
	e.auditMessage(local, audit.FrameBackendIn, msg)

	if _, entries, ok := normalize.Plan(msg); ok {
		e.sessions.SetPlan(local, entries)
	}
	c := e.owner(local)
	if c == nil {
		e.log.Debug("backend notification for a session with no client",
			zap.String("method", msg.Method),
			zap.String("session", local))
		return
	}
	c.backendNotification(local, msg)
}

// handleResponse runs before a backend answer is delivered. Text streamed
// after a prompt's answer belongs to a later turn.
func (e *Engine) handleResponse(id int64) {
	e.mu.Lock()
	conns := e.connections()
	e.mu.Unlock()
	for _, c := range conns {
		if c.corr.SealTurn(id) {
			return
		}
	}
}

func (e *Engine) handleRequest(msg *acp.Message, reply backend.Reply) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	_ = msg.DecodeParams(&params)
	local := e.sessions.LocalID(params.SessionID)
	e.auditMessage(local, audit.FrameBackendIn, msg)

	switch msg.Method {
	case acp.MethodRequestPermission:
		e.requestPermission(local, msg, reply)
	case acp.MethodReadTextFile, acp.MethodWriteTextFile:
		go e.serveFile(msg, reply)
	default:
		reply(nil, errors.NewRPCError(errors.CodeMethodNotFound, "method not found: %s", msg.Method))
	}
}

// requestPermission classifies a permission request. Requests that need a
// decision are shown to the session's client; the approver sees them too.
func (e *Engine) requestPermission(local string, msg *acp.Message, reply backend.Reply) {
	var params acp.RequestPermissionParams
	if err := msg.DecodeParams(&params); err != nil {
		reply(nil, errors.NewRPCError(errors.CodeInvalidParams, "invalid permission request: %v", err))
		return
	}
	respond := func(res acp.RequestPermissionResult) {
		e.auditJSON(local, audit.FrameBackendOut, res)
		reply(res, nil)
	}
	req, needsDecision := e.interceptor.Intercept(local, params, respond)
	if !needsDecision {
		return
	}

	ev := normalize.ToEvent(msg)
	ev.SessionID = local
	ev.PermissionID = req.ID
	ev.Risk = req.Risk
	ev.Options = req.Options
	if c := e.owner(local); c != nil {
		c.emit(ev)
		return
	}
	e.log.Info("permission request has no client, waiting for the approver",
		zap.String("permission", req.ID),
		zap.String("session", local))
}

func (e *Engine) lifecycle(event string, err error) {
	rec := map[string]string{"event": event}
	if err != nil {
		rec["error"] = err.Error()
	}
	e.auditJSON("", audit.FrameLifecycle, rec)
}

func (e *Engine) auditJSON(sessionID, frameType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	e.audit.AddFrame(sessionID, frameType, data)
}

func (e *Engine) auditMessage(sessionID, frameType string, msg *acp.Message) {
	data, err := msg.Marshal()
	if err != nil {
		return
	}
	e.audit.AddFrame(sessionID, frameType, data)
}

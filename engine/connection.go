package engine

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/audit"
	"github.com/m4xw311/acpbridge/backend"
	"github.com/m4xw311/acpbridge/correlate"
	"github.com/m4xw311/acpbridge/dialect"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/framing"
	"github.com/m4xw311/acpbridge/message"
	"github.com/m4xw311/acpbridge/normalize"
	"go.uber.org/zap"
)

// State is the lifecycle of one client connection.
type State int

const (
	// StateIdle waits for the first client document.
	StateIdle State = iota
	// StateRunning translates traffic in both directions.
	StateRunning
	// StateDraining accepts no new work while in-flight requests settle.
	StateDraining
	// StateClosed has no backend; backend-bound calls fail fast.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one client attached to the engine.
type Connection struct {
	id     int
	e      *Engine
	log    *zap.Logger
	framer *framing.Framer
	detect *dialect.Detector
	corr   *correlate.Correlator

	wmu sync.Mutex
	w   io.Writer

	mu            sync.Mutex
	state         State
	streamSession string
	foreground    string

	calls sync.WaitGroup
}

func newConnection(e *Engine, id int, w io.Writer) *Connection {
	log := e.log.With(zap.Int("conn", id))
	sdk := dialect.NewSDK()
	sdk.Now = e.clock.Now
	c := &Connection{
		id:  id,
		e:   e,
		log: log,
		w:   w,
		framer: framing.New(framing.Options{
			Logger:       log,
			MaxFrameSize: e.opts.MaxFrameSize,
		}),
		detect: dialect.NewDetector(dialect.NewPassthrough(), sdk, dialect.NewStream()),
		corr: correlate.New(correlate.Options{
			Sessions:    e.sessions,
			Clock:       e.clock,
			Logger:      log,
			TurnTimeout: e.opts.TurnTimeout,
		}),
	}
	if _, err := e.currentAgent(); err != nil {
		c.state = StateClosed
	}
	return c
}

// State reports the connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state != s {
		c.log.Debug("connection state", zap.Stringer("from", c.state), zap.Stringer("to", s))
		c.state = s
	}
	c.mu.Unlock()
}

// markRunning moves an idle connection to running once it has traffic.
func (c *Connection) markRunning() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.state = StateRunning
	}
	c.mu.Unlock()
}

// reset returns the connection to idle after a new backend is attached.
func (c *Connection) reset() {
	c.corr.EndTurns()
	c.mu.Lock()
	c.streamSession = ""
	c.foreground = ""
	c.mu.Unlock()
	c.setState(StateIdle)
}

// drain fails every in-flight request after the backend died, then closes
// the connection to backend traffic.
func (c *Connection) drain(cause error) {
	c.setState(StateDraining)
	failed := c.corr.FailAll()
	for _, p := range failed {
		c.failPending(p, cause)
	}
	c.corr.EndTurns()
	c.setState(StateClosed)
	if len(failed) > 0 {
		c.log.Warn("failed in-flight requests after backend exit", zap.Int("count", len(failed)))
	}
}

// release waits for the backend calls of a departing client.
func (c *Connection) release() {
	if c.State() != StateClosed {
		c.setState(StateDraining)
	}
	c.calls.Wait()
	c.setState(StateClosed)
}

func (c *Connection) readLoop(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, doc := range c.framer.Push(buf[:n]) {
				c.handle(ctx, doc)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(err, "read client stream")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Connection) handle(ctx context.Context, doc json.RawMessage) {
	codec, ok := c.detect.Detect(doc)
	if !ok {
		c.e.audit.AddFrame("", audit.FrameClientIn, doc)
		// A JSON-RPC request no codec accepts still has an id to answer.
		if id := documentID(doc); id != nil && isJSONRPC(doc) {
			c.log.Warn("invalid client payload", zap.ByteString("doc", truncate(doc)))
			c.reply(id, "", nil, errors.NewRPCError(errors.CodeInvalidPayload, "invalid payload"))
			return
		}
		c.log.Warn("dropping document of unknown dialect", zap.ByteString("doc", truncate(doc)))
		return
	}
	c.markRunning()

	env, err := codec.Decode(doc)
	if err != nil {
		c.log.Warn("invalid client payload", zap.String("dialect", string(codec.Name())), zap.Error(err))
		c.e.audit.AddFrame("", audit.FrameClientIn, doc)
		c.emit(message.ErrorEvent(documentID(doc), "", errors.CodeInvalidPayload, "invalid payload"))
		return
	}
	c.e.audit.AddFrame(sessionOf(env), audit.FrameClientIn, doc)

	switch env.Dialect {
	case message.DialectSDK:
		c.handleSDK(ctx, env)
	case message.DialectPassthrough:
		c.handleACP(ctx, env)
	case message.DialectStream:
		c.handleStream(ctx, env)
	}
}

// handleIntent applies the dialect-agnostic part of a client message. It
// reports false for intents that need dialect-specific handling.
func (c *Connection) handleIntent(intent message.Intent) bool {
	switch intent.Kind {
	case message.IntentPermissionDecision:
		c.decide(intent)
	case message.IntentToolUse:
		risk := c.e.interceptor.Classify(commandCall(intent.Command))
		c.log.Info("client reported tool use",
			zap.String("session", intent.SessionID),
			zap.String("command", intent.Command),
			zap.String("risk", risk))
	case message.IntentTokenUsage:
		c.log.Debug("client reported token usage",
			zap.String("session", intent.SessionID),
			zap.String("model", intent.Usage.Model),
			zap.Int("input_tokens", intent.Usage.InputTokens),
			zap.Int("output_tokens", intent.Usage.OutputTokens))
	case message.IntentNoop:
	default:
		return false
	}
	return true
}

// decide resolves a pending permission request with the client's answer.
func (c *Connection) decide(intent message.Intent) bool {
	var ok bool
	if optionID, _ := intent.Meta["optionId"].(string); optionID != "" {
		ok = c.e.interceptor.ResolveOption(intent.PermissionID, optionID)
	} else {
		ok = c.e.interceptor.Resolve(intent.PermissionID, intent.Decision)
	}
	if !ok {
		c.log.Debug("decision for unknown permission request", zap.String("permission", intent.PermissionID))
	}
	return ok
}

// cancel stops the current turn of a session. The pending prompt is left
// to resolve; the backend answers it with a cancelled stop reason.
func (c *Connection) cancel(sessionID string) {
	if sessionID == "" {
		return
	}
	c.e.interceptor.CancelSession(sessionID)
	c.e.sessions.Complete(sessionID)
	agent, err := c.e.currentAgent()
	if err != nil {
		return
	}
	params := acp.CancelParams{SessionID: c.e.sessions.ResolveBackendID(sessionID)}
	c.e.auditJSON(sessionID, audit.FrameBackendOut, map[string]any{"method": acp.MethodSessionCancel, "params": params})
	if err := agent.Notify(acp.MethodSessionCancel, params); err != nil {
		c.log.Debug("cancel not delivered", zap.String("session", sessionID), zap.Error(err))
	}
}

// turn is one prompt on its way to the backend.
type turn struct {
	clientID  json.RawMessage
	sessionID string
	text      string
	mode      correlate.Mode
	// params, when set, is forwarded as the session/prompt params with
	// only the session id replaced.
	params json.RawMessage
}

// startTurn forwards a prompt. Errors returned have not been reported to
// the client. Once the prompt is sent, exactly one terminal event follows:
// the backend answer, a synthesized end of turn on timeout, or a crash
// error.
func (c *Connection) startTurn(ctx context.Context, t turn) error {
	if c.e.kill.IsKilled(t.sessionID) {
		return errors.ErrSessionKilled
	}
	if c.State() == StateClosed {
		return errors.ErrBackendUnavailable
	}
	agent, err := c.e.currentAgent()
	if err != nil {
		return err
	}

	var params any
	if t.params != nil {
		p, err := withSessionID(t.params, c.e.sessions.ResolveBackendID(t.sessionID))
		if err != nil {
			return errors.NewRPCError(errors.CodeInvalidParams, "invalid prompt params: %v", err)
		}
		c.e.sessions.Ensure(t.sessionID)
		params = p
	} else {
		backendID, err := c.e.ensureBackendSession(ctx, t.sessionID)
		if err != nil {
			return err
		}
		params = acp.PromptParams{SessionID: backendID, Prompt: acp.TextBlocks(t.text)}
	}

	c.e.setOwner(t.sessionID, c)
	c.e.sessions.Activate(t.sessionID)
	c.e.sessions.AddMessage(t.sessionID, "user", t.text)
	turnID := c.corr.BeginTurn(t.sessionID)

	call, err := agent.Start(acp.MethodSessionPrompt, params, c.corr.TurnTimeout()+backendGrace)
	if err != nil {
		c.corr.Flush(t.sessionID, turnID)
		return err
	}
	c.e.auditJSON(t.sessionID, audit.FrameBackendOut, map[string]any{"method": acp.MethodSessionPrompt, "params": params})

	p := correlate.Pending{
		BackendID: call.ID,
		ClientID:  t.clientID,
		SessionID: t.sessionID,
		Method:    acp.MethodSessionPrompt,
		Mode:      t.mode,
		Turn:      turnID,
	}
	c.corr.Track(p, c.corr.TurnTimeout(), c.turnTimedOut)
	c.await(ctx, call, p)
	return nil
}

// forward relays an arbitrary client request to the backend and its
// answer back under the client's id.
func (c *Connection) forward(ctx context.Context, env *message.Envelope) error {
	if c.State() == StateClosed {
		return errors.ErrBackendUnavailable
	}
	agent, err := c.e.currentAgent()
	if err != nil {
		return err
	}
	local := ""
	params := env.Params
	if sid := sessionField(params); sid != "" {
		local = c.e.sessions.LocalID(sid)
		if params, err = withSessionID(params, c.e.sessions.ResolveBackendID(local)); err != nil {
			return errors.NewRPCError(errors.CodeInvalidParams, "invalid params: %v", err)
		}
	}
	call, err := agent.Start(env.Method, params, c.e.opts.RequestTimeout)
	if err != nil {
		return err
	}
	c.e.auditJSON(local, audit.FrameBackendOut, map[string]any{"method": env.Method, "params": params})

	p := correlate.Pending{
		BackendID: call.ID,
		ClientID:  env.ID,
		SessionID: local,
		Method:    env.Method,
		Mode:      correlate.ModeForward,
	}
	c.corr.Track(p, 0, nil)
	c.await(ctx, call, p)
	return nil
}

// backendGrace is how much longer the backend request itself may run than
// the turn timeout, so the synthesized end of turn always comes first.
const backendGrace = 5 * time.Second

// await resolves a pending entry when its call completes.
func (c *Connection) await(ctx context.Context, call *backend.Call, p correlate.Pending) {
	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		msg, err := call.Wait(ctx)
		if msg != nil {
			c.e.auditMessage(p.SessionID, audit.FrameBackendIn, msg)
		}
		if _, ok := c.corr.Resolve(p.BackendID); !ok {
			c.log.Debug("dropping late backend answer", zap.Int64("id", p.BackendID), zap.String("method", p.Method))
			return
		}
		if err != nil {
			c.failPending(p, err)
			return
		}
		c.finish(p, msg)
	}()
}

// finish renders the backend answer to a pending request.
func (c *Connection) finish(p correlate.Pending, msg *acp.Message) {
	ev := normalize.ToEvent(msg)
	ev.SessionID = p.SessionID
	ev.RequestID = p.ClientID

	switch p.Method {
	case acp.MethodSessionPrompt:
		text, _ := c.corr.Flush(p.SessionID, p.Turn)
		if text != "" {
			c.e.sessions.AddMessage(p.SessionID, "assistant", text)
		}
		ev.Text = text
		ev.Deferred = p.Mode == correlate.ModeDeferred && ev.Kind == message.EventResponse
	case acp.MethodSessionNew:
		var res acp.NewSessionResult
		if ev.Kind == message.EventResponse && json.Unmarshal(msg.Result, &res) == nil && res.SessionID != "" {
			c.adopt(res.SessionID)
			ev.SessionID = res.SessionID
		}
	case acp.MethodSessionLoad:
		if ev.Kind == message.EventResponse && p.SessionID != "" {
			c.adopt(p.SessionID)
		}
	}
	if p.Mode != correlate.ModeForward {
		ev.RequestID = nil
	}
	if p.Mode == correlate.ModeInternal {
		return
	}
	c.emit(ev)
}

// adopt records a session a pass-through client created directly on the
// backend. Its local and backend ids are the same.
func (c *Connection) adopt(sessionID string) {
	c.e.sessions.Ensure(sessionID)
	if err := c.e.sessions.Bind(sessionID, sessionID); err != nil {
		c.log.Warn("cannot adopt backend session", zap.String("session", sessionID), zap.Error(err))
	}
	c.e.setOwner(sessionID, c)
}

// turnTimedOut ends a turn the backend did not answer in time. The client
// gets a normal end of turn carrying whatever text arrived.
func (c *Connection) turnTimedOut(p correlate.Pending) {
	text, _ := c.corr.Flush(p.SessionID, p.Turn)
	if text != "" {
		c.e.sessions.AddMessage(p.SessionID, "assistant", text)
	}
	ev := message.Event{
		Kind:       message.EventResponse,
		SessionID:  p.SessionID,
		Text:       text,
		StopReason: acp.StopEndTurn,
		Deferred:   p.Mode == correlate.ModeDeferred,
	}
	if p.Mode == correlate.ModeForward {
		ev.RequestID = p.ClientID
	}
	if p.Mode != correlate.ModeInternal {
		c.emit(ev)
	}
}

// failPending reports a request that will never get its backend answer.
func (c *Connection) failPending(p correlate.Pending, cause error) {
	if p.Method == acp.MethodSessionPrompt {
		c.corr.Flush(p.SessionID, p.Turn)
	}
	if p.Mode == correlate.ModeInternal {
		return
	}
	c.reject(p.ClientID, p.Mode, p.SessionID, cause)
}

// reject renders err for a client request. Requests already acknowledged
// get a session error instead of a response.
func (c *Connection) reject(clientID json.RawMessage, mode correlate.Mode, sessionID string, err error) {
	rpcErr := errors.ToRPC(err)
	ev := message.ErrorEvent(nil, sessionID, rpcErr.Code, rpcErr.Message)
	if mode == correlate.ModeForward {
		ev.RequestID = clientID
	}
	c.emit(ev)
}

// backendNotification renders a backend notification for this client,
// feeding streamed text into the session's turn buffer.
func (c *Connection) backendNotification(local string, msg *acp.Message) {
	ev := normalize.ToEvent(msg)
	ev.SessionID = local
	switch ev.Kind {
	case message.EventMessageChunk:
		if ev.Text != "" {
			c.corr.Buffer(local, ev.Text)
		}
	case message.EventToolCall:
		if call, ok := toolCallOf(msg); ok {
			risk := c.e.interceptor.Classify(call)
			if risk == message.RiskHigh {
				c.log.Warn("agent started a high-risk tool call",
					zap.String("session", local),
					zap.String("tool_call", ev.ToolCallID),
					zap.String("command", ev.Command))
			}
		}
	}
	c.emit(ev)
}

// emit renders an event in the connection's dialect and writes it.
func (c *Connection) emit(ev message.Event) {
	codec := c.detect.Chosen()
	if codec == nil {
		return
	}
	docs, err := codec.Encode(ev)
	if err != nil {
		c.log.Error("cannot render event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	for _, doc := range docs {
		c.write(ev.SessionID, doc)
	}
}

// reply answers a JSON-RPC client request.
func (c *Connection) reply(id json.RawMessage, sessionID string, result any, err error) {
	if len(id) == 0 {
		return
	}
	var msg *acp.Message
	if err != nil {
		msg = acp.NewError(id, errors.ToRPC(err))
	} else if msg, err = acp.NewResult(id, result); err != nil {
		msg = acp.NewError(id, errors.NewRPCError(errors.CodeInternal, "marshal result: %v", err))
	}
	data, err := msg.Marshal()
	if err != nil {
		c.log.Error("cannot marshal reply", zap.Error(err))
		return
	}
	c.write(sessionID, data)
}

func (c *Connection) write(sessionID string, doc json.RawMessage) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(c.framer.Encode(doc)); err != nil {
		c.log.Debug("client write failed", zap.Error(err))
		return
	}
	c.e.audit.AddFrame(sessionID, audit.FrameClientOut, doc)
}

func (c *Connection) newMessageID() string { return uuid.NewString() }

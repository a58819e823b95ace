package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/correlate"
	"github.com/m4xw311/acpbridge/dialect"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/llm"
	"github.com/m4xw311/acpbridge/message"
	"github.com/m4xw311/acpbridge/normalize"
	"github.com/m4xw311/acpbridge/tools/mcp"
	"go.uber.org/zap"
)

// DefaultMode is reported by session.mode.get before a mode is set.
const DefaultMode = "interactive"

// sdkCall is one SDK request being served. Handlers that must answer before
// emitting follow-up events reply early; otherwise their return value is the
// reply.
type sdkCall struct {
	env     *message.Envelope
	replied bool
}

func (call *sdkCall) params(v any) error {
	if err := decodeParams(call.env, v); err != nil {
		return errors.NewRPCError(errors.CodeInvalidParams, "invalid params for %s: %v", call.env.Method, err)
	}
	return nil
}

type sdkHandler func(ctx context.Context, c *Connection, call *sdkCall) (any, error)

var sdkMethods = map[string]sdkHandler{
	dialect.SDKPing:                 sdkPing,
	dialect.SDKStatusGet:            sdkStatus,
	dialect.SDKAuthGetStatus:        sdkAuthStatus,
	dialect.SDKModelsList:           sdkModels,
	dialect.SDKToolsList:            sdkTools,
	dialect.SDKAccountGetQuota:      sdkQuota,
	dialect.SDKSessionCreate:        sdkSessionCreate,
	dialect.SDKSessionResume:        sdkSessionResume,
	dialect.SDKSessionSend:          sdkSessionSend,
	dialect.SDKPrompt:               sdkSessionSend,
	dialect.SDKSessionGetMessages:   sdkSessionMessages,
	dialect.SDKSessionDestroy:       sdkSessionDelete,
	dialect.SDKSessionDelete:        sdkSessionDelete,
	dialect.SDKSessionAbort:         sdkSessionAbort,
	dialect.SDKCancel:               sdkSessionAbort,
	dialect.SDKSessionList:          sdkSessionList,
	dialect.SDKSessionGetLastID:     sdkSessionLastID,
	dialect.SDKSessionGetForeground: sdkGetForeground,
	dialect.SDKSessionSetForeground: sdkSetForeground,
	dialect.SDKModelGetCurrent:      sdkModelCurrent,
	dialect.SDKModelSwitchTo:        sdkModelSwitch,
	dialect.SDKModeGet:              sdkModeGet,
	dialect.SDKModeSet:              sdkModeSet,
	dialect.SDKPlanRead:             sdkPlanRead,
	dialect.SDKPlanUpdate:           sdkPlanUpdate,
	dialect.SDKPlanDelete:           sdkPlanDelete,
	dialect.SDKWorkspaceListFiles:   sdkListFiles,
	dialect.SDKWorkspaceReadFile:    sdkReadFile,
	dialect.SDKWorkspaceCreateFile:  sdkCreateFile,
}

// handleSDK serves an SDK-style client. Known methods are answered from the
// table; permission answers and other notices go through the normalizer.
func (c *Connection) handleSDK(ctx context.Context, env *message.Envelope) {
	if h, ok := sdkMethods[env.Method]; ok && env.Method != "" {
		call := &sdkCall{env: env}
		result, err := h(ctx, c, call)
		if !call.replied {
			c.reply(env.ID, sessionOf(env), result, err)
		}
		return
	}

	intent := normalize.ToIntent(env)
	switch {
	case intent.Kind == message.IntentPermissionDecision:
		ok := c.decide(intent)
		if env.IsRequest() {
			c.reply(env.ID, intent.SessionID, map[string]bool{"success": ok}, nil)
		}
	case env.IsRequest() && (intent.Kind == message.IntentNoop || intent.Kind == message.IntentPrompt):
		c.reply(env.ID, "", nil, errors.NewRPCError(errors.CodeMethodNotFound, "method not found: %s", env.Method))
	default:
		c.handleIntent(intent)
		if env.IsRequest() {
			c.reply(env.ID, intent.SessionID, map[string]bool{"success": true}, nil)
		}
	}
}

func (c *Connection) sdk() *dialect.SDK {
	if sdk, ok := c.detect.Chosen().(*dialect.SDK); ok {
		return sdk
	}
	return dialect.NewSDK()
}

// replyNow answers an SDK request before the handler returns.
func (c *Connection) replyNow(call *sdkCall, sessionID string, result any) {
	call.replied = true
	c.reply(call.env.ID, sessionID, result, nil)
}

func (c *Connection) sessionEvent(sessionID, eventType string, data any) {
	doc, err := c.sdk().SessionEvent(sessionID, eventType, data)
	if err != nil {
		c.log.Error("cannot render session event", zap.String("type", eventType), zap.Error(err))
		return
	}
	c.write(sessionID, doc)
}

func (c *Connection) lifecycleEvent(lifecycleType, sessionID string) {
	doc, err := c.sdk().Lifecycle(lifecycleType, sessionID)
	if err != nil {
		c.log.Error("cannot render lifecycle event", zap.String("type", lifecycleType), zap.Error(err))
		return
	}
	c.write(sessionID, doc)
}

// foregroundSession is the session SDK calls without a sessionId act on.
func (c *Connection) foregroundSession() string {
	c.mu.Lock()
	fg := c.foreground
	c.mu.Unlock()
	if fg != "" {
		if _, ok := c.e.sessions.Get(fg); ok {
			return fg
		}
	}
	return c.e.sessions.LastID()
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

// sessionFor resolves the target session of a call, defaulting to the
// foreground session. The session must exist.
func (c *Connection) sessionFor(call *sdkCall) (string, error) {
	var p sessionParams
	if err := call.params(&p); err != nil {
		return "", err
	}
	sid := p.SessionID
	if sid == "" {
		sid = c.foregroundSession()
	}
	if _, ok := c.e.sessions.Get(sid); !ok || sid == "" {
		return "", errors.NewRPCError(errors.CodeInvalidParams, "unknown session %q", sid)
	}
	return sid, nil
}

func sdkPing(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	var p struct {
		Message string `json:"message"`
	}
	if err := call.params(&p); err != nil {
		return nil, err
	}
	msg := "pong"
	if p.Message != "" {
		msg = "pong: " + p.Message
	}
	return map[string]any{
		"message":         msg,
		"timestamp":       c.e.clock.Now().UnixMilli(),
		"protocolVersion": acp.ProtocolVersion,
	}, nil
}

func sdkStatus(_ context.Context, c *Connection, _ *sdkCall) (any, error) {
	backendState := "ready"
	if _, err := c.e.currentAgent(); err != nil {
		backendState = "unavailable"
	}
	return map[string]any{
		"version":         Version,
		"protocolVersion": acp.ProtocolVersion,
		"backend":         backendState,
		"connection":      c.State().String(),
	}, nil
}

func sdkAuthStatus(ctx context.Context, c *Connection, _ *sdkCall) (any, error) {
	if c.e.opts.Auth == nil {
		return llm.AuthStatus{StatusMessage: "no credential probe configured"}, nil
	}
	return c.e.opts.Auth.Probe(ctx, c.e.opts.LLMClient), nil
}

func sdkModels(ctx context.Context, c *Connection, _ *sdkCall) (any, error) {
	models := []llm.Model{}
	if c.e.opts.Models != nil {
		listed, err := c.e.opts.Models.ListModels(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "list models")
		}
		models = append(models, listed...)
	}
	return map[string]any{"models": models}, nil
}

func sdkTools(ctx context.Context, c *Connection, _ *sdkCall) (any, error) {
	list := []mcp.ToolInfo{}
	if c.e.opts.Tools != nil {
		found, err := c.e.opts.Tools.ListTools(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "list tools")
		}
		list = append(list, found...)
	}
	return map[string]any{"tools": list}, nil
}

func sdkQuota(context.Context, *Connection, *sdkCall) (any, error) {
	return map[string]any{"quotaSnapshots": map[string]any{}}, nil
}

func sdkSessionCreate(ctx context.Context, c *Connection, call *sdkCall) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Model     string `json:"model"`
	}
	if err := call.params(&p); err != nil {
		return nil, err
	}
	if c.State() == StateClosed {
		return nil, errors.ErrBackendUnavailable
	}
	s, created := c.e.sessions.Ensure(p.SessionID)
	if p.Model != "" {
		c.e.sessions.SetModel(s.LocalID, p.Model)
	}
	if _, err := c.e.ensureBackendSession(ctx, s.LocalID); err != nil {
		if created {
			c.e.sessions.Delete(s.LocalID)
		}
		return nil, err
	}
	c.e.setOwner(s.LocalID, c)
	c.e.sessions.SetLast(s.LocalID)
	c.replyNow(call, s.LocalID, map[string]string{"sessionId": s.LocalID})
	if created {
		c.lifecycleEvent(dialect.LifecycleCreated, s.LocalID)
	}
	return nil, nil
}

// sdkSessionResume reattaches a session. One the bridge does not know is
// loaded from the backend, or started fresh when the backend cannot load
// it.
func sdkSessionResume(ctx context.Context, c *Connection, call *sdkCall) (any, error) {
	var p sessionParams
	if err := call.params(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, errors.NewRPCError(errors.CodeInvalidParams, "sessionId is required")
	}
	if c.State() == StateClosed {
		return nil, errors.ErrBackendUnavailable
	}
	if s, ok := c.e.sessions.Get(p.SessionID); !ok || s.BackendID == "" {
		c.e.sessions.Ensure(p.SessionID)
		if err := c.e.loadBackendSession(ctx, p.SessionID); err != nil {
			c.log.Info("backend cannot load session, starting a new one",
				zap.String("session", p.SessionID), zap.Error(err))
			if _, err := c.e.ensureBackendSession(ctx, p.SessionID); err != nil {
				return nil, err
			}
		}
	}
	c.e.sessions.Activate(p.SessionID)
	c.e.sessions.SetLast(p.SessionID)
	c.e.setOwner(p.SessionID, c)
	c.replyNow(call, p.SessionID, map[string]string{"sessionId": p.SessionID})
	c.lifecycleEvent(dialect.LifecycleUpdated, p.SessionID)
	return nil, nil
}

// sdkSessionSend acknowledges a prompt with a message id at once. The
// assistant's answer follows as session events when the turn ends.
func sdkSessionSend(ctx context.Context, c *Connection, call *sdkCall) (any, error) {
	intent := normalize.ToIntent(call.env)
	if intent.Kind != message.IntentPrompt {
		return nil, errors.NewRPCError(errors.CodeInvalidParams, "%s needs a prompt", call.env.Method)
	}
	sid := intent.SessionID
	if sid == "" {
		sid = c.foregroundSession()
	}
	if sid != "" && c.e.kill.IsKilled(sid) {
		return nil, errors.ErrSessionKilled
	}
	if c.State() == StateClosed {
		return nil, errors.ErrBackendUnavailable
	}
	s, created := c.e.sessions.Ensure(sid)
	sid = s.LocalID
	c.e.setOwner(sid, c)

	messageID := c.newMessageID()
	c.replyNow(call, sid, map[string]string{"messageId": messageID})
	if created {
		c.lifecycleEvent(dialect.LifecycleCreated, sid)
	}
	c.sessionEvent(sid, dialect.EventUserMessage, map[string]string{
		"messageId": messageID,
		"content":   intent.Text,
	})

	err := c.startTurn(ctx, turn{
		clientID:  call.env.ID,
		sessionID: sid,
		text:      intent.Text,
		mode:      correlate.ModeDeferred,
	})
	if err != nil {
		c.reject(nil, correlate.ModeDeferred, sid, err)
	}
	return nil, nil
}

func sdkSessionMessages(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	sid, err := c.sessionFor(call)
	if err != nil {
		return nil, err
	}
	s, _ := c.e.sessions.Get(sid)
	sdk := c.sdk()
	events := make([]any, 0, len(s.Messages))
	for _, m := range s.Messages {
		eventType := dialect.EventUserMessage
		if m.Role == "assistant" {
			eventType = dialect.EventAssistantMessage
		}
		events = append(events, sdk.HistoryEvent(eventType, map[string]string{"content": m.Content}, m.At))
	}
	return map[string]any{"events": events}, nil
}

func sdkSessionDelete(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	var p sessionParams
	if err := call.params(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, errors.NewRPCError(errors.CodeInvalidParams, "sessionId is required")
	}
	if len(c.corr.PendingForSession(p.SessionID)) > 0 {
		c.cancel(p.SessionID)
	}
	c.e.interceptor.CancelSession(p.SessionID)
	existed := c.e.sessions.Delete(p.SessionID)
	c.e.dropOwner(p.SessionID)
	c.mu.Lock()
	if c.foreground == p.SessionID {
		c.foreground = ""
	}
	c.mu.Unlock()
	c.replyNow(call, p.SessionID, map[string]any{})
	if existed {
		c.lifecycleEvent(dialect.LifecycleDeleted, p.SessionID)
	}
	return nil, nil
}

func sdkSessionAbort(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	var p sessionParams
	if err := call.params(&p); err != nil {
		return nil, err
	}
	sid := p.SessionID
	if sid == "" {
		sid = c.foregroundSession()
	}
	c.cancel(sid)
	return map[string]bool{"ok": true}, nil
}

type sessionSummary struct {
	SessionID    string `json:"sessionId"`
	StartTime    string `json:"startTime"`
	ModifiedTime string `json:"modifiedTime"`
	Summary      string `json:"summary,omitempty"`
	Status       string `json:"status"`
	IsRemote     bool   `json:"isRemote"`
}

func sdkSessionList(_ context.Context, c *Connection, _ *sdkCall) (any, error) {
	list := c.e.sessions.List()
	out := make([]sessionSummary, 0, len(list))
	for _, s := range list {
		out = append(out, sessionSummary{
			SessionID:    s.LocalID,
			StartTime:    s.CreatedAt.UTC().Format(time.RFC3339Nano),
			ModifiedTime: s.UpdatedAt.UTC().Format(time.RFC3339Nano),
			Summary:      s.Summary,
			Status:       string(s.Status),
		})
	}
	return map[string]any{"sessions": out}, nil
}

func sdkSessionLastID(_ context.Context, c *Connection, _ *sdkCall) (any, error) {
	out := map[string]string{}
	if last := c.e.sessions.LastID(); last != "" {
		out["sessionId"] = last
	}
	return out, nil
}

func sdkGetForeground(_ context.Context, c *Connection, _ *sdkCall) (any, error) {
	out := map[string]string{}
	if fg := c.foregroundSession(); fg != "" {
		out["sessionId"] = fg
	}
	return out, nil
}

func sdkSetForeground(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	var p sessionParams
	if err := call.params(&p); err != nil {
		return nil, err
	}
	ok := c.e.sessions.SetLast(p.SessionID)
	if ok {
		c.mu.Lock()
		c.foreground = p.SessionID
		c.mu.Unlock()
	}
	return map[string]bool{"success": ok}, nil
}

func sdkModelCurrent(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	sid, err := c.sessionFor(call)
	if err != nil {
		return nil, err
	}
	s, _ := c.e.sessions.Get(sid)
	model := s.Model
	if model == "" {
		model = c.e.opts.Model
	}
	return map[string]string{"modelId": model}, nil
}

func sdkModelSwitch(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	sid, err := c.sessionFor(call)
	if err != nil {
		return nil, err
	}
	var p struct {
		ModelID string `json:"modelId"`
		Model   string `json:"model"`
	}
	if err := call.params(&p); err != nil {
		return nil, err
	}
	model := p.ModelID
	if model == "" {
		model = p.Model
	}
	if model == "" {
		return nil, errors.NewRPCError(errors.CodeInvalidParams, "modelId is required")
	}
	c.e.sessions.SetModel(sid, model)
	c.e.pushModel(sid)
	return map[string]string{"modelId": model}, nil
}

func sdkModeGet(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	sid, err := c.sessionFor(call)
	if err != nil {
		return nil, err
	}
	s, _ := c.e.sessions.Get(sid)
	mode := s.Mode
	if mode == "" {
		mode = DefaultMode
	}
	return map[string]string{"mode": mode}, nil
}

func sdkModeSet(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	sid, err := c.sessionFor(call)
	if err != nil {
		return nil, err
	}
	var p struct {
		Mode string `json:"mode"`
	}
	if err := call.params(&p); err != nil {
		return nil, err
	}
	if p.Mode == "" {
		return nil, errors.NewRPCError(errors.CodeInvalidParams, "mode is required")
	}
	c.e.sessions.SetMode(sid, p.Mode)
	c.e.pushMode(sid)
	return map[string]string{"mode": p.Mode}, nil
}

func sdkPlanRead(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	sid, err := c.sessionFor(call)
	if err != nil {
		return nil, err
	}
	s, _ := c.e.sessions.Get(sid)
	entries := s.Plan
	if entries == nil {
		entries = []acp.PlanEntry{}
	}
	return map[string]any{
		"exists":  len(s.Plan) > 0,
		"content": planMarkdown(s.Plan),
		"entries": entries,
	}, nil
}

func sdkPlanUpdate(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	sid, err := c.sessionFor(call)
	if err != nil {
		return nil, err
	}
	var p struct {
		Content *string         `json:"content"`
		Entries []acp.PlanEntry `json:"entries"`
	}
	if err := call.params(&p); err != nil {
		return nil, err
	}
	entries := p.Entries
	if entries == nil && p.Content != nil {
		entries = parsePlan(*p.Content)
	}
	c.e.sessions.SetPlan(sid, entries)
	return map[string]any{}, nil
}

func sdkPlanDelete(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	sid, err := c.sessionFor(call)
	if err != nil {
		return nil, err
	}
	c.e.sessions.SetPlan(sid, nil)
	return map[string]any{}, nil
}

func (c *Connection) workspace() error {
	if c.e.opts.Workspace == nil {
		return errors.New("no workspace configured")
	}
	return nil
}

func sdkListFiles(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	if err := c.workspace(); err != nil {
		return nil, err
	}
	var p struct {
		Pattern string `json:"pattern"`
	}
	if err := call.params(&p); err != nil {
		return nil, err
	}
	files, err := c.e.opts.Workspace.ListFiles(p.Pattern)
	if err != nil {
		return nil, err
	}
	return map[string]any{"files": files}, nil
}

func sdkReadFile(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	if err := c.workspace(); err != nil {
		return nil, err
	}
	var p struct {
		Path string `json:"path"`
	}
	if err := call.params(&p); err != nil {
		return nil, err
	}
	content, err := c.e.opts.Workspace.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]string{"path": p.Path, "content": content}, nil
}

func sdkCreateFile(_ context.Context, c *Connection, call *sdkCall) (any, error) {
	if err := c.workspace(); err != nil {
		return nil, err
	}
	var p struct {
		Path      string `json:"path"`
		Content   string `json:"content"`
		Overwrite bool   `json:"overwrite"`
	}
	if err := call.params(&p); err != nil {
		return nil, err
	}
	if err := c.e.opts.Workspace.CreateFile(p.Path, p.Content, p.Overwrite); err != nil {
		return nil, err
	}
	return map[string]string{"path": p.Path}, nil
}

// planMarkdown renders plan entries as a task list.
func planMarkdown(entries []acp.PlanEntry) string {
	var b strings.Builder
	for _, e := range entries {
		mark := " "
		switch e.Status {
		case "completed":
			mark = "x"
		case "in_progress":
			mark = "~"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, e.Content)
	}
	return b.String()
}

// parsePlan reads a task list written by planMarkdown or by hand. Lines
// without a checkbox become pending entries.
func parsePlan(content string) []acp.PlanEntry {
	var entries []acp.PlanEntry
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimLeft(line, "-*"))
		if line == "" {
			continue
		}
		status := "pending"
		switch {
		case strings.HasPrefix(line, "[x]"), strings.HasPrefix(line, "[X]"):
			status = "completed"
		case strings.HasPrefix(line, "[~]"):
			status = "in_progress"
		}
		if strings.HasPrefix(line, "[") && len(line) >= 3 && line[2] == ']' {
			line = strings.TrimSpace(line[3:])
		}
		if line == "" {
			continue
		}
		entries = append(entries, acp.PlanEntry{Content: line, Status: status})
	}
	return entries
}

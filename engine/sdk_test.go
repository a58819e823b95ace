package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/config"
	"github.com/m4xw311/acpbridge/dialect"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/tools"
)

func newTestWorkspace(t *testing.T, dir string, files map[string]string) *tools.Workspace {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	ws, err := tools.NewWorkspace(dir, config.FilesystemAccess{})
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	return ws
}

func isSessionEvent(eventType string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		return m["method"] == dialect.SDKSessionEvent && str(m, "params", "event", "type") == eventType
	}
}

func isLifecycle(lifecycleType string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		return m["method"] == dialect.SDKSessionLifecycle && str(m, "params", "type") == lifecycleType
	}
}

// createSession runs session.create and returns the new session id.
func createSession(t *testing.T, c *testClient, id float64) string {
	t.Helper()
	c.sendJSON(map[string]any{"jsonrpc": "2.0", "id": id, "method": dialect.SDKSessionCreate, "params": map[string]any{}})
	resp := c.next()
	if !responseTo(id)(resp) {
		t.Fatalf("session.create answer = %v", resp)
	}
	sid := str(resp, "result", "sessionId")
	if sid == "" {
		t.Fatalf("session.create returned no session: %v", resp)
	}
	if lc := c.next(); !isLifecycle(dialect.LifecycleCreated)(lc) || str(lc, "params", "sessionId") != sid {
		t.Fatalf("expected session.created lifecycle, got %v", lc)
	}
	return sid
}

func TestSDKSendStreamsReply(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.connect()
	sid := createSession(t, c, 1)

	c.sendJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  dialect.SDKSessionSend,
		"params":  map[string]any{"sessionId": sid, "prompt": "hi"},
	})
	ack := c.next()
	if !responseTo(2)(ack) || str(ack, "result", "messageId") == "" {
		t.Fatalf("session.send ack = %v", ack)
	}
	if user := c.next(); !isSessionEvent(dialect.EventUserMessage)(user) || str(user, "params", "event", "data", "content") != "hi" {
		t.Fatalf("expected user.message echo, got %v", user)
	}

	var deltas []string
	for {
		m := c.next()
		if isSessionEvent(dialect.EventAssistantDelta)(m) {
			deltas = append(deltas, str(m, "params", "event", "data", "deltaContent"))
			continue
		}
		if !isSessionEvent(dialect.EventAssistantMessage)(m) {
			t.Fatalf("unexpected output %v", m)
		}
		if got := str(m, "params", "event", "data", "content"); got != "Hello world" {
			t.Fatalf("assistant.message content = %q", got)
		}
		if got := str(m, "params", "sessionId"); got != sid {
			t.Fatalf("assistant.message session = %q, want %q", got, sid)
		}
		break
	}
	if strings.Join(deltas, "|") != "Hello| world" {
		t.Fatalf("deltas = %q", deltas)
	}
	if m := c.next(); !isSessionEvent(dialect.EventSessionIdle)(m) {
		t.Fatalf("expected session.idle event, got %v", m)
	}
	if m := c.next(); !isLifecycle(dialect.LifecycleIdle)(m) {
		t.Fatalf("expected idle lifecycle, got %v", m)
	}

	prompt := h.peer().expect(t, acp.MethodSessionPrompt)
	var params acp.PromptParams
	if err := prompt.DecodeParams(&params); err != nil {
		t.Fatal(err)
	}
	if params.SessionID != "backend-1" || len(params.Prompt) != 1 || params.Prompt[0].Text != "hi" {
		t.Fatalf("backend prompt = %+v", params)
	}

	c.sendJSON(map[string]any{"jsonrpc": "2.0", "id": 3, "method": dialect.SDKSessionGetMessages, "params": map[string]any{"sessionId": sid}})
	history := c.expect("history", responseTo(3))
	events, _ := field(history, "result", "events").([]any)
	if len(events) != 2 {
		t.Fatalf("history = %v", history)
	}
	last, _ := events[1].(map[string]any)
	if str(last, "type") != dialect.EventAssistantMessage || str(last, "data", "content") != "Hello world" {
		t.Fatalf("last history event = %v", last)
	}
}

func TestSDKOverlappingSendsKeepTheirReplies(t *testing.T) {
	h := newHarness(t, func(p *agentPeer) {
		p.onPrompt = func(*agentPeer, *acp.Message) {}
	}, nil)
	c := h.connect()
	sid := createSession(t, c, 1)

	for i, text := range []string{"one", "two"} {
		id := float64(i + 2)
		c.sendJSON(map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"method":  dialect.SDKSessionSend,
			"params":  map[string]any{"sessionId": sid, "prompt": text},
		})
		c.expect("send ack", responseTo(id))
	}
	peer := h.peer()
	first := peer.expect(t, acp.MethodSessionPrompt)
	second := peer.expect(t, acp.MethodSessionPrompt)

	peer.chunk("backend-1", "first answer")
	peer.respond(first.ID, acp.PromptResult{StopReason: acp.StopEndTurn})
	peer.chunk("backend-1", "second answer")
	peer.respond(second.ID, acp.PromptResult{StopReason: acp.StopEndTurn})

	var replies []string
	for len(replies) < 2 {
		if m := c.next(); isSessionEvent(dialect.EventAssistantMessage)(m) {
			replies = append(replies, str(m, "params", "event", "data", "content"))
		}
	}
	if replies[0] != "first answer" || replies[1] != "second answer" {
		t.Fatalf("assistant.message contents = %q", replies)
	}
}

func TestSDKSendWithoutSessionUsesForeground(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.connect()
	sid := createSession(t, c, 1)

	c.send(`{"jsonrpc":"2.0","id":2,"method":"prompt","params":{"prompt":"again"}}`)
	c.expect("send ack", responseTo(2))
	done := c.expect("assistant message", isSessionEvent(dialect.EventAssistantMessage))
	if got := str(done, "params", "sessionId"); got != sid {
		t.Fatalf("prompt went to %q, want foreground %q", got, sid)
	}
}

func TestSDKPermissionRisk(t *testing.T) {
	prompts := make(chan *acp.Message, 1)
	options := []acp.PermissionOption{
		{OptionID: "yes", Name: "Yes", Kind: acp.OptionAllowOnce},
		{OptionID: "no", Name: "No", Kind: acp.OptionRejectOnce},
	}
	h := newHarness(t, func(p *agentPeer) {
		p.onPrompt = func(p *agentPeer, msg *acp.Message) {
			prompts <- msg
			sid := promptSession(msg)
			p.request("perm-low", acp.MethodRequestPermission, acp.RequestPermissionParams{
				SessionID: sid,
				ToolCall:  acp.ToolCall{ToolCallID: "t1", Title: "list", RawInput: json.RawMessage(`{"command":"ls -la"}`)},
				Options:   options,
			})
			p.request("perm-high", acp.MethodRequestPermission, acp.RequestPermissionParams{
				SessionID: sid,
				ToolCall:  acp.ToolCall{ToolCallID: "t2", Title: "clean", RawInput: json.RawMessage(`{"command":"rm -rf build"}`)},
				Options:   options,
			})
		}
	}, nil)
	c := h.connect()
	sid := createSession(t, c, 1)
	c.sendJSON(map[string]any{"jsonrpc": "2.0", "id": 2, "method": dialect.SDKSessionSend, "params": map[string]any{"sessionId": sid, "prompt": "tidy up"}})

	peer := h.peer()
	low := peer.expectResponse(t)
	var lowRes acp.RequestPermissionResult
	if err := json.Unmarshal(low.Result, &lowRes); err != nil {
		t.Fatal(err)
	}
	if acp.IDString(low.ID) != "perm-low" || lowRes.Outcome.OptionID != "yes" || !lowRes.Approved {
		t.Fatalf("low-risk answer = %s %s", low.ID, low.Result)
	}

	req := c.expect("permission request", methodIs(dialect.SDKPermissionRequest))
	if got := str(req, "params", "risk"); got != "high" {
		t.Fatalf("risk = %q, want high", got)
	}
	permID := str(req, "params", "permissionId")
	if permID == "" || req["id"] != permID {
		t.Fatalf("permission request id %v, permissionId %q", req["id"], permID)
	}
	if got := len(h.engine.Interceptor().Pending()); got != 1 {
		t.Fatalf("pending permission requests = %d, want 1", got)
	}

	c.sendJSON(map[string]any{"jsonrpc": "2.0", "id": permID, "result": map[string]any{"decision": "denied"}})
	high := peer.expectResponse(t)
	var highRes acp.RequestPermissionResult
	if err := json.Unmarshal(high.Result, &highRes); err != nil {
		t.Fatal(err)
	}
	if acp.IDString(high.ID) != "perm-high" || highRes.Outcome.OptionID != "no" || highRes.Decision != "denied" {
		t.Fatalf("high-risk answer = %s %s", high.ID, high.Result)
	}

	prompt := <-prompts
	peer.respond(prompt.ID, acp.PromptResult{StopReason: acp.StopEndTurn})
	c.expect("turn end", isSessionEvent(dialect.EventSessionIdle))
}

func TestSDKKilledSessionRefusesPrompts(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.connect()
	sid := createSession(t, c, 1)

	h.engine.Kill(sid)
	cancel := h.peer().expect(t, acp.MethodSessionCancel)
	var params acp.CancelParams
	if err := cancel.DecodeParams(&params); err != nil || params.SessionID != "backend-1" {
		t.Fatalf("cancel params = %s", cancel.Params)
	}

	c.sendJSON(map[string]any{"jsonrpc": "2.0", "id": 2, "method": dialect.SDKSessionSend, "params": map[string]any{"sessionId": sid, "prompt": "more"}})
	resp := c.expect("refusal", responseTo(2))
	if errorCode(resp) != errors.CodeSessionKilled {
		t.Fatalf("send to killed session = %v", resp)
	}
}

func TestSDKSessionManagement(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.connect()
	sid := createSession(t, c, 1)
	call := func(id float64, method string, params map[string]any) map[string]any {
		t.Helper()
		params["sessionId"] = sid
		c.sendJSON(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
		resp := c.expect(method, responseTo(id))
		if resp["error"] != nil {
			t.Fatalf("%s failed: %v", method, resp["error"])
		}
		return resp
	}

	call(2, dialect.SDKModelSwitchTo, map[string]any{"modelId": "big-model"})
	setModel := h.peer().expect(t, acp.MethodSessionSetModel)
	var sm acp.SetModelParams
	if err := setModel.DecodeParams(&sm); err != nil || sm.SessionID != "backend-1" || sm.ModelID != "big-model" {
		t.Fatalf("set_model params = %s", setModel.Params)
	}
	if got := str(call(3, dialect.SDKModelGetCurrent, map[string]any{}), "result", "modelId"); got != "big-model" {
		t.Fatalf("current model = %q", got)
	}
	if got := str(call(4, dialect.SDKModeGet, map[string]any{}), "result", "mode"); got != DefaultMode {
		t.Fatalf("mode = %q", got)
	}

	call(5, dialect.SDKPlanUpdate, map[string]any{"content": "- [x] write code\n- [ ] test it\n"})
	plan := call(6, dialect.SDKPlanRead, map[string]any{})
	if field(plan, "result", "exists") != true {
		t.Fatalf("plan.read = %v", plan)
	}
	entries, _ := field(plan, "result", "entries").([]any)
	if len(entries) != 2 {
		t.Fatalf("plan entries = %v", entries)
	}
	first, _ := entries[0].(map[string]any)
	if str(first, "content") != "write code" || str(first, "status") != "completed" {
		t.Fatalf("first entry = %v", first)
	}
	if !strings.Contains(str(plan, "result", "content"), "- [ ] test it") {
		t.Fatalf("plan markdown = %q", str(plan, "result", "content"))
	}

	list := call(7, dialect.SDKSessionList, map[string]any{})
	sessions, _ := field(list, "result", "sessions").([]any)
	if len(sessions) != 1 {
		t.Fatalf("session.list = %v", list)
	}
	entry, _ := sessions[0].(map[string]any)
	if str(entry, "sessionId") != sid || entry["isRemote"] != false {
		t.Fatalf("session entry = %v", entry)
	}
	if got := str(call(8, dialect.SDKSessionGetLastID, map[string]any{}), "result", "sessionId"); got != sid {
		t.Fatalf("last session = %q", got)
	}

	call(9, dialect.SDKSessionDestroy, map[string]any{})
	c.expect("deleted lifecycle", isLifecycle(dialect.LifecycleDeleted))
	if _, ok := h.engine.Sessions().Get(sid); ok {
		t.Fatal("session survived session.destroy")
	}
	if got := str(call(10, dialect.SDKSessionGetLastID, map[string]any{}), "result", "sessionId"); got != "" {
		t.Fatalf("last session after destroy = %q", got)
	}
}

func TestSDKResumeFallsBackToNewSession(t *testing.T) {
	h := newHarness(t, func(p *agentPeer) { p.failLoad = true }, nil)
	c := h.connect()

	c.send(`{"jsonrpc":"2.0","id":1,"method":"session.resume","params":{"sessionId":"earlier"}}`)
	resp := c.next()
	if !responseTo(1)(resp) || str(resp, "result", "sessionId") != "earlier" {
		t.Fatalf("session.resume = %v", resp)
	}
	h.peer().expect(t, acp.MethodSessionLoad)
	h.peer().expect(t, acp.MethodSessionNew)
	s, ok := h.engine.Sessions().Get("earlier")
	if !ok || s.BackendID != "backend-1" {
		t.Fatalf("resumed session = %+v", s)
	}
}

func TestSDKWorkspaceMethods(t *testing.T) {
	ws := newTestWorkspace(t, t.TempDir(), map[string]string{"README.md": "# hi\n"})
	h := newHarness(t, nil, func(o *Options) { o.Workspace = ws })
	c := h.connect()

	c.send(`{"jsonrpc":"2.0","id":1,"method":"session.workspace.createFile","params":{"path":"docs/a.txt","content":"alpha"}}`)
	if resp := c.expect("createFile", responseTo(1)); resp["error"] != nil {
		t.Fatalf("createFile: %v", resp)
	}
	c.send(`{"jsonrpc":"2.0","id":2,"method":"session.workspace.createFile","params":{"path":"docs/a.txt","content":"again"}}`)
	if resp := c.expect("second createFile", responseTo(2)); resp["error"] == nil {
		t.Fatal("createFile overwrote an existing file")
	}

	c.send(`{"jsonrpc":"2.0","id":3,"method":"session.workspace.listFiles","params":{"pattern":"**/*.txt"}}`)
	files, _ := field(c.expect("listFiles", responseTo(3)), "result", "files").([]any)
	if len(files) != 1 {
		t.Fatalf("listFiles = %v", files)
	}
	if f, _ := files[0].(map[string]any); str(f, "path") != "docs/a.txt" {
		t.Fatalf("listed file = %v", f)
	}

	c.send(`{"jsonrpc":"2.0","id":4,"method":"session.workspace.readFile","params":{"path":"docs/a.txt"}}`)
	if got := str(c.expect("readFile", responseTo(4)), "result", "content"); got != "alpha" {
		t.Fatalf("readFile = %q", got)
	}
}

func TestSDKLocalMethods(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.Model = "default-model" })
	c := h.connect()

	c.send(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{"message":"x"}}`)
	if got := str(c.next(), "result", "message"); got != "pong: x" {
		t.Fatalf("ping = %q", got)
	}
	c.send(`{"jsonrpc":"2.0","id":2,"method":"status.get"}`)
	status := c.next()
	if str(status, "result", "version") != Version || str(status, "result", "backend") != "ready" {
		t.Fatalf("status.get = %v", status)
	}
	c.send(`{"jsonrpc":"2.0","id":3,"method":"models.list"}`)
	if models, ok := field(c.next(), "result", "models").([]any); !ok || len(models) != 0 {
		t.Fatalf("models.list without a catalog = %v", models)
	}
	c.send(`{"jsonrpc":"2.0","id":4,"method":"tools.list"}`)
	if tools, ok := field(c.next(), "result", "tools").([]any); !ok || len(tools) != 0 {
		t.Fatalf("tools.list without a registry = %v", tools)
	}
	c.send(`{"jsonrpc":"2.0","id":5,"method":"session.workspace.readFile","params":{"path":"x"}}`)
	if resp := c.next(); resp["error"] == nil {
		t.Fatalf("readFile without a workspace = %v", resp)
	}
	c.send(`{"jsonrpc":"2.0","id":6,"method":"no.such.method"}`)
	if resp := c.next(); errorCode(resp) != errors.CodeMethodNotFound {
		t.Fatalf("unknown method = %v", resp)
	}
	c.send(`{"jsonrpc":"2.0","id":7,"method":"auth.getStatus"}`)
	if resp := c.next(); field(resp, "result", "isAuthenticated") != false {
		t.Fatalf("auth.getStatus without a prober = %v", resp)
	}
}

func TestPlanMarkdownRoundTrip(t *testing.T) {
	entries := []acp.PlanEntry{
		{Content: "design", Status: "completed"},
		{Content: "build", Status: "in_progress"},
		{Content: "ship", Status: "pending"},
	}
	got := parsePlan(planMarkdown(entries))
	if len(got) != len(entries) {
		t.Fatalf("parsed %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i].Content != entries[i].Content || got[i].Status != entries[i].Status {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}
	if free := parsePlan("just a line\n\n* [X] done"); len(free) != 2 || free[0].Status != "pending" || free[1].Status != "completed" {
		t.Fatalf("free-form plan = %+v", free)
	}
}

package dialect

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/message"
	"github.com/m4xw311/acpbridge/normalize"
)

func fixedSDK() *SDK {
	n := 0
	return &SDK{
		Now: func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) },
		NewID: func() string {
			n++
			return "id-" + string(rune('0'+n))
		},
	}
}

func TestDetectorOrderAndMemo(t *testing.T) {
	tests := []struct {
		raw  string
		want message.Dialect
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, message.DialectPassthrough},
		{`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{}}`, message.DialectPassthrough},
		{`{"jsonrpc":"2.0","id":1,"method":"session.create","params":{}}`, message.DialectSDK},
		{`{"jsonrpc":"2.0","id":1,"method":"ping"}`, message.DialectSDK},
		{`{"type":"user","message":{"content":"hi"}}`, message.DialectStream},
	}
	for _, tt := range tests {
		d := NewDetector()
		c, ok := d.Detect(json.RawMessage(tt.raw))
		if !ok || c.Name() != tt.want {
			t.Errorf("Detect(%s) = %v, want %s", tt.raw, c, tt.want)
		}
	}

	d := NewDetector()
	if _, ok := d.Detect(json.RawMessage(`[1,2]`)); ok {
		t.Errorf("array should not match any dialect")
	}
	first, _ := d.Detect(json.RawMessage(`{"type":"user","text":"x"}`))
	second, _ := d.Detect(json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"session/new"}`))
	if first != second || d.Chosen() != first {
		t.Errorf("detector did not memoize the first codec")
	}
}

func TestDecodeInvalid(t *testing.T) {
	if _, err := NewSDK().Decode(json.RawMessage(`{"jsonrpc":"2.0"}`)); err == nil {
		t.Errorf("sdk decode of empty message should fail")
	}
	if _, err := NewStream().Decode(json.RawMessage(`{"text":"no type"}`)); err == nil {
		t.Errorf("stream decode without type should fail")
	}
	if _, err := NewPassthrough().Decode(json.RawMessage(`"str"`)); err == nil {
		t.Errorf("acp decode of a string should fail")
	}
}

func TestSDKDeferredResponse(t *testing.T) {
	sdk := fixedSDK()
	docs, err := sdk.Encode(message.Event{
		Kind:      message.EventResponse,
		SessionID: "s1",
		Text:      "hello world",
		Deferred:  true,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d docs, want 3", len(docs))
	}
	var first struct {
		Method string `json:"method"`
		Params struct {
			SessionID string `json:"sessionId"`
			Event     struct {
				Type string `json:"type"`
				Data struct {
					Content string `json:"content"`
				} `json:"data"`
			} `json:"event"`
		} `json:"params"`
	}
	if err := json.Unmarshal(docs[0], &first); err != nil {
		t.Fatal(err)
	}
	if first.Method != SDKSessionEvent || first.Params.Event.Type != EventAssistantMessage || first.Params.Event.Data.Content != "hello world" {
		t.Errorf("first doc = %s", docs[0])
	}
	var second struct {
		Params struct {
			Event struct {
				Type string `json:"type"`
			} `json:"event"`
		} `json:"params"`
	}
	_ = json.Unmarshal(docs[1], &second)
	if second.Params.Event.Type != EventSessionIdle {
		t.Errorf("second doc = %s", docs[1])
	}
	var third struct {
		Method string `json:"method"`
		Params struct {
			Type string `json:"type"`
		} `json:"params"`
	}
	_ = json.Unmarshal(docs[2], &third)
	if third.Method != SDKSessionLifecycle || third.Params.Type != LifecycleIdle {
		t.Errorf("third doc = %s", docs[2])
	}
}

func TestSDKErrorRendering(t *testing.T) {
	sdk := fixedSDK()
	docs, _ := sdk.Encode(message.ErrorEvent(json.RawMessage(`7`), "s1", -32001, "Child agent crashed (exit code 1)"))
	msg, err := acp.Parse(docs[0])
	if err != nil || msg.Error == nil || msg.Error.Code != -32001 || string(msg.ID) != "7" {
		t.Errorf("error response = %s", docs[0])
	}

	docs, _ = sdk.Encode(message.ErrorEvent(nil, "s1", -32001, "gone"))
	msg, _ = acp.Parse(docs[0])
	if msg.Method != SDKSessionEvent {
		t.Errorf("error without request id should be a session.event, got %s", docs[0])
	}
}

func TestPassthroughRewritesIDs(t *testing.T) {
	raw, _ := acp.Parse([]byte(`{"jsonrpc":"2.0","id":41,"result":{"stopReason":"end_turn"}}`))
	docs, err := NewPassthrough().Encode(message.Event{Kind: message.EventResponse, RequestID: json.RawMessage(`"client-1"`), Raw: raw})
	if err != nil {
		t.Fatal(err)
	}
	out, _ := acp.Parse(docs[0])
	if string(out.ID) != `"client-1"` {
		t.Errorf("id not rewritten: %s", docs[0])
	}

	update, _ := acp.Parse([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"backend-1","update":{"sessionUpdate":"plan","entries":[]}}}`))
	docs, _ = NewPassthrough().Encode(message.Event{Kind: message.EventMessageChunk, SessionID: "local-1", Raw: update})
	var params acp.SessionNotification
	out, _ = acp.Parse(docs[0])
	_ = out.DecodeParams(&params)
	if params.SessionID != "local-1" {
		t.Errorf("session id not rewritten: %s", docs[0])
	}

	perm, _ := acp.Parse([]byte(`{"jsonrpc":"2.0","id":3,"method":"session/request_permission","params":{"sessionId":"b","toolCall":{"toolCallId":"t"},"options":[]}}`))
	docs, _ = NewPassthrough().Encode(message.Event{Kind: message.EventPermissionRequest, PermissionID: "perm-9", Risk: message.RiskHigh, SessionID: "b", Raw: perm})
	out, _ = acp.Parse(docs[0])
	if acp.IDString(out.ID) != "perm-9" {
		t.Errorf("permission id not substituted: %s", docs[0])
	}
	var p struct {
		Meta map[string]string `json:"_meta"`
	}
	_ = out.DecodeParams(&p)
	if p.Meta["risk"] != message.RiskHigh {
		t.Errorf("risk missing from _meta: %s", docs[0])
	}
}

// Events rendered by a codec come back as equivalent values when decoded
// by the same dialect.
func TestPassthroughRoundTrip(t *testing.T) {
	events := []message.Event{
		{Kind: message.EventMessageChunk, SessionID: "s", Text: "hi", Thought: "because"},
		{Kind: message.EventMessageChunk, SessionID: "s", Thought: "only thinking"},
		{Kind: message.EventToolCall, SessionID: "s", ToolCallID: "t1", Title: "Run", Command: "ls", Status: acp.ToolPending},
		{Kind: message.EventToolCallUpdate, SessionID: "s", ToolCallID: "t1", Status: acp.ToolCompleted},
		{Kind: message.EventPermissionRequest, SessionID: "s", ToolCallID: "t1", Title: "Run", Command: "rm x", PermissionID: "p1"},
		{Kind: message.EventResponse, RequestID: json.RawMessage(`5`), StopReason: acp.StopCancelled},
		{Kind: message.EventError, RequestID: json.RawMessage(`5`), Code: -32002, Message: "session killed"},
	}
	codec := NewPassthrough()
	for _, want := range events {
		docs, err := codec.Encode(want)
		if err != nil || len(docs) != 1 {
			t.Fatalf("Encode(%s) = %v, %v", want.Kind, docs, err)
		}
		msg, err := acp.Parse(docs[0])
		if err != nil {
			t.Fatal(err)
		}
		got := normalize.ToEvent(msg)
		if got.Kind != want.Kind || got.SessionID != want.SessionID || got.Text != want.Text ||
			got.Thought != want.Thought || got.ToolCallID != want.ToolCallID || got.Command != want.Command ||
			got.Status != want.Status || got.Code != want.Code || got.Message != want.Message {
			t.Errorf("round trip of %s:\n got %+v\nwant %+v", want.Kind, got, want)
		}
		if want.Kind == message.EventResponse && got.StopReason != want.StopReason {
			t.Errorf("StopReason = %q, want %q", got.StopReason, want.StopReason)
		}
	}
}

func TestStreamRoundTrip(t *testing.T) {
	codec := NewStream()
	docs, err := codec.Encode(message.Event{Kind: message.EventToolCall, SessionID: "s", ToolCallID: "t", Title: "Bash", Command: "ls"})
	if err != nil || len(docs) != 1 {
		t.Fatalf("Encode = %v, %v", docs, err)
	}
	env, err := codec.Decode(docs[0])
	if err != nil {
		t.Fatal(err)
	}
	intent := normalize.ToIntent(env)
	if intent.Kind != message.IntentToolUse || intent.Command != "ls" || intent.SessionID != "s" {
		t.Errorf("intent = %+v", intent)
	}

	docs, _ = codec.Encode(message.Event{Kind: message.EventMessageChunk, SessionID: "s", Text: "output"})
	env, _ = codec.Decode(docs[0])
	if intent := normalize.ToIntent(env); intent.Kind != message.IntentNoop {
		t.Errorf("assistant echo should not become a prompt: %+v", intent)
	}

	docs, _ = codec.Encode(message.Event{Kind: message.EventResponse, SessionID: "s", Text: "final"})
	var result struct {
		Type       string `json:"type"`
		StopReason string `json:"stop_reason"`
		Result     string `json:"result"`
	}
	_ = json.Unmarshal(docs[0], &result)
	if result.Type != StreamResult || result.StopReason != acp.StopEndTurn || result.Result != "final" {
		t.Errorf("result line = %s", docs[0])
	}
}

func TestNoopRendersNothing(t *testing.T) {
	for _, c := range []Codec{NewSDK(), NewStream(), NewPassthrough()} {
		docs, err := c.Encode(message.Event{Kind: message.EventNoop})
		if err != nil || len(docs) != 0 {
			t.Errorf("%s: noop rendered %v, %v", c.Name(), docs, err)
		}
	}
}

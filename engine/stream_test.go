package engine

import (
	"testing"

	"github.com/m4xw311/acpbridge/acp"
)

func TestStreamClientGetsSystemInitAndResult(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.connect()

	c.send(`{"type":"user","message":{"role":"user","content":"hi"}}`)
	init := c.next()
	if str(init, "type") != "system" || str(init, "subtype") != "init" {
		t.Fatalf("first line = %v, want system init", init)
	}
	sid := str(init, "session_id")
	if sid == "" {
		t.Fatal("system init carries no session")
	}

	var text string
	for {
		line := c.next()
		if str(line, "type") == "assistant" {
			text += str(line, "text")
			continue
		}
		if str(line, "type") != "result" {
			t.Fatalf("unexpected line %v", line)
		}
		if str(line, "result") != "Hello world" || str(line, "stop_reason") != acp.StopEndTurn {
			t.Fatalf("result line = %v", line)
		}
		if str(line, "session_id") != sid {
			t.Fatalf("result session = %q, want %q", str(line, "session_id"), sid)
		}
		break
	}
	if text != "Hello world" {
		t.Fatalf("streamed text = %q", text)
	}

	// The session sticks: no second init.
	c.send(`{"type":"user","message":{"role":"user","content":"again"}}`)
	if line := c.next(); str(line, "type") != "assistant" || str(line, "session_id") != sid {
		t.Fatalf("second prompt started with %v", line)
	}
	c.expect("second result", func(m map[string]any) bool { return str(m, "type") == "result" })

	c.send(`{"type":"interrupt"}`)
	cancel := h.peer().expect(t, acp.MethodSessionCancel)
	var params acp.CancelParams
	if err := cancel.DecodeParams(&params); err != nil || params.SessionID != "backend-1" {
		t.Fatalf("cancel params = %s", cancel.Params)
	}
}

func TestStreamOutputLinesAreNotPrompts(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.connect()

	c.send(`{"type":"assistant","text":"echoed back"}`)
	c.send(`{"type":"result","result":"done"}`)
	c.send(`{"type":"user","message":{"role":"user","content":"real"}}`)
	if init := c.next(); str(init, "type") != "system" {
		t.Fatalf("first line = %v, want system init", init)
	}
	prompt := h.peer().expect(t, acp.MethodSessionPrompt)
	var params acp.PromptParams
	if err := prompt.DecodeParams(&params); err != nil || len(params.Prompt) != 1 || params.Prompt[0].Text != "real" {
		t.Fatalf("prompt params = %s", prompt.Params)
	}
}

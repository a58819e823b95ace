// Package message defines the dialect-agnostic values that flow through the
// bridge: Envelopes decoded from a client dialect, Intents derived from them,
// and Events derived from backend ACP traffic.
package message

import (
	"encoding/json"

	"github.com/m4xw311/acpbridge/acp"
)

// Dialect names a client-facing wire protocol.
type Dialect string

const (
	DialectSDK         Dialect = "sdk"
	DialectStream      Dialect = "stream"
	DialectPassthrough Dialect = "acp"
)

// Envelope is one decoded client message. JSON-RPC dialects fill ID, Method,
// Params, Result and Error; the event-stream dialect fills Type. Raw always
// holds the original document.
type Envelope struct {
	Dialect Dialect
	ID      json.RawMessage
	Method  string
	Params  json.RawMessage
	Result  json.RawMessage
	Error   json.RawMessage
	Type    string
	Raw     json.RawMessage
}

// IsRequest reports whether the client expects an answer to this envelope.
func (e *Envelope) IsRequest() bool { return len(e.ID) > 0 && e.Method != "" }

// IsResponse reports whether the envelope answers a bridge-initiated request.
func (e *Envelope) IsResponse() bool {
	return len(e.ID) > 0 && e.Method == "" && (e.Result != nil || e.Error != nil)
}

type IntentKind string

const (
	IntentPrompt             IntentKind = "prompt"
	IntentCancel             IntentKind = "cancel"
	IntentPermissionDecision IntentKind = "permission_decision"
	IntentToolUse            IntentKind = "tool_use"
	IntentTokenUsage         IntentKind = "token_usage"
	IntentNoop               IntentKind = "noop"
)

// Canonical permission decisions.
const (
	DecisionApproved  = "approved"
	DecisionDenied    = "denied"
	DecisionCancelled = "cancelled"
)

// TokenUsage is a usage report carried by the event-stream dialect.
type TokenUsage struct {
	Model               string `json:"model"`
	InputTokens         int    `json:"input_tokens"`
	OutputTokens        int    `json:"output_tokens"`
	CacheCreationTokens int    `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int    `json:"cache_read_input_tokens,omitempty"`
}

// Intent is the dialect-agnostic meaning of an inbound client message. Only
// the fields of its Kind are meaningful.
type Intent struct {
	Kind         IntentKind
	SessionID    string
	Text         string
	Meta         map[string]any
	PermissionID string
	Decision     string
	Command      string
	Usage        *TokenUsage
}

type EventKind string

const (
	EventMessageChunk      EventKind = "message_chunk"
	EventToolCall          EventKind = "tool_call"
	EventToolCallUpdate    EventKind = "tool_call_update"
	EventPermissionRequest EventKind = "permission_request"
	EventResponse          EventKind = "response"
	EventError             EventKind = "error"
	EventNoop              EventKind = "noop"
)

// Risk levels assigned by the safety interceptor.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Event is the dialect-agnostic meaning of an outbound message. RequestID is
// the client-visible id being answered, if any. Raw is set when the event was
// derived from a backend ACP message and lets the pass-through dialect
// forward it unchanged apart from id rewriting.
type Event struct {
	Kind         EventKind
	SessionID    string
	Text         string
	Thought      string
	Usage        *acp.Usage
	ToolCallID   string
	Title        string
	Command      string
	Status       string
	PermissionID string
	Risk         string
	Options      []acp.PermissionOption
	RequestID    json.RawMessage
	StopReason   string
	Code         int
	Message      string
	Result       json.RawMessage

	// Deferred marks a response that closes a fire-and-forget send: the
	// client already got its immediate answer, so the response is rendered
	// as a final assistant message plus idle notifications.
	Deferred bool

	Raw *acp.Message
}

// IsTerminal reports whether the event ends a client request.
func (e Event) IsTerminal() bool {
	return e.Kind == EventResponse || e.Kind == EventError
}

// ErrorEvent builds an error event addressed to a client request.
func ErrorEvent(requestID json.RawMessage, sessionID string, code int, msg string) Event {
	return Event{Kind: EventError, RequestID: requestID, SessionID: sessionID, Code: code, Message: msg}
}

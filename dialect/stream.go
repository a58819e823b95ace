package dialect

import (
	"encoding/json"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/message"
)

// Event-stream line types.
const (
	StreamUser              = "user"
	StreamAssistant         = "assistant"
	StreamSystem            = "system"
	StreamToolUse           = "tool_use"
	StreamToolResult        = "tool_result"
	StreamPermissionRequest = "permission_request"
	StreamPermission        = "permission"
	StreamResult            = "result"
	StreamError             = "error"
	StreamCancel            = "cancel"
	StreamInterrupt         = "interrupt"
)

// Stream is the Claude-Code-shaped event-stream dialect: one JSON object per
// line, discriminated by "type", with no request ids.
type Stream struct{}

func NewStream() *Stream { return &Stream{} }

func (*Stream) Name() message.Dialect { return message.DialectStream }

func (*Stream) Detect(raw json.RawMessage) bool {
	p, ok := parseProbe(raw)
	if !ok || p.isJSONRPC() {
		return false
	}
	return p.Type != nil && *p.Type != ""
}

func (*Stream) Decode(raw json.RawMessage) (*message.Envelope, error) {
	var doc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "decode stream line")
	}
	if doc.Type == "" {
		return nil, errors.New("stream line has no type")
	}
	return &message.Envelope{Dialect: message.DialectStream, Type: doc.Type, Raw: raw}, nil
}

type streamContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type streamMessage struct {
	Role    string          `json:"role"`
	Content []streamContent `json:"content"`
}

type streamLine struct {
	Type       string              `json:"type"`
	Subtype    string              `json:"subtype,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`
	Text       string              `json:"text,omitempty"`
	Thought    string              `json:"thought,omitempty"`
	Message    *streamMessage      `json:"message,omitempty"`
	ID         string              `json:"id,omitempty"`
	Name       string              `json:"name,omitempty"`
	Command    string              `json:"command,omitempty"`
	Status     string              `json:"status,omitempty"`
	ToolUseID  string              `json:"tool_use_id,omitempty"`
	IsError    bool                `json:"is_error,omitempty"`
	Permission *streamPermission   `json:"permission,omitempty"`
	StopReason string              `json:"stop_reason,omitempty"`
	Result     string              `json:"result,omitempty"`
	Usage      *message.TokenUsage `json:"usage,omitempty"`
	Error      *streamError        `json:"error,omitempty"`
}

type streamPermission struct {
	ID        string                 `json:"id"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Title     string                 `json:"title,omitempty"`
	Command   string                 `json:"command,omitempty"`
	Risk      string                 `json:"risk,omitempty"`
	Options   []acp.PermissionOption `json:"options,omitempty"`
}

type streamError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Stream) Encode(ev message.Event) ([]json.RawMessage, error) {
	var line streamLine
	switch ev.Kind {
	case message.EventMessageChunk:
		line = streamLine{Type: StreamAssistant, SessionID: ev.SessionID, Text: ev.Text, Thought: ev.Thought}
		if ev.Text != "" {
			line.Message = &streamMessage{Role: "assistant", Content: []streamContent{{Type: "text", Text: ev.Text}}}
		}
	case message.EventToolCall:
		line = streamLine{
			Type:      StreamToolUse,
			SessionID: ev.SessionID,
			ID:        ev.ToolCallID,
			Name:      ev.Title,
			Command:   ev.Command,
			Status:    ev.Status,
		}
	case message.EventToolCallUpdate:
		line = streamLine{
			Type:      StreamToolResult,
			SessionID: ev.SessionID,
			ToolUseID: ev.ToolCallID,
			Status:    ev.Status,
			IsError:   ev.Status == acp.ToolFailed,
		}
	case message.EventPermissionRequest:
		line = streamLine{
			Type:      StreamPermissionRequest,
			SessionID: ev.SessionID,
			Permission: &streamPermission{
				ID:        ev.PermissionID,
				ToolUseID: ev.ToolCallID,
				Title:     ev.Title,
				Command:   ev.Command,
				Risk:      ev.Risk,
				Options:   ev.Options,
			},
		}
	case message.EventResponse:
		stop := ev.StopReason
		if stop == "" {
			stop = acp.StopEndTurn
		}
		line = streamLine{
			Type:       StreamResult,
			Subtype:    "success",
			SessionID:  ev.SessionID,
			StopReason: stop,
			Result:     ev.Text,
		}
		if ev.Usage != nil {
			line.Usage = &message.TokenUsage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
		}
	case message.EventError:
		line = streamLine{
			Type:      StreamError,
			SessionID: ev.SessionID,
			Error:     &streamError{Code: ev.Code, Message: ev.Message},
		}
	default:
		return nil, nil
	}
	return marshalAll(line)
}

// SystemInit renders the line announcing a session to an event-stream
// client.
func (s *Stream) SystemInit(sessionID string) (json.RawMessage, error) {
	return json.Marshal(streamLine{Type: StreamSystem, Subtype: "init", SessionID: sessionID})
}

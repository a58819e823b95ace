package dialect

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/message"
)

// SDK-style client methods.
const (
	SDKPing                 = "ping"
	SDKStatusGet            = "status.get"
	SDKAuthGetStatus        = "auth.getStatus"
	SDKModelsList           = "models.list"
	SDKToolsList            = "tools.list"
	SDKAccountGetQuota      = "account.getQuota"
	SDKSessionCreate        = "session.create"
	SDKSessionResume        = "session.resume"
	SDKSessionSend          = "session.send"
	SDKPrompt               = "prompt"
	SDKSessionGetMessages   = "session.getMessages"
	SDKSessionDestroy       = "session.destroy"
	SDKSessionDelete        = "session.delete"
	SDKSessionAbort         = "session.abort"
	SDKCancel               = "cancel"
	SDKSessionList          = "session.list"
	SDKSessionGetLastID     = "session.getLastId"
	SDKSessionGetForeground = "session.getForeground"
	SDKSessionSetForeground = "session.setForeground"
	SDKModelGetCurrent      = "session.model.getCurrent"
	SDKModelSwitchTo        = "session.model.switchTo"
	SDKModeGet              = "session.mode.get"
	SDKModeSet              = "session.mode.set"
	SDKPlanRead             = "session.plan.read"
	SDKPlanUpdate           = "session.plan.update"
	SDKPlanDelete           = "session.plan.delete"
	SDKWorkspaceListFiles   = "session.workspace.listFiles"
	SDKWorkspaceReadFile    = "session.workspace.readFile"
	SDKWorkspaceCreateFile  = "session.workspace.createFile"

	// Server-initiated.
	SDKSessionEvent      = "session.event"
	SDKSessionLifecycle  = "session.lifecycle"
	SDKPermissionRequest = "permission.request"
)

// session.event types.
const (
	EventUserMessage      = "user.message"
	EventAssistantMessage = "assistant.message"
	EventAssistantDelta   = "assistant.message_delta"
	EventSessionIdle      = "session.idle"
	EventToolStart        = "tool.execution_start"
	EventToolProgress     = "tool.execution_progress"
	EventToolComplete     = "tool.execution_complete"
	EventSessionError     = "session.error"
)

// session.lifecycle types.
const (
	LifecycleCreated = "session.created"
	LifecycleUpdated = "session.updated"
	LifecycleIdle    = "session.idle"
	LifecycleDeleted = "session.deleted"
)

// SDK is the GitHub-SDK-shaped JSON-RPC dialect. Prompts are sent with
// session.send and answered immediately with a message id; the assistant's
// reply arrives later as session.event notifications.
type SDK struct {
	Now   func() time.Time
	NewID func() string
}

func NewSDK() *SDK {
	return &SDK{Now: time.Now, NewID: uuid.NewString}
}

func (*SDK) Name() message.Dialect { return message.DialectSDK }

// Detect accepts JSON-RPC documents whose method uses the dotted SDK naming
// (or one of the bare aliases).
func (*SDK) Detect(raw json.RawMessage) bool {
	p, ok := parseProbe(raw)
	if !ok || !p.isJSONRPC() {
		return false
	}
	m := p.method()
	return m != "" && m != acp.MethodInitialize && !strings.Contains(m, "/")
}

func (*SDK) Decode(raw json.RawMessage) (*message.Envelope, error) {
	var doc struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "decode sdk message")
	}
	if string(doc.ID) == "null" {
		doc.ID = nil
	}
	if doc.Method == "" && (doc.ID == nil || (doc.Result == nil && doc.Error == nil)) {
		return nil, errors.New("sdk message has neither method nor result")
	}
	return &message.Envelope{
		Dialect: message.DialectSDK,
		ID:      doc.ID,
		Method:  doc.Method,
		Params:  doc.Params,
		Result:  doc.Result,
		Error:   doc.Error,
		Raw:     raw,
	}, nil
}

type sdkEvent struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Data      any    `json:"data"`
}

type sdkEventParams struct {
	SessionID string   `json:"sessionId"`
	Event     sdkEvent `json:"event"`
}

type sdkLifecycleParams struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

func (s *SDK) Encode(ev message.Event) ([]json.RawMessage, error) {
	switch ev.Kind {
	case message.EventResponse:
		if ev.Deferred {
			messageID := s.NewID()
			return marshalAll(
				s.sessionEvent(ev.SessionID, EventAssistantMessage, map[string]any{
					"messageId": messageID,
					"content":   ev.Text,
				}),
				s.sessionEvent(ev.SessionID, EventSessionIdle, map[string]any{}),
				s.lifecycle(LifecycleIdle, ev.SessionID),
			)
		}
		if ev.RequestID == nil {
			return nil, nil
		}
		if ev.Result != nil {
			return marshalAll(&acp.Message{JSONRPC: "2.0", ID: ev.RequestID, Result: ev.Result})
		}
		stop := ev.StopReason
		if stop == "" {
			stop = acp.StopEndTurn
		}
		msg, err := acp.NewResult(ev.RequestID, map[string]any{"stopReason": stop, "content": ev.Text})
		if err != nil {
			return nil, err
		}
		return marshalAll(msg)

	case message.EventError:
		if ev.RequestID != nil {
			return marshalAll(acp.NewError(ev.RequestID, &errors.RPCError{Code: ev.Code, Message: ev.Message}))
		}
		return marshalAll(s.sessionEvent(ev.SessionID, EventSessionError, map[string]any{
			"code":    ev.Code,
			"message": ev.Message,
		}))

	case message.EventMessageChunk:
		data := map[string]any{"deltaContent": ev.Text}
		if ev.Thought != "" {
			data["reasoningContent"] = ev.Thought
		}
		if ev.Usage != nil {
			data["usage"] = ev.Usage
		}
		return marshalAll(s.sessionEvent(ev.SessionID, EventAssistantDelta, data))

	case message.EventToolCall:
		data := map[string]any{
			"toolCallId": ev.ToolCallID,
			"toolName":   ev.Title,
			"status":     ev.Status,
		}
		if ev.Command != "" {
			data["arguments"] = map[string]string{"command": ev.Command}
		}
		return marshalAll(s.sessionEvent(ev.SessionID, EventToolStart, data))

	case message.EventToolCallUpdate:
		switch ev.Status {
		case acp.ToolCompleted, acp.ToolFailed:
			return marshalAll(s.sessionEvent(ev.SessionID, EventToolComplete, map[string]any{
				"toolCallId": ev.ToolCallID,
				"success":    ev.Status == acp.ToolCompleted,
				"status":     ev.Status,
			}))
		default:
			return marshalAll(s.sessionEvent(ev.SessionID, EventToolProgress, map[string]any{
				"toolCallId": ev.ToolCallID,
				"status":     ev.Status,
			}))
		}

	case message.EventPermissionRequest:
		options := ev.Options
		if len(options) == 0 {
			options = acp.DefaultPermissionOptions()
		}
		msg, err := acp.NewRequest(acp.StringID(ev.PermissionID), SDKPermissionRequest, map[string]any{
			"sessionId":    ev.SessionID,
			"permissionId": ev.PermissionID,
			"toolCallId":   ev.ToolCallID,
			"title":        ev.Title,
			"command":      ev.Command,
			"risk":         ev.Risk,
			"options":      options,
		})
		if err != nil {
			return nil, err
		}
		return marshalAll(msg)
	}
	return nil, nil
}

// Result renders a JSON-RPC success response for a locally answered method.
func (s *SDK) Result(id json.RawMessage, result any) (json.RawMessage, error) {
	msg, err := acp.NewResult(id, result)
	if err != nil {
		return nil, err
	}
	return msg.Marshal()
}

// SessionEvent renders a session.event notification.
func (s *SDK) SessionEvent(sessionID, eventType string, data any) (json.RawMessage, error) {
	return json.Marshal(s.sessionEvent(sessionID, eventType, data))
}

// Lifecycle renders a session.lifecycle notification.
func (s *SDK) Lifecycle(lifecycleType, sessionID string) (json.RawMessage, error) {
	return json.Marshal(s.lifecycle(lifecycleType, sessionID))
}

// HistoryEvent renders one entry of a session.getMessages result.
func (s *SDK) HistoryEvent(eventType string, data any, at time.Time) any {
	return sdkEvent{ID: s.NewID(), Timestamp: at.UTC().Format(time.RFC3339Nano), Type: eventType, Data: data}
}

func (s *SDK) sessionEvent(sessionID, eventType string, data any) *acp.Message {
	params, _ := json.Marshal(sdkEventParams{
		SessionID: sessionID,
		Event: sdkEvent{
			ID:        s.NewID(),
			Timestamp: s.timestamp(),
			Type:      eventType,
			Data:      data,
		},
	})
	return &acp.Message{JSONRPC: "2.0", Method: SDKSessionEvent, Params: params}
}

func (s *SDK) lifecycle(lifecycleType, sessionID string) *acp.Message {
	params, _ := json.Marshal(sdkLifecycleParams{
		Type:      lifecycleType,
		SessionID: sessionID,
		Timestamp: s.timestamp(),
	})
	return &acp.Message{JSONRPC: "2.0", Method: SDKSessionLifecycle, Params: params}
}

func (s *SDK) timestamp() string {
	return s.Now().UTC().Format(time.RFC3339Nano)
}

package dialect

import (
	"encoding/json"
	"strings"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/message"
)

// Passthrough is the ACP dialect: the client already speaks the backend's
// protocol, so messages are forwarded as they are apart from session and
// request id substitution.
type Passthrough struct{}

func NewPassthrough() *Passthrough { return &Passthrough{} }

func (*Passthrough) Name() message.Dialect { return message.DialectPassthrough }

// Detect accepts JSON-RPC documents whose method is an ACP method:
// initialize or a slash-separated name such as session/new.
func (*Passthrough) Detect(raw json.RawMessage) bool {
	p, ok := parseProbe(raw)
	if !ok || !p.isJSONRPC() {
		return false
	}
	m := p.method()
	return m == acp.MethodInitialize || strings.Contains(m, "/")
}

func (*Passthrough) Decode(raw json.RawMessage) (*message.Envelope, error) {
	msg, err := acp.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode acp message")
	}
	if msg.Method == "" && !msg.IsResponse() {
		return nil, errors.New("acp message has neither method nor result")
	}
	env := &message.Envelope{
		Dialect: message.DialectPassthrough,
		ID:      msg.ID,
		Method:  msg.Method,
		Params:  msg.Params,
		Result:  msg.Result,
		Raw:     raw,
	}
	if msg.Error != nil {
		env.Error, _ = json.Marshal(msg.Error)
	}
	return env, nil
}

func (p *Passthrough) Encode(ev message.Event) ([]json.RawMessage, error) {
	// Backend messages the bridge has no meaning for (plans, user message
	// echoes, extension notifications) still reach an ACP client.
	if ev.Kind == message.EventNoop && ev.Raw == nil {
		return nil, nil
	}
	var msg *acp.Message
	var err error
	if ev.Raw != nil {
		msg, err = p.rewrite(ev)
	} else {
		msg, err = p.synthesize(ev)
	}
	if err != nil || msg == nil {
		return nil, err
	}
	data, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	return []json.RawMessage{data}, nil
}

// rewrite forwards a backend message with the client's ids substituted.
func (p *Passthrough) rewrite(ev message.Event) (*acp.Message, error) {
	msg := *ev.Raw
	switch {
	case ev.Kind == message.EventPermissionRequest:
		msg.ID = acp.StringID(ev.PermissionID)
	case msg.HasID() && ev.RequestID != nil:
		msg.ID = ev.RequestID
	}
	if ev.SessionID != "" {
		var err error
		if msg.Params, err = setField(msg.Params, "sessionId", ev.SessionID); err != nil {
			return nil, err
		}
		if msg.Result, err = setField(msg.Result, "sessionId", ev.SessionID); err != nil {
			return nil, err
		}
	}
	if ev.Kind == message.EventPermissionRequest && ev.Risk != "" {
		meta, err := json.Marshal(map[string]string{"risk": ev.Risk, "permissionId": ev.PermissionID})
		if err != nil {
			return nil, err
		}
		if msg.Params, err = setRaw(msg.Params, "_meta", meta); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

// synthesize renders an event the bridge produced itself.
func (p *Passthrough) synthesize(ev message.Event) (*acp.Message, error) {
	switch ev.Kind {
	case message.EventResponse:
		if ev.Result != nil {
			return &acp.Message{JSONRPC: "2.0", ID: ev.RequestID, Result: ev.Result}, nil
		}
		stop := ev.StopReason
		if stop == "" {
			stop = acp.StopEndTurn
		}
		return acp.NewResult(ev.RequestID, acp.PromptResult{StopReason: stop, Usage: ev.Usage})
	case message.EventError:
		return acp.NewError(ev.RequestID, &errors.RPCError{Code: ev.Code, Message: ev.Message}), nil
	case message.EventMessageChunk:
		update := acp.MessageChunk{
			SessionUpdate: acp.UpdateAgentMessageChunk,
			Content:       textContent(ev.Text),
			Usage:         ev.Usage,
		}
		if ev.Text == "" && ev.Thought != "" {
			update.SessionUpdate = acp.UpdateAgentThoughtChunk
			update.Content = textContent(ev.Thought)
		} else if ev.Thought != "" {
			update.Meta = &acp.ChunkMeta{Thought: ev.Thought}
		}
		return sessionUpdate(ev.SessionID, update)
	case message.EventToolCall:
		return sessionUpdate(ev.SessionID, acp.ToolCall{
			SessionUpdate: acp.UpdateToolCall,
			ToolCallID:    ev.ToolCallID,
			Title:         ev.Title,
			Status:        ev.Status,
			RawInput:      commandInput(ev.Command),
		})
	case message.EventToolCallUpdate:
		return sessionUpdate(ev.SessionID, acp.ToolCall{
			SessionUpdate: acp.UpdateToolCallUpdate,
			ToolCallID:    ev.ToolCallID,
			Status:        ev.Status,
		})
	case message.EventPermissionRequest:
		options := ev.Options
		if len(options) == 0 {
			options = acp.DefaultPermissionOptions()
		}
		meta, err := json.Marshal(map[string]string{"risk": ev.Risk, "permissionId": ev.PermissionID})
		if err != nil {
			return nil, err
		}
		return acp.NewRequest(acp.StringID(ev.PermissionID), acp.MethodRequestPermission, acp.RequestPermissionParams{
			SessionID: ev.SessionID,
			ToolCall: acp.ToolCall{
				ToolCallID: ev.ToolCallID,
				Title:      ev.Title,
				RawInput:   commandInput(ev.Command),
			},
			Options: options,
			Meta:    meta,
		})
	}
	return nil, nil
}

func sessionUpdate(sessionID string, update any) (*acp.Message, error) {
	raw, err := json.Marshal(update)
	if err != nil {
		return nil, err
	}
	return acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{SessionID: sessionID, Update: raw})
}

func textContent(text string) json.RawMessage {
	data, _ := json.Marshal(acp.ContentBlock{Type: "text", Text: text})
	return data
}

func commandInput(command string) json.RawMessage {
	if command == "" {
		return nil
	}
	data, _ := json.Marshal(map[string]string{"command": command})
	return data
}

// setField replaces a top-level string field of a JSON object when the
// field is already present. Anything that is not an object is returned
// unchanged.
func setField(obj json.RawMessage, key, value string) (json.RawMessage, error) {
	if len(obj) == 0 {
		return obj, nil
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(obj, &fields) != nil || fields == nil {
		return obj, nil
	}
	if _, ok := fields[key]; !ok {
		return obj, nil
	}
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	fields[key] = v
	return json.Marshal(fields)
}

// setRaw sets a top-level field of a JSON object, creating the object if
// obj is empty.
func setRaw(obj json.RawMessage, key string, value json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if len(obj) > 0 {
		if err := json.Unmarshal(obj, &fields); err != nil {
			return nil, err
		}
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	fields[key] = value
	return json.Marshal(fields)
}

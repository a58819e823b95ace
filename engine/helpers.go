package engine

import (
	"encoding/json"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/message"
)

const maxLoggedDoc = 256

func truncate(doc []byte) []byte {
	if len(doc) > maxLoggedDoc {
		return doc[:maxLoggedDoc]
	}
	return doc
}

// documentID returns the JSON-RPC id of a raw document, if it has one.
func documentID(doc json.RawMessage) json.RawMessage {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(doc, &head) != nil || string(head.ID) == "null" {
		return nil
	}
	return head.ID
}

// isJSONRPC reports whether doc declares JSON-RPC 2.0.
func isJSONRPC(doc json.RawMessage) bool {
	var head struct {
		Version string `json:"jsonrpc"`
	}
	return json.Unmarshal(doc, &head) == nil && head.Version == "2.0"
}

// sessionOf returns the session an envelope names, for audit records.
func sessionOf(env *message.Envelope) string {
	for _, raw := range []json.RawMessage{env.Params, env.Raw} {
		if sid := sessionField(raw); sid != "" {
			return sid
		}
	}
	return ""
}

// sessionField reads sessionId (or session_id) from a JSON object.
func sessionField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var head struct {
		SessionID  string `json:"sessionId"`
		SessionID2 string `json:"session_id"`
	}
	if json.Unmarshal(raw, &head) != nil {
		return ""
	}
	if head.SessionID != "" {
		return head.SessionID
	}
	return head.SessionID2
}

// withSessionID replaces the sessionId of a params object.
func withSessionID(params json.RawMessage, sessionID string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &fields); err != nil {
			return nil, err
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	id, err := json.Marshal(sessionID)
	if err != nil {
		return nil, err
	}
	fields["sessionId"] = id
	return json.Marshal(fields)
}

// commandCall wraps a bare command as a tool call for classification.
func commandCall(command string) acp.ToolCall {
	input, _ := json.Marshal(map[string]string{"command": command})
	return acp.ToolCall{RawInput: input}
}

// toolCallOf extracts the tool call of a tool_call session update.
func toolCallOf(msg *acp.Message) (acp.ToolCall, bool) {
	var n acp.SessionNotification
	if err := msg.DecodeParams(&n); err != nil {
		return acp.ToolCall{}, false
	}
	var call acp.ToolCall
	if err := json.Unmarshal(n.Update, &call); err != nil {
		return acp.ToolCall{}, false
	}
	return call, true
}

func decodeParams(env *message.Envelope, v any) error {
	if len(env.Params) == 0 || string(env.Params) == "null" {
		return nil
	}
	return json.Unmarshal(env.Params, v)
}

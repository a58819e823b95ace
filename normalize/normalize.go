// Package normalize turns dialect envelopes into Intents and backend ACP
// messages into Events.
package normalize

import (
	"encoding/json"
	"strings"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/message"
)

var cancelMethods = map[string]bool{
	"session.abort":         true,
	"cancel":                true,
	acp.MethodSessionCancel: true,
}

var cancelTypes = map[string]bool{
	"cancel":    true,
	"interrupt": true,
}

// Stream line types that echo agent output back; they never carry a prompt.
var outputTypes = map[string]bool{
	"assistant": true,
	"result":    true,
	"system":    true,
}

// CanonicalDecision maps any permission outcome spelling onto approved,
// denied or cancelled.
func CanonicalDecision(outcome string) string {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case acp.OptionAllowOnce, acp.OptionAllowAlways, message.DecisionApproved, "approve":
		return message.DecisionApproved
	case message.DecisionCancelled:
		return message.DecisionCancelled
	default:
		return message.DecisionDenied
	}
}

// ToIntent classifies a decoded client envelope. Rules are applied in
// order: cancel, permission decision, tool use, token usage, prompt, noop.
func ToIntent(env *message.Envelope) message.Intent {
	f := payload(env)
	sessionID := f.str("sessionId", "session_id")

	if cancelMethods[env.Method] || cancelTypes[env.Type] || f.boolean("cancel") {
		return message.Intent{Kind: message.IntentCancel, SessionID: sessionID}
	}

	if id, outcome, optionID, ok := permissionOutcome(env, f); ok {
		intent := message.Intent{
			Kind:         message.IntentPermissionDecision,
			SessionID:    sessionID,
			PermissionID: id,
			Decision:     CanonicalDecision(outcome),
		}
		if optionID != "" {
			intent.Meta = map[string]any{"optionId": optionID}
		}
		return intent
	}

	if cmd := command(f); cmd != "" {
		return message.Intent{Kind: message.IntentToolUse, SessionID: sessionID, Command: cmd}
	}

	if usage := tokenUsage(f); usage != nil {
		return message.Intent{Kind: message.IntentTokenUsage, SessionID: sessionID, Usage: usage}
	}

	if !outputTypes[env.Type] && !env.IsResponse() {
		if text, ok := promptText(env, f); ok {
			return message.Intent{Kind: message.IntentPrompt, SessionID: sessionID, Text: text, Meta: f.meta()}
		}
	}

	return message.Intent{Kind: message.IntentNoop, SessionID: sessionID}
}

// permissionOutcome finds an explicit permission outcome. Responses to a
// bridge-initiated permission request are keyed by the response id; other
// messages name the permission in the payload.
func permissionOutcome(env *message.Envelope, f fields) (id, outcome, optionID string, ok bool) {
	if env.IsResponse() {
		id = acp.IDString(env.ID)
		if env.Error != nil {
			return id, message.DecisionDenied, "", true
		}
		if outcome, optionID, ok = outcomeOf(f); ok {
			return id, outcome, optionID, true
		}
		if nested := f.object("result"); nested != nil {
			if outcome, optionID, ok = outcomeOf(nested); ok {
				return id, outcome, optionID, true
			}
		}
		return "", "", "", false
	}

	if perm := f.object("permission"); perm != nil {
		if outcome, optionID, ok = outcomeOf(perm); ok {
			return perm.str("id", "permissionId"), outcome, optionID, true
		}
	}
	if id = f.str("permissionId", "permission_id"); id != "" {
		if outcome, optionID, ok = outcomeOf(f); ok {
			return id, outcome, optionID, true
		}
	}
	return "", "", "", false
}

// outcomeOf reads outcome, decision or kind. An ACP outcome object
// {"outcome":"selected","optionId":...} yields the option id.
func outcomeOf(f fields) (outcome, optionID string, ok bool) {
	if raw, present := f["outcome"]; present {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s, "", true
		}
		var o acp.PermissionOutcome
		if json.Unmarshal(raw, &o) == nil && o.Outcome != "" {
			if o.Outcome == "selected" {
				return o.OptionID, o.OptionID, true
			}
			return o.Outcome, "", true
		}
	}
	for _, key := range []string{"decision", "kind"} {
		if s := f.str(key); s != "" {
			return s, "", true
		}
	}
	return "", "", false
}

func command(f fields) string {
	if cmd := f.str("command"); cmd != "" {
		return cmd
	}
	if tc := f.object("toolCall"); tc != nil {
		return tc.str("command")
	}
	return ""
}

func tokenUsage(f fields) *message.TokenUsage {
	u := f.object("usage")
	if u == nil {
		if msg := f.object("message"); msg != nil {
			u = msg.object("usage")
		}
	}
	if u == nil {
		return nil
	}
	model := u.str("model")
	if model == "" {
		model = f.str("model")
	}
	if model == "" {
		if msg := f.object("message"); msg != nil {
			model = msg.str("model")
		}
	}
	in, okIn := u.integer("input_tokens", "inputTokens")
	out, okOut := u.integer("output_tokens", "outputTokens")
	if model == "" || !okIn || !okOut {
		return nil
	}
	usage := &message.TokenUsage{Model: model, InputTokens: in, OutputTokens: out}
	usage.CacheCreationTokens, _ = u.integer("cache_creation_input_tokens", "cacheCreationInputTokens")
	usage.CacheReadTokens, _ = u.integer("cache_read_input_tokens", "cacheReadInputTokens")
	return usage
}

func promptText(env *message.Envelope, f fields) (string, bool) {
	if raw, ok := f["prompt"]; ok {
		return acp.ExtractText(raw), true
	}
	if raw, ok := f["text"]; ok {
		return acp.ExtractText(raw), true
	}
	if env.Dialect == message.DialectStream && env.Type == "user" {
		if msg := f.object("message"); msg != nil {
			if raw, ok := msg["content"]; ok {
				return acp.ExtractText(raw), true
			}
		}
	}
	return "", false
}

// payload picks the object that carries an envelope's fields: params for
// calls, result for responses, the whole line for the event stream.
func payload(env *message.Envelope) fields {
	var raw json.RawMessage
	switch {
	case env.Dialect == message.DialectStream:
		raw = env.Raw
	case env.IsResponse():
		raw = env.Result
	default:
		raw = env.Params
	}
	return parseFields(raw)
}

type fields map[string]json.RawMessage

func parseFields(raw json.RawMessage) fields {
	var f fields
	if len(raw) == 0 || json.Unmarshal(raw, &f) != nil {
		return fields{}
	}
	if f == nil {
		return fields{}
	}
	return f
}

func (f fields) str(keys ...string) string {
	for _, k := range keys {
		var s string
		if raw, ok := f[k]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

func (f fields) boolean(key string) bool {
	var b bool
	raw, ok := f[key]
	return ok && json.Unmarshal(raw, &b) == nil && b
}

func (f fields) integer(keys ...string) (int, bool) {
	for _, k := range keys {
		var n int
		if raw, ok := f[k]; ok && json.Unmarshal(raw, &n) == nil {
			return n, true
		}
	}
	return 0, false
}

func (f fields) object(key string) fields {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	var obj fields
	if json.Unmarshal(raw, &obj) != nil || obj == nil {
		return nil
	}
	return obj
}

func (f fields) meta() map[string]any {
	for _, key := range []string{"_meta", "meta"} {
		raw, ok := f[key]
		if !ok {
			continue
		}
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil && len(m) > 0 {
			return m
		}
	}
	return nil
}

package normalize

import (
	"encoding/json"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/message"
)

// ToEvent classifies a backend ACP message. The returned event keeps msg in
// Raw so the pass-through dialect can forward it untouched.
func ToEvent(msg *acp.Message) message.Event {
	if msg.Error != nil {
		return message.Event{
			Kind:      message.EventError,
			RequestID: msg.ID,
			Code:      msg.Error.Code,
			Message:   msg.Error.Message,
			Raw:       msg,
		}
	}

	if msg.IsResponse() {
		var result acp.PromptResult
		_ = json.Unmarshal(msg.Result, &result)
		if result.StopReason == "" {
			result.StopReason = acp.StopEndTurn
		}
		return message.Event{
			Kind:       message.EventResponse,
			RequestID:  msg.ID,
			StopReason: result.StopReason,
			Usage:      result.Usage,
			Result:     msg.Result,
			Raw:        msg,
		}
	}

	switch msg.Method {
	case acp.MethodSessionUpdate:
		return updateEvent(msg)
	case acp.MethodRequestPermission:
		if !msg.HasID() {
			break
		}
		var params acp.RequestPermissionParams
		if err := msg.DecodeParams(&params); err != nil {
			break
		}
		return message.Event{
			Kind:       message.EventPermissionRequest,
			SessionID:  params.SessionID,
			ToolCallID: params.ToolCall.ToolCallID,
			Title:      params.ToolCall.Title,
			Command:    params.ToolCall.Command(),
			Options:    params.Options,
			RequestID:  msg.ID,
			Raw:        msg,
		}
	}
	return message.Event{Kind: message.EventNoop, Raw: msg}
}

func updateEvent(msg *acp.Message) message.Event {
	noop := message.Event{Kind: message.EventNoop, Raw: msg}
	var n acp.SessionNotification
	if err := msg.DecodeParams(&n); err != nil {
		return noop
	}
	noop.SessionID = n.SessionID
	var header acp.UpdateHeader
	if err := json.Unmarshal(n.Update, &header); err != nil {
		return noop
	}

	switch header.SessionUpdate {
	case acp.UpdateAgentMessageChunk, acp.UpdateAgentThoughtChunk:
		var chunk acp.MessageChunk
		if err := json.Unmarshal(n.Update, &chunk); err != nil {
			return noop
		}
		ev := message.Event{
			Kind:      message.EventMessageChunk,
			SessionID: n.SessionID,
			Usage:     chunk.Usage,
			Raw:       msg,
		}
		if header.SessionUpdate == acp.UpdateAgentThoughtChunk {
			ev.Thought = acp.ExtractText(chunk.Content)
			return ev
		}
		ev.Text = acp.ExtractText(chunk.Content)
		ev.Thought = chunk.Thought
		if chunk.Meta != nil {
			if ev.Thought == "" {
				ev.Thought = chunk.Meta.Thought
			}
			if ev.Usage == nil {
				ev.Usage = chunk.Meta.Usage
			}
		}
		return ev

	case acp.UpdateToolCall:
		var tc acp.ToolCall
		if err := json.Unmarshal(n.Update, &tc); err != nil {
			return noop
		}
		status := tc.Status
		if status == "" {
			status = acp.ToolPending
		}
		return message.Event{
			Kind:       message.EventToolCall,
			SessionID:  n.SessionID,
			ToolCallID: tc.ToolCallID,
			Title:      tc.Title,
			Command:    tc.Command(),
			Status:     status,
			Raw:        msg,
		}

	case acp.UpdateToolCallUpdate:
		var tc acp.ToolCall
		if err := json.Unmarshal(n.Update, &tc); err != nil {
			return noop
		}
		return message.Event{
			Kind:       message.EventToolCallUpdate,
			SessionID:  n.SessionID,
			ToolCallID: tc.ToolCallID,
			Title:      tc.Title,
			Command:    tc.Command(),
			Status:     tc.Status,
			Raw:        msg,
		}
	}
	return noop
}

// Plan returns the plan entries of a plan session update, if msg is one.
func Plan(msg *acp.Message) (string, []acp.PlanEntry, bool) {
	if msg.Method != acp.MethodSessionUpdate {
		return "", nil, false
	}
	var n acp.SessionNotification
	if err := msg.DecodeParams(&n); err != nil {
		return "", nil, false
	}
	var plan acp.PlanUpdate
	if err := json.Unmarshal(n.Update, &plan); err != nil || plan.SessionUpdate != acp.UpdatePlan {
		return "", nil, false
	}
	return n.SessionID, plan.Entries, true
}

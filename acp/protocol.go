package acp

import (
	"encoding/json"
	"strings"
)

// JSON-RPC method names of the Agent Client Protocol.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionLoad       = "session/load"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodSessionSetMode    = "session/set_mode"
	MethodSessionSetModel   = "session/set_model"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
)

// ProtocolVersion is the ACP protocol version the bridge negotiates.
const ProtocolVersion = 1

// sessionUpdate discriminator values.
const (
	UpdatePlan              = "plan"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
)

// Stop reasons returned by session/prompt.
const (
	StopEndTurn   = "end_turn"
	StopMaxTokens = "max_tokens"
	StopRefusal   = "refusal"
	StopCancelled = "cancelled"
)

// Tool call statuses.
const (
	ToolPending    = "pending"
	ToolInProgress = "in_progress"
	ToolCompleted  = "completed"
	ToolFailed     = "failed"
)

// Implementation identifies a client or agent.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ProtocolVersion    int             `json:"protocolVersion"`
	ClientCapabilities json.RawMessage `json:"clientCapabilities,omitempty"`
	ClientInfo         *Implementation `json:"clientInfo,omitempty"`
}

// McpServer describes an MCP server to attach to a session.
type McpServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Env     []EnvVar `json:"env"`
}

type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type NewSessionParams struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

type LoadSessionParams struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// ContentBlock is a single prompt or message content element. Only text
// blocks are produced by the bridge; other block types pass through raw.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlocks wraps text as a one-element prompt.
func TextBlocks(text string) []ContentBlock {
	return []ContentBlock{{Type: "text", Text: text}}
}

type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type PromptResult struct {
	StopReason string `json:"stopReason"`
	Usage      *Usage `json:"usage,omitempty"`
}

// Usage is token accounting reported by the agent.
type Usage struct {
	InputTokens       int `json:"inputTokens"`
	OutputTokens      int `json:"outputTokens"`
	TotalTokens       int `json:"totalTokens,omitempty"`
	ThoughtTokens     int `json:"thoughtTokens,omitempty"`
	CachedReadTokens  int `json:"cachedReadTokens,omitempty"`
	CachedWriteTokens int `json:"cachedWriteTokens,omitempty"`
}

type CancelParams struct {
	SessionID string `json:"sessionId"`
}

type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

type SetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// SessionNotification is the outer envelope of session/update.
type SessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// UpdateHeader extracts the discriminator of a session update.
type UpdateHeader struct {
	SessionUpdate string `json:"sessionUpdate"`
}

// MessageChunk is the payload of agent/user message and thought chunks.
type MessageChunk struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content"`
	Thought       string          `json:"thought,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
	Meta          *ChunkMeta      `json:"_meta,omitempty"`
}

// ChunkMeta carries optional side-channel data on a chunk.
type ChunkMeta struct {
	Thought string `json:"thought,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
}

// PlanUpdate is the payload of a plan session update.
type PlanUpdate struct {
	SessionUpdate string      `json:"sessionUpdate"`
	Entries       []PlanEntry `json:"entries"`
}

type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// ToolCall describes a tool invocation in updates and permission requests.
type ToolCall struct {
	SessionUpdate string          `json:"sessionUpdate,omitempty"`
	ToolCallID    string          `json:"toolCallId"`
	Title         string          `json:"title,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Status        string          `json:"status,omitempty"`
	Content       json.RawMessage `json:"content,omitempty"`
	Locations     []Location      `json:"locations,omitempty"`
	RawInput      json.RawMessage `json:"rawInput,omitempty"`
	RawOutput     json.RawMessage `json:"rawOutput,omitempty"`
}

// Location is a file touched by a tool call.
type Location struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// Command returns the shell command of a tool call, if its raw input has
// one. Commands given as argv arrays are joined with spaces.
func (t ToolCall) Command() string {
	var input struct {
		Command json.RawMessage `json:"command"`
		Cmd     json.RawMessage `json:"cmd"`
	}
	if len(t.RawInput) == 0 || json.Unmarshal(t.RawInput, &input) != nil {
		return ""
	}
	for _, raw := range []json.RawMessage{input.Command, input.Cmd} {
		if len(raw) == 0 {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		var argv []string
		if json.Unmarshal(raw, &argv) == nil {
			return strings.Join(argv, " ")
		}
	}
	return ""
}

// Paths returns every file path a tool call declares it touches.
func (t ToolCall) Paths() []string {
	var paths []string
	for _, loc := range t.Locations {
		if loc.Path != "" {
			paths = append(paths, loc.Path)
		}
	}
	var input struct {
		Path     string `json:"path"`
		FilePath string `json:"file_path"`
	}
	if len(t.RawInput) > 0 && json.Unmarshal(t.RawInput, &input) == nil {
		for _, p := range []string{input.Path, input.FilePath} {
			if p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

// Permission option kinds.
const (
	OptionAllowOnce    = "allow_once"
	OptionAllowAlways  = "allow_always"
	OptionRejectOnce   = "reject_once"
	OptionRejectAlways = "reject_always"
	// OptionDeny is the id of the reject option the bridge offers itself.
	OptionDeny         = "deny"
)

type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// DefaultPermissionOptions is offered when the agent sent none.
func DefaultPermissionOptions() []PermissionOption {
	return []PermissionOption{
		{OptionID: OptionAllowOnce, Name: "Allow", Kind: OptionAllowOnce},
		{OptionID: OptionDeny, Name: "Deny", Kind: OptionRejectOnce},
	}
}

type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCall           `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
	Meta      json.RawMessage    `json:"_meta,omitempty"`
}

// PermissionOutcome is the ACP outcome object: "selected" with an option
// id, or "cancelled".
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResult answers session/request_permission. Decision,
// Approved and ToolCallID mirror the outcome for clients that read the
// flat shape.
type RequestPermissionResult struct {
	Outcome    PermissionOutcome `json:"outcome"`
	Decision   string            `json:"decision"`
	Approved   bool              `json:"approved"`
	ToolCallID string            `json:"toolCallId,omitempty"`
}

// ReadTextFileParams asks the client for a file's content. Line is 1-based.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

type ReadTextFileResult struct {
	Content string `json:"content"`
}

type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

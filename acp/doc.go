// Package acp holds the Agent Client Protocol (ACP) wire types shared by
// the backend client and the pass-through client dialect.
//
// ACP is JSON-RPC 2.0. The methods the bridge speaks are:
// - initialize: capability handshake, performed once per backend
// - session/new, session/load: create or resume an agent session
// - session/prompt: run one prompt turn, answered with a stopReason
// - session/cancel: notification aborting the current turn
// - session/request_permission: agent-initiated request for tool approval
//
// The agent streams progress with session/update notifications whose inner
// "sessionUpdate" discriminator is one of plan, agent_message_chunk,
// agent_thought_chunk, user_message_chunk, tool_call or tool_call_update.
package acp

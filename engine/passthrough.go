package engine

import (
	"context"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/correlate"
	"github.com/m4xw311/acpbridge/message"
	"github.com/m4xw311/acpbridge/normalize"
	"go.uber.org/zap"
)

// handleACP serves a client that speaks ACP itself. initialize is answered
// from the cached handshake; everything else goes to the backend.
func (c *Connection) handleACP(ctx context.Context, env *message.Envelope) {
	if env.Method == acp.MethodInitialize && env.IsRequest() {
		result, err := c.e.cachedInitialize()
		c.reply(env.ID, "", result, err)
		return
	}

	intent := normalize.ToIntent(env)
	local := c.e.sessions.LocalID(intent.SessionID)

	switch {
	case intent.Kind == message.IntentCancel:
		c.cancel(local)
		c.reply(env.ID, local, nil, nil)

	case intent.Kind == message.IntentPermissionDecision:
		c.decide(intent)

	case env.Method == acp.MethodSessionPrompt && env.IsRequest():
		err := c.startTurn(ctx, turn{
			clientID:  env.ID,
			sessionID: local,
			text:      intent.Text,
			mode:      correlate.ModeForward,
			params:    env.Params,
		})
		if err != nil {
			c.reject(env.ID, correlate.ModeForward, local, err)
		}

	case env.IsRequest():
		if err := c.forward(ctx, env); err != nil {
			c.reject(env.ID, correlate.ModeForward, local, err)
		}

	case env.Method != "":
		c.notifyBackend(local, env)

	default:
		c.handleIntent(intent)
	}
}

// notifyBackend relays a client notification with its session id mapped.
func (c *Connection) notifyBackend(local string, env *message.Envelope) {
	agent, err := c.e.currentAgent()
	if err != nil {
		c.log.Debug("dropping notification, no backend", zap.String("method", env.Method))
		return
	}
	params := env.Params
	if local != "" {
		if params, err = withSessionID(params, c.e.sessions.ResolveBackendID(local)); err != nil {
			c.log.Warn("dropping notification with invalid params", zap.String("method", env.Method), zap.Error(err))
			return
		}
	}
	if err := agent.Notify(env.Method, params); err != nil {
		c.log.Debug("notification not delivered", zap.String("method", env.Method), zap.Error(err))
	}
}

package engine

import (
	"context"

	"github.com/m4xw311/acpbridge/correlate"
	"github.com/m4xw311/acpbridge/dialect"
	"github.com/m4xw311/acpbridge/message"
	"github.com/m4xw311/acpbridge/normalize"
	"go.uber.org/zap"
)

// handleStream serves an event-stream client. The stream has no request
// ids, so every prompt is answered by a result line when its turn ends.
func (c *Connection) handleStream(ctx context.Context, env *message.Envelope) {
	intent := normalize.ToIntent(env)
	switch intent.Kind {
	case message.IntentPrompt:
		sid := c.streamSessionFor(intent.SessionID)
		err := c.startTurn(ctx, turn{sessionID: sid, text: intent.Text, mode: correlate.ModeDeferred})
		if err != nil {
			c.reject(nil, correlate.ModeDeferred, sid, err)
		}
	case message.IntentCancel:
		sid := intent.SessionID
		if sid == "" {
			sid = c.currentStreamSession()
		}
		c.cancel(sid)
	default:
		c.handleIntent(intent)
	}
}

func (c *Connection) currentStreamSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSession
}

// streamSessionFor picks the session of a stream prompt, creating one on
// first use. New sessions are announced with a system init line.
func (c *Connection) streamSessionFor(requested string) string {
	c.mu.Lock()
	if requested == "" {
		requested = c.streamSession
	}
	c.mu.Unlock()

	s, created := c.e.sessions.Ensure(requested)
	c.mu.Lock()
	c.streamSession = s.LocalID
	c.mu.Unlock()
	c.e.setOwner(s.LocalID, c)
	if !created {
		return s.LocalID
	}

	if stream, ok := c.detect.Chosen().(*dialect.Stream); ok {
		line, err := stream.SystemInit(s.LocalID)
		if err != nil {
			c.log.Error("cannot render system init", zap.Error(err))
			return s.LocalID
		}
		c.write(s.LocalID, line)
	}
	return s.LocalID
}

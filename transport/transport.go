// Package transport carries client byte streams to the bridge engine: the
// process's own stdio, or WebSocket connections where every text message
// is one JSON document.
package transport

import (
	"context"
	"io"
)

// Handler serves one client stream until r ends or ctx is done.
// *engine.Engine is the production Handler.
type Handler interface {
	Serve(ctx context.Context, r io.Reader, w io.Writer) error
}

// ServeStdio runs a single client over the given streams, normally the
// process's stdin and stdout.
func ServeStdio(ctx context.Context, h Handler, in io.Reader, out io.Writer) error {
	return h.Serve(ctx, in, out)
}

package transport

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/acpbridge/errors"
	"go.uber.org/zap"
)

// DefaultPath is where the WebSocket endpoint is mounted.
const DefaultPath = "/ws"

const writeTimeout = 10 * time.Second

type WebSocketOptions struct {
	Addr string
	Path string
	// Token, when set, must be presented as a Bearer token or a token
	// query parameter.
	Token        string
	MaxFrameSize int64
	Logger       *zap.Logger
}

// WebSocketServer accepts clients on a WebSocket endpoint and hands each
// connection to the Handler as its own stream.
type WebSocketServer struct {
	opts     WebSocketOptions
	log      *zap.Logger
	handler  Handler
	upgrader websocket.Upgrader

	srv  *http.Server
	ln   net.Listener
	done chan error

	mu    sync.Mutex
	ctx   context.Context
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

func NewWebSocketServer(h Handler, opts WebSocketOptions) *WebSocketServer {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &WebSocketServer{
		opts:    opts,
		log:     opts.Logger,
		handler: h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done:  make(chan error, 1),
		conns: make(map[*websocket.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.Handle(opts.Path, s)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Start listens and serves in the background. ctx bounds every client
// session.
func (s *WebSocketServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.opts.Addr)
	}
	s.mu.Lock()
	s.ctx = ctx
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("websocket server listening", zap.String("addr", ln.Addr().String()), zap.String("path", s.opts.Path))
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return nil
}

// Addr is the address the server listens on, once started.
func (s *WebSocketServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Wait blocks until the server stops.
func (s *WebSocketServer) Wait() error {
	err := <-s.done
	s.done <- err
	return err
}

// Stop closes the listener and every open connection, then waits for the
// client sessions to end.
func (s *WebSocketServer) Stop(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.log.Warn("rejected websocket client", zap.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if s.opts.MaxFrameSize > 0 {
		conn.SetReadLimit(s.opts.MaxFrameSize)
	}

	s.mu.Lock()
	ctx := s.ctx
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()
	if ctx == nil {
		ctx = r.Context()
	}

	log := s.log.With(zap.String("remote", r.RemoteAddr))
	log.Info("websocket client connected")

	pr, pw := io.Pipe()
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("websocket read ended", zap.Error(err))
				}
				pw.Close()
				return
			}
			if _, err := pw.Write(append(msg, '\n')); err != nil {
				return
			}
		}
	}()

	err = s.handler.Serve(ctx, pr, &messageWriter{conn: conn})
	pr.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("websocket client session failed", zap.Error(err))
	}
	log.Info("websocket client disconnected")
}

func (s *WebSocketServer) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	presented := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.opts.Token)) == 1
}

// messageWriter sends each Write as one text message.
type messageWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (m *messageWriter) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := m.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(p, "\r\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

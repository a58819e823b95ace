package backend

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/clock"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/framing"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds a backend request when the caller gives none.
const DefaultRequestTimeout = 60 * time.Second

// Reply answers a backend-initiated request. Only the first call has any
// effect; it may happen on any goroutine, at any later time.
type Reply func(result any, err error)

type ConnOptions struct {
	Logger *zap.Logger
	Clock  clock.Clock
	// Framing forces the wire framing towards the agent. Unknown means
	// NDJSON until the agent sends a length-prefixed frame.
	Framing      framing.Mode
	MaxFrameSize int
	// FailOnEOF fails the connection as soon as the read side ends. Process
	// backends leave it off and fail with the exit status instead.
	FailOnEOF bool
}

// Conn is a bidirectional JSON-RPC 2.0 multiplexer over a framed byte
// stream. Outbound writes are serialized; inbound messages are dispatched
// from ReadLoop in arrival order.
type Conn struct {
	log    *zap.Logger
	clock  clock.Clock
	framer *framing.Framer
	eof    bool

	wmu sync.Mutex
	w   io.Writer

	nextID atomic.Int64

	mu             sync.Mutex
	pending        map[int64]*Call
	failed         error
	onNotification func(*acp.Message)
	onRequest      func(*acp.Message, Reply)
	onResponse     func(id int64)
	onExit         []func(error)

	done chan struct{}
}

// NewConn creates a connection writing to w. Call ReadLoop with the read
// side to start dispatching.
func NewConn(w io.Writer, opts ConnOptions) *Conn {
	c := &Conn{
		log:     opts.Logger,
		clock:   opts.Clock,
		eof:     opts.FailOnEOF,
		w:       w,
		pending: make(map[int64]*Call),
		done:    make(chan struct{}),
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	c.framer = framing.New(framing.Options{
		Logger:       c.log,
		Mode:         opts.Framing,
		MaxFrameSize: opts.MaxFrameSize,
	})
	return c
}

// OnNotification registers the handler for backend notifications. It runs
// on the read loop and must not block.
func (c *Conn) OnNotification(h func(*acp.Message)) {
	c.mu.Lock()
	c.onNotification = h
	c.mu.Unlock()
}

// OnRequest registers the handler for backend-initiated requests. It runs
// on the read loop and must not block; answer later through the Reply.
func (c *Conn) OnRequest(h func(*acp.Message, Reply)) {
	c.mu.Lock()
	c.onRequest = h
	c.mu.Unlock()
}

// OnResponse registers a hook run on the read loop when the answer to a
// pending request arrives, before its Call is completed. Documents read
// after the answer are dispatched only once the hook returns.
func (c *Conn) OnResponse(h func(id int64)) {
	c.mu.Lock()
	c.onResponse = h
	c.mu.Unlock()
}

// OnExit registers a callback run once when the connection fails.
func (c *Conn) OnExit(h func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		go h(c.failed)
		return
	}
	c.onExit = append(c.onExit, h)
}

// Call is one in-flight request.
type Call struct {
	ID     int64
	Method string

	ch    chan callResult
	timer *clock.Timer
	conn  *Conn
}

type callResult struct {
	msg *acp.Message
	err error
}

// Wait blocks until the response arrives, the request times out, the
// connection fails, or ctx is done. A JSON-RPC error response is returned
// as the message with a nil error; use Request for error-folding.
func (call *Call) Wait(ctx context.Context) (*acp.Message, error) {
	select {
	case r := <-call.ch:
		return r.msg, r.err
	case <-ctx.Done():
		if call.conn.resolve(call.ID, nil, ctx.Err()) {
			return nil, ctx.Err()
		}
		r := <-call.ch
		return r.msg, r.err
	}
}

// Start sends a request and returns without waiting for the answer. A
// zero timeout uses DefaultRequestTimeout; a negative one disables it.
func (c *Conn) Start(method string, params any, timeout time.Duration) (*Call, error) {
	c.mu.Lock()
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return nil, err
	}
	id := c.nextID.Add(1)
	call := &Call{ID: id, Method: method, ch: make(chan callResult, 1), conn: c}
	c.pending[id] = call
	c.mu.Unlock()

	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	if timeout > 0 {
		call.timer = c.clock.AfterFunc(timeout, func() {
			if c.resolve(id, nil, errors.Wrapf(errors.ErrTimeout, "%s after %s", method, timeout)) {
				c.log.Warn("backend request timed out", zap.String("method", method), zap.Int64("id", id))
			}
		})
	}

	msg, err := acp.NewRequest(acp.IntID(id), method, params)
	if err == nil {
		err = c.write(msg)
	}
	if err != nil {
		c.resolve(id, nil, err)
		return nil, errors.Wrapf(err, "send %s", method)
	}
	return call, nil
}

// Request sends a request and waits for its answer. JSON-RPC error
// responses are returned as *errors.RPCError alongside the message.
func (c *Conn) Request(ctx context.Context, method string, params any, timeout time.Duration) (*acp.Message, error) {
	call, err := c.Start(method, params, timeout)
	if err != nil {
		return nil, err
	}
	msg, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return msg, msg.Error
	}
	return msg, nil
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	msg, err := acp.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Pending returns the number of requests awaiting an answer.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Err returns the failure that ended the connection, or nil while it is
// usable.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Done is closed when ReadLoop returns.
func (c *Conn) Done() <-chan struct{} { return c.done }

// ReadLoop reads and dispatches inbound messages until r ends. It must be
// called exactly once.
func (c *Conn) ReadLoop(r io.Reader) {
	defer close(c.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, doc := range c.framer.Push(buf[:n]) {
				c.dispatch(doc)
			}
		}
		if err != nil {
			if err != io.EOF {
				c.log.Debug("backend read ended", zap.Error(err))
			}
			break
		}
	}
	if c.eof {
		c.Fail(errors.ErrBackendClosed)
	}
}

// Fail rejects every pending request with err and runs the exit callbacks.
// Only the first call has any effect.
func (c *Conn) Fail(err error) {
	if err == nil {
		err = errors.ErrBackendClosed
	}
	c.mu.Lock()
	if c.failed != nil {
		c.mu.Unlock()
		return
	}
	c.failed = err
	pending := c.pending
	c.pending = make(map[int64]*Call)
	callbacks := c.onExit
	c.onExit = nil
	c.mu.Unlock()

	for _, call := range pending {
		call.timer.Stop()
		call.ch <- callResult{err: err}
	}
	c.log.Info("backend connection failed", zap.Error(err), zap.Int("pending", len(pending)))
	for _, h := range callbacks {
		h(err)
	}
}

// resolve completes a pending call exactly once. It reports whether the
// call was still pending.
func (c *Conn) resolve(id int64, msg *acp.Message, err error) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	call.timer.Stop()
	call.ch <- callResult{msg: msg, err: err}
	return true
}

func (c *Conn) dispatch(doc json.RawMessage) {
	msg, err := acp.Parse(doc)
	if err != nil {
		c.log.Warn("dropping unparseable backend message", zap.Error(err))
		return
	}

	switch {
	case msg.IsResponse():
		id, ok := msg.NumericID()
		if ok {
			c.mu.Lock()
			_, pending := c.pending[id]
			h := c.onResponse
			c.mu.Unlock()
			if pending && h != nil {
				h(id)
			}
		}
		if !ok || !c.resolve(id, msg, nil) {
			c.log.Debug("dropping response with no pending request", zap.String("id", string(msg.ID)))
		}

	case msg.IsRequest():
		c.mu.Lock()
		h := c.onRequest
		c.mu.Unlock()
		if h == nil {
			c.replyError(msg.ID, errors.NewRPCError(errors.CodeMethodNotFound, "method not found: %s", msg.Method))
			return
		}
		h(msg, c.replier(msg.ID))

	case msg.IsNotification():
		c.mu.Lock()
		h := c.onNotification
		c.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

func (c *Conn) replier(id json.RawMessage) Reply {
	var once sync.Once
	return func(result any, err error) {
		once.Do(func() {
			if err != nil {
				c.replyError(id, errors.ToRPC(err))
				return
			}
			msg, merr := acp.NewResult(id, result)
			if merr != nil {
				c.replyError(id, errors.NewRPCError(errors.CodeInternal, "marshal result: %v", merr))
				return
			}
			if werr := c.write(msg); werr != nil {
				c.log.Debug("reply not delivered", zap.Error(werr))
			}
		})
	}
}

func (c *Conn) replyError(id json.RawMessage, rpcErr *errors.RPCError) {
	if werr := c.write(acp.NewError(id, rpcErr)); werr != nil {
		c.log.Debug("error reply not delivered", zap.Error(werr))
	}
}

func (c *Conn) write(msg *acp.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	frame := c.framer.Encode(data)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(frame)
	return err
}

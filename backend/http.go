package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/framing"
	"go.uber.org/zap"
)

// HTTPRelay reaches a remote agent by POSTing each outbound JSON-RPC message
// to an endpoint. A response body may hold one message or a framed stream
// of notifications ending in the response; every message read back is fed
// to the connection as if the agent had written it on a pipe.
//
// HTTPRelay is the io.Writer a Conn writes to, and Reader is what its
// ReadLoop consumes.
type HTTPRelay struct {
	Endpoint string
	Token    string
	Client   *http.Client
	Logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	pr     *io.PipeReader
	pw     *io.PipeWriter
	outMu  sync.Mutex
	wg     sync.WaitGroup
	closed sync.Once
}

func NewHTTPRelay(endpoint, token string, logger *zap.Logger) *HTTPRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	return &HTTPRelay{
		Endpoint: endpoint,
		Token:    token,
		Client:   http.DefaultClient,
		Logger:   logger.With(zap.String("endpoint", endpoint)),
		ctx:      ctx,
		cancel:   cancel,
		pr:       pr,
		pw:       pw,
	}
}

// Reader returns the stream of messages received from the endpoint.
func (h *HTTPRelay) Reader() io.Reader { return h.pr }

// Write posts one framed message. The POST runs in the background so a
// long streaming answer never holds up other writers.
func (h *HTTPRelay) Write(frame []byte) (int, error) {
	if err := h.ctx.Err(); err != nil {
		return 0, errors.ErrBackendClosed
	}
	body := append([]byte(nil), frame...)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.post(body)
	}()
	return len(frame), nil
}

// Close stops accepting writes, waits for in-flight POSTs and ends the
// read stream.
func (h *HTTPRelay) Close() error {
	h.closed.Do(func() {
		h.cancel()
		h.wg.Wait()
		_ = h.pw.Close()
	})
	return nil
}

func (h *HTTPRelay) post(body []byte) {
	id := requestID(body)
	req, err := http.NewRequestWithContext(h.ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		h.fail(id, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, application/x-ndjson")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		h.fail(id, errors.Join(errors.ErrBackendUnavailable, err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		h.fail(id, errors.Join(errors.ErrBackendUnavailable,
			fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(snippet))))
		return
	}

	framer := framing.New(framing.Options{Logger: h.Logger})
	answered := false
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		for _, doc := range framer.Push(buf[:n]) {
			if id != nil && isResponseTo(doc, id) {
				answered = true
			}
			h.deliver(doc)
		}
		if rerr != nil {
			if rerr != io.EOF && h.ctx.Err() == nil {
				h.Logger.Warn("relay response read failed", zap.Error(rerr))
			}
			break
		}
	}
	if id != nil && !answered && h.ctx.Err() == nil {
		h.fail(id, errors.Join(errors.ErrBackendUnavailable, errors.Sentinel("no response in relay body")))
	}
}

// deliver hands one message to the read side. Messages from concurrent
// POSTs are written whole, one at a time.
func (h *HTTPRelay) deliver(doc json.RawMessage) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	line := append(append([]byte(nil), doc...), '\n')
	if _, err := h.pw.Write(line); err != nil {
		h.Logger.Debug("relay reader closed", zap.Error(err))
	}
}

// fail answers a request that never reached the agent with an error
// response, so the caller is not left waiting for its timeout.
func (h *HTTPRelay) fail(id json.RawMessage, err error) {
	h.Logger.Warn("relay request failed", zap.Error(err))
	if id == nil {
		return
	}
	data, merr := acp.NewError(id, errors.ToRPC(err)).Marshal()
	if merr != nil {
		return
	}
	h.deliver(data)
}

// requestID returns the id of a framed outbound request, or nil for
// notifications and responses.
func requestID(frame []byte) json.RawMessage {
	docs := framing.New(framing.Options{}).Push(append(append([]byte(nil), frame...), '\n'))
	if len(docs) != 1 {
		return nil
	}
	msg, err := acp.Parse(docs[0])
	if err != nil || !msg.IsRequest() {
		return nil
	}
	return msg.ID
}

func isResponseTo(doc json.RawMessage, id json.RawMessage) bool {
	msg, err := acp.Parse(doc)
	return err == nil && msg.IsResponse() && bytes.Equal(bytes.TrimSpace(msg.ID), bytes.TrimSpace(id))
}

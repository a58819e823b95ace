package backend

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/clock"
	"github.com/m4xw311/acpbridge/errors"
)

const testTimeout = 5 * time.Second

// testPeer plays the agent side of a Conn.
type testPeer struct {
	msgs chan *acp.Message
	send func([]byte) error
	end  func()
}

func newTestConn(t *testing.T, opts ConnOptions) (*Conn, *testPeer) {
	t.Helper()

	// Conn reads from pr1, peer writes to pw1.
	pr1, pw1 := io.Pipe()
	// Conn writes to pw2, peer reads from pr2.
	pr2, pw2 := io.Pipe()

	conn := NewConn(pw2, opts)
	peer := &testPeer{
		msgs: make(chan *acp.Message, 16),
		send: func(b []byte) error {
			_, err := pw1.Write(b)
			return err
		},
		end: func() { pw1.Close() },
	}
	go func() {
		dec := json.NewDecoder(pr2)
		for {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return
			}
			msg, err := acp.Parse(raw)
			if err != nil {
				continue
			}
			peer.msgs <- msg
		}
	}()
	go conn.ReadLoop(pr1)

	t.Cleanup(func() {
		pw1.Close()
		pw2.Close()
		pr1.Close()
		pr2.Close()
	})
	return conn, peer
}

func (p *testPeer) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := p.send(append(data, '\n')); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (p *testPeer) next(t *testing.T) *acp.Message {
	t.Helper()
	select {
	case msg := <-p.msgs:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for message from Conn")
		return nil
	}
}

func (p *testPeer) respond(t *testing.T, id json.RawMessage, result any) {
	t.Helper()
	p.sendJSON(t, map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestConnRequestResponse(t *testing.T) {
	conn, peer := newTestConn(t, ConnOptions{})

	done := make(chan *acp.Message, 1)
	go func() {
		msg, err := conn.Request(testContext(t), acp.MethodSessionNew, acp.NewSessionParams{Cwd: "/tmp"}, 0)
		if err != nil {
			t.Errorf("Request: %v", err)
		}
		done <- msg
	}()

	req := peer.next(t)
	if req.Method != acp.MethodSessionNew || !req.IsRequest() {
		t.Fatalf("unexpected request %+v", req)
	}
	peer.respond(t, req.ID, map[string]string{"sessionId": "s-1"})

	msg := <-done
	var result acp.NewSessionResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.SessionID != "s-1" {
		t.Errorf("sessionId = %q", result.SessionID)
	}
	if conn.Pending() != 0 {
		t.Errorf("Pending = %d after response", conn.Pending())
	}
}

func TestConnIdsIncrease(t *testing.T) {
	conn, peer := newTestConn(t, ConnOptions{})
	first, err := conn.Start("a", nil, -1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := conn.Start("b", nil, -1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if second.ID <= first.ID {
		t.Errorf("ids not increasing: %d then %d", first.ID, second.ID)
	}
	peer.next(t)
	peer.next(t)
}

func TestConnErrorResponse(t *testing.T) {
	conn, peer := newTestConn(t, ConnOptions{})

	errc := make(chan error, 1)
	go func() {
		_, err := conn.Request(testContext(t), "session/prompt", nil, 0)
		errc <- err
	}()
	req := peer.next(t)
	peer.sendJSON(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"error":   map[string]any{"code": -32602, "message": "bad params"},
	})

	err := <-errc
	var rpcErr *errors.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want RPCError", err)
	}
	if rpcErr.Code != -32602 || rpcErr.Message != "bad params" {
		t.Errorf("rpc error = %+v", rpcErr)
	}
}

func TestConnTimeoutIgnoresLateResponse(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	conn, peer := newTestConn(t, ConnOptions{Clock: fake})

	call, err := conn.Start("session/prompt", nil, 10*time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	req := peer.next(t)

	fake.Advance(10 * time.Second)
	_, err = call.Wait(testContext(t))
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if conn.Pending() != 0 {
		t.Errorf("Pending = %d after timeout", conn.Pending())
	}

	// A late answer is dropped without disturbing later requests.
	peer.respond(t, req.ID, map[string]string{"stopReason": "end_turn"})
	done := make(chan error, 1)
	go func() {
		_, err := conn.Request(testContext(t), "ping", nil, -1)
		done <- err
	}()
	next := peer.next(t)
	peer.respond(t, next.ID, map[string]any{})
	if err := <-done; err != nil {
		t.Errorf("follow-up request: %v", err)
	}
}

func TestConnContextCancel(t *testing.T) {
	conn, peer := newTestConn(t, ConnOptions{})
	call, err := conn.Start("slow", nil, -1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	peer.next(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if conn.Pending() != 0 {
		t.Errorf("Pending = %d", conn.Pending())
	}
}

func TestConnNotificationDispatch(t *testing.T) {
	conn, peer := newTestConn(t, ConnOptions{})
	got := make(chan *acp.Message, 1)
	conn.OnNotification(func(m *acp.Message) { got <- m })

	peer.sendJSON(t, map[string]any{
		"jsonrpc": "2.0",
		"method":  acp.MethodSessionUpdate,
		"params": map[string]any{
			"sessionId": "s-1",
			"update":    map[string]any{"sessionUpdate": "agent_message_chunk"},
		},
	})

	select {
	case m := <-got:
		if m.Method != acp.MethodSessionUpdate {
			t.Errorf("method = %q", m.Method)
		}
	case <-time.After(testTimeout):
		t.Fatal("notification not dispatched")
	}
}

func TestConnResponseHookRunsBeforeLaterDocuments(t *testing.T) {
	conn, peer := newTestConn(t, ConnOptions{})
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	conn.OnResponse(func(id int64) { record("response") })
	notified := make(chan struct{})
	conn.OnNotification(func(*acp.Message) {
		record("notification")
		close(notified)
	})

	call, err := conn.Start(acp.MethodSessionPrompt, acp.PromptParams{SessionID: "s-1"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	req := peer.next(t)
	peer.respond(t, req.ID, acp.PromptResult{StopReason: acp.StopEndTurn})
	peer.sendJSON(t, map[string]any{"jsonrpc": "2.0", "id": 99, "result": map[string]any{}})
	peer.sendJSON(t, map[string]any{"jsonrpc": "2.0", "method": acp.MethodSessionUpdate, "params": map[string]any{"sessionId": "s-1"}})

	select {
	case <-notified:
	case <-time.After(testTimeout):
		t.Fatal("notification not dispatched")
	}
	if _, err := call.Wait(testContext(t)); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "response" || order[1] != "notification" {
		t.Fatalf("dispatch order = %v", order)
	}
}

func TestConnUnsolicitedRequestDeferredReply(t *testing.T) {
	conn, peer := newTestConn(t, ConnOptions{})
	replies := make(chan Reply, 1)
	conn.OnRequest(func(m *acp.Message, reply Reply) {
		if m.Method != acp.MethodRequestPermission {
			t.Errorf("method = %q", m.Method)
		}
		replies <- reply
	})

	peer.sendJSON(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      "perm-7",
		"method":  acp.MethodRequestPermission,
		"params":  map[string]any{"sessionId": "s-1"},
	})

	var reply Reply
	select {
	case reply = <-replies:
	case <-time.After(testTimeout):
		t.Fatal("request not dispatched")
	}

	go func() {
		reply(map[string]any{"outcome": map[string]string{"outcome": "selected", "optionId": "allow_once"}}, nil)
		reply(nil, errors.New("second reply must be ignored"))
	}()

	msg := peer.next(t)
	if string(msg.ID) != `"perm-7"` {
		t.Errorf("reply id = %s", msg.ID)
	}
	if msg.Error != nil || len(msg.Result) == 0 {
		t.Fatalf("reply = %+v", msg)
	}
	select {
	case extra := <-peer.msgs:
		t.Errorf("unexpected second reply %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnUnhandledRequestMethodNotFound(t *testing.T) {
	_, peer := newTestConn(t, ConnOptions{})
	peer.sendJSON(t, map[string]any{"jsonrpc": "2.0", "id": 3, "method": "fs/read_text_file"})

	msg := peer.next(t)
	if msg.Error == nil || msg.Error.Code != errors.CodeMethodNotFound {
		t.Errorf("reply = %+v", msg)
	}
}

func TestConnFailRejectsPendingOnce(t *testing.T) {
	conn, peer := newTestConn(t, ConnOptions{})

	var mu sync.Mutex
	exits := 0
	conn.OnExit(func(error) {
		mu.Lock()
		exits++
		mu.Unlock()
	})

	call, err := conn.Start("session/prompt", nil, -1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	peer.next(t)

	crash := &errors.CrashError{ExitCode: 1}
	conn.Fail(crash)
	conn.Fail(errors.ErrBackendClosed)

	_, err = call.Wait(testContext(t))
	var got *errors.CrashError
	if !errors.As(err, &got) || got.ExitCode != 1 {
		t.Fatalf("err = %v, want crash", err)
	}
	mu.Lock()
	if exits != 1 {
		t.Errorf("exit callbacks = %d, want 1", exits)
	}
	mu.Unlock()

	if _, err := conn.Start("ping", nil, 0); err == nil {
		t.Errorf("Start after Fail should fail fast")
	}
	if err := conn.Notify("session/cancel", nil); err == nil {
		t.Errorf("Notify after Fail should fail fast")
	}
}

func TestConnFailOnEOF(t *testing.T) {
	conn, peer := newTestConn(t, ConnOptions{FailOnEOF: true})
	exited := make(chan error, 1)
	conn.OnExit(func(err error) { exited <- err })

	peer.end()
	select {
	case err := <-exited:
		if !errors.Is(err, errors.ErrBackendClosed) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("connection did not fail on EOF")
	}
}

func TestConnLengthPrefixedPeer(t *testing.T) {
	conn, peer := newTestConn(t, ConnOptions{})
	got := make(chan *acp.Message, 1)
	conn.OnNotification(func(m *acp.Message) { got <- m })

	body := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s"}}`
	frame := "Content-Length: " + itoa(len(body)) + "\r\n\r\n" + body
	if err := peer.send([]byte(frame)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-got:
	case <-time.After(testTimeout):
		t.Fatal("length-prefixed notification not dispatched")
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

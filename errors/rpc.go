package errors

import "fmt"

// JSON-RPC 2.0 error codes used on every client dialect.
const (
	CodeParseError     = -32700
	CodeInvalidPayload = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	// CodeChildCrashed is returned for every request that was in flight
	// when the backend agent died, and for backend-bound calls made
	// before a replacement backend is attached.
	CodeChildCrashed = -32001

	// CodeSessionKilled rejects prompts on a session marked killed.
	CodeSessionKilled = -32002
)

var (
	ErrBackendClosed      = Sentinel("backend agent closed its stream")
	ErrBackendUnavailable = Sentinel("backend agent unavailable")
	ErrSessionKilled      = Sentinel("session killed")
	ErrTimeout            = Sentinel("request timed out")
	ErrSessionRebind      = Sentinel("session already bound to a different backend session")
)

// RPCError is a JSON-RPC error object. It is both the wire shape and a Go
// error so backend errors can be passed through unchanged.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError builds an RPCError with a formatted message.
func NewRPCError(code int, format string, a ...interface{}) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, a...)}
}

// CrashError describes a backend process that exited while requests were
// still pending.
type CrashError struct {
	ExitCode int
	Signal   string
	Stderr   string
}

func (e *CrashError) Error() string {
	msg := "Child agent crashed"
	switch {
	case e.Signal != "":
		msg = fmt.Sprintf("%s (signal %s)", msg, e.Signal)
	default:
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ToRPC converts any error into the RPCError a client should see. Backend
// errors pass through, crashes and unavailability map to CodeChildCrashed,
// killed sessions to CodeSessionKilled, everything else to CodeInternal.
func ToRPC(err error) *RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if As(err, &rpcErr) {
		return rpcErr
	}
	var crash *CrashError
	switch {
	case As(err, &crash):
		return &RPCError{Code: CodeChildCrashed, Message: crash.Error()}
	case Is(err, ErrBackendClosed), Is(err, ErrBackendUnavailable):
		return &RPCError{Code: CodeChildCrashed, Message: "Child agent crashed: " + err.Error()}
	case Is(err, ErrSessionKilled):
		return &RPCError{Code: CodeSessionKilled, Message: ErrSessionKilled.Error()}
	}
	return &RPCError{Code: CodeInternal, Message: err.Error()}
}

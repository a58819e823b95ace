package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestNewIncludesCaller(t *testing.T) {
	err := New("bad thing %d", 7)
	if !strings.HasPrefix(err.Error(), "[errors_test.go:") {
		t.Errorf("expected caller prefix, got %q", err.Error())
	}
	if !strings.HasSuffix(err.Error(), "bad thing 7") {
		t.Errorf("expected formatted message, got %q", err.Error())
	}
}

func TestWrapfNil(t *testing.T) {
	if Wrapf(nil, "context") != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestWrapfKeepsChain(t *testing.T) {
	err := Wrapf(ErrTimeout, "prompt on %s", "s1")
	if !Is(err, ErrTimeout) {
		t.Errorf("wrapped error lost sentinel: %v", err)
	}
}

func TestToRPC(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"crash", &CrashError{ExitCode: 1}, CodeChildCrashed},
		{"wrapped crash", fmt.Errorf("call: %w", &CrashError{Signal: "killed"}), CodeChildCrashed},
		{"closed", ErrBackendClosed, CodeChildCrashed},
		{"killed", Wrapf(ErrSessionKilled, "s1"), CodeSessionKilled},
		{"passthrough", &RPCError{Code: -32099, Message: "agent says no"}, -32099},
		{"other", New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToRPC(tt.err)
			if got.Code != tt.code {
				t.Errorf("code = %d, want %d", got.Code, tt.code)
			}
		})
	}
	if ToRPC(nil) != nil {
		t.Error("ToRPC(nil) should be nil")
	}
}

func TestCrashErrorMessage(t *testing.T) {
	if got := (&CrashError{ExitCode: 1}).Error(); got != "Child agent crashed (exit code 1)" {
		t.Errorf("unexpected message %q", got)
	}
	if got := (&CrashError{Signal: "killed", Stderr: "oom"}).Error(); got != "Child agent crashed (signal killed): oom" {
		t.Errorf("unexpected message %q", got)
	}
}

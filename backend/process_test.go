package backend

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/errors"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestSpawnCrashFailsPending(t *testing.T) {
	requireShell(t)
	client, err := Spawn(Options{
		Command: "sh",
		Args:    []string{"-c", "read line; echo 'fatal: out of tokens' >&2; exit 3"},
		Env:     []string{"PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer client.Close(context.Background())

	exited := make(chan error, 1)
	client.OnExit(func(err error) { exited <- err })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = client.Request(ctx, acp.MethodSessionPrompt, acp.PromptParams{SessionID: "s"}, -1)
	var crash *errors.CrashError
	if !errors.As(err, &crash) {
		t.Fatalf("err = %v, want CrashError", err)
	}
	if crash.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", crash.ExitCode)
	}
	if !strings.HasPrefix(crash.Error(), "Child agent crashed (exit code 3)") {
		t.Errorf("message = %q", crash.Error())
	}
	if crash.Stderr != "fatal: out of tokens" {
		t.Errorf("stderr tail = %q", crash.Stderr)
	}

	select {
	case <-exited:
	case <-time.After(testTimeout):
		t.Fatal("exit callback not run")
	}
	if rpc := errors.ToRPC(err); rpc.Code != errors.CodeChildCrashed {
		t.Errorf("rpc code = %d", rpc.Code)
	}
}

func TestSpawnCleanExit(t *testing.T) {
	requireShell(t)
	client, err := Spawn(Options{Command: "sh", Args: []string{"-c", "exit 0"}, Env: []string{}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	exited := make(chan error, 1)
	client.OnExit(func(err error) { exited <- err })
	select {
	case err := <-exited:
		if !errors.Is(err, errors.ErrBackendClosed) {
			t.Errorf("err = %v, want ErrBackendClosed", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("clean exit not observed")
	}
}

func TestProcessStopTerminates(t *testing.T) {
	requireShell(t)
	client, err := Spawn(Options{
		Command:   "sh",
		Args:      []string{"-c", "exec sleep 30"},
		Env:       []string{"PATH=/usr/bin:/bin"},
		StopGrace: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !errors.Is(client.Err(), errors.ErrBackendClosed) {
		t.Errorf("Err = %v, want ErrBackendClosed", client.Err())
	}
}

func TestStartProcessRequiresCommand(t *testing.T) {
	if _, err := StartProcess(ProcessOptions{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestEnvPolicyFilter(t *testing.T) {
	allowed, dropped := DefaultEnvPolicy().With("MY_EXTRA").Filter([]string{
		"PATH=/bin",
		"LC_ALL=C",
		"ANTHROPIC_API_KEY=sk-1",
		"AWS_SECRET_ACCESS_KEY=abc",
		"MY_EXTRA=1",
		"DATABASE_URL=postgres://",
		"SSH_AUTH_SOCK=/tmp/agent",
		"malformed",
	})
	want := map[string]bool{
		"PATH=/bin":                 true,
		"LC_ALL=C":                  true,
		"ANTHROPIC_API_KEY=sk-1":    true,
		"AWS_SECRET_ACCESS_KEY=abc": true,
		"MY_EXTRA=1":                true,
	}
	if len(allowed) != len(want) {
		t.Fatalf("allowed = %v", allowed)
	}
	for _, kv := range allowed {
		if !want[kv] {
			t.Errorf("unexpected allowed %q", kv)
		}
	}
	if strings.Join(dropped, ",") != "DATABASE_URL,SSH_AUTH_SOCK" {
		t.Errorf("dropped = %v", dropped)
	}
}

func TestEnvPolicyRedactedNames(t *testing.T) {
	got := DefaultEnvPolicy().RedactedNames([]string{"PATH=/bin", "OPENAI_API_KEY=sk-2"})
	if got[0] != "PATH=/bin" || got[1] != "OPENAI_API_KEY=[REDACTED]" {
		t.Errorf("RedactedNames = %v", got)
	}
}

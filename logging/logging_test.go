package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel accepted an unknown level")
	}
}

func TestLevelFiltersConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "warn", Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("quiet")
	logger.Warn("loud", zap.String("session", "s1"))
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "quiet") || !strings.Contains(out, "loud") || !strings.Contains(out, "s1") {
		t.Fatalf("console output = %q", out)
	}
}

func TestTraceFileGetsDebugRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.trace")
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "error", Trace: true, TracePath: path, Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("frame received", zap.Int("bytes", 42))
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"frame received"`) || !strings.Contains(string(data), `"bytes":42`) {
		t.Fatalf("trace file = %s", data)
	}
	if buf.Len() != 0 {
		t.Fatalf("debug record reached the console: %q", buf.String())
	}
}

// Package audit records every frame the bridge exchanges, one JSON object
// per line, with credentials masked.
package audit

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/m4xw311/acpbridge/errors"
	"go.uber.org/zap"
)

// Frame types.
const (
	FrameClientIn   = "client_in"
	FrameClientOut  = "client_out"
	FrameBackendIn  = "backend_in"
	FrameBackendOut = "backend_out"
	FrameLifecycle  = "lifecycle"
)

// Sink receives audited frames. AddFrame must not block the caller for
// long and must not fail the request path.
type Sink interface {
	AddFrame(sessionID, frameType string, payload []byte)
}

// Nop discards every frame.
type Nop struct{}

func (Nop) AddFrame(string, string, []byte) {}

// Record is one line of the audit log.
type Record struct {
	Time      time.Time       `json:"time"`
	SessionID string          `json:"session_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`AIza[0-9A-Za-z_\-]{30,}`),
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]{8,}`),
}

// Redact masks credentials in text.
func Redact(b []byte) []byte {
	for _, re := range secretPatterns {
		if re.NumSubexp() > 0 {
			b = re.ReplaceAll(b, []byte("${1}[REDACTED]"))
			continue
		}
		b = re.ReplaceAll(b, []byte("[REDACTED]"))
	}
	return b
}

type Options struct {
	Path     string
	Compress bool
	Logger   *zap.Logger
	Now      func() time.Time
}

// FileSink appends records to a file, optionally zstd-compressed.
type FileSink struct {
	log *zap.Logger
	now func() time.Time

	mu     sync.Mutex
	file   *os.File
	zw     *zstd.Encoder
	buf    *bufio.Writer
	closed bool
}

var _ Sink = (*FileSink)(nil)

// Open creates or appends to the audit file. Compressed logs get a .zst
// suffix when the path lacks one.
func Open(opts Options) (*FileSink, error) {
	if opts.Path == "" {
		return nil, errors.New("no audit path configured")
	}
	path := opts.Path
	if opts.Compress && filepath.Ext(path) != ".zst" {
		path += ".zst"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "create audit directory")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "open audit log %s", path)
	}
	s := &FileSink{log: opts.Logger, now: opts.Now, file: f}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	var w io.Writer = f
	if opts.Compress {
		s.zw, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "create zstd encoder")
		}
		w = s.zw
	}
	s.buf = bufio.NewWriter(w)
	return s, nil
}

// AddFrame appends one record. Payloads that are not JSON are stored as a
// JSON string.
func (s *FileSink) AddFrame(sessionID, frameType string, payload []byte) {
	redacted := Redact(append([]byte(nil), payload...))
	if !json.Valid(redacted) {
		redacted, _ = json.Marshal(string(redacted))
	}
	line, err := json.Marshal(Record{Time: s.now().UTC(), SessionID: sessionID, Type: frameType, Payload: redacted})
	if err != nil {
		s.log.Warn("audit record dropped", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf.Write(line)
	if err := s.buf.WriteByte('\n'); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}

// Flush pushes buffered records to the file.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if s.zw != nil {
		return s.zw.Flush()
	}
	return nil
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.buf.Flush()
	if s.zw != nil {
		err = errors.Join(err, s.zw.Close())
	}
	return errors.Join(err, s.file.Close())
}

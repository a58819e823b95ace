// Package framing splits a byte stream into JSON documents and frames
// outbound documents the same way.
//
// Two framings are understood: length-prefixed frames (a header block with a
// Content-Length field, a blank line, then exactly that many body bytes) and
// newline-delimited JSON. A connection starts undecided and reads NDJSON; the
// first complete length-prefixed frame pins it to length-prefixed framing for
// both directions for the rest of its life.
package framing

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Mode int

const (
	ModeUnknown Mode = iota
	ModeLengthPrefixed
	ModeLines
)

func (m Mode) String() string {
	switch m {
	case ModeLengthPrefixed:
		return "length-prefixed"
	case ModeLines:
		return "lines"
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration value to a Mode. Empty and "auto" select
// detection.
func ParseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "length", "length-prefixed", "lsp":
		return ModeLengthPrefixed
	case "lines", "ndjson", "jsonl":
		return ModeLines
	default:
		return ModeUnknown
	}
}

const (
	DefaultMaxFrameSize = 16 << 20
	maxHeaderSize       = 8 << 10
)

var headerLine = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*\s*:`)

type Options struct {
	Logger *zap.Logger
	// Mode forces a framing instead of detecting it.
	Mode         Mode
	MaxFrameSize int
}

// Framer is safe for one reader calling Push and any number of writers
// calling Encode.
type Framer struct {
	log *zap.Logger
	max int

	mu       sync.Mutex
	buf      []byte
	mode     Mode
	forced   bool
	sawLine  bool
	discard  int
	skipLine bool
}

func New(opts Options) *Framer {
	f := &Framer{
		log:  opts.Logger,
		max:  opts.MaxFrameSize,
		mode: opts.Mode,
	}
	if f.log == nil {
		f.log = zap.NewNop()
	}
	if f.max <= 0 {
		f.max = DefaultMaxFrameSize
	}
	f.forced = opts.Mode != ModeUnknown
	return f
}

// Mode reports the framing in effect. An undecided connection that has
// produced NDJSON documents reports ModeLines.
func (f *Framer) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode == ModeUnknown && f.sawLine {
		return ModeLines
	}
	return f.mode
}

// Encode frames one JSON document in the connection's output framing.
func (f *Framer) Encode(doc []byte) []byte {
	f.mu.Lock()
	mode := f.mode
	f.mu.Unlock()
	if mode == ModeLengthPrefixed {
		out := make([]byte, 0, len(doc)+32)
		out = append(out, "Content-Length: "...)
		out = strconv.AppendInt(out, int64(len(doc)), 10)
		out = append(out, "\r\n\r\n"...)
		return append(out, doc...)
	}
	out := make([]byte, 0, len(doc)+1)
	out = append(out, bytes.TrimRight(doc, "\r\n")...)
	return append(out, '\n')
}

// Push appends a chunk of input and returns every complete, valid JSON
// document it completes. Incomplete trailing data stays buffered.
func (f *Framer) Push(chunk []byte) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = append(f.buf, chunk...)

	var docs []json.RawMessage
	for {
		if f.discard > 0 {
			n := min(f.discard, len(f.buf))
			f.buf = f.buf[n:]
			f.discard -= n
			if f.discard > 0 {
				break
			}
		}
		if f.skipLine {
			i := bytes.IndexByte(f.buf, '\n')
			if i < 0 {
				f.buf = f.buf[:0]
				break
			}
			f.buf = f.buf[i+1:]
			f.skipLine = false
		}
		f.buf = bytes.TrimLeft(f.buf, " \t\r\n")
		if len(f.buf) == 0 {
			break
		}

		nl := bytes.IndexByte(f.buf, '\n')
		if nl < 0 {
			if len(f.buf) > f.max {
				f.log.Warn("dropping oversize line", zap.Int("bytes", len(f.buf)))
				f.buf = f.buf[:0]
				f.skipLine = true
			}
			break
		}

		if f.mode != ModeLines && headerLine.Match(f.buf[:nl]) {
			doc, ok := f.nextFrame()
			if !ok {
				break
			}
			if doc != nil {
				docs = append(docs, doc)
			}
			continue
		}

		line := bytes.TrimSpace(f.buf[:nl])
		f.buf = f.buf[nl+1:]
		if f.mode == ModeLengthPrefixed {
			f.log.Warn("dropping unframed line on length-prefixed connection", zap.Int("bytes", len(line)))
			continue
		}
		f.sawLine = true
		if doc := f.validate(line); doc != nil {
			docs = append(docs, doc)
		}
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return docs
}

// nextFrame consumes one length-prefixed frame from the head of the buffer.
// It returns ok=false when more bytes are needed, and a nil document when a
// frame was consumed but dropped.
func (f *Framer) nextFrame() (json.RawMessage, bool) {
	end, sepLen := headerEnd(f.buf)
	if end < 0 {
		if len(f.buf) > maxHeaderSize {
			f.log.Warn("dropping unterminated header block")
			f.skipLine = true
			return nil, true
		}
		return nil, false
	}

	length, found := contentLength(f.buf[:end])
	bodyStart := end + sepLen
	if !found {
		f.log.Warn("dropping header block without Content-Length")
		f.buf = f.buf[bodyStart:]
		return nil, true
	}
	if length > f.max {
		f.log.Warn("dropping oversize frame", zap.Int("bytes", length))
		f.buf = f.buf[bodyStart:]
		f.discard = length
		return nil, true
	}
	if len(f.buf) < bodyStart+length {
		return nil, false
	}

	body := f.buf[bodyStart : bodyStart+length]
	f.buf = f.buf[bodyStart+length:]
	if !f.forced && f.mode != ModeLengthPrefixed {
		f.log.Debug("pinned framing", zap.Stringer("mode", ModeLengthPrefixed))
	}
	f.mode = ModeLengthPrefixed
	return f.validate(body), true
}

func (f *Framer) validate(doc []byte) json.RawMessage {
	if !json.Valid(doc) {
		f.log.Warn("dropping malformed JSON", zap.Int("bytes", len(doc)))
		return nil
	}
	return append(json.RawMessage(nil), doc...)
}

func headerEnd(buf []byte) (int, int) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	case lf >= 0:
		return lf, 2
	default:
		return -1, 0
	}
}

func contentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

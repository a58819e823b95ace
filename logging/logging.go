// Package logging builds the bridge's zap logger. Records go to stderr;
// stdout may carry protocol traffic and is never written to. With tracing
// on, every debug record is also appended to a trace file.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/m4xw311/acpbridge/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultTracePath is where --trace writes unless told otherwise.
const DefaultTracePath = "acpbridge.trace"

type Options struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string
	// Trace appends debug records as JSON to TracePath.
	Trace     bool
	TracePath string
	// Output replaces stderr, for tests.
	Output io.Writer
}

// New returns the logger and a function that flushes and closes it.
func New(opts Options) (*zap.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(out), level),
	}

	closers := []func() error{}
	if opts.Trace {
		path := opts.TracePath
		if path == "" {
			path = DefaultTracePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open trace file %s", path)
		}
		closers = append(closers, f.Close)
		traceCfg := zap.NewProductionEncoderConfig()
		traceCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(traceCfg), zapcore.AddSync(f), zapcore.DebugLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.ErrorOutput(zapcore.AddSync(out)))
	closeFn := func() error {
		// Sync on a terminal stderr reports EINVAL; only the trace file matters.
		_ = logger.Sync()
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return logger, closeFn, nil
}

// ParseLevel maps a configured level name onto a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return level, errors.New("unknown log level %q", s)
	}
	return level, nil
}

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jathurchan/accesslock/types"
)

// Output formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// levelFatal sits above slog.LevelError.
const levelFatal = slog.Level(12)

// Options selects how New builds a Logger.
type Options struct {
	// Level is the minimum level: debug, info, warn, error or fatal.
	Level string

	// Format is FormatText (the default) or FormatJSON.
	Format string

	// Writer receives the output. Defaults to stderr.
	Writer io.Writer
}

// New returns a text StdLogger or a JSON logger, one object per line, as
// selected by opts.Format.
func New(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	switch strings.ToLower(opts.Format) {
	case "", FormatText:
		return NewStdLoggerWithWriter(w, opts.Level), nil
	case FormatJSON:
		return newJSONLogger(w, opts.Level), nil
	default:
		return nil, fmt.Errorf("logger: unknown format %q", opts.Format)
	}
}

// jsonLogger writes structured records through log/slog's JSON handler.
// Context added with With, WithProcess and WithComponent becomes
// top-level fields of every record.
type jsonLogger struct {
	l *slog.Logger
}

func newJSONLogger(w io.Writer, minLevel string) *jsonLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: toSlogLevel(parseLogLevel(minLevel)),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= levelFatal {
					a.Value = slog.StringValue("FATAL")
				}
			}
			return a
		},
	})
	return &jsonLogger{l: slog.New(handler)}
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelFatal:
		return levelFatal
	default:
		return slog.LevelInfo
	}
}

func (j *jsonLogger) Debugw(msg string, kvs ...any) { j.l.Debug(msg, kvs...) }
func (j *jsonLogger) Infow(msg string, kvs ...any)  { j.l.Info(msg, kvs...) }
func (j *jsonLogger) Warnw(msg string, kvs ...any)  { j.l.Warn(msg, kvs...) }
func (j *jsonLogger) Errorw(msg string, kvs ...any) { j.l.Error(msg, kvs...) }

func (j *jsonLogger) Fatalw(msg string, kvs ...any) {
	j.l.Log(context.Background(), levelFatal, msg, kvs...)
	os.Exit(1)
}

func (j *jsonLogger) With(kvs ...any) Logger {
	return &jsonLogger{l: j.l.With(kvs...)}
}

func (j *jsonLogger) WithProcess(id types.ProcessID) Logger {
	return &jsonLogger{l: j.l.With("process", string(id))}
}

func (j *jsonLogger) WithComponent(name string) Logger {
	return &jsonLogger{l: j.l.With("component", name)}
}

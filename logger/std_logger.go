package logger

import (
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/jathurchan/accesslock/types"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// parseLogLevel maps a string to a LogLevel. Defaults to LevelInfo on unknown input.
func parseLogLevel(levelStr string) LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// StdLogger logs messages using Go's standard library log package.
type StdLogger struct {
	out      *log.Logger
	context  map[string]any
	minLevel LogLevel
}

// NewStdLogger returns a StdLogger writing to stderr with a minimum level filter.
func NewStdLogger(minLevelStr string) Logger {
	return NewStdLoggerWithWriter(os.Stderr, minLevelStr)
}

// NewStdLoggerWithWriter returns a StdLogger writing to w.
func NewStdLoggerWithWriter(w io.Writer, minLevelStr string) Logger {
	return &StdLogger{
		out:      log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		context:  make(map[string]any),
		minLevel: parseLogLevel(minLevelStr),
	}
}

// log outputs a structured log entry if the level meets the threshold.
func (l *StdLogger) log(level LogLevel, levelStr string, msg string, kvs ...any) {
	if level < l.minLevel {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(levelStr), msg)

	for _, k := range slices.Sorted(maps.Keys(l.context)) {
		fmt.Fprintf(&b, " %s=%v", k, l.context[k])
	}

	for i := 0; i+1 < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", key, kvs[i+1])
	}

	l.out.Println(b.String())

	if level == LevelFatal {
		os.Exit(1)
	}
}

func (l *StdLogger) Debugw(msg string, kvs ...any) { l.log(LevelDebug, "debug", msg, kvs...) }
func (l *StdLogger) Infow(msg string, kvs ...any)  { l.log(LevelInfo, "info", msg, kvs...) }
func (l *StdLogger) Warnw(msg string, kvs ...any)  { l.log(LevelWarn, "warn", msg, kvs...) }
func (l *StdLogger) Errorw(msg string, kvs ...any) { l.log(LevelError, "error", msg, kvs...) }
func (l *StdLogger) Fatalw(msg string, kvs ...any) { l.log(LevelFatal, "fatal", msg, kvs...) }

// cloneWithContext returns a copy of the logger with merged context.
func (l *StdLogger) cloneWithContext(extra map[string]any) *StdLogger {
	newCtx := make(map[string]any, len(l.context)+len(extra))
	maps.Copy(newCtx, l.context)
	maps.Copy(newCtx, extra)
	return &StdLogger{out: l.out, context: newCtx, minLevel: l.minLevel}
}

// With adds key-value pairs to the logger’s context.
func (l *StdLogger) With(kvs ...any) Logger {
	ctx := make(map[string]any)
	for i := 0; i+1 < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			continue
		}
		ctx[key] = kvs[i+1]
	}
	return l.cloneWithContext(ctx)
}

// WithProcess returns a logger with a process identity added to the context.
func (l *StdLogger) WithProcess(id types.ProcessID) Logger {
	return l.cloneWithContext(map[string]any{"process": id})
}

// WithComponent returns a logger with a component name added to the context.
func (l *StdLogger) WithComponent(name string) Logger {
	return l.cloneWithContext(map[string]any{"component": name})
}

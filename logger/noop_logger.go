package logger

import (
	"slices"

	"github.com/jathurchan/accesslock/types"
)

// Entry is one call observed by a NoOpLogger hook.
type Entry struct {
	Level   LogLevel
	Msg     string
	Context []any // pairs added through With, WithProcess and WithComponent
	Fields  []any // pairs passed with the call
}

// NoOpLogger discards all output. When Hook is set it receives every entry,
// which lets tests observe what a component logged without parsing text.
// Fatalw never exits.
type NoOpLogger struct {
	Hook func(Entry)

	context []any
}

// NewNoOpLogger returns a Logger that discards all log messages.
func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) emit(level LogLevel, msg string, kvs []any) {
	if l.Hook != nil {
		l.Hook(Entry{Level: level, Msg: msg, Context: l.context, Fields: kvs})
	}
}

func (l *NoOpLogger) Debugw(msg string, kvs ...any) { l.emit(LevelDebug, msg, kvs) }
func (l *NoOpLogger) Infow(msg string, kvs ...any)  { l.emit(LevelInfo, msg, kvs) }
func (l *NoOpLogger) Warnw(msg string, kvs ...any)  { l.emit(LevelWarn, msg, kvs) }
func (l *NoOpLogger) Errorw(msg string, kvs ...any) { l.emit(LevelError, msg, kvs) }
func (l *NoOpLogger) Fatalw(msg string, kvs ...any) { l.emit(LevelFatal, msg, kvs) }

// With returns the receiver itself unless a hook is set, in which case the
// context is kept for the hook.
func (l *NoOpLogger) With(kvs ...any) Logger {
	if l.Hook == nil {
		return l
	}
	return &NoOpLogger{Hook: l.Hook, context: append(slices.Clip(l.context), kvs...)}
}

func (l *NoOpLogger) WithProcess(id types.ProcessID) Logger {
	return l.With("process", id)
}

func (l *NoOpLogger) WithComponent(name string) Logger {
	return l.With("component", name)
}

// Package logger defines the structured logging contract used across the
// arbiter, its transports and its clients, together with a standard-library
// backed implementation and a no-op implementation for tests.
package logger

import "github.com/jathurchan/accesslock/types"

// Logger defines an interface for structured, context-aware logging.
//
// All logging methods accept a message and a variadic list of key-value pairs.
// Keys must be strings and must alternate with values: key1, val1, key2, val2, ...
type Logger interface {
	// Debugw logs a debug-level message with optional structured context.
	Debugw(msg string, keysAndValues ...any)

	// Infow logs an info-level message with optional structured context.
	Infow(msg string, keysAndValues ...any)

	// Warnw logs a warning-level message with optional structured context.
	Warnw(msg string, keysAndValues ...any)

	// Errorw logs an error-level message with optional structured context.
	Errorw(msg string, keysAndValues ...any)

	// Fatalw logs a fatal-level message and then terminates the application.
	Fatalw(msg string, keysAndValues ...any)

	// With adds arbitrary key-value pairs to the logger's context.
	With(keysAndValues ...any) Logger

	// WithProcess adds a process identity to the logger's context.
	WithProcess(id types.ProcessID) Logger

	// WithComponent adds a component label (e.g., "arbiter", "mailbox").
	WithComponent(name string) Logger
}

package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jathurchan/accesslock/logger"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "arbiter.sweep_interval")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log output formats
func ValidLogFormats() []string {
	return []string{logger.FormatText, logger.FormatJSON}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Socket == "" {
		errs = append(errs, ValidationError{"socket", c.Socket, "must not be empty"})
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, ValidationError{"shutdown_timeout", c.ShutdownTimeout, "must be positive"})
	}

	errs = append(errs, c.validateStore()...)
	errs = append(errs, c.validateNotify()...)
	errs = append(errs, c.validateArbiter()...)
	errs = append(errs, c.validateRateLimit()...)

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		errs = append(errs, ValidationError{
			"log.level", c.Log.Level,
			fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Log.Format)) {
		errs = append(errs, ValidationError{
			"log.format", c.Log.Format,
			fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}
	return errs
}

func (c *Config) validateStore() []ValidationError {
	var errs []ValidationError
	switch c.Store.Backend {
	case StoreMemory:
	case StoreFile:
		if c.Store.Dir == "" {
			errs = append(errs, ValidationError{"store.dir", c.Store.Dir, "is required for the file backend"})
		}
		if c.Store.LockTimeout <= 0 {
			errs = append(errs, ValidationError{"store.lock_timeout", c.Store.LockTimeout, "must be positive"})
		}
	default:
		errs = append(errs, ValidationError{"store.backend", c.Store.Backend, "must be memory or file"})
	}
	return errs
}

func (c *Config) validateNotify() []ValidationError {
	var errs []ValidationError
	switch c.Notify.Backend {
	case NotifyHub:
		if c.Notify.BacklogSize <= 0 {
			errs = append(errs, ValidationError{"notify.backlog_size", c.Notify.BacklogSize, "must be positive"})
		}
	case NotifyMailbox:
		if c.Notify.Dir == "" {
			errs = append(errs, ValidationError{"notify.dir", c.Notify.Dir, "is required for the mailbox backend"})
		}
		if c.Notify.PollInterval <= 0 {
			errs = append(errs, ValidationError{"notify.poll_interval", c.Notify.PollInterval, "must be positive"})
		}
	default:
		errs = append(errs, ValidationError{"notify.backend", c.Notify.Backend, "must be hub or mailbox"})
	}
	return errs
}

func (c *Config) validateArbiter() []ValidationError {
	var errs []ValidationError
	a := c.Arbiter
	if a.HeartbeatTimeout <= 0 {
		errs = append(errs, ValidationError{"arbiter.heartbeat_timeout", a.HeartbeatTimeout, "must be positive"})
	}
	if a.SweepInterval <= 0 {
		errs = append(errs, ValidationError{"arbiter.sweep_interval", a.SweepInterval, "must be positive"})
	} else if a.HeartbeatTimeout > 0 && a.SweepInterval >= a.HeartbeatTimeout {
		errs = append(errs, ValidationError{"arbiter.sweep_interval", a.SweepInterval, "must be shorter than arbiter.heartbeat_timeout"})
	}
	if a.MaxWaiters <= 0 {
		errs = append(errs, ValidationError{"arbiter.max_waiters", a.MaxWaiters, "must be positive"})
	}
	if a.MaxCASRetries < 0 {
		errs = append(errs, ValidationError{"arbiter.max_cas_retries", a.MaxCASRetries, "must not be negative"})
	}
	return errs
}

func (c *Config) validateRateLimit() []ValidationError {
	r := c.RateLimit
	if !r.Enabled {
		return nil
	}
	var errs []ValidationError
	if r.Requests <= 0 {
		errs = append(errs, ValidationError{"rate_limit.requests", r.Requests, "must be positive"})
	}
	if r.Burst <= 0 {
		errs = append(errs, ValidationError{"rate_limit.burst", r.Burst, "must be positive"})
	}
	if r.Window <= 0 {
		errs = append(errs, ValidationError{"rate_limit.window", r.Window, "must be positive"})
	}
	return errs
}

package arbiter

import (
	"fmt"
	"time"

	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/logger"
)

// ArbiterOption defines a function that applies a configuration setting
// to an Arbiter during initialization.
type ArbiterOption func(*ArbiterConfig)

// BackoffConfig shapes the delay between compare-and-swap attempts.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter randomizes each delay by ±Jitter of its value.
	Jitter float64
}

// ArbiterConfig holds configuration parameters for an Arbiter instance.
type ArbiterConfig struct {
	// HeartbeatTimeout is how long a holder may stay silent before it is
	// treated as crashed and evicted.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often Run checks for stale holders. It must be
	// shorter than HeartbeatTimeout to bound how long waiters starve.
	SweepInterval time.Duration

	// MaxWaiters limits the number of requesters queued per class.
	MaxWaiters int

	// MaxCASRetries is the number of retries after a lost compare-and-swap
	// before the operation fails with ErrConflict.
	MaxCASRetries int

	Backoff BackoffConfig

	Clock     clock.Clock
	Rand      clock.Rand
	Logger    logger.Logger
	Metrics   Metrics
	Publisher Publisher

	// Probe, when set, lets EvictStale also evict holders and drop waiters
	// whose process no longer exists.
	Probe ProcessProbe
}

// DefaultArbiterConfig returns an ArbiterConfig with default values.
func DefaultArbiterConfig() ArbiterConfig {
	return ArbiterConfig{
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		SweepInterval:    DefaultSweepInterval,
		MaxWaiters:       DefaultMaxWaiters,
		MaxCASRetries:    DefaultMaxCASRetries,
		Backoff: BackoffConfig{
			Initial:    DefaultInitialBackoff,
			Max:        DefaultMaxBackoff,
			Multiplier: DefaultBackoffMultiplier,
			Jitter:     DefaultJitterFactor,
		},
	}
}

// Validate checks the timing constraints between settings.
func (c ArbiterConfig) Validate() error {
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("arbiter: heartbeat timeout must be positive, got %v", c.HeartbeatTimeout)
	}
	if c.SweepInterval <= 0 || c.SweepInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("arbiter: sweep interval %v must be positive and shorter than heartbeat timeout %v",
			c.SweepInterval, c.HeartbeatTimeout)
	}
	if c.MaxWaiters <= 0 {
		return fmt.Errorf("arbiter: max waiters must be positive, got %d", c.MaxWaiters)
	}
	if c.MaxCASRetries < 0 {
		return fmt.Errorf("arbiter: max CAS retries must not be negative, got %d", c.MaxCASRetries)
	}
	return nil
}

// WithHeartbeatTimeout sets how long a holder may stay silent before eviction.
func WithHeartbeatTimeout(timeout time.Duration) ArbiterOption {
	return func(cfg *ArbiterConfig) {
		if timeout > 0 {
			cfg.HeartbeatTimeout = timeout
		}
	}
}

// WithSweepInterval sets how often Run sweeps for stale holders.
func WithSweepInterval(interval time.Duration) ArbiterOption {
	return func(cfg *ArbiterConfig) {
		if interval > 0 {
			cfg.SweepInterval = interval
		}
	}
}

// WithMaxWaiters sets the maximum number of queued requesters per class.
func WithMaxWaiters(max int) ArbiterOption {
	return func(cfg *ArbiterConfig) {
		if max > 0 {
			cfg.MaxWaiters = max
		}
	}
}

// WithMaxCASRetries sets how many lost compare-and-swaps are retried.
func WithMaxCASRetries(retries int) ArbiterOption {
	return func(cfg *ArbiterConfig) {
		if retries >= 0 {
			cfg.MaxCASRetries = retries
		}
	}
}

// WithBackoff sets the delay policy between compare-and-swap attempts.
// A zero Initial disables the delay.
func WithBackoff(backoff BackoffConfig) ArbiterOption {
	return func(cfg *ArbiterConfig) {
		if backoff.Initial >= 0 && backoff.Multiplier >= 1 && backoff.Jitter >= 0 && backoff.Jitter < 1 {
			cfg.Backoff = backoff
		}
	}
}

// WithClock sets the clock used for heartbeats, eviction and backoff.
func WithClock(c clock.Clock) ArbiterOption {
	return func(cfg *ArbiterConfig) {
		if c != nil {
			cfg.Clock = c
		}
	}
}

// WithRand sets the random source used for backoff jitter.
func WithRand(r clock.Rand) ArbiterOption {
	return func(cfg *ArbiterConfig) {
		if r != nil {
			cfg.Rand = r
		}
	}
}

// WithLogger sets the logger for internal events.
func WithLogger(l logger.Logger) ArbiterOption {
	return func(cfg *ArbiterConfig) {
		if l != nil {
			cfg.Logger = l
		}
	}
}

// WithMetrics sets the metrics collector for operational data.
func WithMetrics(m Metrics) ArbiterOption {
	return func(cfg *ArbiterConfig) {
		if m != nil {
			cfg.Metrics = m
		}
	}
}

// WithPublisher sets where events produced by transitions are delivered.
func WithPublisher(p Publisher) ArbiterOption {
	return func(cfg *ArbiterConfig) {
		if p != nil {
			cfg.Publisher = p
		}
	}
}

// WithProcessProbe enables eviction of holders whose process has exited.
func WithProcessProbe(p ProcessProbe) ArbiterOption {
	return func(cfg *ArbiterConfig) {
		if p != nil {
			cfg.Probe = p
		}
	}
}

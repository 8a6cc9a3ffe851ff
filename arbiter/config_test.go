package arbiter

import (
	"testing"
	"time"

	"github.com/jathurchan/accesslock/testutil"
)

func TestDefaultArbiterConfig(t *testing.T) {
	cfg := DefaultArbiterConfig()
	testutil.AssertNoError(t, cfg.Validate())
	testutil.AssertEqual(t, DefaultHeartbeatTimeout, cfg.HeartbeatTimeout)
	testutil.AssertEqual(t, DefaultSweepInterval, cfg.SweepInterval)
	testutil.AssertEqual(t, DefaultMaxWaiters, cfg.MaxWaiters)
	testutil.AssertEqual(t, DefaultMaxCASRetries, cfg.MaxCASRetries)
}

func TestArbiterConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ArbiterConfig)
	}{
		{"zero heartbeat timeout", func(c *ArbiterConfig) { c.HeartbeatTimeout = 0 }},
		{"sweep equals timeout", func(c *ArbiterConfig) { c.SweepInterval = c.HeartbeatTimeout }},
		{"zero sweep", func(c *ArbiterConfig) { c.SweepInterval = 0 }},
		{"zero max waiters", func(c *ArbiterConfig) { c.MaxWaiters = 0 }},
		{"negative retries", func(c *ArbiterConfig) { c.MaxCASRetries = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultArbiterConfig()
			tt.mutate(&cfg)
			testutil.AssertError(t, cfg.Validate())
		})
	}
}

func TestOptions_IgnoreInvalidValues(t *testing.T) {
	cfg := DefaultArbiterConfig()
	for _, opt := range []ArbiterOption{
		WithHeartbeatTimeout(-time.Second),
		WithSweepInterval(0),
		WithMaxWaiters(0),
		WithMaxCASRetries(-3),
		WithBackoff(BackoffConfig{Initial: time.Millisecond, Multiplier: 0.5}),
		WithClock(nil),
		WithLogger(nil),
		WithMetrics(nil),
		WithPublisher(nil),
		WithProcessProbe(nil),
	} {
		opt(&cfg)
	}

	testutil.AssertEqual(t, DefaultArbiterConfig().HeartbeatTimeout, cfg.HeartbeatTimeout)
	testutil.AssertEqual(t, DefaultArbiterConfig().Backoff, cfg.Backoff)
	testutil.AssertEqual(t, DefaultMaxWaiters, cfg.MaxWaiters)
	testutil.AssertTrue(t, cfg.Clock == nil && cfg.Probe == nil)
}

func TestOptions_Apply(t *testing.T) {
	cfg := DefaultArbiterConfig()
	WithHeartbeatTimeout(10 * time.Second)(&cfg)
	WithSweepInterval(2 * time.Second)(&cfg)
	WithMaxWaiters(3)(&cfg)
	WithMaxCASRetries(0)(&cfg)

	testutil.AssertEqual(t, 10*time.Second, cfg.HeartbeatTimeout)
	testutil.AssertEqual(t, 2*time.Second, cfg.SweepInterval)
	testutil.AssertEqual(t, 3, cfg.MaxWaiters)
	testutil.AssertEqual(t, 0, cfg.MaxCASRetries)
}

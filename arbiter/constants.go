package arbiter

import "time"

const (
	// DefaultHeartbeatTimeout is how long a holder may stay silent before eviction.
	DefaultHeartbeatTimeout = 5 * time.Second

	// DefaultSweepInterval is how often Run checks every class for stale holders.
	DefaultSweepInterval = 1 * time.Second

	// DefaultMaxWaiters is the default maximum number of queued requesters per class.
	DefaultMaxWaiters = 64

	// DefaultMaxCASRetries bounds how many times a lost compare-and-swap is retried.
	DefaultMaxCASRetries = 5

	// DefaultInitialBackoff is the first delay after a lost compare-and-swap.
	DefaultInitialBackoff = 10 * time.Millisecond

	// DefaultMaxBackoff caps the delay between compare-and-swap attempts.
	DefaultMaxBackoff = 200 * time.Millisecond

	// DefaultBackoffMultiplier grows the delay between attempts.
	DefaultBackoffMultiplier = 2.0

	// DefaultJitterFactor randomizes backoff delays by up to ±10%.
	DefaultJitterFactor = 0.1

	// publishTimeout bounds delivery of post-commit events.
	publishTimeout = 2 * time.Second
)

package arbiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jathurchan/accesslock/storage"
	"github.com/jathurchan/accesslock/types"
)

// mutate runs fn against the latest class record and commits the result
// with compare-and-swap, retrying from a fresh read when another writer wins.
// fn must be safe to run more than once.
func (a *arbiter) mutate(
	ctx context.Context,
	class types.ResourceClass,
	op string,
	fn func(t *transition) error,
) (*transition, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := a.store.Get(ctx, class)
		if err != nil {
			return nil, a.storeError(op, class, err)
		}

		t := newTransition(current, a.clock.Now())
		if err := fn(t); err != nil {
			return nil, err
		}
		if !t.changed {
			return t, nil
		}

		stored, err := a.store.CompareAndSwap(ctx, class, current.Version, t.state)
		if err == nil {
			t.state = stored
			return t, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, a.storeError(op, class, err)
		}

		a.metrics.IncrConflict(class)
		if attempt >= a.cfg.MaxCASRetries {
			a.logger.Warnw("Compare-and-swap retries exhausted", "op", op, "class", class, "attempts", attempt+1)
			return nil, fmt.Errorf("%w: %s %q after %d attempts", ErrConflict, op, class, attempt+1)
		}

		delay := a.backoff(attempt + 1)
		a.logger.Debugw("Compare-and-swap lost, retrying",
			"op", op, "class", class, "attempt", attempt+1, "backoff", delay)
		if err := a.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// backoff returns the jittered exponential delay before the given retry.
func (a *arbiter) backoff(attempt int) time.Duration {
	policy := a.cfg.Backoff
	if policy.Initial <= 0 {
		return 0
	}

	backoff := float64(policy.Initial)
	for i := 1; i < attempt; i++ {
		backoff *= policy.Multiplier
	}
	if policy.Max > 0 && backoff > float64(policy.Max) {
		backoff = float64(policy.Max)
	}

	if policy.Jitter > 0 {
		jitter := (a.rand.Float64()*2 - 1) * policy.Jitter * backoff
		backoff += jitter
	}

	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}

func (a *arbiter) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := a.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	case <-timer.Chan():
		return nil
	}
}

package arbiter

import (
	"context"
)

func (a *arbiter) Run(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}

	ticker := a.clock.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	a.logger.Infow("Sweeper started", "interval", a.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			a.logger.Infow("Sweeper stopped", "reason", ctx.Err())
			return ctx.Err()
		case <-a.done:
			return nil
		case <-ticker.Chan():
			a.sweep(ctx)
		}
	}
}

// sweep runs EvictStale on every known class and returns how many holders
// were evicted.
func (a *arbiter) sweep(ctx context.Context) int {
	classes, err := a.Classes(ctx)
	if err != nil {
		a.logger.Warnw("Sweep skipped: cannot list classes", "error", err)
		return 0
	}

	evicted := 0
	for _, class := range classes {
		ok, err := a.EvictStale(ctx, class, 0)
		if err != nil {
			a.logger.Warnw("Sweep failed for class", "class", class, "error", err)
			continue
		}
		if ok {
			evicted++
		}
	}
	return evicted
}

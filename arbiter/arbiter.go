package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/storage"
	"github.com/jathurchan/accesslock/types"
)

// arbiter implements the Arbiter interface on top of a StateStore.
type arbiter struct {
	store storage.StateStore
	cfg   ArbiterConfig

	clock     clock.Clock
	rand      clock.Rand
	logger    logger.Logger
	metrics   Metrics
	publisher Publisher

	done      chan struct{}
	closeOnce sync.Once
}

// NewArbiter creates an Arbiter over the given store.
func NewArbiter(store storage.StateStore, opts ...ArbiterOption) (Arbiter, error) {
	if store == nil {
		return nil, errors.New("arbiter: state store must not be nil")
	}

	cfg := DefaultArbiterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewStandardClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = clock.NewStandardRand()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewNoOpMetrics()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}

	a := &arbiter{
		store:     store,
		cfg:       cfg,
		clock:     cfg.Clock,
		rand:      cfg.Rand,
		logger:    cfg.Logger.WithComponent("arbiter"),
		metrics:   cfg.Metrics,
		publisher: cfg.Publisher,
		done:      make(chan struct{}),
	}

	a.logger.Infow("Arbiter initialized",
		"heartbeatTimeout", cfg.HeartbeatTimeout,
		"sweepInterval", cfg.SweepInterval,
		"maxWaiters", cfg.MaxWaiters,
		"maxCASRetries", cfg.MaxCASRetries,
		"processProbe", cfg.Probe != nil,
	)
	return a, nil
}

func (a *arbiter) Acquire(ctx context.Context, class types.ResourceClass, req types.Requester) (types.AcquireResult, error) {
	busy := types.AcquireResult{State: types.StateBusy, Position: -1}
	if err := a.checkRequest(class, req.Process); err != nil {
		return busy, err
	}

	var result types.AcquireResult
	t, err := a.mutate(ctx, class, "acquire", func(t *transition) error {
		var err error
		result, err = t.acquire(req, a.cfg.MaxWaiters, a.cfg.HeartbeatTimeout, a.cfg.Probe)
		return err
	})
	if err != nil {
		a.metrics.IncrAcquire(class, types.StateBusy)
		a.logger.Warnw("Acquire denied", "class", class, "process", req.Process, "error", err)
		return busy, err
	}

	result.Seq = t.state.Version
	a.commit(ctx, class, t)
	a.metrics.IncrAcquire(class, result.State)

	a.logger.Debugw("Acquire decided",
		"class", class,
		"process", req.Process,
		"lifecycle", req.Lifecycle,
		"state", result.State,
		"position", result.Position,
		"seq", result.Seq,
	)
	return result, nil
}

func (a *arbiter) Release(ctx context.Context, class types.ResourceClass, process types.ProcessID) (bool, error) {
	if err := a.checkRequest(class, process); err != nil {
		return false, err
	}

	var released bool
	t, err := a.mutate(ctx, class, "release", func(t *transition) error {
		released = t.release(process)
		return nil
	})
	if err != nil {
		return false, err
	}

	a.metrics.IncrRelease(class, released)
	if !released {
		holder := types.ProcessID("")
		if t.state.Holder != nil {
			holder = t.state.Holder.Owner
		}
		a.logger.Warnw("Release ignored: process is not the holder",
			"class", class, "process", process, "holder", holder)
		return false, nil
	}

	a.commit(ctx, class, t)
	return true, nil
}

func (a *arbiter) Heartbeat(ctx context.Context, class types.ResourceClass, process types.ProcessID) error {
	if err := a.checkRequest(class, process); err != nil {
		return err
	}

	_, err := a.mutate(ctx, class, "heartbeat", func(t *transition) error {
		return t.heartbeat(process)
	})
	a.metrics.IncrHeartbeat(class, err == nil)
	if errors.Is(err, ErrNotHolder) {
		a.logger.Warnw("Heartbeat from non-holder", "class", class, "process", process)
	}
	return err
}

func (a *arbiter) EvictStale(ctx context.Context, class types.ResourceClass, timeout time.Duration) (bool, error) {
	if err := a.checkOpen(); err != nil {
		return false, err
	}
	if err := class.Validate(); err != nil {
		return false, err
	}
	if timeout <= 0 {
		timeout = a.cfg.HeartbeatTimeout
	}

	var evicted bool
	t, err := a.mutate(ctx, class, "evict", func(t *transition) error {
		t.pruneDeadWaiters(a.cfg.Probe)
		evicted = t.evictIfStale(timeout, a.cfg.Probe)
		return nil
	})
	if err != nil {
		return false, err
	}
	if t.changed {
		a.commit(ctx, class, t)
	}
	return evicted, nil
}

func (a *arbiter) Cancel(ctx context.Context, token types.Token) (bool, error) {
	if err := a.checkOpen(); err != nil {
		return false, err
	}
	if token.IsZero() {
		return false, nil
	}
	if err := token.Class.Validate(); err != nil {
		return false, err
	}

	var removed bool
	t, err := a.mutate(ctx, token.Class, "cancel", func(t *transition) error {
		removed = t.cancel(token)
		return nil
	})
	if err != nil {
		return false, err
	}

	a.metrics.IncrCancel(token.Class, removed)
	if removed {
		a.commit(ctx, token.Class, t)
		a.logger.Debugw("Request cancelled", "token", token)
	}
	return removed, nil
}

func (a *arbiter) SetLifecycle(
	ctx context.Context,
	class types.ResourceClass,
	process types.ProcessID,
	lifecycle types.LifecycleState,
) error {
	if err := a.checkRequest(class, process); err != nil {
		return err
	}

	t, err := a.mutate(ctx, class, "lifecycle", func(t *transition) error {
		t.setLifecycle(process, lifecycle)
		return nil
	})
	if err != nil {
		return err
	}
	if t.changed {
		a.commit(ctx, class, t)
		a.logger.Infow("Lifecycle updated", "class", class, "process", process, "lifecycle", lifecycle)
	}
	return nil
}

func (a *arbiter) Status(ctx context.Context, class types.ResourceClass) (types.ClassState, error) {
	if err := a.checkOpen(); err != nil {
		return types.ClassState{}, err
	}
	if err := class.Validate(); err != nil {
		return types.ClassState{}, err
	}
	state, err := a.store.Get(ctx, class)
	if err != nil {
		return types.ClassState{}, a.storeError("status", class, err)
	}
	return state, nil
}

func (a *arbiter) Classes(ctx context.Context) ([]types.ResourceClass, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	classes, err := a.store.Classes(ctx)
	if err != nil {
		return nil, a.storeError("classes", "", err)
	}
	return classes, nil
}

func (a *arbiter) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.logger.Infow("Arbiter closed")
	})
	return nil
}

// commit records the effects of a committed transition and publishes its
// notices stamped with the committed version.
func (a *arbiter) commit(ctx context.Context, class types.ResourceClass, t *transition) {
	if e := t.evicted; e != nil {
		held := t.now.Sub(e.holder.AcquiredAt)
		a.metrics.IncrEviction(class, e.reason)
		a.metrics.ObserveHoldDuration(class, held, false)
		a.logger.Warnw("Evicted holder",
			"class", class,
			"owner", e.holder.Owner,
			"pid", e.holder.PID,
			"reason", e.reason,
			"silentFor", t.now.Sub(e.holder.LastHeartbeatAt),
		)
	}
	if r := t.released; r != nil {
		a.metrics.ObserveHoldDuration(class, t.now.Sub(r.AcquiredAt), true)
		a.logger.Infow("Released", "class", class, "owner", r.Owner)
	}
	for _, w := range t.pruned {
		a.logger.Warnw("Dropped waiter whose process exited", "class", class, "process", w.Process, "pid", w.PID)
	}
	for _, w := range t.promoted {
		a.metrics.ObservePromotion(class, t.now.Sub(w.EnqueuedAt))
		a.logger.Infow("Promoted waiter", "class", class, "process", w.Process, "waited", t.now.Sub(w.EnqueuedAt))
	}
	a.metrics.SetQueueLength(class, len(t.state.Queue))

	if len(t.notices) == 0 {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	for _, n := range t.notices {
		ev := types.Event{
			Token:   n.token,
			Process: n.process,
			State:   n.state,
			Seq:     t.state.Version,
			At:      t.now,
		}
		if err := a.publisher.Publish(pubCtx, n.process, ev); err != nil {
			a.logger.Warnw("Failed to publish event",
				"class", class, "process", n.process, "state", n.state, "seq", ev.Seq, "error", err)
		}
	}
}

func (a *arbiter) checkOpen() error {
	select {
	case <-a.done:
		return ErrClosed
	default:
		return nil
	}
}

func (a *arbiter) checkRequest(class types.ResourceClass, process types.ProcessID) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if err := class.Validate(); err != nil {
		return err
	}
	if process == "" {
		return ErrInvalidProcess
	}
	return nil
}

// storeError maps store failures to arbiter errors. Anything that is not a
// context or validation error makes the arbiter fail closed.
func (a *arbiter) storeError(op string, class types.ResourceClass, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, types.ErrInvalidClass):
		return err
	}
	a.logger.Errorw("State store failure", "op", op, "class", class, "error", err)
	return fmt.Errorf("%w: %s %q: %v", ErrBackendUnavailable, op, class, err)
}

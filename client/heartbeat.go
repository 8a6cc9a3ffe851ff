package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/clock"
)

// heartbeater periodically refreshes the liveness stamp of a held class.
// Transient failures are reported and retried on the next tick; losing the
// holder role ends the loop.
type heartbeater struct {
	beat     func(ctx context.Context) error // One heartbeat attempt.
	onLost   func(err error)                 // Called from the loop when the holder role is gone.
	onError  func(err error)                 // Called for transient failures.
	interval time.Duration

	clock clock.Clock

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	err error // Error that stopped the loop, if any.
}

func newHeartbeater(beat func(context.Context) error, interval time.Duration, clk clock.Clock) (*heartbeater, error) {
	if beat == nil {
		return nil, errors.New("client: heartbeat function cannot be nil")
	}
	if interval <= 0 {
		return nil, errors.New("client: heartbeat interval must be positive")
	}
	if clk == nil {
		clk = clock.NewStandardClock()
	}
	return &heartbeater{
		beat:     beat,
		onLost:   func(error) {},
		onError:  func(error) {},
		interval: interval,
		clock:    clk,
	}, nil
}

// Start begins the heartbeat loop in a background goroutine.
func (h *heartbeater) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return
	}
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.run()
}

// Stop ends the heartbeat loop and waits for it to exit.
func (h *heartbeater) Stop(ctx context.Context) error {
	h.mu.RLock()
	cancel := h.cancel
	h.mu.RUnlock()

	if cancel == nil {
		return nil
	}

	cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return h.Err()
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for heartbeat loop to stop: %w", ctx.Err())
	}
}

// Done returns a channel that is closed when the loop stops.
func (h *heartbeater) Done() <-chan struct{} {
	h.mu.RLock()
	ctx := h.ctx
	h.mu.RUnlock()

	if ctx == nil {
		closedCh := make(chan struct{})
		close(closedCh)
		return closedCh
	}
	return ctx.Done()
}

// Err returns the error that stopped the loop. A loop stopped through Stop
// reports context.Canceled.
func (h *heartbeater) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *heartbeater) setError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func (h *heartbeater) run() {
	defer h.wg.Done()
	defer h.cancel()

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			err := h.beat(h.ctx)
			switch {
			case err == nil:
			case errors.Is(err, arbiter.ErrNotHolder):
				h.setError(fmt.Errorf("heartbeat stopped: %w", err))
				h.onLost(err)
				return
			case h.ctx.Err() != nil:
				h.setError(h.ctx.Err())
				return
			default:
				h.onError(err)
			}

		case <-h.ctx.Done():
			h.setError(h.ctx.Err())
			return
		}
	}
}

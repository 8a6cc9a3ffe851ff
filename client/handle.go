package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/notify"
	"github.com/jathurchan/accesslock/types"
)

// Handle is the access point of one process to the arbiter.
//
// For every resource class it tracks a slot moving IDLE -> PENDING ->
// HOLDING -> IDLE. States reach the slot's callback either synchronously
// from RequestAccess or asynchronously from the notification channel.
// Events are applied at most once per token and sequence number, a
// callback only fires when the state actually changes, and a slot that was
// released or cancelled never calls back again for its old token.
type Handle struct {
	backend Backend
	config  Config
	process types.ProcessID

	clock   clock.Clock
	logger  logger.Logger
	metrics Metrics

	mu          sync.Mutex
	lifecycle   types.LifecycleState
	slots       map[types.ResourceClass]*slot
	parked      map[types.ResourceClass][]types.Event
	pending     []dispatch
	dispatching bool
	closed      bool
}

// slot is the per-class request state. All fields are guarded by Handle.mu.
type slot struct {
	class    types.ResourceClass
	phase    SlotPhase
	token    types.Token
	cb       Callback
	state    types.State
	notified bool
	seq      uint64

	// gen changes whenever the slot is reset, invalidating acquire replies
	// and callbacks issued for the previous request.
	gen      uint64
	inflight int
	hb       *heartbeater
}

type dispatch struct {
	slot  *slot
	gen   uint64
	cb    Callback
	state types.State
}

// NewHandle creates a Handle for config.Process and subscribes it to the
// backend's notification channel. Closing the Handle does not close the
// backend.
func NewHandle(backend Backend, config Config) (*Handle, error) {
	if backend == nil {
		return nil, errors.New("client: backend must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	h := &Handle{
		backend:   backend,
		config:    config,
		process:   config.Process,
		clock:     config.Clock,
		logger:    config.Logger,
		metrics:   config.Metrics,
		lifecycle: config.Lifecycle,
		slots:     make(map[types.ResourceClass]*slot),
		parked:    make(map[types.ResourceClass][]types.Event),
	}
	if h.clock == nil {
		h.clock = clock.NewStandardClock()
	}
	if h.logger == nil {
		h.logger = logger.NewNoOpLogger()
	}
	h.logger = h.logger.WithComponent("handle").WithProcess(config.Process)
	if h.metrics == nil {
		h.metrics = NewNoOpMetrics()
	}

	if err := backend.Subscribe(config.Process, h.onEvent); err != nil {
		return nil, fmt.Errorf("client: failed to subscribe %s: %w", config.Process, err)
	}

	h.logger.Infow("Handle ready", "pid", config.PID, "lifecycle", config.Lifecycle)
	return h, nil
}

// Process returns the process identity of the handle.
func (h *Handle) Process() types.ProcessID {
	return h.process
}

// RequestAccess asks for class and delivers its state to cb. It never
// waits for the resource: the first state (FREE, WAIT or APP_IN_BACKGROUND)
// is delivered before RequestAccess returns, later ones arrive as the
// arbiter decides. Calling it again for a class already requested keeps the
// request and its queue position, replaces the callback and delivers the
// current state to the new one.
//
// A request refused because the arbiter lost too many races or its queue
// is full yields BUSY and no error. When the arbiter cannot be reached at
// all, cb receives BUSY and the error is returned.
func (h *Handle) RequestAccess(ctx context.Context, class types.ResourceClass, cb Callback) error {
	if cb == nil {
		return ErrInvalidCallback
	}
	if err := class.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClientClosed
	}
	s := h.slotFor(class)
	s.cb = cb
	s.notified = false
	s.inflight++
	gen := s.gen
	req := types.Requester{Process: h.process, PID: h.config.PID, Lifecycle: h.lifecycle}
	h.mu.Unlock()

	res, err := h.backend.Acquire(ctx, class, req)

	h.mu.Lock()
	s.inflight--
	if gen != s.gen {
		if s.inflight == 0 {
			delete(h.parked, class)
		}
		closed := h.closed
		h.mu.Unlock()

		if err == nil {
			h.withdraw(res.Token)
		}
		if closed {
			return ErrClientClosed
		}
		return nil
	}

	if err != nil {
		denied, down := isDenied(err), isBackendDown(err)
		if (denied || down) && s.phase == PhaseIdle {
			h.deliver(s, types.StateBusy)
		}
		if s.inflight == 0 {
			delete(h.parked, class)
		}
		h.mu.Unlock()
		h.flush()

		if denied {
			h.logger.Infow("Access denied", "class", class, "reason", err)
			return nil
		}
		h.logger.Warnw("Access request failed", "class", class, "error", err)
		return err
	}

	h.applyResult(s, res)
	lifecycle, stale := h.lifecycle, h.lifecycle != req.Lifecycle && s.phase != PhaseIdle
	h.mu.Unlock()
	h.flush()

	if stale {
		// SetLifecycle ran while the request was in flight and skipped it.
		if err := h.backend.SetLifecycle(ctx, class, h.process, lifecycle); err != nil {
			h.logger.Warnw("Failed to report lifecycle after request", "class", class, "lifecycle", lifecycle, "error", err)
		}
	}
	return nil
}

// Release gives up class: a held class is released and the next waiter
// promoted, a pending request is cancelled. Releasing an idle class is a
// no-op.
func (h *Handle) Release(ctx context.Context, class types.ResourceClass) error {
	if err := class.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClientClosed
	}
	s, ok := h.slots[class]
	if !ok || (s.phase == PhaseIdle && s.inflight == 0) {
		h.mu.Unlock()
		return nil
	}
	phase, token := s.phase, s.token
	hb := h.resetSlot(s)
	delete(h.parked, class)
	h.mu.Unlock()

	h.stopHeartbeat(hb)
	return h.giveUp(ctx, class, phase, token)
}

// giveUp tells the arbiter the process no longer wants class.
func (h *Handle) giveUp(ctx context.Context, class types.ResourceClass, phase SlotPhase, token types.Token) error {
	switch phase {
	case PhaseHolding:
		released, err := h.backend.Release(ctx, class, h.process)
		if err != nil {
			return err
		}
		if !released {
			h.logger.Warnw("Release found class not held, holder was evicted", "class", class)
		}
	case PhasePending:
		if _, err := h.backend.Cancel(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

// SetLifecycle records an application lifecycle transition and reports it
// to the arbiter for every class the process holds or waits for.
func (h *Handle) SetLifecycle(ctx context.Context, lifecycle types.LifecycleState) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClientClosed
	}
	if h.lifecycle == lifecycle {
		h.mu.Unlock()
		return nil
	}
	h.lifecycle = lifecycle
	var classes []types.ResourceClass
	for class, s := range h.slots {
		if s.phase != PhaseIdle {
			classes = append(classes, class)
		}
	}
	h.mu.Unlock()

	h.logger.Infow("Lifecycle changed", "lifecycle", lifecycle, "classes", len(classes))

	var errs []error
	for _, class := range classes {
		if err := h.backend.SetLifecycle(ctx, class, h.process, lifecycle); err != nil {
			errs = append(errs, fmt.Errorf("class %s: %w", class, err))
		}
	}
	return errors.Join(errs...)
}

// CurrentApplicationState returns the lifecycle state last set on the handle.
func (h *Handle) CurrentApplicationState() types.LifecycleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lifecycle
}

// Status returns the local view of class.
func (h *Handle) Status(class types.ResourceClass) SlotStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.slots[class]
	if !ok {
		return SlotStatus{Class: class, Phase: PhaseIdle}
	}
	return SlotStatus{
		Class:    class,
		Phase:    s.phase,
		Token:    s.token,
		State:    s.state,
		Notified: s.notified,
		Seq:      s.seq,
	}
}

// Close releases every held class, cancels every pending request and
// unsubscribes from the notification channel. It is safe to call Close
// multiple times, but not from a callback.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	type outstanding struct {
		class types.ResourceClass
		phase SlotPhase
		token types.Token
	}
	var todo []outstanding
	var hbs []*heartbeater
	for class, s := range h.slots {
		if s.phase != PhaseIdle {
			todo = append(todo, outstanding{class: class, phase: s.phase, token: s.token})
		}
		if hb := h.resetSlot(s); hb != nil {
			hbs = append(hbs, hb)
		}
	}
	h.parked = make(map[types.ResourceClass][]types.Event)
	h.mu.Unlock()

	for _, hb := range hbs {
		h.stopHeartbeat(hb)
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	var errs []error
	for _, o := range todo {
		if err := h.giveUp(releaseCtx, o.class, o.phase, o.token); err != nil {
			errs = append(errs, fmt.Errorf("class %s: %w", o.class, err))
		}
	}
	if err := h.backend.Unsubscribe(h.process); err != nil && !errors.Is(err, notify.ErrNotSubscribed) {
		errs = append(errs, err)
	}

	h.logger.Infow("Handle closed", "released", len(todo))
	return errors.Join(errs...)
}

// onEvent consumes an event from the notification channel.
func (h *Handle) onEvent(ev types.Event) {
	h.mu.Lock()
	if h.closed || ev.Process != h.process {
		h.mu.Unlock()
		return
	}

	class := ev.Token.Class
	s, ok := h.slots[class]
	switch {
	case !ok:
		h.metrics.IncrDroppedEvent(class, dropUnknown)
	case s.token == ev.Token:
		h.applyEvent(s, ev)
	case s.inflight > 0:
		h.parked[class] = append(h.parked[class], ev)
	default:
		h.metrics.IncrDroppedEvent(class, dropStale)
		h.logger.Debugw("Dropped event for stale token", "token", ev.Token, "state", ev.State, "seq", ev.Seq)
	}
	h.mu.Unlock()
	h.flush()
}

// applyResult moves s according to an acquire reply and replays events
// that arrived before it. Called with h.mu held.
func (h *Handle) applyResult(s *slot, res types.AcquireResult) {
	if s.token != res.Token {
		if s.hb != nil && !res.Granted {
			go h.stopHeartbeat(s.hb)
			s.hb = nil
		}
		s.token = res.Token
		s.seq = 0
	}

	if res.Seq >= s.seq {
		s.seq = res.Seq
		if res.Granted {
			s.phase = PhaseHolding
			h.startHeartbeat(s)
		} else {
			s.phase = PhasePending
		}
		h.deliver(s, res.State)
	} else if !s.notified && s.phase != PhaseIdle {
		h.deliver(s, s.state)
	}

	for _, ev := range h.parked[s.class] {
		if ev.Token == s.token {
			h.applyEvent(s, ev)
		} else {
			h.metrics.IncrDroppedEvent(s.class, dropStale)
		}
	}
	delete(h.parked, s.class)
}

// applyEvent applies an event for the current token of s. Called with h.mu held.
func (h *Handle) applyEvent(s *slot, ev types.Event) {
	if ev.Seq <= s.seq {
		h.metrics.IncrDroppedEvent(s.class, dropDuplicate)
		return
	}
	s.seq = ev.Seq

	switch ev.State {
	case types.StateFree:
		s.phase = PhaseHolding
		h.startHeartbeat(s)
	case types.StateAppInBackground:
		if s.phase != PhaseHolding {
			s.phase = PhasePending
		}
	case types.StateWait:
		s.phase = PhasePending
		h.detachHeartbeat(s)
	case types.StateBusy:
		s.phase = PhaseIdle
		s.token = types.Token{}
		h.detachHeartbeat(s)
	}
	h.deliver(s, ev.State)
}

// deliver queues a callback unless the state is unchanged. Called with h.mu held.
func (h *Handle) deliver(s *slot, state types.State) {
	if s.notified && s.state == state {
		return
	}
	s.state = state
	s.notified = true
	if s.cb == nil {
		return
	}
	h.metrics.IncrCallback(s.class, state)
	h.pending = append(h.pending, dispatch{slot: s, gen: s.gen, cb: s.cb, state: state})
}

// flush runs queued callbacks in order. Only one goroutine dispatches at a
// time; callbacks queued meanwhile are picked up by the active dispatcher.
func (h *Handle) flush() {
	h.mu.Lock()
	if h.dispatching {
		h.mu.Unlock()
		return
	}
	h.dispatching = true
	for len(h.pending) > 0 {
		d := h.pending[0]
		h.pending = h.pending[1:]
		if d.slot.gen != d.gen {
			continue
		}
		h.mu.Unlock()
		d.cb(d.state)
		h.mu.Lock()
	}
	h.dispatching = false
	h.mu.Unlock()
}

func (h *Handle) slotFor(class types.ResourceClass) *slot {
	s, ok := h.slots[class]
	if !ok {
		s = &slot{class: class}
		h.slots[class] = s
	}
	return s
}

// resetSlot returns s to IDLE and invalidates its token. The detached
// heartbeater, if any, is returned for the caller to stop outside the lock.
func (h *Handle) resetSlot(s *slot) *heartbeater {
	hb := s.hb
	s.hb = nil
	s.phase = PhaseIdle
	s.token = types.Token{}
	s.cb = nil
	s.notified = false
	s.seq = 0
	s.gen++
	return hb
}

// startHeartbeat starts the heartbeat loop of a held class. Called with h.mu held.
func (h *Handle) startHeartbeat(s *slot) {
	if s.hb != nil {
		return
	}
	class := s.class
	hb, err := newHeartbeater(func(ctx context.Context) error {
		if h.config.PauseHeartbeatInBackground && h.CurrentApplicationState() == types.LifecycleBackground {
			return nil
		}
		reqCtx, cancel := context.WithTimeout(ctx, h.config.RequestTimeout)
		defer cancel()
		return h.backend.Heartbeat(reqCtx, class, h.process)
	}, h.config.HeartbeatInterval, h.clock)
	if err != nil {
		h.logger.Errorw("Failed to create heartbeat loop", "class", class, "error", err)
		return
	}
	hb.onLost = func(err error) { h.evicted(class, hb) }
	hb.onError = func(err error) {
		h.logger.Warnw("Heartbeat failed", "class", class, "error", err)
	}
	s.hb = hb
	hb.Start(context.Background())
}

// detachHeartbeat stops the heartbeat loop of s without waiting for it.
// Called with h.mu held.
func (h *Handle) detachHeartbeat(s *slot) {
	if s.hb == nil {
		return
	}
	go h.stopHeartbeat(s.hb)
	s.hb = nil
}

func (h *Handle) stopHeartbeat(hb *heartbeater) {
	if hb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.config.RequestTimeout)
	defer cancel()
	if err := hb.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, arbiter.ErrNotHolder) {
		h.logger.Warnw("Heartbeat loop did not stop cleanly", "error", err)
	}
}

// evicted is called by a heartbeat loop that found the process no longer
// holds class. The slot goes back to IDLE without a callback.
func (h *Handle) evicted(class types.ResourceClass, hb *heartbeater) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.slots[class]
	if !ok || s.hb != hb {
		return
	}
	s.hb = nil
	s.phase = PhaseIdle
	s.token = types.Token{}
	s.notified = false
	s.seq = 0
	s.gen++
	h.metrics.IncrEviction(class)
	h.logger.Warnw("Lost class: evicted by the arbiter", "class", class)
}

// withdraw cancels a request whose slot was released while the acquire was
// in flight. Cancelling a granted token releases it.
func (h *Handle) withdraw(token types.Token) {
	if token.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.config.RequestTimeout)
	defer cancel()
	if _, err := h.backend.Cancel(ctx, token); err != nil {
		h.logger.Warnw("Failed to withdraw request", "token", token, "error", err)
	}
}

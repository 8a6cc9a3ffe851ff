package arbiter

import (
	"slices"
	"time"

	"github.com/jathurchan/accesslock/types"
)

// notice is an event for one process, published once its transition commits.
type notice struct {
	process types.ProcessID
	token   types.Token
	state   types.State
}

type eviction struct {
	holder types.HolderRecord
	reason EvictionReason
}

// transition applies one operation to a working copy of a class record. It
// is pure with respect to the store, so a transition lost to a concurrent
// writer is discarded and recomputed from the fresh record.
type transition struct {
	state   types.ClassState
	now     time.Time
	changed bool

	notices  []notice
	released *types.HolderRecord
	evicted  *eviction
	promoted []types.Waiter
	pruned   []types.Waiter
}

func newTransition(current types.ClassState, now time.Time) *transition {
	return &transition{state: current.Clone(), now: now}
}

// notify queues an event for the token, replacing any earlier one for the
// same token so a single commit never produces two states for one request.
func (t *transition) notify(process types.ProcessID, token types.Token, state types.State) {
	for i := range t.notices {
		if t.notices[i].token == token {
			t.notices[i].state = state
			return
		}
	}
	t.notices = append(t.notices, notice{process: process, token: token, state: state})
}

func holderState(h *types.HolderRecord) types.State {
	if h.Lifecycle == types.LifecycleBackground {
		return types.StateAppInBackground
	}
	return types.StateFree
}

func waiterState(w types.Waiter) types.State {
	if w.Lifecycle == types.LifecycleBackground {
		return types.StateAppInBackground
	}
	return types.StateWait
}

// promote hands a free class to the first foreground waiter. Backgrounded
// waiters ahead of it keep their place and are told APP_IN_BACKGROUND.
func (t *transition) promote() {
	cs := &t.state
	if cs.Holder != nil {
		return
	}
	for i, w := range cs.Queue {
		if w.Lifecycle == types.LifecycleBackground {
			t.notify(w.Process, w.Token, types.StateAppInBackground)
			continue
		}
		cs.Queue = slices.Delete(cs.Queue, i, i+1)
		cs.Holder = &types.HolderRecord{
			Class:           cs.Class,
			Owner:           w.Process,
			PID:             w.PID,
			Token:           w.Token,
			Lifecycle:       w.Lifecycle,
			AcquiredAt:      t.now,
			LastHeartbeatAt: t.now,
		}
		t.changed = true
		t.promoted = append(t.promoted, w)
		t.notify(w.Process, w.Token, types.StateFree)
		return
	}
}

// releaseHolder clears the holder on its own request and promotes.
func (t *transition) releaseHolder() {
	h := *t.state.Holder
	t.released = &h
	t.state.Holder = nil
	t.changed = true
	t.promote()
}

// evictIfStale removes a holder that stopped heartbeating or whose process
// is gone, then promotes. The evicted process is not notified.
func (t *transition) evictIfStale(timeout time.Duration, probe ProcessProbe) bool {
	h := t.state.Holder
	if h == nil {
		return false
	}

	var reason EvictionReason
	switch {
	case probe != nil && h.PID > 0 && !probe.Alive(h.PID):
		reason = EvictionProcessGone
	case t.now.Sub(h.LastHeartbeatAt) > timeout:
		reason = EvictionHeartbeatTimeout
	default:
		return false
	}

	t.evicted = &eviction{holder: *h, reason: reason}
	t.state.Holder = nil
	t.changed = true
	t.promote()
	return true
}

// pruneDeadWaiters drops queued requesters whose process no longer exists.
func (t *transition) pruneDeadWaiters(probe ProcessProbe) {
	if probe == nil {
		return
	}
	t.state.Queue = slices.DeleteFunc(t.state.Queue, func(w types.Waiter) bool {
		if w.PID > 0 && !probe.Alive(w.PID) {
			t.pruned = append(t.pruned, w)
			return true
		}
		return false
	})
	if len(t.pruned) > 0 {
		t.changed = true
	}
}

func (t *transition) acquire(
	req types.Requester,
	maxWaiters int,
	timeout time.Duration,
	probe ProcessProbe,
) (types.AcquireResult, error) {
	cs := &t.state
	t.evictIfStale(timeout, probe)

	if cs.IsHeldBy(req.Process) {
		h := cs.Holder
		h.LastHeartbeatAt = t.now
		h.Lifecycle = req.Lifecycle
		if req.PID != 0 {
			h.PID = req.PID
		}
		t.changed = true
		return types.AcquireResult{Token: h.Token, State: holderState(h), Granted: true, Position: -1}, nil
	}

	if i := cs.Position(req.Process); i >= 0 {
		w := &cs.Queue[i]
		if w.Lifecycle != req.Lifecycle || (req.PID != 0 && w.PID != req.PID) {
			w.Lifecycle = req.Lifecycle
			if req.PID != 0 {
				w.PID = req.PID
			}
			t.changed = true
		}
		t.promote()
		return t.resultFor(req.Process), nil
	}

	if cs.Holder == nil && req.Lifecycle == types.LifecycleForeground {
		cs.Holder = &types.HolderRecord{
			Class:           cs.Class,
			Owner:           req.Process,
			PID:             req.PID,
			Token:           types.NewToken(cs.Class),
			Lifecycle:       req.Lifecycle,
			AcquiredAt:      t.now,
			LastHeartbeatAt: t.now,
		}
		t.changed = true
		return types.AcquireResult{Token: cs.Holder.Token, State: types.StateFree, Granted: true, Position: -1}, nil
	}

	if len(cs.Queue) >= maxWaiters {
		return types.AcquireResult{}, ErrWaitQueueFull
	}

	cs.Queue = append(cs.Queue, types.Waiter{
		Process:    req.Process,
		PID:        req.PID,
		Token:      types.NewToken(cs.Class),
		Lifecycle:  req.Lifecycle,
		EnqueuedAt: t.now,
	})
	t.changed = true
	return t.resultFor(req.Process), nil
}

// resultFor describes where process stands in the working copy.
func (t *transition) resultFor(process types.ProcessID) types.AcquireResult {
	cs := &t.state
	if cs.IsHeldBy(process) {
		return types.AcquireResult{Token: cs.Holder.Token, State: holderState(cs.Holder), Granted: true, Position: -1}
	}
	i := cs.Position(process)
	w := cs.Queue[i]
	return types.AcquireResult{Token: w.Token, State: waiterState(w), Position: i}
}

func (t *transition) release(process types.ProcessID) bool {
	if !t.state.IsHeldBy(process) {
		return false
	}
	t.releaseHolder()
	return true
}

func (t *transition) heartbeat(process types.ProcessID) error {
	if !t.state.IsHeldBy(process) {
		return ErrNotHolder
	}
	t.state.Holder.LastHeartbeatAt = t.now
	t.changed = true
	return nil
}

func (t *transition) cancel(token types.Token) bool {
	cs := &t.state
	if cs.Holder != nil && cs.Holder.Token == token {
		t.releaseHolder()
		return true
	}
	if i := cs.IndexOfToken(token); i >= 0 {
		cs.Queue = slices.Delete(cs.Queue, i, i+1)
		t.changed = true
		return true
	}
	return false
}

func (t *transition) setLifecycle(process types.ProcessID, lifecycle types.LifecycleState) {
	cs := &t.state
	if cs.IsHeldBy(process) {
		h := cs.Holder
		if h.Lifecycle == lifecycle {
			return
		}
		h.Lifecycle = lifecycle
		t.changed = true
		t.notify(process, h.Token, holderState(h))
		return
	}

	i := cs.Position(process)
	if i < 0 || cs.Queue[i].Lifecycle == lifecycle {
		return
	}
	cs.Queue[i].Lifecycle = lifecycle
	t.changed = true
	t.notify(process, cs.Queue[i].Token, waiterState(cs.Queue[i]))
	if lifecycle == types.LifecycleForeground {
		t.promote()
	}
}

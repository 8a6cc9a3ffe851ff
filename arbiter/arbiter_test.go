package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jathurchan/accesslock/storage"
	"github.com/jathurchan/accesslock/testutil"
	"github.com/jathurchan/accesslock/types"
)

const accessory = types.ClassAccessory
const device = types.ClassDevice

func TestNewArbiter_Validation(t *testing.T) {
	_, err := NewArbiter(nil)
	testutil.AssertError(t, err, "nil store must be rejected")

	_, err = NewArbiter(storage.NewMemoryStore(),
		WithHeartbeatTimeout(time.Second),
		WithSweepInterval(2*time.Second),
	)
	testutil.AssertError(t, err, "sweep interval must be shorter than the heartbeat timeout")
}

func TestAcquire_GrantWhenFree(t *testing.T) {
	env := newTestEnv(t)

	res := env.mustAcquire(t, accessory, types.Requester{Process: "p1", PID: 10})
	testutil.AssertTrue(t, res.Granted)
	testutil.AssertEqual(t, types.StateFree, res.State)
	testutil.AssertEqual(t, -1, res.Position)
	testutil.AssertEqual(t, uint64(1), res.Seq)
	testutil.AssertFalse(t, res.Token.IsZero())

	cs := env.status(t, accessory)
	testutil.AssertEqual(t, types.ProcessID("p1"), holderOf(cs))
	testutil.AssertEqual(t, 10, cs.Holder.PID)
	testutil.AssertEqual(t, res.Token, cs.Holder.Token)
	testutil.AssertEqual(t, env.clock.Now(), cs.Holder.AcquiredAt)
}

func TestAcquire_FIFOFairness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustAcquire(t, accessory, fg("c"))
	a := env.mustAcquire(t, accessory, fg("a"))
	b := env.mustAcquire(t, accessory, fg("b"))

	testutil.AssertEqual(t, types.StateWait, a.State)
	testutil.AssertEqual(t, 0, a.Position)
	testutil.AssertEqual(t, types.StateWait, b.State)
	testutil.AssertEqual(t, 1, b.Position)

	released, err := env.arb.Release(ctx, accessory, "c")
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, released)

	cs := env.status(t, accessory)
	testutil.AssertEqual(t, types.ProcessID("a"), holderOf(cs))
	testutil.AssertEqual(t, []types.ProcessID{"b"}, queueOf(cs))

	events := env.pub.eventsFor("a")
	testutil.AssertLen(t, events, 1)
	testutil.AssertEqual(t, types.StateFree, events[0].State)
	testutil.AssertEqual(t, a.Token, events[0].Token)
	testutil.AssertEqual(t, cs.Version, events[0].Seq)
	testutil.AssertLen(t, env.pub.eventsFor("b"), 0)
}

func TestAcquire_SelfRequestIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	first := env.mustAcquire(t, device, fg("p1"))
	env.mustAcquire(t, device, fg("p2"))
	env.clock.Advance(2 * time.Second)

	again := env.mustAcquire(t, device, fg("p1"))
	testutil.AssertTrue(t, again.Granted)
	testutil.AssertEqual(t, types.StateFree, again.State)
	testutil.AssertEqual(t, first.Token, again.Token)

	cs := env.status(t, device)
	testutil.AssertLen(t, cs.Queue, 1, "self-request must not touch the queue")
	testutil.AssertEqual(t, env.clock.Now(), cs.Holder.LastHeartbeatAt)
	testutil.AssertEqual(t, first.Seq+2, again.Seq)
}

func TestAcquire_RequeueKeepsPosition(t *testing.T) {
	env := newTestEnv(t)

	env.mustAcquire(t, device, fg("holder"))
	p2 := env.mustAcquire(t, device, fg("p2"))
	env.mustAcquire(t, device, fg("p3"))

	again := env.mustAcquire(t, device, fg("p2"))
	testutil.AssertEqual(t, p2.Token, again.Token)
	testutil.AssertEqual(t, 0, again.Position)

	cs := env.status(t, device)
	testutil.AssertEqual(t, cs.Version, again.Seq, "unchanged requeue does not write")
	testutil.AssertEqual(t, []types.ProcessID{"p2", "p3"}, queueOf(cs))
}

func TestAcquire_BackgroundRequesterIsQueued(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.mustAcquire(t, accessory, bg("p1"))
	testutil.AssertFalse(t, res.Granted)
	testutil.AssertEqual(t, types.StateAppInBackground, res.State)
	testutil.AssertEqual(t, 0, res.Position)
	testutil.AssertEqual(t, types.ProcessID(""), holderOf(env.status(t, accessory)))

	err := env.arb.SetLifecycle(ctx, accessory, "p1", types.LifecycleForeground)
	testutil.RequireNoError(t, err)

	cs := env.status(t, accessory)
	testutil.AssertEqual(t, types.ProcessID("p1"), holderOf(cs))
	testutil.AssertLen(t, cs.Queue, 0)

	events := env.pub.eventsFor("p1")
	testutil.AssertLen(t, events, 1, "one commit yields one event per token")
	testutil.AssertEqual(t, types.StateFree, events[0].State)
	testutil.AssertEqual(t, res.Token, events[0].Token)
}

func TestAcquire_WaitQueueFull(t *testing.T) {
	env := newTestEnv(t, WithMaxWaiters(1))

	env.mustAcquire(t, device, fg("p1"))
	env.mustAcquire(t, device, fg("p2"))

	res, err := env.arb.Acquire(context.Background(), device, fg("p3"))
	testutil.AssertErrorIs(t, err, ErrWaitQueueFull)
	testutil.AssertEqual(t, types.StateBusy, res.State)
	testutil.AssertFalse(t, res.Granted)
}

func TestAcquire_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.arb.Acquire(ctx, "Bad Class", fg("p1"))
	testutil.AssertErrorIs(t, err, ErrInvalidClass)

	_, err = env.arb.Acquire(ctx, device, fg(""))
	testutil.AssertErrorIs(t, err, ErrInvalidProcess)
}

func TestAcquire_InlineEvictsStaleHolder(t *testing.T) {
	metrics := &countingMetrics{}
	env := newTestEnv(t, WithMetrics(metrics))

	env.mustAcquire(t, device, fg("p1"))
	env.clock.Advance(DefaultHeartbeatTimeout + time.Second)

	res := env.mustAcquire(t, device, fg("p2"))
	testutil.AssertTrue(t, res.Granted)
	testutil.AssertEqual(t, types.ProcessID("p2"), holderOf(env.status(t, device)))
	testutil.AssertEqual(t, int32(1), metrics.evictions.Load())
}

func TestRelease_NonHolderIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustAcquire(t, accessory, fg("p1"))
	before := env.status(t, accessory)

	released, err := env.arb.Release(ctx, accessory, "p2")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, released)

	released, err = env.arb.Release(ctx, device, "p1")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, released)

	testutil.AssertEqual(t, before, env.status(t, accessory))
}

func TestRelease_SkipsBackgroundWaiters(t *testing.T) {
	env := newTestEnv(t)

	env.mustAcquire(t, accessory, fg("p1"))
	p2 := env.mustAcquire(t, accessory, bg("p2"))
	p3 := env.mustAcquire(t, accessory, fg("p3"))
	testutil.AssertEqual(t, types.StateAppInBackground, p2.State)

	_, err := env.arb.Release(context.Background(), accessory, "p1")
	testutil.RequireNoError(t, err)

	cs := env.status(t, accessory)
	testutil.AssertEqual(t, types.ProcessID("p3"), holderOf(cs))
	testutil.AssertEqual(t, []types.ProcessID{"p2"}, queueOf(cs))

	p2Events := env.pub.eventsFor("p2")
	testutil.AssertLen(t, p2Events, 1)
	testutil.AssertEqual(t, types.StateAppInBackground, p2Events[0].State)

	p3Events := env.pub.eventsFor("p3")
	testutil.AssertLen(t, p3Events, 1)
	testutil.AssertEqual(t, types.StateFree, p3Events[0].State)
	testutil.AssertEqual(t, p3.Token, p3Events[0].Token)
}

func TestRelease_NoEligibleWaiterLeavesClassFree(t *testing.T) {
	env := newTestEnv(t)

	env.mustAcquire(t, accessory, fg("p1"))
	env.mustAcquire(t, accessory, bg("p2"))

	_, err := env.arb.Release(context.Background(), accessory, "p1")
	testutil.RequireNoError(t, err)

	cs := env.status(t, accessory)
	testutil.AssertTrue(t, cs.Holder == nil, "class should stay free")
	testutil.AssertEqual(t, []types.ProcessID{"p2"}, queueOf(cs))
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustAcquire(t, device, fg("p1"))
	env.clock.Advance(3 * time.Second)

	testutil.AssertNoError(t, env.arb.Heartbeat(ctx, device, "p1"))
	testutil.AssertEqual(t, env.clock.Now(), env.status(t, device).Holder.LastHeartbeatAt)

	err := env.arb.Heartbeat(ctx, device, "p2")
	testutil.AssertErrorIs(t, err, ErrNotHolder)
}

func TestEvictStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustAcquire(t, device, fg("p1"))
	p2 := env.mustAcquire(t, device, fg("p2"))

	evicted, err := env.arb.EvictStale(ctx, device, 0)
	testutil.RequireNoError(t, err)
	testutil.AssertFalse(t, evicted, "fresh holder must not be evicted")

	env.clock.Advance(DefaultHeartbeatTimeout + time.Millisecond)
	evicted, err = env.arb.EvictStale(ctx, device, 0)
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, evicted)

	testutil.AssertEqual(t, types.ProcessID("p2"), holderOf(env.status(t, device)))
	testutil.AssertLen(t, env.pub.eventsFor("p1"), 0, "evicted holder is not notified")

	events := env.pub.eventsFor("p2")
	testutil.AssertLen(t, events, 1)
	testutil.AssertEqual(t, p2.Token, events[0].Token)
	testutil.AssertEqual(t, types.StateFree, events[0].State)
}

func TestEvictStale_CustomTimeout(t *testing.T) {
	env := newTestEnv(t)

	env.mustAcquire(t, device, fg("p1"))
	env.clock.Advance(2 * time.Second)

	evicted, err := env.arb.EvictStale(context.Background(), device, time.Second)
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, evicted)
}

func TestEvictStale_ProcessProbe(t *testing.T) {
	probe := newFakeProbe()
	env := newTestEnv(t, WithProcessProbe(probe))
	ctx := context.Background()

	env.mustAcquire(t, device, types.Requester{Process: "p1", PID: 100})
	env.mustAcquire(t, device, types.Requester{Process: "p2", PID: 200})
	env.mustAcquire(t, device, types.Requester{Process: "p3", PID: 300})

	probe.kill(100)
	probe.kill(200)

	evicted, err := env.arb.EvictStale(ctx, device, 0)
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, evicted)

	cs := env.status(t, device)
	testutil.AssertEqual(t, types.ProcessID("p3"), holderOf(cs), "dead waiter is skipped")
	testutil.AssertLen(t, cs.Queue, 0)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustAcquire(t, accessory, fg("p1"))
	p2 := env.mustAcquire(t, accessory, fg("p2"))
	env.mustAcquire(t, accessory, fg("p3"))

	removed, err := env.arb.Cancel(ctx, p2.Token)
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, removed)

	removed, err = env.arb.Cancel(ctx, p2.Token)
	testutil.RequireNoError(t, err)
	testutil.AssertFalse(t, removed, "cancel is idempotent")

	removed, err = env.arb.Cancel(ctx, types.Token{Class: accessory})
	testutil.RequireNoError(t, err)
	testutil.AssertFalse(t, removed)

	removed, err = env.arb.Cancel(ctx, types.Token{})
	testutil.RequireNoError(t, err, "a zero token is a no-op")
	testutil.AssertFalse(t, removed)

	_, err = env.arb.Cancel(ctx, types.Token{Class: "Not A Class", ID: "x"})
	testutil.AssertErrorIs(t, err, types.ErrInvalidClass)

	_, err = env.arb.Release(ctx, accessory, "p1")
	testutil.RequireNoError(t, err)

	testutil.AssertEqual(t, types.ProcessID("p3"), holderOf(env.status(t, accessory)))
	testutil.AssertLen(t, env.pub.eventsFor("p2"), 0, "cancelled token never fires")
}

func TestCancel_PromotedTokenReleases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustAcquire(t, accessory, fg("p1"))
	p2 := env.mustAcquire(t, accessory, fg("p2"))
	env.mustAcquire(t, accessory, fg("p3"))

	_, err := env.arb.Release(ctx, accessory, "p1")
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, types.ProcessID("p2"), holderOf(env.status(t, accessory)))

	removed, err := env.arb.Cancel(ctx, p2.Token)
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, removed)
	testutil.AssertEqual(t, types.ProcessID("p3"), holderOf(env.status(t, accessory)))
}

func TestSetLifecycle_Holder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.mustAcquire(t, device, fg("p1"))

	testutil.RequireNoError(t, env.arb.SetLifecycle(ctx, device, "p1", types.LifecycleBackground))
	testutil.RequireNoError(t, env.arb.SetLifecycle(ctx, device, "p1", types.LifecycleBackground))
	testutil.RequireNoError(t, env.arb.SetLifecycle(ctx, device, "p1", types.LifecycleForeground))

	events := env.pub.eventsFor("p1")
	testutil.AssertLen(t, events, 2, "unchanged lifecycle produces no event")
	testutil.AssertEqual(t, types.StateAppInBackground, events[0].State)
	testutil.AssertEqual(t, types.StateFree, events[1].State)
	testutil.AssertEqual(t, res.Token, events[1].Token)
	testutil.AssertTrue(t, events[0].Seq < events[1].Seq)

	again := env.mustAcquire(t, device, bg("p1"))
	testutil.AssertTrue(t, again.Granted)
	testutil.AssertEqual(t, types.StateAppInBackground, again.State, "backgrounded holder re-delivery")
}

func TestSetLifecycle_WaiterAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustAcquire(t, device, fg("p1"))
	env.mustAcquire(t, device, fg("p2"))

	testutil.RequireNoError(t, env.arb.SetLifecycle(ctx, device, "p2", types.LifecycleBackground))
	testutil.RequireNoError(t, env.arb.SetLifecycle(ctx, device, "p2", types.LifecycleForeground))
	testutil.RequireNoError(t, env.arb.SetLifecycle(ctx, device, "nobody", types.LifecycleBackground))

	events := env.pub.eventsFor("p2")
	testutil.AssertLen(t, events, 2)
	testutil.AssertEqual(t, types.StateAppInBackground, events[0].State)
	testutil.AssertEqual(t, types.StateWait, events[1].State)
	testutil.AssertLen(t, env.pub.eventsFor("nobody"), 0)
}

func TestScenario_AccessoryHandOff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p1 := env.mustAcquire(t, accessory, fg("P1"))
	testutil.AssertEqual(t, types.StateFree, p1.State)

	p2 := env.mustAcquire(t, accessory, fg("P2"))
	testutil.AssertFalse(t, p2.Granted)

	_, err := env.arb.Release(ctx, accessory, "P1")
	testutil.RequireNoError(t, err)

	events := env.pub.eventsFor("P2")
	testutil.AssertLen(t, events, 1)
	testutil.AssertEqual(t, types.StateFree, events[0].State)

	_, err = env.arb.Release(ctx, accessory, "P2")
	testutil.RequireNoError(t, err)

	cs := env.status(t, accessory)
	testutil.AssertTrue(t, cs.Holder == nil)
	testutil.AssertLen(t, cs.Queue, 0)
}

func TestScenario_DeviceEvictionAfterBackground(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustAcquire(t, device, fg("P1"))
	testutil.RequireNoError(t, env.arb.SetLifecycle(ctx, device, "P1", types.LifecycleBackground))

	p2 := env.mustAcquire(t, device, fg("P2"))
	testutil.AssertEqual(t, types.StateWait, p2.State)

	env.clock.Advance(DefaultHeartbeatTimeout + DefaultSweepInterval)
	evicted, err := env.arb.EvictStale(ctx, device, 0)
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, evicted)

	events := env.pub.eventsFor("P2")
	testutil.AssertLen(t, events, 1)
	testutil.AssertEqual(t, types.StateFree, events[0].State)
}

func TestClassesAreIndependent(t *testing.T) {
	env := newTestEnv(t)

	a := env.mustAcquire(t, accessory, fg("p1"))
	d := env.mustAcquire(t, device, fg("p2"))
	testutil.AssertTrue(t, a.Granted)
	testutil.AssertTrue(t, d.Granted)

	classes, err := env.arb.Classes(context.Background())
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, []types.ResourceClass{accessory, device}, classes)
}

func TestMutualExclusion_Concurrent(t *testing.T) {
	arb, err := NewArbiter(storage.NewMemoryStore(),
		WithMaxCASRetries(100),
		WithBackoff(BackoffConfig{Initial: 0, Multiplier: 1}),
	)
	testutil.RequireNoError(t, err)
	defer arb.Close()

	ctx := context.Background()
	var holders atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)
		go func(id types.ProcessID) {
			defer wg.Done()
			for range 50 {
				res, err := arb.Acquire(ctx, device, fg(id))
				if err != nil {
					continue
				}
				if !res.Granted {
					_, _ = arb.Cancel(ctx, res.Token)
					continue
				}
				if holders.Add(1) > 1 {
					violations.Add(1)
				}
				holders.Add(-1)
				_, _ = arb.Release(ctx, device, id)
			}
		}(types.ProcessID(string(rune('a' + i))))
	}
	wg.Wait()

	testutil.AssertEqual(t, int32(0), violations.Load())
}

func TestConflict_RetriedThenSucceeds(t *testing.T) {
	store := &conflictingStore{MemoryStore: storage.NewMemoryStore()}
	store.failures.Store(2)
	metrics := &countingMetrics{}
	env := newTestEnvWithStore(t, store, WithMetrics(metrics), WithBackoff(BackoffConfig{Multiplier: 1}))

	res := env.mustAcquire(t, device, fg("p1"))
	testutil.AssertTrue(t, res.Granted)
	testutil.AssertEqual(t, int32(2), metrics.conflicts.Load())
}

func TestConflict_ExhaustedSurfacesAsBusy(t *testing.T) {
	store := &conflictingStore{MemoryStore: storage.NewMemoryStore()}
	store.failures.Store(100)
	env := newTestEnvWithStore(t, store, WithMaxCASRetries(2), WithBackoff(BackoffConfig{Multiplier: 1}))

	res, err := env.arb.Acquire(context.Background(), device, fg("p1"))
	testutil.AssertErrorIs(t, err, ErrConflict)
	testutil.AssertEqual(t, types.StateBusy, res.State)
	testutil.AssertEqual(t, int32(97), store.failures.Load(), "initial attempt plus two retries")
}

func TestBackendUnavailable_FailsClosed(t *testing.T) {
	env := newTestEnvWithStore(t, &unavailableStore{MemoryStore: storage.NewMemoryStore()})
	ctx := context.Background()

	res, err := env.arb.Acquire(ctx, device, fg("p1"))
	testutil.AssertErrorIs(t, err, ErrBackendUnavailable)
	testutil.AssertEqual(t, types.StateBusy, res.State)
	testutil.AssertFalse(t, res.Granted)

	_, err = env.arb.Release(ctx, device, "p1")
	testutil.AssertErrorIs(t, err, ErrBackendUnavailable)
	_, err = env.arb.Status(ctx, device)
	testutil.AssertErrorIs(t, err, ErrBackendUnavailable)
}

func TestClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	testutil.RequireNoError(t, env.arb.Close())
	testutil.RequireNoError(t, env.arb.Close())

	_, err := env.arb.Acquire(ctx, device, fg("p1"))
	testutil.AssertErrorIs(t, err, ErrClosed)
	_, err = env.arb.Cancel(ctx, types.NewToken(device))
	testutil.AssertErrorIs(t, err, ErrClosed)
	testutil.AssertErrorIs(t, env.arb.Run(ctx), ErrClosed)
}

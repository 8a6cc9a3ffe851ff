package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/jathurchan/accesslock/client"
	"github.com/jathurchan/accesslock/types"
)

// benchOptions configures a contention benchmark.
type benchOptions struct {
	Class    types.ResourceClass
	Workers  int
	Duration time.Duration
	Hold     time.Duration
	Timeout  time.Duration
	Prefix   string
}

func (o benchOptions) validate() error {
	if err := o.Class.Validate(); err != nil {
		return err
	}
	if o.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", o.Workers)
	}
	if o.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %v", o.Duration)
	}
	if o.Hold < 0 {
		return fmt.Errorf("hold must not be negative, got %v", o.Hold)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", o.Timeout)
	}
	return nil
}

// benchResults is the outcome of a contention benchmark.
type benchResults struct {
	Class      types.ResourceClass `json:"class"`
	Workers    int                 `json:"workers"`
	Duration   time.Duration       `json:"duration"`
	Hold       time.Duration       `json:"hold"`
	Latency    latencyStats        `json:"time_to_grant"`
	Throughput float64             `json:"grants_per_second"`
	Violations int64               `json:"exclusion_violations"`
	Denials    map[string]int64    `json:"denials,omitempty"`
	Errors     int64               `json:"errors"`
}

// benchRecorder collects samples from all workers.
type benchRecorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	denials   map[string]int64
	errors    int64
	attempts  int64

	holders    atomic.Int32
	violations atomic.Int64
}

func (r *benchRecorder) grant(latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	r.latencies = append(r.latencies, latency)
}

func (r *benchRecorder) deny(state types.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	r.denials[state.String()]++
}

func (r *benchRecorder) fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	r.errors++
}

// runBench has opts.Workers processes compete for one class through backend
// for opts.Duration. Each grant is held for opts.Hold and released; the
// time from request to grant is recorded.
func runBench(ctx context.Context, backend client.Backend, opts benchOptions) (*benchResults, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	handles := make([]*client.Handle, 0, opts.Workers)
	defer func() {
		for _, h := range handles {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.Timeout)
			_ = h.Close(closeCtx)
			cancel()
		}
	}()
	for i := range opts.Workers {
		cfg := client.DefaultConfig(types.ProcessID(fmt.Sprintf("%s-%d", opts.Prefix, i)))
		cfg.RequestTimeout = opts.Timeout
		h, err := client.NewHandle(backend, cfg)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		handles = append(handles, h)
	}

	rec := &benchRecorder{denials: make(map[string]int64)}
	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *client.Handle) {
			defer wg.Done()
			benchWorker(runCtx, h, opts, rec)
		}(h)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	grants := int64(len(rec.latencies))
	results := &benchResults{
		Class:      opts.Class,
		Workers:    opts.Workers,
		Duration:   elapsed.Round(time.Millisecond),
		Hold:       opts.Hold,
		Latency:    calculateLatencyStats(rec.latencies, grants, rec.attempts),
		Violations: rec.violations.Load(),
		Denials:    rec.denials,
		Errors:     rec.errors,
	}
	if elapsed > 0 {
		results.Throughput = float64(grants) / elapsed.Seconds()
	}
	return results, nil
}

func benchWorker(ctx context.Context, h *client.Handle, opts benchOptions, rec *benchRecorder) {
	states := make(chan types.State, 8)
	callback := func(state types.State) {
		select {
		case states <- state:
		default:
		}
	}
	release := func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.Timeout)
		defer cancel()
		_ = h.Release(relCtx, opts.Class)
	}

	for ctx.Err() == nil {
		for len(states) > 0 {
			<-states
		}

		start := time.Now()
		if err := h.RequestAccess(ctx, opts.Class, callback); err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				rec.fail()
			}
			continue
		}

		state, ok := awaitDecision(ctx, states)
		if !ok {
			// Still queued when the run ended.
			release()
			return
		}
		if state != types.StateFree {
			rec.deny(state)
			continue
		}

		rec.grant(time.Since(start))
		if rec.holders.Add(1) > 1 {
			rec.violations.Add(1)
		}
		if opts.Hold > 0 {
			select {
			case <-time.After(opts.Hold):
			case <-ctx.Done():
			}
		}
		rec.holders.Add(-1)
		release()
	}
}

// awaitDecision waits for FREE or BUSY, skipping intermediate states.
func awaitDecision(ctx context.Context, states <-chan types.State) (types.State, bool) {
	for {
		select {
		case state := <-states:
			if state == types.StateFree || state == types.StateBusy {
				return state, true
			}
		case <-ctx.Done():
			return 0, false
		}
	}
}

func newBenchCommand(c *cli) *cobra.Command {
	opts := benchOptions{
		Class:    types.ClassDevice,
		Workers:  4,
		Duration: 10 * time.Second,
		Hold:     10 * time.Millisecond,
	}
	var class string

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure time to grant under contention",
		Long: `Run several simulated processes that repeatedly request, hold and release
one class through the daemon, then report time-to-grant percentiles,
throughput and any mutual exclusion violation observed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if opts.Class, err = parseClass(class); err != nil {
				return err
			}
			opts.Timeout = c.timeout
			opts.Prefix = c.process

			rep, err := c.reporter()
			if err != nil {
				return err
			}
			remote, err := c.remote()
			if err != nil {
				return err
			}
			defer remote.Close()

			results, err := runBench(cmd.Context(), remote, opts)
			if err != nil {
				return err
			}
			if err := rep.Bench(results); err != nil {
				return err
			}
			if results.Violations > 0 {
				return fmt.Errorf("%d mutual exclusion violations", results.Violations)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&class, "class", string(opts.Class), "resource class to contend for")
	flags.IntVarP(&opts.Workers, "workers", "w", opts.Workers, "number of competing processes")
	flags.DurationVarP(&opts.Duration, "duration", "d", opts.Duration, "benchmark duration")
	flags.DurationVar(&opts.Hold, "hold", opts.Hold, "how long each grant is held")
	return cmd
}

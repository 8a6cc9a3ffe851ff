package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jathurchan/accesslock/client"
	"github.com/jathurchan/accesslock/types"
)

var (
	errDenied     = errors.New("access denied")
	errAccessLost = errors.New("access lost: evicted by the arbiter")
)

func newStatusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status [class...]",
		Short: "Show holders and waiters of resource classes",
		Long:  `Show the holder and queue of the given classes, or of every class the daemon knows.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := c.reporter()
			if err != nil {
				return err
			}
			remote, err := c.remote()
			if err != nil {
				return err
			}
			defer remote.Close()

			ctx, cancel := c.requestContext(cmd.Context())
			defer cancel()

			classes := make([]types.ResourceClass, 0, len(args))
			for _, arg := range args {
				class, err := parseClass(arg)
				if err != nil {
					return err
				}
				classes = append(classes, class)
			}
			if len(classes) == 0 {
				if classes, err = remote.Classes(ctx); err != nil {
					return err
				}
			}

			states := make([]types.ClassState, 0, len(classes))
			for _, class := range classes {
				st, err := remote.Status(ctx, class)
				if err != nil {
					return fmt.Errorf("status of %s: %w", class, err)
				}
				states = append(states, st)
			}
			return rep.Status(states, time.Now())
		},
	}
}

func newRequestCommand(c *cli) *cobra.Command {
	var (
		hold       time.Duration
		background bool
	)

	cmd := &cobra.Command{
		Use:   "request <class>",
		Short: "Request exclusive access to a class and hold it",
		Long: `Request a class, wait in line until it is granted and hold it while
heartbeating. The class is released after --hold, or on interrupt when --hold
is zero.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			class, err := parseClass(args[0])
			if err != nil {
				return err
			}
			rep, err := c.reporter()
			if err != nil {
				return err
			}
			remote, err := c.remote()
			if err != nil {
				return err
			}
			defer remote.Close()

			cfg := client.DefaultConfig(types.ProcessID(c.process))
			cfg.PID = os.Getpid()
			cfg.RequestTimeout = c.timeout
			if background {
				cfg.Lifecycle = types.LifecycleBackground
			}
			h, err := client.NewHandle(remote, cfg)
			if err != nil {
				return err
			}
			defer h.Close(context.Background())

			return runRequest(cmd.Context(), c, h, rep, class, hold)
		},
	}

	cmd.Flags().DurationVar(&hold, "hold", 0, "release after holding for this long (0 holds until interrupted)")
	cmd.Flags().BoolVar(&background, "background", false, "request as a backgrounded application")
	return cmd
}

// runRequest drives one request through the handle until it is released.
func runRequest(ctx context.Context, c *cli, h *client.Handle, rep reporter, class types.ResourceClass, hold time.Duration) error {
	states := make(chan types.State, 16)
	callback := func(state types.State) {
		_ = rep.Transition(class, state, time.Now())
		select {
		case states <- state:
		default:
		}
	}

	reqCtx, cancel := c.requestContext(ctx)
	err := h.RequestAccess(reqCtx, class, callback)
	cancel()
	if err != nil {
		return err
	}

	for granted := false; !granted; {
		select {
		case state := <-states:
			switch state {
			case types.StateFree:
				granted = true
			case types.StateBusy:
				return errDenied
			}
		case <-ctx.Done():
			return nil
		}
	}

	var deadline <-chan time.Time
	if hold > 0 {
		timer := time.NewTimer(hold)
		defer timer.Stop()
		deadline = timer.C
	}
	watch := time.NewTicker(time.Second)
	defer watch.Stop()

	for {
		select {
		case <-deadline:
			relCtx, cancel := c.requestContext(context.WithoutCancel(ctx))
			defer cancel()
			return h.Release(relCtx, class)
		case <-ctx.Done():
			relCtx, cancel := c.requestContext(context.WithoutCancel(ctx))
			defer cancel()
			return h.Release(relCtx, class)
		case <-watch.C:
			if h.Status(class).Phase == client.PhaseIdle {
				return errAccessLost
			}
		}
	}
}

func newReleaseCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "release <class>",
		Short: "Release a class held by --process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			class, err := parseClass(args[0])
			if err != nil {
				return err
			}
			remote, err := c.remote()
			if err != nil {
				return err
			}
			defer remote.Close()

			ctx, cancel := c.requestContext(cmd.Context())
			defer cancel()
			released, err := remote.Release(ctx, class, types.ProcessID(c.process))
			if err != nil {
				return err
			}
			if !released {
				return fmt.Errorf("%s is not held by %s", class, c.process)
			}
			fmt.Fprintf(c.out, "Released %s\n", class)
			return nil
		},
	}
}

func newEvictCommand(c *cli) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "evict <class>",
		Short: "Evict the holder of a class if it stopped heartbeating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			class, err := parseClass(args[0])
			if err != nil {
				return err
			}
			remote, err := c.remote()
			if err != nil {
				return err
			}
			defer remote.Close()

			ctx, cancel := c.requestContext(cmd.Context())
			defer cancel()
			evicted, err := remote.EvictStale(ctx, class, timeout)
			if err != nil {
				return err
			}
			if evicted {
				fmt.Fprintf(c.out, "Evicted the holder of %s\n", class)
			} else {
				fmt.Fprintf(c.out, "The holder of %s is alive\n", class)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "staleness threshold (0 uses the daemon's heartbeat timeout)")
	return cmd
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/config"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/notify"
	"github.com/jathurchan/accesslock/server"
	"github.com/jathurchan/accesslock/storage"
)

// daemon owns every component of a running arbiterd. The server does not
// close the arbiter or the notifier, so the daemon releases them in reverse
// order of construction.
type daemon struct {
	store    storage.StateStore
	notifier notify.Channel
	arbiter  arbiter.Arbiter
	server   server.AccessLockServer
	log      logger.Logger
}

func newDaemon(cfg *config.Config, log logger.Logger) (*daemon, error) {
	d := &daemon{log: log}

	store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	d.store = store

	notifier, err := openNotifier(cfg, log)
	if err != nil {
		d.close()
		return nil, err
	}
	d.notifier = notifier

	opts := []arbiter.ArbiterOption{
		arbiter.WithHeartbeatTimeout(cfg.Arbiter.HeartbeatTimeout),
		arbiter.WithSweepInterval(cfg.Arbiter.SweepInterval),
		arbiter.WithMaxWaiters(cfg.Arbiter.MaxWaiters),
		arbiter.WithMaxCASRetries(cfg.Arbiter.MaxCASRetries),
		arbiter.WithPublisher(notifier),
		arbiter.WithLogger(log),
	}
	if cfg.Arbiter.ProbeProcesses {
		opts = append(opts, arbiter.WithProcessProbe(arbiter.NewProcessProbe()))
	}
	arb, err := arbiter.NewArbiter(store, opts...)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("failed to create arbiter: %w", err)
	}
	d.arbiter = arb

	srv, err := server.NewServerBuilder().
		WithArbiter(arb).
		WithNotifier(notifier).
		WithSocketPath(cfg.Socket).
		WithSweeper(true).
		WithTimeouts(server.DefaultRequestTimeout, cfg.ShutdownTimeout).
		WithRateLimit(cfg.RateLimit.Enabled, cfg.RateLimit.Requests, cfg.RateLimit.Burst, cfg.RateLimit.Window).
		WithLogger(log).
		Build()
	if err != nil {
		d.close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	d.server = srv
	return d, nil
}

func openStore(cfg *config.Config, log logger.Logger) (storage.StateStore, error) {
	switch cfg.Store.Backend {
	case config.StoreFile:
		opts := storage.DefaultFileStoreOptions()
		opts.LockTimeout = cfg.Store.LockTimeout
		fs, err := storage.NewFileStore(cfg.Store.Dir, opts, log.WithComponent("storage"))
		if err != nil {
			return nil, fmt.Errorf("failed to open state directory %s: %w", cfg.Store.Dir, err)
		}
		return fs, nil
	case config.StoreMemory:
		return storage.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func openNotifier(cfg *config.Config, log logger.Logger) (notify.Channel, error) {
	switch cfg.Notify.Backend {
	case config.NotifyMailbox:
		opts := notify.DefaultMailboxOptions()
		opts.PollInterval = cfg.Notify.PollInterval
		opts.Logger = log.WithComponent("mailbox")
		mb, err := notify.NewMailbox(cfg.Notify.Dir, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open mailbox %s: %w", cfg.Notify.Dir, err)
		}
		return mb, nil
	case config.NotifyHub:
		return notify.NewHub(
			notify.WithBacklogSize(cfg.Notify.BacklogSize),
			notify.WithHubLogger(log.WithComponent("hub")),
		), nil
	}
	return nil, fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
}

// run serves until ctx is cancelled, then stops gracefully within the
// configured shutdown timeout.
func (d *daemon) run(ctx context.Context) error {
	if err := d.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	<-ctx.Done()

	d.log.Infow("Shutting down", "reason", context.Cause(ctx))
	return d.server.Stop(context.Background())
}

// close releases the arbiter, notifier and store.
func (d *daemon) close() error {
	var errs []error
	if d.arbiter != nil {
		if err := d.arbiter.Close(); err != nil && !errors.Is(err, arbiter.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if d.notifier != nil {
		if err := d.notifier.Close(); err != nil && !errors.Is(err, notify.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

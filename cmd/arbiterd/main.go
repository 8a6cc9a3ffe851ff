// Command arbiterd serves exclusive access arbitration for the processes of
// one host over a unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jathurchan/accesslock/config"
	"github.com/jathurchan/accesslock/logger"
)

const (
	exitSuccess     = 0
	exitFailure     = 1
	exitInterrupted = 130 // Exit code for SIGINT or SIGTERM
)

// errInterrupted marks a run that ended on a signal.
var errInterrupted = errors.New("interrupted")

func main() {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		cancel(fmt.Errorf("%w: %v", errInterrupted, sig))
	}()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "arbiterd: %v\n", err)
		os.Exit(exitFailure)
	}
	if errors.Is(context.Cause(ctx), errInterrupted) {
		os.Exit(exitInterrupted)
	}
	os.Exit(exitSuccess)
}

func newRootCommand() *cobra.Command {
	var (
		configFile string
		v          *viper.Viper
	)

	cmd := &cobra.Command{
		Use:   "arbiterd",
		Short: "Exclusive access arbiter daemon",
		Long: `arbiterd decides which process of this host may use a shared resource
class (accessory, device, ...). Processes request access over a unix socket,
hold it while they heartbeat, and are notified when their turn comes.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if v, err = config.New(configFile); err != nil {
				return err
			}
			return bindFlags(v, cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/accesslock/config.yaml)")
	flags.String("socket", "", "unix socket to listen on")
	flags.String("store", "", "state backend: memory or file")
	flags.String("store-dir", "", "state directory of the file backend")
	flags.String("notify", "", "notification backend: hub or mailbox")
	flags.String("notify-dir", "", "mailbox directory of the mailbox backend")
	flags.Duration("heartbeat-timeout", 0, "evict holders silent for longer than this")
	flags.Duration("sweep-interval", 0, "interval between stale holder sweeps")
	flags.Bool("rate-limit", false, "limit unary requests")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")
	return cmd
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"socket":            "socket",
	"store":             "store.backend",
	"store-dir":         "store.dir",
	"notify":            "notify.backend",
	"notify-dir":        "notify.dir",
	"heartbeat-timeout": "arbiter.heartbeat_timeout",
	"sweep-interval":    "arbiter.sweep_interval",
	"rate-limit":        "rate_limit.enabled",
	"log-level":         "log.level",
	"log-format":        "log.format",
}

// bindFlags binds the flags of cmd to v. Only flags set on the command line
// override other sources.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	base, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	log := base.WithComponent("arbiterd")

	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.close(); err != nil {
			log.Errorw("Failed to release resources", "error", err)
		}
	}()

	log.Infow("Starting arbiter daemon",
		"socket", cfg.Socket,
		"store", cfg.Store.Backend,
		"notify", cfg.Notify.Backend,
		"heartbeatTimeout", cfg.Arbiter.HeartbeatTimeout,
		"sweepInterval", cfg.Arbiter.SweepInterval,
	)
	return d.run(ctx)
}

// Command arbiterctl inspects and drives a running arbiterd.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jathurchan/accesslock/client"
	"github.com/jathurchan/accesslock/config"
	"github.com/jathurchan/accesslock/types"
)

const defaultTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "arbiterctl: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the global options shared by every subcommand.
type cli struct {
	out        io.Writer
	configFile string
	socket     string
	process    string
	output     string
	timeout    time.Duration

	// dial opens the daemon backend; replaced in tests.
	dial func(socket string) (*client.Remote, error)
}

func newRootCommand(out io.Writer) *cobra.Command {
	c := &cli{
		out: out,
		dial: func(socket string) (*client.Remote, error) {
			return client.NewRemoteBuilder(socket).Build()
		},
	}

	root := &cobra.Command{
		Use:           "arbiterctl",
		Short:         "Inspect and drive the exclusive access arbiter",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.resolveSocket(cmd)
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/accesslock/config.yaml)")
	flags.StringVar(&c.socket, "socket", "", "daemon socket (default from configuration)")
	flags.StringVarP(&c.process, "process", "p", fmt.Sprintf("arbiterctl-%d", os.Getpid()), "process identity used towards the arbiter")
	flags.StringVarP(&c.output, "output", "o", "text", "output format: text or json")
	flags.DurationVar(&c.timeout, "request-timeout", defaultTimeout, "timeout of a single request")

	root.AddCommand(
		newStatusCommand(c),
		newRequestCommand(c),
		newReleaseCommand(c),
		newEvictCommand(c),
		newBenchCommand(c),
	)
	return root
}

// resolveSocket fills in the socket from the configuration unless given
// on the command line.
func (c *cli) resolveSocket(cmd *cobra.Command) error {
	if cmd.Flags().Changed("socket") {
		return nil
	}
	v, err := config.New(c.configFile)
	if err != nil {
		return err
	}
	c.socket = v.GetString("socket")
	return nil
}

func (c *cli) remote() (*client.Remote, error) {
	r, err := c.dial(c.socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.socket, err)
	}
	return r, nil
}

func (c *cli) reporter() (reporter, error) {
	return newReporter(c.output, c.out)
}

// requestContext bounds a single request by --request-timeout.
func (c *cli) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func parseClass(arg string) (types.ResourceClass, error) {
	class := types.ResourceClass(arg)
	if err := class.Validate(); err != nil {
		return "", fmt.Errorf("invalid class %q: %w", arg, err)
	}
	return class, nil
}

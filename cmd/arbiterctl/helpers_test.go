package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/notify"
	"github.com/jathurchan/accesslock/server"
	"github.com/jathurchan/accesslock/storage"
	"github.com/jathurchan/accesslock/testutil"
)

// testDaemon is an arbiter served on a unix socket in a temporary directory.
type testDaemon struct {
	arb    arbiter.Arbiter
	hub    *notify.Hub
	socket string
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	d := &testDaemon{
		hub:    notify.NewHub(),
		socket: filepath.Join(t.TempDir(), "arbiterd.sock"),
	}
	arb, err := arbiter.NewArbiter(storage.NewMemoryStore(), arbiter.WithPublisher(d.hub))
	testutil.RequireNoError(t, err)
	d.arb = arb

	srv, err := server.NewServerBuilder().
		WithArbiter(arb).
		WithNotifier(d.hub).
		WithSocketPath(d.socket).
		WithSweeper(false).
		WithTimeouts(time.Second, 2*time.Second).
		Build()
	testutil.RequireNoError(t, err)
	testutil.RequireNoError(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		_ = arb.Close()
		_ = d.hub.Close()
	})
	return d
}

// run executes arbiterctl with args against the daemon and returns stdout.
func (d *testDaemon) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(append([]string{"--socket", d.socket}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

package client

import (
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/testutil"
)

func TestRemoteBuilder_Defaults(t *testing.T) {
	cfg := NewRemoteBuilder("/run/accesslock.sock").Config()

	testutil.AssertEqual(t, "/run/accesslock.sock", cfg.SocketPath)
	testutil.AssertEqual(t, defaultDialTimeout, cfg.DialTimeout)
	testutil.AssertEqual(t, defaultRequestTimeout, cfg.RequestTimeout)
	testutil.AssertEqual(t, defaultMaxMessageSize, cfg.MaxMessageSize)
	testutil.AssertEqual(t, DefaultRetryPolicy(), cfg.RetryPolicy)
}

func TestRemoteBuilder_Options(t *testing.T) {
	log := logger.NewNoOpLogger()
	metrics := NewNoOpMetrics()
	clk := testutil.NewMockClock()
	rnd := testutil.FixedRand{F: 0.25}

	cfg := NewRemoteBuilder("/run/accesslock.sock").
		WithTimeouts(time.Second, 2*time.Second).
		WithTimeouts(0, 0).
		WithKeepAlive(10*time.Second, time.Second, false).
		WithRetryOptions(5, 50*time.Millisecond, time.Second, 3).
		WithRetryableCodes(codes.Aborted, codes.Internal).
		WithMaxMessageSize(1024).
		WithMaxMessageSize(-1).
		WithDialOptions(grpc.WithUserAgent("arbiterctl")).
		WithLogger(log).
		WithMetrics(metrics).
		WithClock(clk).
		WithRand(rnd).
		Config()

	testutil.AssertEqual(t, time.Second, cfg.DialTimeout)
	testutil.AssertEqual(t, 2*time.Second, cfg.RequestTimeout)
	testutil.AssertEqual(t, KeepAliveConfig{Time: 10 * time.Second, Timeout: time.Second}, cfg.KeepAlive)
	testutil.AssertEqual(t, 5, cfg.RetryPolicy.MaxRetries)
	testutil.AssertEqual(t, 50*time.Millisecond, cfg.RetryPolicy.InitialBackoff)
	testutil.AssertEqual(t, time.Second, cfg.RetryPolicy.MaxBackoff)
	testutil.AssertEqual(t, 3.0, cfg.RetryPolicy.BackoffMultiplier)
	testutil.AssertEqual(t, []codes.Code{codes.Aborted, codes.Internal}, cfg.RetryPolicy.RetryableCodes)
	testutil.AssertEqual(t, 1024, cfg.MaxMessageSize)
	testutil.AssertLen(t, cfg.DialOptions, 1)
	testutil.AssertTrue(t, cfg.Logger == log)
	testutil.AssertTrue(t, cfg.Metrics == Metrics(metrics))
	testutil.AssertTrue(t, cfg.Clock == clk)
	testutil.AssertEqual(t, rnd, cfg.Rand)
}

func TestRemoteBuilder_Address(t *testing.T) {
	_, err := NewRemoteBuilder("").Build()
	testutil.AssertError(t, err)

	cfg := NewRemoteBuilder("/a.sock").WithTarget("passthrough:///b").Config()
	testutil.AssertEqual(t, "passthrough:///b", cfg.target())

	cfg = NewRemoteBuilder("").WithTarget("passthrough:///b").WithSocketPath("/c.sock").Config()
	testutil.AssertEqual(t, "", cfg.Target)
	testutil.AssertEqual(t, "unix:///c.sock", cfg.target())

	_, err = NewRemoteBuilder("/a.sock").WithRetryOptions(1, time.Second, time.Millisecond, 2).Build()
	testutil.AssertError(t, err)

	remote, err := NewRemoteBuilder("").WithTarget("passthrough:///unused").Build()
	testutil.RequireNoError(t, err)
	testutil.AssertNoError(t, remote.Close())
}

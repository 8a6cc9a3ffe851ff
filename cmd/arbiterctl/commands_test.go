package main

import (
	"context"
	"strings"
	"testing"

	"github.com/jathurchan/accesslock/testutil"
	"github.com/jathurchan/accesslock/types"
)

func TestStatusCommand(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	_, err := d.arb.Acquire(ctx, types.ClassAccessory, types.Requester{Process: "player"})
	testutil.RequireNoError(t, err)
	_, err = d.arb.Acquire(ctx, types.ClassAccessory, types.Requester{Process: "recorder"})
	testutil.RequireNoError(t, err)

	out, err := d.run(t, "status")
	testutil.RequireNoError(t, err)
	testutil.AssertContains(t, out, "player")
	testutil.AssertContains(t, out, "1. recorder")

	out, err = d.run(t, "status", "device")
	testutil.RequireNoError(t, err)
	testutil.AssertContains(t, out, "device")
	testutil.AssertFalse(t, strings.Contains(out, "player"))

	_, err = d.run(t, "status", "Not A Class")
	testutil.AssertErrorIs(t, err, types.ErrInvalidClass)
}

func TestRequestCommand(t *testing.T) {
	d := newTestDaemon(t)

	out, err := d.run(t, "-p", "cli", "request", "device", "--hold", "50ms")
	testutil.RequireNoError(t, err)
	testutil.AssertContains(t, out, "device: Free")

	st, err := d.arb.Status(context.Background(), types.ClassDevice)
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, st.Holder == nil, "class should be released after --hold")
}

func TestReleaseCommand(t *testing.T) {
	d := newTestDaemon(t)
	_, err := d.arb.Acquire(context.Background(), types.ClassDevice, types.Requester{Process: "stuck"})
	testutil.RequireNoError(t, err)

	_, err = d.run(t, "-p", "someone-else", "release", "device")
	testutil.AssertError(t, err)

	out, err := d.run(t, "-p", "stuck", "release", "device")
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, "Released device\n", out)
}

func TestEvictCommand(t *testing.T) {
	d := newTestDaemon(t)
	_, err := d.arb.Acquire(context.Background(), types.ClassDevice, types.Requester{Process: "stuck"})
	testutil.RequireNoError(t, err)

	out, err := d.run(t, "evict", "device", "--timeout", "1h")
	testutil.RequireNoError(t, err)
	testutil.AssertContains(t, out, "alive")

	out, err = d.run(t, "evict", "device", "--timeout", "1ns")
	testutil.RequireNoError(t, err)
	testutil.AssertContains(t, out, "Evicted")
}

func TestBenchCommand(t *testing.T) {
	d := newTestDaemon(t)

	out, err := d.run(t, "-o", "json", "bench", "--workers", "2", "--duration", "200ms", "--hold", "1ms")
	testutil.RequireNoError(t, err)
	testutil.AssertContains(t, out, `"exclusion_violations": 0`)
}

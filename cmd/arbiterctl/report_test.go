package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jathurchan/accesslock/testutil"
	"github.com/jathurchan/accesslock/types"
)

func TestDisplayName(t *testing.T) {
	caser := cases.Title(language.English)
	testutil.AssertEqual(t, "App In Background", displayName(caser, types.StateAppInBackground.String()))
	testutil.AssertEqual(t, "Free", displayName(caser, types.StateFree.String()))
	testutil.AssertEqual(t, "Background", displayName(caser, types.LifecycleBackground.String()))
}

func TestNewReporter(t *testing.T) {
	_, err := newReporter("yaml", &bytes.Buffer{})
	testutil.AssertError(t, err)

	rep, err := newReporter("JSON", &bytes.Buffer{})
	testutil.RequireNoError(t, err)
	_, ok := rep.(*jsonReporter)
	testutil.AssertTrue(t, ok)
}

func sampleStates(now time.Time) []types.ClassState {
	return []types.ClassState{
		{
			Class:   types.ClassAccessory,
			Version: 7,
			Holder: &types.HolderRecord{
				Class:           types.ClassAccessory,
				Owner:           "player",
				Lifecycle:       types.LifecycleForeground,
				AcquiredAt:      now.Add(-3 * time.Second),
				LastHeartbeatAt: now.Add(-500 * time.Millisecond),
			},
			Queue: []types.Waiter{
				{Process: "recorder", Lifecycle: types.LifecycleBackground},
			},
		},
		{Class: types.ClassDevice, Version: 2},
	}
}

func TestTextReporter_Status(t *testing.T) {
	var buf bytes.Buffer
	rep, err := newReporter("text", &buf)
	testutil.RequireNoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	testutil.RequireNoError(t, rep.Status(sampleStates(now), now))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	testutil.AssertLen(t, lines, 4)
	testutil.AssertTrue(t, strings.HasPrefix(lines[0], "CLASS"))
	testutil.AssertEqual(t, []string{"accessory", "player", "Foreground", "3s", "500ms", "ago", "1", "7"}, strings.Fields(lines[1]))
	testutil.AssertEqual(t, []string{"1.", "recorder", "Background"}, strings.Fields(lines[2]))
	testutil.AssertEqual(t, []string{"device", "-", "-", "-", "-", "0", "2"}, strings.Fields(lines[3]))
}

func TestTextReporter_Transition(t *testing.T) {
	var buf bytes.Buffer
	rep, err := newReporter("text", &buf)
	testutil.RequireNoError(t, err)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	testutil.RequireNoError(t, rep.Transition(types.ClassDevice, types.StateWait, at))
	testutil.AssertEqual(t, "03:04:05  device: Wait\n", buf.String())
}

func TestJSONReporter(t *testing.T) {
	var buf bytes.Buffer
	rep, err := newReporter("json", &buf)
	testutil.RequireNoError(t, err)

	now := time.Now()
	testutil.RequireNoError(t, rep.Status(sampleStates(now), now))

	var decoded []types.ClassState
	testutil.RequireNoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	testutil.AssertLen(t, decoded, 2)
	testutil.AssertEqual(t, types.ProcessID("player"), decoded[0].Holder.Owner)

	buf.Reset()
	testutil.RequireNoError(t, rep.Status(nil, now))
	testutil.AssertEqual(t, "[]\n", buf.String())
}

func TestTextReporter_Bench(t *testing.T) {
	var buf bytes.Buffer
	rep, err := newReporter("text", &buf)
	testutil.RequireNoError(t, err)

	results := &benchResults{
		Class:      types.ClassDevice,
		Workers:    2,
		Duration:   time.Second,
		Latency:    calculateLatencyStats([]time.Duration{time.Millisecond}, 1, 2),
		Throughput: 1,
		Denials:    map[string]int64{"BUSY": 1},
	}
	testutil.RequireNoError(t, rep.Bench(results))
	out := buf.String()
	testutil.AssertContains(t, out, "Contention Benchmark Report")
	testutil.AssertContains(t, out, "50.00%")
	testutil.AssertContains(t, out, "Busy:")
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jathurchan/accesslock/types"
)

// reporter renders command results.
type reporter interface {
	Status(states []types.ClassState, now time.Time) error
	Transition(class types.ResourceClass, state types.State, at time.Time) error
	Bench(results *benchResults) error
}

func newReporter(format string, w io.Writer) (reporter, error) {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return &jsonReporter{enc: enc}, nil
	case "text":
		return &textReporter{writer: w, caser: cases.Title(language.English)}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// displayName turns an enum name such as APP_IN_BACKGROUND into
// "App In Background".
func displayName(caser cases.Caser, name string) string {
	return caser.String(strings.ReplaceAll(strings.ToLower(name), "_", " "))
}

// textReporter generates human-readable tables.
type textReporter struct {
	writer io.Writer
	caser  cases.Caser
}

func (r *textReporter) Status(states []types.ClassState, now time.Time) error {
	w := tabwriter.NewWriter(r.writer, 0, 0, 3, ' ', 0)
	p := func(format string, a ...any) {
		fmt.Fprintf(w, format+"\n", a...)
	}

	p("CLASS\tHOLDER\tLIFECYCLE\tHELD FOR\tLAST HEARTBEAT\tWAITERS\tVERSION")
	for _, st := range states {
		if h := st.Holder; h != nil {
			p("%s\t%s\t%s\t%s\t%s ago\t%d\t%d",
				st.Class, h.Owner, displayName(r.caser, h.Lifecycle.String()),
				now.Sub(h.AcquiredAt).Round(time.Millisecond),
				now.Sub(h.LastHeartbeatAt).Round(time.Millisecond),
				len(st.Queue), st.Version)
		} else {
			p("%s\t-\t-\t-\t-\t%d\t%d", st.Class, len(st.Queue), st.Version)
		}
		for i, waiter := range st.Queue {
			p("  %d. %s\t\t%s\t\t\t\t", i+1, waiter.Process, displayName(r.caser, waiter.Lifecycle.String()))
		}
	}
	return w.Flush()
}

func (r *textReporter) Transition(class types.ResourceClass, state types.State, at time.Time) error {
	_, err := fmt.Fprintf(r.writer, "%s  %s: %s\n", at.Format(time.TimeOnly), class, displayName(r.caser, state.String()))
	return err
}

func (r *textReporter) Bench(results *benchResults) error {
	w := tabwriter.NewWriter(r.writer, 0, 0, 3, ' ', 0)
	p := func(format string, a ...any) {
		fmt.Fprintf(w, format+"\n", a...)
	}

	p("Contention Benchmark Report")
	p("===========================")
	p("Class:\t%s", results.Class)
	p("Workers:\t%d", results.Workers)
	p("Duration:\t%s", results.Duration)
	p("Hold Time:\t%s", results.Hold)
	p("")

	s := results.Latency
	p("Grants:\t%d", s.SuccessfulCount)
	p("Failures:\t%d", s.FailedCount)
	p("Success Rate:\t%.2f%%", s.SuccessRate)
	p("Throughput:\t%.2f grants/s", results.Throughput)
	p("Exclusion Violations:\t%d", results.Violations)
	p("")

	p("Time To Grant:")
	p("Metric\tValue")
	p("------\t-----")
	p("Mean\t%s", s.Mean)
	p("Median\t%s", s.Median)
	p("P90\t%s", s.P90)
	p("P99\t%s", s.P99)
	p("Min\t%s", s.Min)
	p("Max\t%s", s.Max)
	p("Std Dev\t%s", s.StdDev)

	if len(results.Denials) > 0 {
		p("")
		p("Denials:")
		for state, n := range results.Denials {
			p("  %s:\t%d", displayName(r.caser, state), n)
		}
	}
	return w.Flush()
}

// jsonReporter outputs results in JSON format.
type jsonReporter struct {
	enc *json.Encoder
}

func (r *jsonReporter) Status(states []types.ClassState, _ time.Time) error {
	if states == nil {
		states = []types.ClassState{}
	}
	return r.enc.Encode(states)
}

func (r *jsonReporter) Transition(class types.ResourceClass, state types.State, at time.Time) error {
	return r.enc.Encode(struct {
		Class types.ResourceClass `json:"class"`
		State types.State         `json:"state"`
		At    time.Time           `json:"at"`
	}{class, state, at})
}

func (r *jsonReporter) Bench(results *benchResults) error {
	return r.enc.Encode(results)
}

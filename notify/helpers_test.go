package notify

import (
	"sync"
	"time"

	"github.com/jathurchan/accesslock/types"
)

type eventSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *eventSink) handle(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) snapshot() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.events...)
}

func (s *eventSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testEvent(process types.ProcessID, seq uint64) types.Event {
	return types.Event{
		Token:   types.Token{Class: types.ClassDevice, ID: "tok"},
		Process: process,
		State:   types.StateFree,
		Seq:     seq,
		At:      time.Date(2024, 1, 1, 0, 0, 0, int(seq), time.UTC),
	}
}

func seqs(events []types.Event) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Seq)
	}
	return out
}

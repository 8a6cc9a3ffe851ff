package testutil

import (
	"sync"
	"time"

	"github.com/jathurchan/accesslock/clock"
)

// MockClock is a manually advanced clock.Clock. Timers and tickers fire only
// when Advance moves the current time past their deadline.
type MockClock struct {
	mu          sync.Mutex
	currentTime time.Time
	timers      []*mockTimer
	tickers     []*mockTicker
}

// NewMockClock creates a mock clock initialized to a fixed instant.
func NewMockClock() *MockClock {
	return &MockClock{currentTime: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *MockClock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *MockClock) After(d time.Duration) <-chan time.Time {
	return m.NewTimer(d).Chan()
}

func (m *MockClock) Sleep(d time.Duration) {
	m.Advance(d)
}

func (m *MockClock) NewTimer(d time.Duration) clock.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	timer := &mockTimer{
		c:       make(chan time.Time, 1),
		clock:   m,
		expires: m.currentTime.Add(d),
		active:  true,
	}
	if d <= 0 {
		timer.active = false
		timer.c <- m.currentTime
		return timer
	}
	m.timers = append(m.timers, timer)
	return timer
}

func (m *MockClock) NewTicker(d time.Duration) clock.Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticker := &mockTicker{
		c:        make(chan time.Time, 1),
		clock:    m,
		interval: d,
		nextTick: m.currentTime.Add(d),
		active:   true,
	}
	m.tickers = append(m.tickers, ticker)
	return ticker
}

// TickerCount returns the number of active tickers, which lets tests wait
// until a background loop has started.
func (m *MockClock) TickerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tickers {
		if t.active {
			n++
		}
	}
	return n
}

// TimerCount returns the number of pending timers.
func (m *MockClock) TimerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if t.active {
			n++
		}
	}
	return n
}

// Advance moves the clock forward and fires due timers and tickers.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newTime := m.currentTime.Add(d)
	m.currentTime = newTime

	var activeTimers []*mockTimer
	for _, timer := range m.timers {
		if timer.active && !timer.expires.After(newTime) {
			timer.active = false
			select {
			case timer.c <- timer.expires:
			default:
			}
		} else if timer.active {
			activeTimers = append(activeTimers, timer)
		}
	}
	m.timers = activeTimers

	for _, ticker := range m.tickers {
		if !ticker.active {
			continue
		}
		for !ticker.nextTick.After(newTime) {
			select {
			case ticker.c <- ticker.nextTick:
			default:
			}
			ticker.nextTick = ticker.nextTick.Add(ticker.interval)
		}
	}
}

type mockTimer struct {
	c       chan time.Time
	clock   *MockClock
	expires time.Time
	active  bool
}

func (mt *mockTimer) Chan() <-chan time.Time { return mt.c }

func (mt *mockTimer) Stop() bool {
	mt.clock.mu.Lock()
	defer mt.clock.mu.Unlock()
	if !mt.active {
		return false
	}
	mt.active = false
	return true
}

func (mt *mockTimer) Reset(d time.Duration) bool {
	mt.clock.mu.Lock()
	defer mt.clock.mu.Unlock()
	wasActive := mt.active
	mt.expires = mt.clock.currentTime.Add(d)
	if !mt.active {
		mt.clock.timers = append(mt.clock.timers, mt)
	}
	mt.active = true
	return wasActive
}

type mockTicker struct {
	c        chan time.Time
	clock    *MockClock
	interval time.Duration
	nextTick time.Time
	active   bool
}

func (mt *mockTicker) Chan() <-chan time.Time { return mt.c }

func (mt *mockTicker) Stop() {
	mt.clock.mu.Lock()
	defer mt.clock.mu.Unlock()
	mt.active = false
}

func (mt *mockTicker) Reset(d time.Duration) {
	mt.clock.mu.Lock()
	defer mt.clock.mu.Unlock()
	mt.interval = d
	mt.nextTick = mt.clock.currentTime.Add(d)
	mt.active = true
}

// FixedRand is a clock.Rand that always returns the same values.
type FixedRand struct {
	F float64
}

func (r FixedRand) Float64() float64 { return r.F }

func (r FixedRand) IntN(n int) int { return int(r.F * float64(n)) }

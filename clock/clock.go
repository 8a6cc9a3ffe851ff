// Package clock abstracts time and randomness so heartbeat, eviction and
// backoff logic can be driven deterministically in tests.
package clock

import "time"

// Clock defines an interface for time-related operations, allowing for testing.
// It abstracts away the standard `time` package.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// Since returns the time elapsed since t (equivalent to Now().Sub(t)).
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time
	// on the returned channel.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a new Ticker that sends the time with a period
	// specified by d. The duration must be greater than zero.
	NewTicker(d time.Duration) Ticker

	// NewTimer creates a new Timer that will send the current time on its
	// channel after at least duration d.
	NewTimer(d time.Duration) Timer

	// Sleep pauses the current goroutine for at least the duration d.
	Sleep(d time.Duration)
}

// Ticker is an interface wrapper around time.Ticker for mocking.
type Ticker interface {
	// Chan returns the channel on which the ticks are delivered.
	Chan() <-chan time.Time

	// Stop turns off a ticker. Stop does not close the channel.
	Stop()

	// Reset stops a ticker and resets its period to the specified duration.
	Reset(d time.Duration)
}

// Timer is an interface wrapper around time.Timer for mocking.
type Timer interface {
	// Chan returns the channel on which the time will be delivered.
	Chan() <-chan time.Time

	// Stop prevents the Timer from firing. It returns false if the timer
	// has already expired or been stopped.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	Reset(d time.Duration) bool
}

// standardClock implements the Clock interface using the standard Go time package.
type standardClock struct{}

// NewStandardClock returns a Clock implementation based on Go's standard time package.
func NewStandardClock() Clock {
	return &standardClock{}
}

func (sc *standardClock) Now() time.Time {
	return time.Now()
}

func (sc *standardClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (sc *standardClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (sc *standardClock) NewTicker(d time.Duration) Ticker {
	return &standardTicker{ticker: time.NewTicker(d)}
}

func (sc *standardClock) NewTimer(d time.Duration) Timer {
	return &standardTimer{timer: time.NewTimer(d)}
}

func (sc *standardClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// standardTicker wraps time.Ticker to satisfy the Ticker interface.
type standardTicker struct {
	ticker *time.Ticker
}

func (st *standardTicker) Chan() <-chan time.Time {
	return st.ticker.C
}

func (st *standardTicker) Stop() {
	st.ticker.Stop()
}

func (st *standardTicker) Reset(d time.Duration) {
	st.ticker.Reset(d)
}

// standardTimer wraps time.Timer to satisfy the Timer interface.
type standardTimer struct {
	timer *time.Timer
}

func (st *standardTimer) Chan() <-chan time.Time {
	return st.timer.C
}

func (st *standardTimer) Stop() bool {
	return st.timer.Stop()
}

func (st *standardTimer) Reset(d time.Duration) bool {
	return st.timer.Reset(d)
}

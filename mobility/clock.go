package mobility

import "time"

// Clock abstracts the engine's tick source so tests can drive ticks
// manually instead of sleeping.
type Clock interface {
	// C delivers ticks.
	C() <-chan time.Time
	// Stop releases the tick source.
	Stop()
}

// realClock ticks on wall time.
type realClock struct {
	ticker *time.Ticker
}

// NewClock returns a Clock ticking every interval.
func NewClock(interval time.Duration) Clock {
	return &realClock{ticker: time.NewTicker(interval)}
}

func (c *realClock) C() <-chan time.Time { return c.ticker.C }
func (c *realClock) Stop()               { c.ticker.Stop() }

// ManualClock is a Clock driven explicitly by tests.
type ManualClock struct {
	ch chan time.Time
}

// NewManualClock constructs a ManualClock.
func NewManualClock() *ManualClock {
	return &ManualClock{ch: make(chan time.Time, 1)}
}

// Advance delivers one tick.
func (c *ManualClock) Advance(now time.Time) { c.ch <- now }

func (c *ManualClock) C() <-chan time.Time { return c.ch }
func (c *ManualClock) Stop()               {}

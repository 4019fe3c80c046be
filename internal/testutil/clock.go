// Package testutil holds shared test helpers.
package testutil

import (
	"sync"
	"time"
)

// Clock is a deterministic time source for tests. Capture timestamps
// and record audit times become reproducible when stores and capturers
// read time through it.
//
// All methods are safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

// NewClock creates a clock at start that advances by step on every
// Now call, so consecutive captures get strictly increasing timestamps.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{current: start, step: step}
}

// Now returns the current instant and advances the clock by one step.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.current
	c.current = c.current.Add(c.step)
	return t
}

// Advance moves the clock forward by d without producing a reading.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

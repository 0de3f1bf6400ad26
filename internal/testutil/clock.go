package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant a FakeClock reports.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// FakeClock is a deterministic time source for tests.
//
// Every call to Now advances the clock by Step, so timestamps recorded by
// the store, outbox and engine are distinct and reproducible across runs.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewFakeClock returns a clock at Epoch that advances one second per call.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: Epoch, step: time.Second}
}

// NewFakeClockAt returns a clock at start that advances step per call.
func NewFakeClockAt(start time.Time, step time.Duration) *FakeClock {
	return &FakeClock{now: start, step: step}
}

// Now returns the current instant and then advances the clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current instant without advancing.
func (c *FakeClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to Epoch.
func (c *FakeClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = Epoch
}

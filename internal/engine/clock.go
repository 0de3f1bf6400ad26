package engine

import "sync/atomic"

// Clock numbers drains.
//
// Every drain the engine runs is stamped with a strictly increasing
// sequence number from this clock, so reports and log lines from different
// drains can be told apart and ordered without relying on wall time.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

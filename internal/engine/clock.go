package engine

import "sync/atomic"

// Clock hands out arrival slots.
//
// Slots are strictly increasing and gapless, starting at the value the
// clock was created with. Wall-clock time never takes part in ordering.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// SubmitDelta may be called from any goroutine.
type Clock struct {
	next atomic.Uint64
}

// NewClock creates a clock whose first slot is 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose first slot is start.
// Used to resume numbering after a restart.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.next.Store(start)
	return c
}

// Next returns the next slot and advances the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() uint64 {
	return c.next.Add(1) - 1
}

// Current returns the slot the next call to Next will return.
func (c *Clock) Current() uint64 {
	return c.next.Load()
}

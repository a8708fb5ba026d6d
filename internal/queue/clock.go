package queue

import "sync/atomic"

// Clock is the monotonic logical clock that stamps EnqueuedAt.
//
// Ordering never depends on wall time: two operations captured in the same
// millisecond, or across a wall-clock adjustment, still get distinct,
// strictly increasing stamps. After a restart the clock resumes from the
// highest persisted stamp.
//
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next stamp.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued stamp without advancing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

package pipeline

import "sync/atomic"

// Sequencer hands out audit sequence numbers.
type Sequencer interface {
	Next() int64
}

// Clock is a monotonic logical clock. Audit records are ordered by the seq
// it hands out, never by wall time, so replays produce identical trails.
//
// Safe for concurrent use. One Clock is shared by every dispatcher of a
// host context so nested requests interleave in true execution order.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first Next() returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

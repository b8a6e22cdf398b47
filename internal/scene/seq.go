package scene

import "sync/atomic"

// SeqClock stamps persisted records with strictly increasing sequence
// numbers. Replay orders a scene's batches by these numbers, never by wall
// time.
//
// Thread-safety: SeqClock is safe for concurrent use.
type SeqClock struct {
	seq atomic.Int64
}

// NewSeqClock creates a clock starting at 0.
func NewSeqClock() *SeqClock {
	return &SeqClock{}
}

// NewSeqClockAt creates a clock that resumes after start, typically the
// last seq found in the store.
func NewSeqClockAt(start int64) *SeqClock {
	c := &SeqClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *SeqClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *SeqClock) Current() int64 {
	return c.seq.Load()
}

package scene

import (
	"sync"

	"github.com/roach88/scenesync/internal/pool"
)

// batch is one CRDT batch produced by a sandbox round-trip.
type batch struct {
	frame uint64
	buf   *pool.PooledBuffer
}

// batchQueue hands batches from a scene goroutine to the sync phase.
//
// The queue is unbounded. A scene has at most one round-trip in flight, so
// its length only grows while the main loop is not draining it.
type batchQueue struct {
	mu      sync.Mutex
	batches []batch
	closed  bool
}

func newBatchQueue() *batchQueue {
	return &batchQueue{batches: make([]batch, 0, 4)}
}

// Enqueue appends b. It returns false if the queue is closed, in which case
// the caller still owns b's buffer.
func (q *batchQueue) Enqueue(b batch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.batches = append(q.batches, b)
	return true
}

// TryDequeue removes the oldest batch without blocking.
func (q *batchQueue) TryDequeue() (batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.batches) == 0 {
		return batch{}, false
	}
	b := q.batches[0]
	// Clear the slot so the buffer is not retained by the backing array.
	q.batches[0] = batch{}
	if len(q.batches) == 1 {
		q.batches = q.batches[:0]
	} else {
		q.batches = q.batches[1:]
	}
	return b, true
}

// Len returns the number of queued batches.
func (q *batchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

// Close rejects further batches and returns the ones still queued.
func (q *batchQueue) Close() []batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.batches
	q.batches = nil
	return rest
}

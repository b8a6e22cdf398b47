package scene

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenesync/internal/pool"
)

func newTestBatch(frame uint64, data string) batch {
	buf := pool.NewBuffer(pool.NewInstancePool[byte](0), len(data))
	buf.Set([]byte(data))
	return batch{frame: frame, buf: buf}
}

func TestBatchQueue_FIFO(t *testing.T) {
	q := newBatchQueue()

	for i, data := range []string{"a", "b", "c"} {
		require.True(t, q.Enqueue(newTestBatch(uint64(i+1), data)))
	}
	assert.Equal(t, 3, q.Len())

	for i, want := range []string{"a", "b", "c"} {
		b, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, uint64(i+1), b.frame)
		assert.Equal(t, want, string(b.buf.Bytes()))
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestBatchQueue_Close(t *testing.T) {
	q := newBatchQueue()
	q.Enqueue(newTestBatch(1, "a"))
	q.Enqueue(newTestBatch(2, "b"))

	rest := q.Close()
	assert.Len(t, rest, 2)
	assert.Equal(t, 0, q.Len())

	b := newTestBatch(3, "c")
	assert.False(t, q.Enqueue(b), "enqueue after close should fail")
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestBatchQueue_ConcurrentProducers(t *testing.T) {
	q := newBatchQueue()
	const producers, perProducer = 8, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(newTestBatch(uint64(i), "x"))
			}
		}()
	}
	wg.Wait()

	n := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		n++
	}
	assert.Equal(t, producers*perProducer, n)
}

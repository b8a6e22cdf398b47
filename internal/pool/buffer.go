package pool

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// ErrDoubleRelease is returned when a PooledBuffer is released twice.
var ErrDoubleRelease = errors.New("pool: buffer released twice")

var debug atomic.Bool

func init() {
	debug.Store(debugChecks)
}

// SetDebug toggles debug checks at runtime. With debug checks on, a double
// release panics instead of returning ErrDoubleRelease.
func SetDebug(on bool) {
	debug.Store(on)
}

// PooledBuffer is an owned byte span rented from a pool. Len is the logical
// length; cap(Data) is the physical capacity. Release must be called on every
// exit path.
type PooledBuffer struct {
	Data []byte
	Len  int

	pool     Renter[byte]
	released bool
}

// NewBuffer rents a buffer with room for at least minSize bytes.
func NewBuffer(r Renter[byte], minSize int) *PooledBuffer {
	buf := r.Rent(minSize)
	return &PooledBuffer{Data: buf[:cap(buf)], pool: r}
}

// Bytes returns the logical contents.
func (b *PooledBuffer) Bytes() []byte {
	return b.Data[:b.Len]
}

// Reset sets the logical length to zero and keeps the capacity.
func (b *PooledBuffer) Reset() {
	b.Len = 0
}

// Grow makes room for n more bytes, preserving the current contents.
func (b *PooledBuffer) Grow(n int) {
	need := b.Len + n
	if need <= len(b.Data) {
		return
	}
	grown := Expand(b.pool, b.Data[:b.Len], need)
	b.Data = grown[:cap(grown)]
}

// Write appends p, growing the buffer through the pool when needed.
func (b *PooledBuffer) Write(p []byte) (int, error) {
	b.Grow(len(p))
	copy(b.Data[b.Len:], p)
	b.Len += len(p)
	return len(p), nil
}

// Set replaces the contents with p.
func (b *PooledBuffer) Set(p []byte) {
	b.Len = 0
	_, _ = b.Write(p)
}

// Released reports whether Release has been called.
func (b *PooledBuffer) Released() bool {
	return b.released
}

// Release returns the storage to its pool. The buffer must not be used
// afterwards. A second call returns ErrDoubleRelease, or panics when debug
// checks are on.
func (b *PooledBuffer) Release() error {
	if b.released {
		if debug.Load() {
			panic(ErrDoubleRelease)
		}
		slog.Warn("pooled buffer released twice", "capacity", cap(b.Data))
		return ErrDoubleRelease
	}
	b.released = true
	b.pool.Return(b.Data[:0])
	b.Data = nil
	b.Len = 0
	return nil
}

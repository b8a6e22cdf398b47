package pool

import (
	"math/bits"
	"sync"
)

const (
	// minClass is the smallest size class handed out (1<<minClass elements).
	minClass = 6

	// maxClass bounds pooled capacity. Larger requests are allocated and
	// dropped on return.
	maxClass = 24

	// DefaultMaxPerClass caps idle slices kept per size class.
	DefaultMaxPerClass = 64
)

// Renter is the contract shared by both pool scopes.
type Renter[T any] interface {
	Rent(minSize int) []T
	Return(buf []T)
}

// Stats counts pool traffic. Used for diagnostics and tests.
type Stats struct {
	Rented    int64
	Returned  int64
	Allocated int64
	Dropped   int64
}

// freeLists is the unsynchronized core used by both pool scopes.
type freeLists[T any] struct {
	classes     [maxClass + 1][][]T
	maxPerClass int
	stats       Stats
}

func newFreeLists[T any](maxPerClass int) freeLists[T] {
	if maxPerClass <= 0 {
		maxPerClass = DefaultMaxPerClass
	}
	return freeLists[T]{maxPerClass: maxPerClass}
}

// sizeClass returns the power-of-two class that fits n elements.
func sizeClass(n int) int {
	if n <= 1<<minClass {
		return minClass
	}
	return bits.Len(uint(n - 1))
}

func (f *freeLists[T]) rent(minSize int) []T {
	f.stats.Rented++
	class := sizeClass(minSize)
	if class > maxClass {
		f.stats.Allocated++
		return make([]T, 0, minSize)
	}

	list := f.classes[class]
	if n := len(list); n > 0 {
		buf := list[n-1]
		list[n-1] = nil
		f.classes[class] = list[:n-1]
		return buf[:0]
	}

	f.stats.Allocated++
	return make([]T, 0, 1<<class)
}

func (f *freeLists[T]) ret(buf []T) {
	if buf == nil {
		return
	}
	f.stats.Returned++

	c := cap(buf)
	class := sizeClass(c)
	if c != 1<<class || class > maxClass {
		// Not one of ours (or oversized); let the GC have it.
		f.stats.Dropped++
		return
	}
	if len(f.classes[class]) >= f.maxPerClass {
		f.stats.Dropped++
		return
	}

	// Zeroed so the next renter never sees another scene's data.
	full := buf[:c]
	clear(full)
	f.classes[class] = append(f.classes[class], full[:0])
}

// InstancePool is a single-owner pool. It must only be used from the
// goroutine that owns the scene it belongs to.
type InstancePool[T any] struct {
	lists freeLists[T]
}

// NewInstancePool creates a pool keeping at most maxPerClass idle slices per
// size class. maxPerClass <= 0 selects DefaultMaxPerClass.
func NewInstancePool[T any](maxPerClass int) *InstancePool[T] {
	return &InstancePool[T]{lists: newFreeLists[T](maxPerClass)}
}

// Rent returns a zero-length slice with capacity >= minSize.
func (p *InstancePool[T]) Rent(minSize int) []T {
	return p.lists.rent(minSize)
}

// Return hands buf back to the pool. The caller must drop every reference to it.
func (p *InstancePool[T]) Return(buf []T) {
	p.lists.ret(buf)
}

// Stats returns a copy of the pool counters.
func (p *InstancePool[T]) Stats() Stats {
	return p.lists.stats
}

// SharedPool is safe for concurrent use by many scenes.
type SharedPool[T any] struct {
	mu    sync.Mutex
	lists freeLists[T]
}

// NewSharedPool creates a shared pool keeping at most maxPerClass idle
// slices per size class. maxPerClass <= 0 selects DefaultMaxPerClass.
func NewSharedPool[T any](maxPerClass int) *SharedPool[T] {
	return &SharedPool[T]{lists: newFreeLists[T](maxPerClass)}
}

// Rent returns a zero-length slice with capacity >= minSize.
// Thread-safe.
func (p *SharedPool[T]) Rent(minSize int) []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lists.rent(minSize)
}

// Return hands buf back to the pool. The caller must drop every reference to it.
// Thread-safe.
func (p *SharedPool[T]) Return(buf []T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists.ret(buf)
}

// Stats returns a copy of the pool counters.
func (p *SharedPool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lists.stats
}

// Expand grows buf so it can hold newSize elements. When the current
// capacity is enough, buf is returned unchanged. Otherwise a larger slice is
// rented from r, the len(buf) live elements are copied into it and the old
// slice is returned to r.
func Expand[T any](r Renter[T], buf []T, newSize int) []T {
	if newSize <= cap(buf) {
		return buf
	}
	grown := r.Rent(newSize)
	grown = append(grown, buf...)
	r.Return(buf)
	return grown
}

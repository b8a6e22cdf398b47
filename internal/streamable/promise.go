package streamable

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Promise.Result before the promise resolves.
var ErrPending = errors.New("streamable: promise pending")

// ErrReleased is returned by Handle.Await after Release.
var ErrReleased = errors.New("streamable: handle released")

// ErrClosed is the result of requests made after Pipeline.Close.
var ErrClosed = errors.New("streamable: pipeline closed")

// Promise is the shared outcome of one load. It resolves exactly once.
type Promise[T any] struct {
	key       string
	intention Intention
	done      chan struct{}
	once      sync.Once
	value     T
	err       error

	cancel context.CancelFunc
	refs   int // guarded by the pipeline mutex
}

func newPromise[T any](key string, in Intention) *Promise[T] {
	return &Promise[T]{key: key, intention: in, done: make(chan struct{})}
}

func resolvedPromise[T any](key string, in Intention, v T, err error) *Promise[T] {
	p := newPromise[T](key, in)
	p.resolve(v, err)
	return p
}

func (p *Promise[T]) resolve(v T, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.value, p.err = v, err
		close(p.done)
		resolved = true
	})
	return resolved
}

// Intention returns what this promise loads.
func (p *Promise[T]) Intention() Intention {
	return p.intention
}

// Done is closed when the promise resolves.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Resolved reports whether the promise has an outcome.
func (p *Promise[T]) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome, or ErrPending if the promise has not resolved.
func (p *Promise[T]) Result() (T, error) {
	if !p.Resolved() {
		var zero T
		return zero, ErrPending
	}
	return p.value, p.err
}

// Handle is one consumer's reference to a Promise.
type Handle[T any] struct {
	pipeline *Pipeline[T]
	promise  *Promise[T]
	stop     func() bool
	gone     chan struct{}
	goneOnce sync.Once
	released bool // guarded by the pipeline mutex
}

func newHandle[T any](p *Pipeline[T], promise *Promise[T]) *Handle[T] {
	return &Handle[T]{pipeline: p, promise: promise, gone: make(chan struct{})}
}

// Promise returns the shared promise behind h.
func (h *Handle[T]) Promise() *Promise[T] {
	return h.promise
}

// Await blocks until the promise resolves, ctx is done, or h is released.
// A released handle yields ErrReleased even if the promise has resolved;
// other handles on the same promise are unaffected.
func (h *Handle[T]) Await(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	select {
	case <-h.gone:
		return zero, ErrReleased
	default:
	}
	select {
	case <-h.promise.done:
		return h.promise.value, h.promise.err
	case <-h.gone:
		// Cancelling the consumer context also releases h.
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, ErrReleased
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Release drops this consumer's reference and wakes any Await on h. It is
// safe to call more than once. Releasing the last reference to a pending
// promise cancels its fetch.
func (h *Handle[T]) Release() {
	h.goneOnce.Do(func() { close(h.gone) })
	if h.pipeline == nil {
		return
	}
	h.pipeline.release(h)
}

// WithFallback awaits h and substitutes fallback when the load fails. The
// original error is returned alongside so the caller can log the
// degradation; a context error from ctx itself is returned with the zero
// value instead.
func WithFallback[T any](ctx context.Context, h *Handle[T], fallback T) (T, error) {
	v, err := h.Await(ctx)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil {
		var zero T
		return zero, err
	}
	return fallback, err
}

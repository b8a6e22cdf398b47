// Package sandbox defines the byte-buffer hand-off between the host and a
// scene's scripting runtime, and provides a Lua implementation.
//
// On every tick the host passes the scene the CRDT batch produced by
// authoritative host writes and receives the batch the scene produced, both
// in the crdt wire format. Nothing else crosses the boundary.
//
// A Sandbox is used from one goroutine at a time.
package sandbox

import (
	"context"
	"time"

	"github.com/roach88/scenesync/internal/pool"
)

// Sandbox is one scene's scripting runtime.
type Sandbox interface {
	// Init loads the scene code and runs its start hook.
	Init(ctx context.Context) error
	// Tick delivers incoming, runs one update of dt and appends the batch
	// the scene produced to out.
	Tick(ctx context.Context, dt time.Duration, incoming []byte, out *pool.PooledBuffer) error
	// Close releases the runtime.
	Close() error
}

// Func adapts plain functions to Sandbox. Nil functions are no-ops.
type Func struct {
	OnInit  func(ctx context.Context) error
	OnTick  func(ctx context.Context, dt time.Duration, incoming []byte, out *pool.PooledBuffer) error
	OnClose func() error
}

// Init implements Sandbox.
func (f *Func) Init(ctx context.Context) error {
	if f.OnInit == nil {
		return nil
	}
	return f.OnInit(ctx)
}

// Tick implements Sandbox.
func (f *Func) Tick(ctx context.Context, dt time.Duration, incoming []byte, out *pool.PooledBuffer) error {
	if f.OnTick == nil {
		return nil
	}
	return f.OnTick(ctx, dt, incoming, out)
}

// Close implements Sandbox.
func (f *Func) Close() error {
	if f.OnClose == nil {
		return nil
	}
	return f.OnClose()
}

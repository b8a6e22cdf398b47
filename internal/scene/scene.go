package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/scenesync/internal/bridge"
	"github.com/roach88/scenesync/internal/containment"
	"github.com/roach88/scenesync/internal/content"
	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/geom"
	"github.com/roach88/scenesync/internal/partition"
	"github.com/roach88/scenesync/internal/pool"
	"github.com/roach88/scenesync/internal/sandbox"
	"github.com/roach88/scenesync/internal/store"
)

// ErrClosed is returned by operations on a torn-down scene.
var ErrClosed = errors.New("scene: closed")

// defaultBatchSize is the initial capacity of a round-trip output buffer.
const defaultBatchSize = 256

// Status is a scene's lifecycle position.
type Status uint8

const (
	// StatusStarting means the sandbox has not finished Init yet.
	StatusStarting Status = iota + 1
	StatusRunning
	// StatusSuspended means containment stopped the scene.
	StatusSuspended
	// StatusFailed means the sandbox could not start.
	StatusFailed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusFailed:
		return "failed"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Data is everything a scene needs before its sandbox can be created.
type Data struct {
	ID         string
	Definition content.SceneDefinition
	Manifest   content.Manifest
	// Snapshot is the initial CRDT state in wire format. Empty when the
	// scene has none.
	Snapshot []byte
	Script   []byte
}

// Frame describes one main-loop step as seen by a scene.
type Frame struct {
	Number uint64
	Delta  time.Duration
	// Bucket is the scene's own partition bucket, inherited by entities
	// on the fast path.
	Bucket partition.Bucket
	// Camera is the world-space camera pose entities are classified
	// against.
	Camera partition.Camera
}

// RecordFunc receives every batch that changes a scene: its bootstrap
// snapshot, the batches its sandbox produced and the host writes sent to
// it. payload is only valid during the call.
type RecordFunc func(origin store.Origin, frame uint64, payload []byte)

// Config holds a scene's collaborators.
type Config struct {
	Data     Data
	Sandbox  sandbox.Sandbox
	World    *ecs.World
	Registry *ecs.Registry
	// Breaker defaults to one with containment.DefaultSettings.
	Breaker   *containment.Breaker
	Pools     SharedPools
	Systems   []ecs.System
	Partition partition.Settings
	Record    RecordFunc
	// Parent is the root of the scene's cancellation tree. Default:
	// context.Background().
	Parent context.Context
	Logger *slog.Logger
}

// SyncStats summarizes one sync phase.
type SyncStats struct {
	bridge.ApplyStats
	Batches int
	// Dropped counts batches discarded because the scene stopped.
	Dropped int
	// Outgoing counts host messages flushed to the scene.
	Outgoing int
	// Reclassified counts entities whose bucket was recomputed.
	Reclassified int
}

// Scene is one sandboxed scene bound to the shared world.
//
// Init, Sync, Write, Update and Teardown must be called from the main loop
// goroutine. Update hands the sandbox to a goroutine of its own until the
// round-trip completes.
type Scene struct {
	id       string
	def      content.SceneDefinition
	manifest content.Manifest
	snapshot []byte
	base     geom.Vec3
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	world    *ecs.World
	breaker  *containment.Breaker
	bridge   *bridge.Bridge
	sandbox  sandbox.Sandbox
	systems  []ecs.System
	bytes    pool.Renter[byte]
	entities *partition.Scheduler[ecs.Entity]
	record   RecordFunc

	queue    *batchQueue
	incoming *pool.PooledBuffer
	job      chan struct{}
	carry    time.Duration

	started atomic.Bool
	mu      sync.Mutex
	failure error

	initialized bool
	closed      bool
	bootstrap   bridge.ApplyStats
}

// New creates a scene. Nothing runs until Init.
func New(cfg Config) (*Scene, error) {
	if cfg.Sandbox == nil {
		return nil, errors.New("scene: sandbox is required")
	}
	if cfg.World == nil {
		return nil, errors.New("scene: world is required")
	}
	id := cfg.Data.ID
	if id == "" {
		return nil, errors.New("scene: id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("scene_id", id)

	br, err := bridge.New(bridge.Config{
		Scene:    id,
		World:    cfg.World,
		Registry: cfg.Registry,
		Messages: pool.NewInstancePool[crdt.Message](0),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", id, err)
	}

	breaker := cfg.Breaker
	if breaker == nil {
		breaker = containment.NewBreaker(id, containment.DefaultSettings(), containment.WithLogger(logger))
	}
	parent := cfg.Parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	pools := cfg.Pools.withDefaults()

	return &Scene{
		id:       id,
		def:      cfg.Data.Definition,
		manifest: cfg.Data.Manifest,
		snapshot: cfg.Data.Snapshot,
		base:     cfg.Data.Definition.Base.Vec(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		world:    cfg.World,
		breaker:  breaker,
		bridge:   br,
		sandbox:  cfg.Sandbox,
		systems:  cfg.Systems,
		bytes:    pools.Bytes,
		entities: partition.NewScheduler[ecs.Entity](cfg.Partition),
		record:   cfg.Record,
		queue:    newBatchQueue(),
	}, nil
}

// ID returns the scene instance id.
func (s *Scene) ID() string { return s.id }

// Definition returns the scene definition.
func (s *Scene) Definition() content.SceneDefinition { return s.def }

// Manifest returns the asset-bundle manifest, content.NoManifest when the
// scene has none.
func (s *Scene) Manifest() content.Manifest { return s.manifest }

// Breaker returns the scene's containment state.
func (s *Scene) Breaker() *containment.Breaker { return s.breaker }

// State returns the scene's CRDT merge state.
func (s *Scene) State() *crdt.State { return s.bridge.State() }

// Bootstrap returns the statistics of applying the initial snapshot.
func (s *Scene) Bootstrap() bridge.ApplyStats { return s.bootstrap }

// Init bootstraps the scene from its snapshot. The sandbox itself is
// started by the first Update.
func (s *Scene) Init(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.initialized {
		return fmt.Errorf("scene %s: already initialized", s.id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.initialized = true
	s.bootstrap = s.bridge.ApplySnapshot(s.snapshot)
	if len(s.snapshot) > 0 && s.record != nil {
		s.record(store.OriginBootstrap, 0, s.snapshot)
	}
	s.snapshot = nil
	s.observe()
	s.logger.Debug("scene bootstrapped",
		"applied", s.bootstrap.Applied,
		"faults", s.bootstrap.Faults,
	)
	return nil
}

// Status reports the scene's lifecycle position.
func (s *Scene) Status() Status {
	switch {
	case s.closed:
		return StatusClosed
	case s.Err() != nil:
		return StatusFailed
	case s.breaker.Status() == containment.StateSuspended:
		return StatusSuspended
	case !s.started.Load():
		return StatusStarting
	default:
		return StatusRunning
	}
}

// Err returns why the sandbox failed to start, or nil.
func (s *Scene) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Active reports whether the scene is still scheduled.
func (s *Scene) Active() bool {
	switch s.Status() {
	case StatusStarting, StatusRunning:
		return s.initialized
	default:
		return false
	}
}

// Busy reports whether a sandbox round-trip is in flight.
func (s *Scene) Busy() bool {
	if s.job == nil {
		return false
	}
	select {
	case <-s.job:
		s.job = nil
		return false
	default:
		return true
	}
}

// Wait blocks until the in-flight round-trip, if any, completes.
func (s *Scene) Wait(ctx context.Context) error {
	if s.job == nil {
		return nil
	}
	select {
	case <-s.job:
		s.job = nil
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of produced batches awaiting the sync phase.
func (s *Scene) Pending() int {
	return s.queue.Len()
}

// Skip records that the scene was not updated this frame. The elapsed
// time is added to the next Update.
func (s *Scene) Skip(dt time.Duration) {
	s.carry += dt
}

// Update starts one sandbox round-trip on its own goroutine: the host
// writes flushed since the last round-trip go in, the scene's batch comes
// out and is queued for the next sync phase. It returns false, without
// doing anything, when the scene is inactive or still busy.
//
// The round-trip is cancelled when ctx is done or the scene is torn down.
func (s *Scene) Update(ctx context.Context, f Frame) bool {
	if !s.Active() || s.Busy() {
		return false
	}
	in := s.incoming
	s.incoming = nil
	out := pool.NewBuffer(s.bytes, defaultBatchSize)
	dt := f.Delta + s.carry
	s.carry = 0

	done := make(chan struct{})
	s.job = done

	jobCtx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	go func() {
		defer close(done)
		defer cancel()
		defer stop()
		s.roundTrip(jobCtx, f.Number, dt, in, out)
	}()
	return true
}

func (s *Scene) roundTrip(ctx context.Context, frame uint64, dt time.Duration, in, out *pool.PooledBuffer) {
	var incoming []byte
	if in != nil {
		incoming = in.Bytes()
	}

	var err error
	if !s.started.Load() {
		if err = s.protect(func() error { return s.sandbox.Init(ctx) }); err == nil {
			s.started.Store(true)
		}
	}
	if err == nil {
		err = s.protect(func() error { return s.sandbox.Tick(ctx, dt, incoming, out) })
	}

	if in != nil {
		s.release(in)
	}
	if out.Len == 0 || !s.queue.Enqueue(batch{frame: frame, buf: out}) {
		s.release(out)
	}
	if err != nil {
		s.fault(ctx, err)
	}
}

// protect converts a panic raised by the sandbox into an engine fault.
func (s *Scene) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &containment.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func (s *Scene) fault(ctx context.Context, err error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return
	}
	if !s.started.Load() {
		s.mu.Lock()
		s.failure = err
		s.mu.Unlock()
		s.logger.Error("scene failed to start", "error", err)
		return
	}
	s.breaker.Report(Category(err), err)
}

// Category maps a sandbox error to its containment category: errors raised
// by scene code are script faults, anything else is an engine fault.
func Category(err error) containment.Category {
	if sandbox.IsScriptError(err) {
		return containment.CategoryScript
	}
	return containment.CategoryEngine
}

func (s *Scene) release(b *pool.PooledBuffer) {
	if err := b.Release(); err != nil {
		s.logger.Error("pooled buffer released twice", "error", err)
	}
}

// Sync is the scene's part of the main loop's sync phase. It applies every
// queued batch through the bridge, runs the ECS systems under containment,
// reclassifies moved entities and flushes pending host writes into the
// next round-trip's input.
func (s *Scene) Sync(ctx context.Context, f Frame) SyncStats {
	var st SyncStats
	if s.closed {
		return st
	}

	for {
		b, ok := s.queue.TryDequeue()
		if !ok {
			break
		}
		if !s.Active() {
			st.Dropped++
			s.release(b.buf)
			continue
		}
		applied := s.bridge.ApplyIncoming(b.buf.Bytes())
		st.Batches++
		st.Decoded += applied.Decoded
		st.Applied += applied.Applied
		st.Stale += applied.Stale
		st.Tombstoned += applied.Tombstoned
		st.Faults += applied.Faults
		if s.record != nil {
			s.record(store.OriginScene, b.frame, b.buf.Bytes())
		}
		s.release(b.buf)
	}

	if s.Active() && s.started.Load() {
		s.runSystems(ctx, f.Delta)
	}

	s.observe()
	s.entities.SetCamera(f.Camera)
	st.Reclassified = s.entities.Update(f.Bucket)

	if s.Active() && s.bridge.Pending() > 0 {
		if s.incoming == nil {
			s.incoming = pool.NewBuffer(s.bytes, defaultBatchSize)
		}
		start := s.incoming.Len
		st.Outgoing = s.bridge.Flush(s.incoming)
		if s.record != nil {
			s.record(store.OriginHost, f.Number, s.incoming.Bytes()[start:])
		}
	}
	return st
}

func (s *Scene) runSystems(ctx context.Context, dt time.Duration) {
	if len(s.systems) == 0 {
		return
	}
	entities := s.bridge.Entities()
	for _, sys := range s.systems {
		action := s.breaker.Guard(containment.CategoryECS, func() error {
			if err := sys.Update(ctx, s.world, entities, dt); err != nil {
				return fmt.Errorf("system %s: %w", sys.Name(), err)
			}
			return nil
		})
		if action == containment.Suspend {
			return
		}
	}
}

// observe drains the world journal into the entity scheduler. Every scene
// method that mutates the world calls it before returning, so the journal
// only ever holds this scene's events.
func (s *Scene) observe() {
	s.world.DrainEvents(func(ev ecs.Event) {
		switch {
		case ev.Kind == ecs.EventDestroyed:
			s.entities.Untrack(ev.Entity)
		case ev.Component != ecs.ComponentTransform:
		case ev.Kind == ecs.EventRemoved:
			s.entities.Untrack(ev.Entity)
		default:
			v, ok := s.world.Get(ev.Entity, ecs.ComponentTransform)
			if !ok {
				return
			}
			if t, ok := v.(ecs.Transform); ok {
				s.entities.MarkDirty(ev.Entity, s.base.Add(t.Position))
			}
		}
	})
}

// Write records an authoritative host write on one of the scene's
// entities. The scene sees it on its next round-trip.
func (s *Scene) Write(id crdt.EntityID, c ecs.ComponentID, value any) error {
	if s.closed {
		return ErrClosed
	}
	defer s.observe()
	return s.bridge.Write(id, c, value)
}

// EntityBucket returns the partition bucket of one of the scene's entities.
func (s *Scene) EntityBucket(id crdt.EntityID) (partition.Bucket, bool) {
	e, ok := s.bridge.Entity(id)
	if !ok {
		return partition.Bucket{}, false
	}
	return s.entities.Bucket(e)
}

// BucketCounts returns how many of the scene's tracked entities sit in each
// bucket.
func (s *Scene) BucketCounts() []int {
	counts := make([]int, len(s.entities.Settings().SqrThresholds)+1)
	for _, e := range s.bridge.Entities() {
		if b, ok := s.entities.Bucket(e); ok && int(b.Index) < len(counts) {
			counts[b.Index]++
		}
	}
	return counts
}

// Teardown cancels the scene's context, waits for the in-flight round-trip
// to observe it, closes the sandbox and removes the scene's entities from
// the world. It is safe to call more than once.
func (s *Scene) Teardown() {
	if s.closed {
		return
	}
	s.cancel()
	if s.job != nil {
		<-s.job
		s.job = nil
	}
	s.closed = true

	for _, b := range s.queue.Close() {
		s.release(b.buf)
	}
	if s.incoming != nil {
		s.release(s.incoming)
		s.incoming = nil
	}
	if err := s.sandbox.Close(); err != nil {
		s.logger.Warn("sandbox close failed", "error", err)
	}
	s.bridge.Close()
	s.observe()
	s.logger.Debug("scene torn down")
}

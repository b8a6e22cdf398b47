package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/scenesync/internal/clock"
	"github.com/roach88/scenesync/internal/containment"
	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/geom"
	"github.com/roach88/scenesync/internal/partition"
	"github.com/roach88/scenesync/internal/store"
)

// CameraEntity is the reserved scene entity the host writes the camera
// transform to, relative to the scene base.
const CameraEntity crdt.EntityID = 2

// DefaultTickRate is the main loop period used by Run.
const DefaultTickRate = time.Second / 30

// DefaultMaxConcurrentLoads bounds parallel scene loads.
const DefaultMaxConcurrentLoads = 4

// Recorder persists what happens to scenes. *store.Store implements it.
type Recorder interface {
	RegisterScene(ctx context.Context, rec store.SceneRecord) error
	AppendBatch(ctx context.Context, b store.Batch) error
	WriteSnapshot(ctx context.Context, sceneID string, seq int64, state *crdt.State) (string, error)
	WriteFaultReport(ctx context.Context, seq int64, report *containment.FaultReport) error
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	// Loader is required by Load.
	Loader   *Loader
	Registry *ecs.Registry
	Systems  []ecs.System

	Containment containment.Settings
	Partition   partition.Settings
	Pools       SharedPools

	// Recorder, when set, receives every batch, fault report and
	// checkpoint.
	Recorder Recorder
	// Seq numbers recorded rows. Default: a clock starting at 0.
	Seq *SeqClock
	// CheckpointEvery is the number of frames between state snapshots.
	// Zero disables checkpoints.
	CheckpointEvery uint64

	TickRate           time.Duration
	MaxConcurrentLoads int

	IDs    IDGenerator
	Clock  clock.Clock
	Logger *slog.Logger
}

// Event is a lifecycle change reported by Step.
type Event struct {
	Frame uint64
	Scene string
	Kind  string
	Err   error
}

// Lifecycle event kinds.
const (
	EventLoaded    = "loaded"
	EventLoadFail  = "load_failed"
	EventStarted   = "started"
	EventFailed    = "failed"
	EventSuspended = "suspended"
)

// StepResult summarizes one Step.
type StepResult struct {
	Frame        uint64
	CameraMoved  bool
	Synced       SyncStats
	Updated      int
	Busy         int
	Throttled    int
	Checkpointed int
	Events       []Event
}

// SceneInfo is a point-in-time view of one scene.
type SceneInfo struct {
	ID           string
	DefinitionID string
	Status       Status
	Containment  containment.State
	Bucket       partition.Bucket
	Cells        int
	Digest       string
	BucketCounts []int
}

type loadResult struct {
	id     string
	req    LoadRequest
	loaded *Loaded
	err    error
}

// Orchestrator owns the shared world and every scene, and drives them
// through Step.
//
// Step, Load, Unload, SetCamera and the inspection methods must be called
// from one goroutine. Loads and sandbox round-trips run on their own.
type Orchestrator struct {
	cfg      OrchestratorConfig
	logger   *slog.Logger
	world    *ecs.World
	registry *ecs.Registry
	breakers *containment.Registry
	seq      *SeqClock

	scenes    map[string]*Scene
	statuses  map[string]Status
	order     []string
	positions *partition.Scheduler[string]
	camera    partition.Camera
	frame     uint64

	loading map[string]context.CancelFunc
	loads   sync.WaitGroup
	readyMu sync.Mutex
	ready   []loadResult

	reportsMu sync.Mutex
	reports   []*containment.FaultReport
}

// NewOrchestrator creates an orchestrator with an empty world.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Partition.SqrThresholds == nil {
		cfg.Partition = partition.DefaultSettings()
	}
	if err := cfg.Partition.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if cfg.Containment == (containment.Settings{}) {
		cfg.Containment = containment.DefaultSettings()
	}
	if cfg.Registry == nil {
		cfg.Registry = ecs.DefaultRegistry()
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultTickRate
	}
	if cfg.MaxConcurrentLoads <= 0 {
		cfg.MaxConcurrentLoads = DefaultMaxConcurrentLoads
	}
	if cfg.IDs == nil {
		cfg.IDs = UUIDv7Generator{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Seq == nil {
		cfg.Seq = NewSeqClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Pools = cfg.Pools.withDefaults()

	o := &Orchestrator{
		cfg:       cfg,
		logger:    cfg.Logger,
		world:     ecs.NewWorld(cfg.Pools.Events),
		registry:  cfg.Registry,
		seq:       cfg.Seq,
		scenes:    make(map[string]*Scene),
		statuses:  make(map[string]Status),
		positions: partition.NewScheduler[string](cfg.Partition),
		loading:   make(map[string]context.CancelFunc),
	}
	o.breakers = containment.NewRegistry(cfg.Containment,
		containment.WithClock(cfg.Clock),
		containment.WithLogger(cfg.Logger),
		containment.WithSink(containment.ReportSinkFunc(o.queueReport)),
	)
	return o, nil
}

// World returns the shared ECS world.
func (o *Orchestrator) World() *ecs.World { return o.world }

// Frame returns the number of completed Steps.
func (o *Orchestrator) Frame() uint64 { return o.frame }

// Scene returns a loaded scene.
func (o *Orchestrator) Scene(id string) (*Scene, bool) {
	s, ok := o.scenes[id]
	return s, ok
}

// Loading returns the number of loads not yet admitted.
func (o *Orchestrator) Loading() int { return len(o.loading) }

// SetCamera records the camera pose for the next Step.
func (o *Orchestrator) SetCamera(cam partition.Camera) {
	o.camera = cam
}

// farthest is the bucket scenes beyond the fast-path ceiling fall into.
func (o *Orchestrator) farthest() partition.Bucket {
	return partition.Bucket{Index: uint8(len(o.cfg.Partition.SqrThresholds))}
}

// Load starts loading scenes and returns their instance ids. Loads start
// nearest first, at most MaxConcurrentLoads at a time; results are admitted
// by a later Step. Load never blocks on the network.
func (o *Orchestrator) Load(ctx context.Context, reqs ...LoadRequest) ([]string, error) {
	if o.cfg.Loader == nil {
		return nil, errors.New("orchestrator: no loader configured")
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(reqs))
	byID := make(map[string]LoadRequest, len(reqs))
	for i, req := range reqs {
		ids[i] = o.cfg.IDs.Generate()
		byID[ids[i]] = req
	}

	// Rank by expected position with a throwaway scheduler so the scene
	// scheduler only ever tracks admitted scenes.
	rank := partition.NewScheduler[string](o.cfg.Partition)
	rank.SetCamera(o.camera)
	for id, req := range byID {
		rank.Track(id, req.Position)
	}
	rank.Update(o.farthest())
	ordered := rank.Ordered(ids)

	ctxs := make(map[string]context.Context, len(ordered))
	for _, id := range ordered {
		lctx, cancel := context.WithCancel(ctx)
		o.loading[id] = cancel
		ctxs[id] = lctx
	}

	o.loads.Add(1)
	go func() {
		defer o.loads.Done()
		var g errgroup.Group
		g.SetLimit(o.cfg.MaxConcurrentLoads)
		for _, id := range ordered {
			req, lctx := byID[id], ctxs[id]
			g.Go(func() error {
				loaded, err := o.cfg.Loader.Load(lctx, id, req)
				o.readyMu.Lock()
				o.ready = append(o.ready, loadResult{id: id, req: req, loaded: loaded, err: err})
				o.readyMu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()
	return ids, nil
}

// Unload cancels a pending load or tears a scene down.
func (o *Orchestrator) Unload(id string) bool {
	if cancel, ok := o.loading[id]; ok {
		cancel()
		delete(o.loading, id)
		return true
	}
	s, ok := o.scenes[id]
	if !ok {
		return false
	}
	o.remove(s)
	return true
}

func (o *Orchestrator) remove(s *Scene) {
	s.Teardown()
	delete(o.scenes, s.ID())
	delete(o.statuses, s.ID())
	o.order = slices.DeleteFunc(o.order, func(id string) bool { return id == s.ID() })
	o.positions.Untrack(s.ID())
	o.breakers.Remove(s.ID())
}

// Step advances the main loop by one frame. It never waits for a sandbox:
// scenes still busy from an earlier frame are skipped.
func (o *Orchestrator) Step(ctx context.Context, dt time.Duration) StepResult {
	o.frame++
	res := StepResult{Frame: o.frame}

	res.CameraMoved = o.positions.SetCamera(o.camera)
	admitted, events := o.admit(ctx)
	res.Events = append(res.Events, events...)
	o.positions.Update(o.farthest())
	if res.CameraMoved {
		admitted = o.order
	}
	for _, id := range admitted {
		o.writeCamera(o.scenes[id])
	}

	// Sync phase, nearest scenes first.
	ordered := o.positions.Ordered(o.order)
	for _, id := range ordered {
		s := o.scenes[id]
		bucket, _ := o.positions.Bucket(id)
		st := s.Sync(ctx, Frame{Number: o.frame, Delta: dt, Bucket: bucket, Camera: o.camera})
		addSync(&res.Synced, st)
		if status := s.Status(); status != o.statuses[id] {
			o.statuses[id] = status
			res.Events = append(res.Events, o.transition(s, status)...)
		}
	}

	o.persistReports(ctx)

	// Update phase.
	for _, id := range ordered {
		s, ok := o.scenes[id]
		if !ok {
			continue
		}
		switch {
		case !s.Active():
		case !o.positions.ShouldUpdate(id, o.frame):
			res.Throttled++
			s.Skip(dt)
		case s.Busy():
			res.Busy++
			s.Skip(dt)
		default:
			bucket, _ := o.positions.Bucket(id)
			if s.Update(ctx, Frame{Number: o.frame, Delta: dt, Bucket: bucket, Camera: o.camera}) {
				res.Updated++
			}
		}
	}

	if o.cfg.CheckpointEvery > 0 && o.frame%o.cfg.CheckpointEvery == 0 {
		res.Checkpointed = o.Checkpoint(ctx)
	}
	return res
}

func addSync(dst *SyncStats, st SyncStats) {
	dst.Batches += st.Batches
	dst.Dropped += st.Dropped
	dst.Outgoing += st.Outgoing
	dst.Reclassified += st.Reclassified
	dst.Decoded += st.Decoded
	dst.Applied += st.Applied
	dst.Stale += st.Stale
	dst.Tombstoned += st.Tombstoned
	dst.Faults += st.Faults
}

func (o *Orchestrator) transition(s *Scene, to Status) []Event {
	ev := Event{Frame: o.frame, Scene: s.ID()}
	switch to {
	case StatusRunning:
		ev.Kind = EventStarted
	case StatusSuspended:
		ev.Kind = EventSuspended
		if r := s.Breaker().LastReport(); r != nil {
			ev.Err = r
		}
	case StatusFailed:
		ev.Kind = EventFailed
		ev.Err = s.Err()
		o.remove(s)
	default:
		return nil
	}
	return []Event{ev}
}

// admit turns completed loads into initialized scenes and returns the ids
// of the new scenes.
func (o *Orchestrator) admit(ctx context.Context) ([]string, []Event) {
	o.readyMu.Lock()
	ready := o.ready
	o.ready = nil
	o.readyMu.Unlock()

	var admitted []string
	var events []Event
	for _, r := range ready {
		cancel, wanted := o.loading[r.id]
		if !wanted {
			// Unloaded while loading.
			if r.loaded != nil {
				_ = r.loaded.Sandbox.Close()
			}
			continue
		}
		delete(o.loading, r.id)
		if r.err != nil {
			cancel()
			o.logger.Error("scene load failed", "scene_id", r.id, "url", r.req.URL, "error", r.err)
			events = append(events, Event{Frame: o.frame, Scene: r.id, Kind: EventLoadFail, Err: r.err})
			continue
		}
		if err := o.start(ctx, r, cancel); err != nil {
			o.logger.Error("scene start failed", "scene_id", r.id, "error", err)
			events = append(events, Event{Frame: o.frame, Scene: r.id, Kind: EventLoadFail, Err: err})
			continue
		}
		admitted = append(admitted, r.id)
		events = append(events, Event{Frame: o.frame, Scene: r.id, Kind: EventLoaded})
	}
	return admitted, events
}

func (o *Orchestrator) start(ctx context.Context, r loadResult, cancel context.CancelFunc) error {
	data := r.loaded.Data
	id := data.ID

	// The load context only scoped the fetches; the scene gets its own
	// cancellation tree rooted at ctx.
	cancel()

	var record RecordFunc
	if o.cfg.Recorder != nil {
		err := o.cfg.Recorder.RegisterScene(ctx, store.SceneRecord{
			ID:         id,
			Definition: data.Definition,
			Seq:        o.seq.Next(),
		})
		if err != nil {
			_ = r.loaded.Sandbox.Close()
			return err
		}
		record = o.recordFunc(ctx, id)
	}

	s, err := New(Config{
		Data:      data,
		Sandbox:   r.loaded.Sandbox,
		World:     o.world,
		Registry:  o.registry,
		Breaker:   o.breakers.Create(id),
		Pools:     o.cfg.Pools,
		Systems:   o.cfg.Systems,
		Partition: o.cfg.Partition,
		Record:    record,
		Parent:    ctx,
		Logger:    o.logger,
	})
	if err != nil {
		_ = r.loaded.Sandbox.Close()
		o.breakers.Remove(id)
		return err
	}
	if err := s.Init(ctx); err != nil {
		s.Teardown()
		o.breakers.Remove(id)
		return err
	}

	o.scenes[id] = s
	o.statuses[id] = s.Status()
	o.order = append(o.order, id)
	o.positions.Track(id, data.Definition.Center())
	return nil
}

func (o *Orchestrator) recordFunc(ctx context.Context, id string) RecordFunc {
	return func(origin store.Origin, frame uint64, payload []byte) {
		err := o.cfg.Recorder.AppendBatch(ctx, store.Batch{
			SceneID: id,
			Seq:     o.seq.Next(),
			Origin:  origin,
			Frame:   frame,
			Payload: payload,
		})
		if err != nil {
			o.logger.Error("record batch failed", "scene_id", id, "origin", origin, "error", err)
		}
	}
}

// writeCamera sends the camera pose to s, relative to its base.
func (o *Orchestrator) writeCamera(s *Scene) {
	if !s.Active() {
		return
	}
	t := ecs.Transform{
		Position: o.camera.Position.Sub(s.Definition().Base.Vec()),
		Rotation: lookRotation(o.camera.Forward),
		Scale:    geom.Vec3{X: 1, Y: 1, Z: 1},
	}
	if err := s.Write(CameraEntity, ecs.ComponentTransform, t); err != nil {
		o.logger.Warn("camera write failed", "scene_id", s.ID(), "error", err)
	}
}

// lookRotation returns the yaw rotation facing forward.
func lookRotation(forward geom.Vec3) geom.Quat {
	if forward.X == 0 && forward.Z == 0 {
		return geom.Identity
	}
	yaw := math.Atan2(forward.X, forward.Z)
	return geom.Quat{Y: math.Sin(yaw / 2), W: math.Cos(yaw / 2)}
}

func (o *Orchestrator) queueReport(r *containment.FaultReport) {
	o.reportsMu.Lock()
	defer o.reportsMu.Unlock()
	o.reports = append(o.reports, r)
}

// persistReports writes fault reports raised since the last Step.
func (o *Orchestrator) persistReports(ctx context.Context) {
	o.reportsMu.Lock()
	reports := o.reports
	o.reports = nil
	o.reportsMu.Unlock()

	if o.cfg.Recorder == nil {
		return
	}
	for _, r := range reports {
		if err := o.cfg.Recorder.WriteFaultReport(ctx, o.seq.Next(), r); err != nil {
			o.logger.Error("record fault report failed", "scene_id", r.Scene, "error", err)
		}
	}
}

// Checkpoint writes a state snapshot of every loaded scene and returns the
// number written.
func (o *Orchestrator) Checkpoint(ctx context.Context) int {
	if o.cfg.Recorder == nil {
		return 0
	}
	n := 0
	for _, id := range o.order {
		s := o.scenes[id]
		digest, err := o.cfg.Recorder.WriteSnapshot(ctx, id, o.seq.Next(), s.State())
		if err != nil {
			o.logger.Error("checkpoint failed", "scene_id", id, "error", err)
			continue
		}
		o.logger.Debug("checkpoint written", "scene_id", id, "digest", digest)
		n++
	}
	return n
}

// Settle waits until every pending load has finished and no scene has a
// round-trip in flight. The main loop never calls it; it exists for
// deterministic harness runs and tests.
func (o *Orchestrator) Settle(ctx context.Context) error {
	loads := make(chan struct{})
	go func() {
		o.loads.Wait()
		close(loads)
	}()
	select {
	case <-loads:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, id := range o.order {
		if err := o.scenes[id].Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run steps the loop at the configured tick rate until ctx is cancelled,
// then tears every scene down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting", "tick_rate", o.cfg.TickRate)
	ticker := time.NewTicker(o.cfg.TickRate)
	defer ticker.Stop()

	last := o.cfg.Clock.Now()
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping", "frame", o.frame)
			o.Close()
			return ctx.Err()
		case <-ticker.C:
			now := o.cfg.Clock.Now()
			res := o.Step(ctx, now.Sub(last))
			last = now
			for _, ev := range res.Events {
				o.logger.Info("scene event", "scene_id", ev.Scene, "kind", ev.Kind, "frame", ev.Frame)
			}
		}
	}
}

// Scenes returns a view of every loaded scene in sync order.
func (o *Orchestrator) Scenes() []SceneInfo {
	ordered := o.positions.Ordered(o.order)
	out := make([]SceneInfo, 0, len(ordered))
	for _, id := range ordered {
		s := o.scenes[id]
		bucket, _ := o.positions.Bucket(id)
		digest, err := crdt.Digest(s.State())
		if err != nil {
			o.logger.Error("digest failed", "scene_id", id, "error", err)
		}
		out = append(out, SceneInfo{
			ID:           id,
			DefinitionID: s.Definition().ID,
			Status:       s.Status(),
			Containment:  s.Breaker().State(),
			Bucket:       bucket,
			Cells:        s.State().Len(),
			Digest:       digest,
			BucketCounts: s.BucketCounts(),
		})
	}
	return out
}

// Suspended returns the ids of scenes stopped by containment.
func (o *Orchestrator) Suspended() []string {
	return o.breakers.Suspended()
}

// Close cancels pending loads, waits for them to return and tears every
// scene down. Sandboxes of loads that completed but were never admitted are
// closed.
func (o *Orchestrator) Close() {
	for id, cancel := range o.loading {
		cancel()
		delete(o.loading, id)
	}
	o.loads.Wait()
	for _, id := range slices.Clone(o.order) {
		o.remove(o.scenes[id])
	}
	o.readyMu.Lock()
	ready := o.ready
	o.ready = nil
	o.readyMu.Unlock()
	for _, r := range ready {
		if r.loaded != nil {
			_ = r.loaded.Sandbox.Close()
		}
	}
}

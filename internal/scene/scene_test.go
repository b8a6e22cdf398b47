package scene

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenesync/internal/containment"
	"github.com/roach88/scenesync/internal/content"
	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/geom"
	"github.com/roach88/scenesync/internal/partition"
	"github.com/roach88/scenesync/internal/pool"
	"github.com/roach88/scenesync/internal/sandbox"
	"github.com/roach88/scenesync/internal/store"
	"github.com/roach88/scenesync/internal/testutil"
)

const transformID = crdt.ComponentID(ecs.ComponentTransform)

type recorded struct {
	origin  store.Origin
	frame   uint64
	payload []byte
}

type sceneFixture struct {
	scene   *Scene
	world   *ecs.World
	records []recorded
}

func transformPayload(t *testing.T, x, y, z float64) []byte {
	t.Helper()
	data, err := ecs.EncodeTransform(ecs.Transform{
		Position: geom.Vec3{X: x, Y: y, Z: z},
		Rotation: geom.Identity,
		Scale:    geom.Vec3{X: 1, Y: 1, Z: 1},
	})
	require.NoError(t, err)
	return data
}

func newTestScene(t *testing.T, sb sandbox.Sandbox, mutate ...func(*Config)) *sceneFixture {
	t.Helper()
	f := &sceneFixture{world: ecs.NewWorld(nil)}
	cfg := Config{
		Data: Data{
			ID:         "scene-1",
			Definition: content.SceneDefinition{ID: "plaza", Main: "main.lua"},
			Manifest:   content.NoManifest,
		},
		Sandbox:   sb,
		World:     f.world,
		Registry:  ecs.DefaultRegistry(),
		Partition: partition.DefaultSettings(),
		Record: func(origin store.Origin, frame uint64, payload []byte) {
			f.records = append(f.records, recorded{origin, frame, append([]byte(nil), payload...)})
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Teardown)
	f.scene = s
	return f
}

func withBreaker(settings containment.Settings) func(*Config) {
	return func(cfg *Config) {
		cfg.Breaker = containment.NewBreaker(cfg.Data.ID, settings, containment.WithClock(testutil.NewFakeClock()))
	}
}

// roundTrip runs one Update and waits for it.
func roundTrip(t *testing.T, s *Scene, frame uint64, dt time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.True(t, s.Update(ctx, Frame{Number: frame, Delta: dt}), "update should start")
	require.NoError(t, s.Wait(ctx))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Data: Data{ID: "a"}, World: ecs.NewWorld(nil), Registry: ecs.DefaultRegistry()})
	assert.ErrorContains(t, err, "sandbox")

	_, err = New(Config{Data: Data{ID: "a"}, Sandbox: &sandbox.Func{}, Registry: ecs.DefaultRegistry()})
	assert.ErrorContains(t, err, "world")

	_, err = New(Config{Sandbox: &sandbox.Func{}, World: ecs.NewWorld(nil), Registry: ecs.DefaultRegistry()})
	assert.ErrorContains(t, err, "id")
}

func TestScene_InitAppliesSnapshot(t *testing.T) {
	snapshot := crdt.Encode(nil,
		crdt.Put(512, transformID, 1, transformPayload(t, 1, 0, 1)),
		crdt.Put(513, crdt.ComponentID(ecs.ComponentTextShape), 1, []byte("hello")),
	)
	f := newTestScene(t, &sandbox.Func{}, func(cfg *Config) { cfg.Data.Snapshot = snapshot })
	ctx := context.Background()

	require.NoError(t, f.scene.Init(ctx))
	assert.Equal(t, 2, f.scene.Bootstrap().Applied)
	assert.Equal(t, 2, f.world.Len())
	assert.Equal(t, StatusStarting, f.scene.Status())
	require.Len(t, f.records, 1)
	assert.Equal(t, store.OriginBootstrap, f.records[0].origin)
	assert.Equal(t, snapshot, f.records[0].payload)

	assert.Error(t, f.scene.Init(ctx), "second init should fail")
}

func TestScene_RoundTripAppliesAtSync(t *testing.T) {
	payload := transformPayload(t, 4, 0, 4)
	var ticks atomic.Int32
	sb := &sandbox.Func{
		OnTick: func(_ context.Context, _ time.Duration, _ []byte, out *pool.PooledBuffer) error {
			n := ticks.Add(1)
			_, err := out.Write(crdt.Encode(nil, crdt.Put(512, transformID, crdt.Timestamp(n), payload)))
			return err
		},
	}
	f := newTestScene(t, sb)
	ctx := context.Background()
	require.NoError(t, f.scene.Init(ctx))

	roundTrip(t, f.scene, 1, 16*time.Millisecond)
	assert.Equal(t, StatusRunning, f.scene.Status())
	assert.Equal(t, 1, f.scene.Pending())
	assert.Equal(t, 0, f.world.Len(), "nothing reaches the world before the sync phase")

	st := f.scene.Sync(ctx, Frame{Number: 1})
	assert.Equal(t, 1, st.Batches)
	assert.Equal(t, 1, st.Applied)
	assert.Equal(t, 0, f.scene.Pending())

	e, ok := f.scene.bridge.Entity(512)
	require.True(t, ok)
	v, ok := f.world.Get(e, ecs.ComponentTransform)
	require.True(t, ok)
	assert.Equal(t, geom.Vec3{X: 4, Z: 4}, v.(ecs.Transform).Position)

	require.Len(t, f.records, 1)
	assert.Equal(t, recorded{store.OriginScene, 1, crdt.Encode(nil, crdt.Put(512, transformID, 1, payload))}, f.records[0])
}

func TestScene_UpdateSkipsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	sb := &sandbox.Func{
		OnTick: func(context.Context, time.Duration, []byte, *pool.PooledBuffer) error {
			entered <- struct{}{}
			<-release
			return nil
		},
	}
	f := newTestScene(t, sb)
	ctx := context.Background()
	require.NoError(t, f.scene.Init(ctx))

	require.True(t, f.scene.Update(ctx, Frame{Number: 1}))
	<-entered
	assert.True(t, f.scene.Busy())
	assert.False(t, f.scene.Update(ctx, Frame{Number: 2}), "busy scene must be skipped")

	close(release)
	require.NoError(t, f.scene.Wait(ctx))
	assert.False(t, f.scene.Busy())
	assert.Equal(t, 0, f.scene.Pending(), "empty batches are not queued")
}

func TestScene_SkipCarriesElapsedTime(t *testing.T) {
	var got atomic.Int64
	sb := &sandbox.Func{
		OnTick: func(_ context.Context, dt time.Duration, _ []byte, _ *pool.PooledBuffer) error {
			got.Store(int64(dt))
			return nil
		},
	}
	f := newTestScene(t, sb)
	require.NoError(t, f.scene.Init(context.Background()))

	f.scene.Skip(10 * time.Millisecond)
	f.scene.Skip(10 * time.Millisecond)
	roundTrip(t, f.scene, 3, 10*time.Millisecond)
	assert.Equal(t, int64(30*time.Millisecond), got.Load())

	roundTrip(t, f.scene, 4, 10*time.Millisecond)
	assert.Equal(t, int64(10*time.Millisecond), got.Load())
}

func TestScene_HostWritesReachSandbox(t *testing.T) {
	incoming := make(chan []crdt.Message, 4)
	sb := &sandbox.Func{
		OnTick: func(_ context.Context, _ time.Duration, in []byte, _ *pool.PooledBuffer) error {
			msgs := crdt.Decode(in, nil, nil)
			for i := range msgs {
				msgs[i].Data = append([]byte(nil), msgs[i].Data...)
			}
			incoming <- msgs
			return nil
		},
	}
	f := newTestScene(t, sb)
	ctx := context.Background()
	require.NoError(t, f.scene.Init(ctx))

	err := f.scene.Write(CameraEntity, ecs.ComponentTransform, ecs.Transform{Rotation: geom.Identity})
	require.NoError(t, err)

	st := f.scene.Sync(ctx, Frame{Number: 1})
	assert.Equal(t, 1, st.Outgoing)
	require.Len(t, f.records, 1)
	assert.Equal(t, store.OriginHost, f.records[0].origin)

	roundTrip(t, f.scene, 1, 0)
	msgs := <-incoming
	require.Len(t, msgs, 1)
	assert.Equal(t, crdt.PutComponent, msgs[0].Type)
	assert.Equal(t, CameraEntity, msgs[0].Entity)
	assert.Equal(t, transformID, msgs[0].Component)

	roundTrip(t, f.scene, 2, 0)
	assert.Empty(t, <-incoming, "host writes are delivered once")
}

func TestScene_ScriptFaultsSuspend(t *testing.T) {
	sb := &sandbox.Func{
		OnTick: func(_ context.Context, _ time.Duration, _ []byte, out *pool.PooledBuffer) error {
			_, _ = out.Write(crdt.Encode(nil, crdt.Put(600, crdt.ComponentID(ecs.ComponentTextShape), 1, []byte("x"))))
			return &sandbox.ScriptError{Scene: "scene-1", Phase: "update", Err: errors.New("boom")}
		},
	}
	f := newTestScene(t, sb, withBreaker(containment.Settings{
		EngineThreshold: 3, ScriptThreshold: 2, ECSThreshold: 3, Window: time.Minute,
	}))
	ctx := context.Background()
	require.NoError(t, f.scene.Init(ctx))

	for frame := uint64(1); frame <= 2; frame++ {
		roundTrip(t, f.scene, frame, 0)
		st := f.scene.Sync(ctx, Frame{Number: frame})
		assert.Equal(t, 1, st.Batches)
		assert.Equal(t, StatusRunning, f.scene.Status(), "fault %d is tolerated", frame)
	}

	roundTrip(t, f.scene, 3, 0)
	assert.Equal(t, StatusSuspended, f.scene.Status())
	st := f.scene.Sync(ctx, Frame{Number: 3})
	assert.Equal(t, 0, st.Batches)
	assert.Equal(t, 1, st.Dropped, "batches of a suspended scene are discarded")
	assert.False(t, f.scene.Update(ctx, Frame{Number: 4}))

	report := f.scene.Breaker().LastReport()
	require.NotNil(t, report)
	assert.Equal(t, containment.CategoryScript, report.Category)
	assert.Len(t, report.Faults, 3)
	assert.Equal(t, containment.StateScriptError, f.scene.Breaker().State())
}

func TestScene_PanicIsEngineFault(t *testing.T) {
	sb := &sandbox.Func{
		OnTick: func(context.Context, time.Duration, []byte, *pool.PooledBuffer) error {
			panic("runtime bug")
		},
	}
	f := newTestScene(t, sb)
	require.NoError(t, f.scene.Init(context.Background()))

	roundTrip(t, f.scene, 1, 0)
	assert.Equal(t, 1, f.scene.Breaker().InWindow(containment.CategoryEngine))
	assert.Equal(t, StatusRunning, f.scene.Status())
}

func TestScene_InitFailure(t *testing.T) {
	closed := false
	sb := &sandbox.Func{
		OnInit:  func(context.Context) error { return errors.New("bad script") },
		OnClose: func() error { closed = true; return nil },
	}
	f := newTestScene(t, sb)
	ctx := context.Background()
	require.NoError(t, f.scene.Init(ctx))

	roundTrip(t, f.scene, 1, 0)
	assert.Equal(t, StatusFailed, f.scene.Status())
	assert.ErrorContains(t, f.scene.Err(), "bad script")
	assert.False(t, f.scene.Update(ctx, Frame{Number: 2}))
	assert.Equal(t, 0, f.scene.Breaker().Total(containment.CategoryScript), "start failures are not counted")

	f.scene.Teardown()
	assert.True(t, closed)
	assert.Equal(t, StatusClosed, f.scene.Status())
}

func TestScene_SystemFaultsSuspend(t *testing.T) {
	failing := ecs.SystemFunc{
		Label: "physics",
		Fn: func(context.Context, *ecs.World, []ecs.Entity, time.Duration) error {
			return errors.New("diverged")
		},
	}
	f := newTestScene(t, &sandbox.Func{},
		withBreaker(containment.Settings{EngineThreshold: 3, ScriptThreshold: 3, ECSThreshold: 1, Window: time.Minute}),
		func(cfg *Config) { cfg.Systems = []ecs.System{failing} },
	)
	ctx := context.Background()
	require.NoError(t, f.scene.Init(ctx))

	f.scene.Sync(ctx, Frame{Number: 1})
	assert.Equal(t, 0, f.scene.Breaker().Total(containment.CategoryECS), "systems wait for the sandbox to start")

	roundTrip(t, f.scene, 1, 0)
	f.scene.Sync(ctx, Frame{Number: 1})
	assert.Equal(t, StatusRunning, f.scene.Status())
	f.scene.Sync(ctx, Frame{Number: 2})
	assert.Equal(t, StatusSuspended, f.scene.Status())
	assert.Equal(t, containment.StateEcsError, f.scene.Breaker().State())
	assert.ErrorContains(t, f.scene.Breaker().LastReport(), "system physics")
}

func TestScene_TeardownCancelsRoundTrip(t *testing.T) {
	entered := make(chan struct{})
	closed := false
	sb := &sandbox.Func{
		OnTick: func(ctx context.Context, _ time.Duration, _ []byte, _ *pool.PooledBuffer) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
		OnClose: func() error { closed = true; return nil },
	}
	snapshot := crdt.Encode(nil, crdt.Put(512, transformID, 1, transformPayload(t, 0, 0, 0)))
	f := newTestScene(t, sb, func(cfg *Config) { cfg.Data.Snapshot = snapshot })
	ctx := context.Background()
	require.NoError(t, f.scene.Init(ctx))
	assert.Equal(t, 1, f.world.Len())

	require.True(t, f.scene.Update(ctx, Frame{Number: 1}))
	<-entered
	f.scene.Teardown()

	assert.True(t, closed)
	assert.Equal(t, StatusClosed, f.scene.Status())
	assert.Equal(t, 0, f.world.Len(), "teardown removes the scene's entities")
	assert.Equal(t, 0, f.scene.Breaker().Total(containment.CategoryEngine), "cancellation is not a fault")
	assert.ErrorIs(t, f.scene.Write(512, ecs.ComponentTransform, ecs.Transform{}), ErrClosed)
}

func TestScene_EntityBuckets(t *testing.T) {
	snapshot := crdt.Encode(nil,
		crdt.Put(512, transformID, 1, transformPayload(t, 1, 0, 1)),
		crdt.Put(513, transformID, 1, transformPayload(t, 1000, 0, 0)),
	)
	f := newTestScene(t, &sandbox.Func{}, func(cfg *Config) {
		cfg.Data.Snapshot = snapshot
		cfg.Data.Definition.Base = content.Base{X: 16}
	})
	ctx := context.Background()
	require.NoError(t, f.scene.Init(ctx))

	sceneBucket := partition.Bucket{Index: 3, BehindCamera: true}
	st := f.scene.Sync(ctx, Frame{Number: 1, Bucket: sceneBucket})
	assert.Equal(t, 2, st.Reclassified)

	near, ok := f.scene.EntityBucket(512)
	require.True(t, ok)
	assert.Equal(t, uint8(1), near.Index, "17 units from a camera at the origin")

	far, ok := f.scene.EntityBucket(513)
	require.True(t, ok)
	assert.Equal(t, sceneBucket, far, "entities past the fast path inherit the scene bucket")

	assert.Equal(t, []int{0, 1, 0, 1, 0}, f.scene.BucketCounts())

	st = f.scene.Sync(ctx, Frame{Number: 2, Bucket: sceneBucket})
	assert.Equal(t, 0, st.Reclassified, "unchanged entities are not recomputed")
}

func TestScene_EntityBucketsFollowCamera(t *testing.T) {
	snapshot := crdt.Encode(nil,
		crdt.Put(512, transformID, 1, transformPayload(t, 1, 0, 1)),
		crdt.Put(513, transformID, 1, transformPayload(t, 1000, 0, 0)),
	)
	f := newTestScene(t, &sandbox.Func{}, func(cfg *Config) {
		cfg.Data.Snapshot = snapshot
		cfg.Data.Definition.Base = content.Base{X: 16}
	})
	ctx := context.Background()
	require.NoError(t, f.scene.Init(ctx))

	// Entity 512 sits at (17, 0, 1), 183 units behind a camera at x=200
	// looking down +X.
	away := partition.Camera{Position: geom.Vec3{X: 200}, Forward: geom.Vec3{X: 1}}
	sceneBucket := partition.Bucket{Index: 2}
	st := f.scene.Sync(ctx, Frame{Number: 1, Bucket: sceneBucket, Camera: away})
	assert.Equal(t, 2, st.Reclassified)

	b, ok := f.scene.EntityBucket(512)
	require.True(t, ok)
	assert.Equal(t, partition.Bucket{Index: 4, BehindCamera: true}, b)

	st = f.scene.Sync(ctx, Frame{Number: 2, Bucket: sceneBucket, Camera: away})
	assert.Equal(t, 0, st.Reclassified, "a still camera recomputes nothing")

	facing := partition.Camera{Forward: geom.Vec3{X: 1}}
	st = f.scene.Sync(ctx, Frame{Number: 3, Bucket: sceneBucket, Camera: facing})
	assert.Equal(t, 2, st.Reclassified, "a camera move recomputes every entity")

	b, ok = f.scene.EntityBucket(512)
	require.True(t, ok)
	assert.Equal(t, partition.Bucket{Index: 1}, b)
}

func TestCategory(t *testing.T) {
	assert.Equal(t, containment.CategoryScript, Category(&sandbox.ScriptError{Err: errors.New("x")}))
	assert.Equal(t, containment.CategoryEngine, Category(errors.New("x")))
	assert.Equal(t, containment.CategoryEngine, Category(&containment.PanicError{Value: "x"}))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "suspended", StatusSuspended.String())
	assert.Equal(t, "status(99)", Status(99).String())
}

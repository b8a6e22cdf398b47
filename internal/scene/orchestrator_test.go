package scene

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
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
	"github.com/roach88/scenesync/internal/sandbox"
	"github.com/roach88/scenesync/internal/store"
	"github.com/roach88/scenesync/internal/testutil"
)

const frameDelta = 33 * time.Millisecond

// counterScript moves entity 512 one unit per update and reports whether
// the host camera reached the scene.
const counterScript = `
local n = 0
function onUpdate(dt)
	n = n + 1
	crdt.put(512, component.Transform, codec.transform(n, 0, 0))
	if crdt.get(2, component.Transform) ~= nil then
		crdt.put(513, component.TextShape, "sees camera")
	end
end
`

const failingScript = `
function onUpdate(dt)
	error("boom")
end
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, files map[string]string, mutate ...func(*OrchestratorConfig)) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	writeContent(t, dir, files)
	logger := quietLogger()

	loader, err := NewLoader(context.Background(), LoaderConfig{
		Fetcher: &content.MultiFetcher{Local: &content.DirFetcher{Dir: dir}},
		Factory: LuaFactory{Logger: logger},
		Logger:  logger,
	})
	require.NoError(t, err)

	cfg := OrchestratorConfig{
		Loader: loader,
		IDs:    testutil.NewSequentialIDs("scene"),
		Clock:  testutil.NewFakeClock(),
		Logger: logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		o.Close()
		loader.Close()
	})
	return o
}

func settle(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Settle(ctx))
}

// step runs one frame and waits for the round-trips it started.
func step(t *testing.T, o *Orchestrator) StepResult {
	t.Helper()
	res := o.Step(context.Background(), frameDelta)
	settle(t, o)
	return res
}

func load(t *testing.T, o *Orchestrator, reqs ...LoadRequest) []string {
	t.Helper()
	ids, err := o.Load(context.Background(), reqs...)
	require.NoError(t, err)
	settle(t, o)
	return ids
}

func eventKinds(events []Event, scene string) []string {
	var kinds []string
	for _, ev := range events {
		if ev.Scene == scene {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

func TestOrchestrator_LoadAndStep(t *testing.T) {
	o := newTestOrchestrator(t, map[string]string{
		"plaza.json":     `{"id":"plaza","main":"game.lua"}`,
		"plaza/game.lua": counterScript,
	})
	ids := load(t, o, LoadRequest{URL: "plaza.json"})
	require.Equal(t, []string{"scene-1"}, ids)
	id := ids[0]

	res := step(t, o)
	assert.Equal(t, []string{EventLoaded}, eventKinds(res.Events, id))
	assert.True(t, res.CameraMoved, "the first camera pose always counts as a move")
	assert.Equal(t, 1, res.Synced.Outgoing, "camera write flushed to the scene")
	assert.Equal(t, 1, res.Updated)

	res = step(t, o)
	assert.Equal(t, []string{EventStarted}, eventKinds(res.Events, id))
	assert.Equal(t, 1, res.Synced.Batches)

	s, ok := o.Scene(id)
	require.True(t, ok)
	e, ok := s.bridge.Entity(512)
	require.True(t, ok)
	v, ok := o.World().Get(e, ecs.ComponentTransform)
	require.True(t, ok)
	assert.Equal(t, 1.0, v.(ecs.Transform).Position.X)
	assert.True(t, s.State().Has(513, crdt.ComponentID(ecs.ComponentTextShape)), "scene saw the camera")

	step(t, o)
	v, _ = o.World().Get(e, ecs.ComponentTransform)
	assert.Equal(t, 2.0, v.(ecs.Transform).Position.X)

	infos := o.Scenes()
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.Equal(t, "plaza", infos[0].DefinitionID)
	assert.Equal(t, StatusRunning, infos[0].Status)
	assert.Equal(t, containment.StateRunning, infos[0].Containment)
	assert.Equal(t, 3, infos[0].Cells, "entity 512, entity 513 and the camera")
	assert.NotEmpty(t, infos[0].Digest)
	assert.Equal(t, uint64(3), o.Frame())
}

func TestOrchestrator_SuspensionIsIsolated(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "scenes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	o := newTestOrchestrator(t, map[string]string{
		"good.json":     `{"id":"good","main":"game.lua"}`,
		"good/game.lua": counterScript,
		"bad.json":      `{"id":"bad","main":"game.lua"}`,
		"bad/game.lua":  failingScript,
	}, func(cfg *OrchestratorConfig) {
		cfg.Recorder = db
		cfg.Containment = containment.Settings{
			EngineThreshold: 3,
			ScriptThreshold: 1,
			ECSThreshold:    3,
			Window:          time.Minute,
		}
	})
	ids := load(t, o, LoadRequest{URL: "good.json"}, LoadRequest{URL: "bad.json"})
	good, bad := ids[0], ids[1]

	step(t, o)
	step(t, o)
	res := step(t, o)
	assert.Equal(t, []string{EventSuspended}, eventKinds(res.Events, bad))
	assert.Empty(t, eventKinds(res.Events, good))
	assert.Equal(t, 1, res.Updated, "only the healthy scene keeps running")
	assert.Equal(t, []string{bad}, o.Suspended())

	var suspended Event
	for _, ev := range res.Events {
		if ev.Kind == EventSuspended {
			suspended = ev
		}
	}
	assert.True(t, containment.IsFaultReport(suspended.Err))

	s, ok := o.Scene(bad)
	require.True(t, ok, "suspended scenes stay loaded for inspection")
	assert.Equal(t, StatusSuspended, s.Status())

	reports, err := db.ReadFaultReports(context.Background(), bad)
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	step(t, o)
	g, _ := o.Scene(good)
	assert.Equal(t, StatusRunning, g.Status())
}

func TestOrchestrator_LoadFailure(t *testing.T) {
	o := newTestOrchestrator(t, map[string]string{
		"plaza.json": `{"id":"plaza","main":"game.lua"}`,
	})
	ids := load(t, o, LoadRequest{URL: "plaza.json"}, LoadRequest{URL: "missing.json"})
	assert.Equal(t, 2, o.Loading())

	res := step(t, o)
	assert.Equal(t, []string{EventLoadFail}, eventKinds(res.Events, ids[0]))
	assert.Equal(t, []string{EventLoadFail}, eventKinds(res.Events, ids[1]))
	assert.Equal(t, 0, o.Loading())
	assert.Empty(t, o.Scenes())

	_, err := (&Orchestrator{}).Load(context.Background(), LoadRequest{URL: "x"})
	assert.Error(t, err, "loading needs a loader")
}

func TestOrchestrator_Unload(t *testing.T) {
	o := newTestOrchestrator(t, map[string]string{
		"plaza.json":     `{"id":"plaza","main":"game.lua"}`,
		"plaza/game.lua": counterScript,
	})

	pending, err := o.Load(context.Background(), LoadRequest{URL: "plaza.json"})
	require.NoError(t, err)
	assert.True(t, o.Unload(pending[0]))
	settle(t, o)
	res := step(t, o)
	assert.Empty(t, res.Events, "a load cancelled before admission is dropped")
	assert.Empty(t, o.Scenes())

	ids := load(t, o, LoadRequest{URL: "plaza.json"})
	step(t, o)
	step(t, o)
	assert.Positive(t, o.World().Len())

	assert.True(t, o.Unload(ids[0]))
	assert.Equal(t, 0, o.World().Len(), "unloading removes the scene's entities")
	_, ok := o.Scene(ids[0])
	assert.False(t, ok)
	assert.False(t, o.Unload(ids[0]))
}

func TestOrchestrator_CloseWaitsForLoads(t *testing.T) {
	files := map[string]string{
		"plaza.json":     `{"id":"plaza","main":"game.lua"}`,
		"plaza/game.lua": counterScript,
	}
	entered := make(chan struct{})
	gate := make(chan struct{})
	var closed atomic.Int32
	factory := FacadeFactoryFunc(func(context.Context, Data) (sandbox.Sandbox, error) {
		close(entered)
		<-gate
		return &sandbox.Func{OnClose: func() error {
			closed.Add(1)
			return nil
		}}, nil
	})
	o := newTestOrchestrator(t, files, func(cfg *OrchestratorConfig) {
		cfg.Loader = newTestLoader(t, files, factory)
	})

	_, err := o.Load(context.Background(), LoadRequest{URL: "plaza.json"})
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sandbox was never created")
	}

	done := make(chan struct{})
	go func() {
		o.Close()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Close returned while a load was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, int32(1), closed.Load(), "the late sandbox is closed")
	assert.Empty(t, o.Scenes())
}

func TestOrchestrator_ThrottlesDistantScenes(t *testing.T) {
	o := newTestOrchestrator(t, map[string]string{
		"far.json":     `{"id":"far","main":"game.lua","base":{"x":160,"y":0,"z":0}}`,
		"far/game.lua": counterScript,
	}, func(cfg *OrchestratorConfig) {
		cfg.Partition = partition.Settings{
			SqrThresholds: []float64{100},
			CameraEpsilon: 0.1,
			Throttle:      []int{1, 2},
		}
	})
	ids := load(t, o, LoadRequest{URL: "far.json", Position: geom.Vec3{X: 168, Z: 8}})

	res := step(t, o)
	assert.Equal(t, 1, res.Throttled)
	assert.Equal(t, 0, res.Updated)

	res = step(t, o)
	assert.Equal(t, 0, res.Throttled)
	assert.Equal(t, 1, res.Updated)

	infos := o.Scenes()
	require.Len(t, infos, 1)
	assert.Equal(t, ids[0], infos[0].ID)
	assert.Equal(t, uint8(1), infos[0].Bucket.Index)
}

func TestOrchestrator_CameraMoveReachesEveryScene(t *testing.T) {
	o := newTestOrchestrator(t, map[string]string{
		"a.json":     `{"id":"a","main":"game.lua"}`,
		"a/game.lua": `-- idle`,
		"b.json":     `{"id":"b","main":"game.lua","base":{"x":16,"y":0,"z":0}}`,
		"b/game.lua": `-- idle`,
	})
	load(t, o, LoadRequest{URL: "a.json"}, LoadRequest{URL: "b.json"})

	res := step(t, o)
	assert.Equal(t, 2, res.Synced.Outgoing)

	res = step(t, o)
	assert.False(t, res.CameraMoved)
	assert.Equal(t, 0, res.Synced.Outgoing, "a still camera is not rewritten")

	o.SetCamera(partition.Camera{Position: geom.Vec3{X: 4}, Forward: geom.Vec3{Z: 1}})
	res = step(t, o)
	assert.True(t, res.CameraMoved)
	assert.Equal(t, 2, res.Synced.Outgoing)
}

func TestOrchestrator_RecordedHistoryReplays(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "scenes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	o := newTestOrchestrator(t, map[string]string{
		"plaza.json":     `{"id":"plaza","main":"game.lua"}`,
		"plaza/game.lua": counterScript,
	}, func(cfg *OrchestratorConfig) {
		cfg.Recorder = db
		cfg.CheckpointEvery = 2
	})
	ids := load(t, o, LoadRequest{URL: "plaza.json"})
	id := ids[0]

	var checkpoints int
	for range 5 {
		checkpoints += step(t, o).Checkpointed
	}
	assert.Equal(t, 2, checkpoints)

	s, ok := o.Scene(id)
	require.True(t, ok)
	live, err := crdt.Digest(s.State())
	require.NoError(t, err)

	replayed, res, err := db.ReplayState(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Positive(t, res.SnapshotSeq)
	got, err := crdt.Digest(replayed)
	require.NoError(t, err)
	assert.Equal(t, live, got)

	counts, err := db.CountBatches(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.OriginHost])
	assert.Equal(t, 4, counts[store.OriginScene])

	scenes, err := db.ReadScenes(context.Background())
	require.NoError(t, err)
	require.Len(t, scenes, 1)
	assert.Equal(t, "plaza", scenes[0].Definition.ID)
}

func TestOrchestrator_RunStopsOnCancel(t *testing.T) {
	o := newTestOrchestrator(t, map[string]string{
		"plaza.json":     `{"id":"plaza","main":"game.lua"}`,
		"plaza/game.lua": counterScript,
	}, func(cfg *OrchestratorConfig) {
		cfg.TickRate = time.Millisecond
	})
	load(t, o, LoadRequest{URL: "plaza.json"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := o.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Positive(t, o.Frame())
	assert.Empty(t, o.Scenes(), "run tears scenes down on exit")
	assert.Equal(t, 0, o.World().Len())
}

func TestLookRotation(t *testing.T) {
	assert.Equal(t, geom.Identity, lookRotation(geom.Vec3{}))
	q := lookRotation(geom.Vec3{Z: 1})
	assert.InDelta(t, 0, q.Y, 1e-9)
	assert.InDelta(t, 1, q.W, 1e-9)
	q = lookRotation(geom.Vec3{X: 1})
	assert.InDelta(t, 0.7071, q.Y, 1e-4)
}

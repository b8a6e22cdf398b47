package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/scenesync/internal/config"
	"github.com/roach88/scenesync/internal/content"
	"github.com/roach88/scenesync/internal/partition"
	"github.com/roach88/scenesync/internal/scene"
	"github.com/roach88/scenesync/internal/store"
	"github.com/roach88/scenesync/internal/testutil"
)

// settleTimeout bounds the wait for one frame's loads and round-trips.
const settleTimeout = 10 * time.Second

// Harness drives one scenario through a real orchestrator.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	orch     *scene.Orchestrator
	clock    *testutil.FakeClock
	logger   *slog.Logger

	// ids maps instance ids to scenario names; instances the reverse.
	ids       map[string]string
	instances map[string]string
	events    []scene.Event
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory database with a fake clock
// and sequential scene ids, so repeated runs produce identical traces.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	cfg, err := scenarioConfig(scenario)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	files, err := serveScenes(scenario.Scenes)
	if err != nil {
		return nil, err
	}

	// Suppress logs; failures surface through events and assertions.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pools := scene.NewSharedPools(cfg.Pools.MaxPerClass)

	loader, err := scene.NewLoader(ctx, scene.LoaderConfig{
		Fetcher: &content.MultiFetcher{Local: files},
		Factory: scene.LuaFactory{
			InstructionBudget: cfg.Sandbox.InstructionBudget,
			Pools:             pools,
			Logger:            logger,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	defer loader.Close()

	clock := testutil.NewFakeClock()
	orch, err := scene.NewOrchestrator(scene.OrchestratorConfig{
		Loader:          loader,
		Containment:     cfg.Containment.Settings(),
		Partition:       cfg.Partition.Settings(),
		Pools:           pools,
		Recorder:        st,
		CheckpointEvery: uint64(scenario.CheckpointEvery),
		IDs:             testutil.NewSequentialIDs("scene"),
		Clock:           clock,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	defer orch.Close()

	h := &Harness{
		scenario:  scenario,
		store:     st,
		orch:      orch,
		clock:     clock,
		logger:    logger,
		ids:       make(map[string]string),
		instances: make(map[string]string),
	}

	result := NewResult()
	if err := h.loadScenes(ctx); err != nil {
		return nil, fmt.Errorf("failed to load scenes: %w", err)
	}
	if err := h.runFrames(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to run frames: %w", err)
	}
	h.finish(result)

	for _, errMsg := range EvaluateAssertions(ctx, h, result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

// scenarioConfig applies the scenario's overrides to the defaults. Zero
// fields keep their default.
func scenarioConfig(s *Scenario) (config.Config, error) {
	cfg := config.Default()
	if c := s.Containment; c != nil {
		if c.EngineThreshold != 0 {
			cfg.Containment.EngineThreshold = c.EngineThreshold
		}
		if c.ScriptThreshold != 0 {
			cfg.Containment.ScriptThreshold = c.ScriptThreshold
		}
		if c.ECSThreshold != 0 {
			cfg.Containment.ECSThreshold = c.ECSThreshold
		}
		if c.Window != 0 {
			cfg.Containment.Window = c.Window
		}
	}
	if p := s.Partition; p != nil {
		if p.Thresholds != nil {
			cfg.Partition.Thresholds = p.Thresholds
		}
		if p.FastPath != 0 {
			cfg.Partition.FastPath = p.FastPath
		}
		if p.CameraEpsilon != 0 {
			cfg.Partition.CameraEpsilon = p.CameraEpsilon
		}
		if p.Throttle != nil {
			cfg.Partition.Throttle = p.Throttle
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	return cfg, nil
}

func (h *Harness) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	return h.orch.Settle(ctx)
}

// loadScenes loads the scenes one at a time so they are admitted in
// scenario order.
func (h *Harness) loadScenes(ctx context.Context) error {
	for _, sc := range h.scenario.Scenes {
		def := content.SceneDefinition{Base: sc.Base}
		ids, err := h.orch.Load(ctx, scene.LoadRequest{
			URL:      definitionURL(sc.Name),
			Position: def.Center(),
		})
		if err != nil {
			return err
		}
		h.ids[ids[0]] = sc.Name
		h.instances[sc.Name] = ids[0]
		if err := h.settle(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) runFrames(ctx context.Context, result *Result) error {
	delta := h.scenario.Delta
	if delta == 0 {
		delta = DefaultDelta
	}
	for frame := 1; frame <= h.scenario.Frames; frame++ {
		for _, step := range h.scenario.Unload {
			if step.Frame == frame {
				h.orch.Unload(h.instances[step.Scene])
			}
		}
		for _, key := range h.scenario.Camera {
			if key.Frame == frame {
				h.orch.SetCamera(partition.Camera{Position: key.Position, Forward: key.Forward})
			}
		}

		h.clock.Advance(delta)
		res := h.orch.Step(ctx, delta)
		if err := h.settle(ctx); err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}

		ft := FrameTrace{Frame: frame}
		for _, ev := range res.Events {
			h.events = append(h.events, ev)
			ft.Events = append(ft.Events, EventTrace{Scene: h.ids[ev.Scene], Kind: ev.Kind})
		}
		ft.Scenes = h.sceneTraces()
		result.Trace = append(result.Trace, ft)
	}
	return nil
}

// sceneTraces reports every scenario scene, in scenario order.
func (h *Harness) sceneTraces() []SceneTrace {
	infos := make(map[string]scene.SceneInfo)
	for _, info := range h.orch.Scenes() {
		infos[info.ID] = info
	}
	out := make([]SceneTrace, 0, len(h.scenario.Scenes))
	for _, sc := range h.scenario.Scenes {
		info, ok := infos[h.instances[sc.Name]]
		if !ok {
			out = append(out, SceneTrace{Scene: sc.Name, Status: StatusAbsent})
			continue
		}
		out = append(out, SceneTrace{
			Scene:  sc.Name,
			Status: info.Status.String(),
			Bucket: int(info.Bucket.Index),
			Behind: info.Bucket.BehindCamera,
			Cells:  info.Cells,
		})
	}
	return out
}

func (h *Harness) finish(result *Result) {
	for _, id := range h.orch.Suspended() {
		if name, ok := h.ids[id]; ok {
			result.Suspended = append(result.Suspended, name)
		}
	}
	slices.Sort(result.Suspended)
	for _, info := range h.orch.Scenes() {
		if info.Digest != "" {
			result.Digests[h.ids[info.ID]] = info.Digest
		}
	}
}

// sceneFor returns the loaded scene behind a scenario name.
func (h *Harness) sceneFor(name string) (*scene.Scene, bool) {
	id, ok := h.instances[name]
	if !ok {
		return nil, false
	}
	return h.orch.Scene(id)
}

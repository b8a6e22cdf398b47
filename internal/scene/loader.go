package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/scenesync/internal/content"
	"github.com/roach88/scenesync/internal/geom"
	"github.com/roach88/scenesync/internal/sandbox"
	"github.com/roach88/scenesync/internal/streamable"
)

const tracerName = "github.com/roach88/scenesync/internal/scene"

// LoadRequest identifies a scene to load.
type LoadRequest struct {
	// URL locates the scene definition document.
	URL string
	// Position is where the scene is expected to be, e.g. its parcel. It
	// orders loads before the definition is known.
	Position geom.Vec3
	// Sources restricts where content may come from. Zero permits all.
	Sources streamable.SourceMask
}

// FacadeFactory creates a scene's sandbox once all of its data resolved.
type FacadeFactory interface {
	Create(ctx context.Context, data Data) (sandbox.Sandbox, error)
}

// FacadeFactoryFunc adapts a function to FacadeFactory.
type FacadeFactoryFunc func(ctx context.Context, data Data) (sandbox.Sandbox, error)

// Create calls f.
func (f FacadeFactoryFunc) Create(ctx context.Context, data Data) (sandbox.Sandbox, error) {
	return f(ctx, data)
}

// LuaFactory creates Lua sandboxes running the scene's main script.
type LuaFactory struct {
	InstructionBudget int
	Pools             SharedPools
	Logger            *slog.Logger
}

// Create implements FacadeFactory.
func (f LuaFactory) Create(_ context.Context, data Data) (sandbox.Sandbox, error) {
	if len(data.Script) == 0 {
		return nil, fmt.Errorf("scene %s: empty script %q", data.ID, data.Definition.Main)
	}
	cfg := sandbox.LuaConfig{
		Scene:             data.ID,
		Source:            string(data.Script),
		ChunkName:         data.Definition.Main,
		InstructionBudget: f.InstructionBudget,
		Logger:            f.Logger,
	}
	if f.Pools.Messages != nil {
		cfg.Messages = f.Pools.Messages
	}
	return sandbox.NewLua(cfg), nil
}

// Loaded is a fully resolved scene with its sandbox.
type Loaded struct {
	Data    Data
	Sandbox sandbox.Sandbox
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Fetcher *content.MultiFetcher
	Factory FacadeFactory
	// CacheSize bounds each pipeline's result cache. Zero selects
	// streamable.DefaultCacheSize.
	CacheSize int
	Logger    *slog.Logger
	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
}

// Loader resolves scenes. Content is fetched through streamable pipelines,
// so concurrent loads of scenes sharing a file fetch it once.
type Loader struct {
	bytes     *streamable.Pipeline[[]byte]
	manifests *streamable.Pipeline[content.Manifest]
	factory   FacadeFactory
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewLoader creates a loader whose fetches are children of root.
func NewLoader(root context.Context, cfg LoaderConfig) (*Loader, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("loader: fetcher is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("loader: facade factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = streamable.DefaultCacheSize
	}

	fetcher := cfg.Fetcher
	loadManifest := func(ctx context.Context, in streamable.Intention) (content.Manifest, error) {
		return content.FetchManifest(ctx, fetcher.Restrict(in.Sources), in.URL)
	}
	return &Loader{
		bytes: streamable.NewPipeline(root, content.BytesLoader(fetcher),
			streamable.WithCacheSize(cacheSize),
			streamable.WithLogger(logger),
			streamable.WithName("content"),
		),
		manifests: streamable.NewPipeline(root, loadManifest,
			streamable.WithCacheSize(cacheSize),
			streamable.WithLogger(logger),
			streamable.WithName("manifest"),
		),
		factory: cfg.Factory,
		logger:  logger,
		tracer:  tracer,
	}, nil
}

// Load fetches the definition, then fans out to the manifest, snapshot and
// script, joins them and only then creates the sandbox. id becomes the
// scene instance id. Cancelling ctx releases every fetch this load holds.
//
// A missing or invalid manifest degrades to content.NoManifest and a
// missing snapshot to an empty one; any other failure fails the load.
func (l *Loader) Load(ctx context.Context, id string, req LoadRequest) (*Loaded, error) {
	ctx, span := l.tracer.Start(ctx, "scene.Load",
		trace.WithAttributes(
			attribute.String("scene_id", id),
			attribute.String("url", req.URL),
		),
	)
	defer span.End()

	loaded, err := l.load(ctx, id, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("definition_id", loaded.Data.Definition.ID),
		attribute.Bool("manifest", loaded.Data.Manifest.Present()),
		attribute.Int("snapshot_bytes", len(loaded.Data.Snapshot)),
	)
	return loaded, nil
}

func (l *Loader) load(ctx context.Context, id string, req LoadRequest) (*Loaded, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load scene %s: %w", id, err)
	}
	def, err := content.FetchSceneDefinition(ctx, pipelineFetcher{l: l, sources: req.Sources}, req.URL)
	if err != nil {
		return nil, fmt.Errorf("load scene %s: definition: %w", id, err)
	}

	data := Data{ID: id, Definition: def}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data.Manifest = l.manifest(gctx, id, def.ManifestURL(), req.Sources)
		return nil
	})
	g.Go(func() error {
		snapshot, err := l.fetch(gctx, def.MainCRDTURL(), req.Sources)
		if content.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		data.Snapshot = snapshot
		return nil
	})
	g.Go(func() error {
		script, err := l.fetch(gctx, def.ScriptURL(), req.Sources)
		if err != nil {
			return fmt.Errorf("script: %w", err)
		}
		data.Script = script
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load scene %s: %w", id, err)
	}

	sb, err := l.factory.Create(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("load scene %s: create facade: %w", id, err)
	}
	return &Loaded{Data: data, Sandbox: sb}, nil
}

func (l *Loader) fetch(ctx context.Context, url string, sources streamable.SourceMask) ([]byte, error) {
	h := l.bytes.Request(ctx, streamable.Intention{URL: url, Sources: sources})
	defer h.Release()
	return h.Await(ctx)
}

// pipelineFetcher reads through the loader's content pipeline, so
// definitions share its dedup and cache.
type pipelineFetcher struct {
	l       *Loader
	sources streamable.SourceMask
}

func (f pipelineFetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return f.l.fetch(ctx, url, f.sources)
}

func (l *Loader) manifest(ctx context.Context, id, url string, sources streamable.SourceMask) content.Manifest {
	h := l.manifests.Request(ctx, streamable.Intention{URL: url, Sources: sources})
	defer h.Release()
	m, err := streamable.WithFallback(ctx, h, content.NoManifest)
	if err != nil && ctx.Err() == nil {
		l.logger.Warn("scene manifest unavailable",
			"scene_id", id,
			"url", url,
			"error", err,
		)
	}
	return m
}

// Stats returns the content and manifest pipeline counters.
func (l *Loader) Stats() (contentStats, manifestStats streamable.Stats) {
	return l.bytes.Stats(), l.manifests.Stats()
}

// Close cancels every in-flight fetch.
func (l *Loader) Close() {
	l.bytes.Close()
	l.manifests.Close()
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scenesync/internal/geom"
	"github.com/roach88/scenesync/internal/partition"
	"github.com/roach88/scenesync/internal/scene"
	"github.com/roach88/scenesync/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database   string
	ContentDir string
	BaseURL    string
	Camera     []float64
	Duration   time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve <scene-url>...",
		Short: "Load scenes and run the main loop",
		Long: `Load scenes and run the main loop until interrupted.

Scene definitions are fetched from the configured content directory and
base URL. When a database is configured every batch, fault report and
checkpoint is recorded for later inspection and replay.

Example:
  scenesync serve --content-dir ./scenes plaza.json market.json
  scenesync serve --db ./scenes.db --camera 8,0,8 plaza.json --verbose`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides store.path)")
	cmd.Flags().StringVar(&opts.ContentDir, "content-dir", "", "local content directory (overrides streaming.content_dir)")
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "remote content origin (overrides streaming.base_url)")
	cmd.Flags().Float64SliceVar(&opts.Camera, "camera", nil, "initial camera position x,y,z")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")

	return cmd
}

func runServe(opts *ServeOptions, urls []string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.ContentDir != "" {
		cfg.Streaming.ContentDir = opts.ContentDir
	}
	if opts.BaseURL != "" {
		cfg.Streaming.BaseURL = opts.BaseURL
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	camera, err := cameraFlag(opts.Camera)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --camera", err)
	}
	sources, err := cfg.Streaming.SourceMask()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid streaming sources", err)
	}

	logger := opts.logger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	pools := scene.NewSharedPools(cfg.Pools.MaxPerClass)
	loader, err := scene.NewLoader(ctx, scene.LoaderConfig{
		Fetcher: cfg.Streaming.Fetcher(),
		Factory: scene.LuaFactory{
			InstructionBudget: cfg.Sandbox.InstructionBudget,
			Pools:             pools,
			Logger:            logger,
		},
		CacheSize: cfg.Streaming.CacheSize,
		Logger:    logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create loader", err)
	}
	defer loader.Close()

	orchCfg := scene.OrchestratorConfig{
		Loader:             loader,
		Containment:        cfg.Containment.Settings(),
		Partition:          cfg.Partition.Settings(),
		Pools:              pools,
		CheckpointEvery:    uint64(cfg.Store.CheckpointEvery),
		TickRate:           cfg.Loop.TickRate,
		MaxConcurrentLoads: cfg.Streaming.MaxConcurrentLoads,
		Logger:             logger,
	}
	if cfg.Store.Path != "" {
		logger.Info("opening database", "path", cfg.Store.Path)
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		last, err := st.GetLastSeq(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read database", err)
		}
		orchCfg.Recorder = st
		orchCfg.Seq = scene.NewSeqClockAt(last)
	}

	orch, err := scene.NewOrchestrator(orchCfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create orchestrator", err)
	}
	orch.SetCamera(camera)

	reqs := make([]scene.LoadRequest, len(urls))
	for i, u := range urls {
		reqs[i] = scene.LoadRequest{URL: u, Sources: sources}
	}
	ids, err := orch.Load(ctx, reqs...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenes", err)
	}
	for i, id := range ids {
		logger.Info("scene loading", "scene_id", id, "url", urls[i])
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Main loop started. Press Ctrl-C to stop.")
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "main loop error", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped after %d frames.\n", orch.Frame())
	return nil
}

// cameraFlag parses --camera. The camera looks down +Z.
func cameraFlag(v []float64) (partition.Camera, error) {
	cam := partition.Camera{Forward: geom.Vec3{Z: 1}}
	switch len(v) {
	case 0:
		return cam, nil
	case 3:
		cam.Position = geom.Vec3{X: v[0], Y: v[1], Z: v[2]}
		return cam, nil
	default:
		return cam, fmt.Errorf("want x,y,z, got %d values", len(v))
	}
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

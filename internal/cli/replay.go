package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Scene    string // optional - one scene only
}

// ReplaySceneResult holds the replay result for a single scene.
type ReplaySceneResult struct {
	Scene       string `json:"scene"`
	SnapshotSeq int64  `json:"snapshot_seq,omitempty"`
	Batches     int    `json:"batches"`
	Cells       int    `json:"cells"`
	Digest      string `json:"digest"`
	FullDigest  string `json:"full_digest"`
	Converged   bool   `json:"converged"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Scenes       []ReplaySceneResult `json:"scenes"`
	TotalScenes  int                 `json:"total_scenes"`
	AllConverged bool                `json:"all_converged"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the batch log and verify convergence",
		Long: `Rebuild every recorded scene's state twice: once from its latest
checkpoint plus the batches logged after it, once from the full batch log.
Both must produce the same state digest.

Exit codes:
  0 - Every scene converged
  1 - At least one scene diverged
  2 - Command error (database not found, etc.)

Examples:
  scenesync replay --db ./scenes.db
  scenesync replay --db ./scenes.db --scene 0190a3c4-...
  scenesync replay --db ./scenes.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Scene, "scene", "", "replay one scene only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	if err := checkDatabase(opts.Database); err != nil {
		return err
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := commandContext(cmd)
	records, err := selectScenes(ctx, st, opts.Scene)
	if err != nil {
		return err
	}

	result := ReplayResult{
		Scenes:       make([]ReplaySceneResult, 0, len(records)),
		TotalScenes:  len(records),
		AllConverged: true,
	}
	for _, rec := range records {
		sr, err := replayScene(ctx, st, rec.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay scene %s", rec.ID), err)
		}
		result.Scenes = append(result.Scenes, sr)
		if !sr.Converged {
			result.AllConverged = false
		}
	}

	if opts.Format == "json" {
		var failure *CLIError
		if !result.AllConverged {
			failure = &CLIError{Code: ErrCodeDiverged, Message: "replay diverged"}
		}
		return respond(cmd.OutOrStdout(), result, failure)
	}
	return outputReplayText(cmd.OutOrStdout(), result, opts.Verbose)
}

// replayScene rebuilds a scene from its checkpoint and from its full log.
func replayScene(ctx context.Context, st *store.Store, id string) (ReplaySceneResult, error) {
	state, res, err := st.ReplayState(ctx, id, nil)
	if err != nil {
		return ReplaySceneResult{}, err
	}
	digest, err := crdt.Digest(state)
	if err != nil {
		return ReplaySceneResult{}, err
	}

	full, err := fullReplay(ctx, st, id)
	if err != nil {
		return ReplaySceneResult{}, err
	}
	fullDigest, err := crdt.Digest(full)
	if err != nil {
		return ReplaySceneResult{}, err
	}

	return ReplaySceneResult{
		Scene:       id,
		SnapshotSeq: res.SnapshotSeq,
		Batches:     res.Batches,
		Cells:       state.Len(),
		Digest:      digest,
		FullDigest:  fullDigest,
		Converged:   digest == fullDigest,
	}, nil
}

// fullReplay applies every logged batch, ignoring checkpoints.
func fullReplay(ctx context.Context, st *store.Store, id string) (*crdt.State, error) {
	batches, err := st.ReadBatches(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	state := crdt.NewState()
	var msgs []crdt.Message
	for _, b := range batches {
		msgs = crdt.Decode(b.Payload, msgs[:0], nil)
		for _, m := range msgs {
			state.Apply(m)
		}
	}
	return state, nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(w io.Writer, result ReplayResult, verbose bool) error {
	fmt.Fprintf(w, "Replay Summary: %d scene(s)\n", result.TotalScenes)
	fmt.Fprintln(w)

	for _, s := range result.Scenes {
		status := "✓"
		if !s.Converged {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Scene: %s\n", status, s.Scene)
		fmt.Fprintf(w, "  Batches: %d after seq %d, %d cells\n", s.Batches, s.SnapshotSeq, s.Cells)
		if verbose || !s.Converged {
			fmt.Fprintf(w, "  Digest: %s\n", s.Digest)
			fmt.Fprintf(w, "  Full log digest: %s\n", s.FullDigest)
		}
		if !s.Converged {
			fmt.Fprintln(w, "  Warning: checkpoint and batch log disagree!")
		}
		fmt.Fprintln(w)
	}

	if result.AllConverged {
		fmt.Fprintln(w, "✓ All scenes converged")
		return nil
	}

	fmt.Fprintln(w, "✗ Replay diverged")
	return NewExitError(ExitFailure, "replay diverged")
}

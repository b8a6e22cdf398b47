package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/scenesync/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	Scene    string // optional - one scene only
}

// SceneSummary describes one recorded scene.
type SceneSummary struct {
	ID           string         `json:"id"`
	Definition   string         `json:"definition"`
	Base         [3]float64     `json:"base"`
	Batches      map[string]int `json:"batches"`
	SnapshotSeq  int64          `json:"snapshot_seq,omitempty"`
	Digest       string         `json:"digest,omitempty"`
	Cells        int            `json:"cells,omitempty"`
	FaultReports []FaultSummary `json:"fault_reports,omitempty"`
}

// FaultSummary describes one recorded fault report.
type FaultSummary struct {
	Seq      int64    `json:"seq"`
	Category string   `json:"category"`
	Faults   []string `json:"faults"`
}

// InspectResult holds the overall result.
type InspectResult struct {
	Scenes  []SceneSummary `json:"scenes"`
	LastSeq int64          `json:"last_seq"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize a recorded database",
		Long: `Summarize what a database recorded: every scene with its batch counts
per origin, its latest checkpoint and its fault reports.

Examples:
  scenesync inspect --db ./scenes.db
  scenesync inspect --db ./scenes.db --scene 0190a3c4-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Scene, "scene", "", "inspect one scene only")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
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

	result := InspectResult{Scenes: make([]SceneSummary, 0, len(records))}
	if result.LastSeq, err = st.GetLastSeq(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to read database", err)
	}
	for _, rec := range records {
		summary, err := summarizeScene(ctx, st, rec)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to inspect scene %s", rec.ID), err)
		}
		result.Scenes = append(result.Scenes, summary)
	}

	if opts.Format == "json" {
		return respond(cmd.OutOrStdout(), result, nil)
	}
	outputInspectText(cmd.OutOrStdout(), result, opts.Verbose)
	return nil
}

// selectScenes returns every recorded scene, or only the named one.
func selectScenes(ctx context.Context, st *store.Store, id string) ([]store.SceneRecord, error) {
	records, err := st.ReadScenes(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read scenes", err)
	}
	if id == "" {
		return records, nil
	}
	for _, rec := range records {
		if rec.ID == id {
			return []store.SceneRecord{rec}, nil
		}
	}
	return nil, NewExitError(ExitCommandError, fmt.Sprintf("scene not found: %s", id))
}

func summarizeScene(ctx context.Context, st *store.Store, rec store.SceneRecord) (SceneSummary, error) {
	base := rec.Definition.Base
	summary := SceneSummary{
		ID:         rec.ID,
		Definition: rec.Definition.ID,
		Base:       [3]float64{base.X, base.Y, base.Z},
		Batches:    make(map[string]int),
	}

	counts, err := st.CountBatches(ctx, rec.ID)
	if err != nil {
		return summary, err
	}
	for origin, n := range counts {
		summary.Batches[string(origin)] = n
	}

	snap, ok, err := st.ReadLatestSnapshot(ctx, rec.ID)
	if err != nil {
		return summary, err
	}
	if ok {
		summary.SnapshotSeq = snap.Seq
		summary.Digest = snap.Digest
		summary.Cells = snap.Cells
	}

	reports, err := st.ReadFaultReports(ctx, rec.ID)
	if err != nil {
		return summary, err
	}
	for _, r := range reports {
		summary.FaultReports = append(summary.FaultReports, FaultSummary{
			Seq:      r.Seq,
			Category: r.Category,
			Faults:   r.Faults,
		})
	}
	return summary, nil
}

func outputInspectText(w io.Writer, result InspectResult, verbose bool) {
	fmt.Fprintf(w, "Scenes: %d (last seq %d)\n", len(result.Scenes), result.LastSeq)
	for _, s := range result.Scenes {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s (%s) at %v\n", s.ID, s.Definition, s.Base)
		fmt.Fprintf(w, "  Batches: %d bootstrap, %d host, %d scene\n",
			s.Batches[string(store.OriginBootstrap)],
			s.Batches[string(store.OriginHost)],
			s.Batches[string(store.OriginScene)],
		)
		if s.Digest != "" {
			fmt.Fprintf(w, "  Checkpoint: seq %d, %d cells, digest %s\n", s.SnapshotSeq, s.Cells, s.Digest)
		} else {
			fmt.Fprintln(w, "  Checkpoint: none")
		}
		for _, r := range s.FaultReports {
			fmt.Fprintf(w, "  Fault report: seq %d, %s, %d fault(s)\n", r.Seq, r.Category, len(r.Faults))
			if verbose {
				for _, f := range r.Faults {
					fmt.Fprintf(w, "    %s\n", f)
				}
			}
		}
	}
}

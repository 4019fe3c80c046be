package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/apstic/recsync/internal/engine"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Direction string // "both" | "up" | "down"
	BatchSize int
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync cycle against the master",
		Long: `Push local pending changes to the master, then pull and apply
foreign changes from the master's log.

Runs only on a child node. A result with per-entry errors still exits
non-zero so schedulers notice partial failures.

Example:
  recsync sync --config child.yaml
  recsync sync --direction up --batch 100`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Direction, "direction", "both", "sync direction (both|up|down)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch", 0, "entries per batch (0 = configured default)")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	n, err := openNode(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer n.Close()

	batch := opts.BatchSize
	if batch <= 0 {
		batch = n.cfg.BatchSize
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	switch opts.Direction {
	case "both":
		res := n.engine.SyncBidirectional(ctx)
		if err := out.Emit(res, func(w io.Writer) {
			renderResult(w, res.SyncUp)
			renderResult(w, res.SyncDown)
		}); err != nil {
			return err
		}
		if res.Status == engine.StatusError {
			return NewExitError(ExitSyncFailure, "sync completed with errors")
		}
	case "up":
		res := n.engine.SyncUp(ctx, batch)
		if err := emitResult(out, res); err != nil {
			return err
		}
	case "down":
		res := n.engine.SyncDown(ctx, batch)
		if err := emitResult(out, res); err != nil {
			return err
		}
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid direction %q", opts.Direction))
	}

	return nil
}

func emitResult(out *OutputFormatter, res *engine.Result) error {
	if err := out.Emit(res, func(w io.Writer) { renderResult(w, res) }); err != nil {
		return err
	}
	return exitOnFailure(res)
}

// exitOnFailure converts a degraded result into a non-zero exit so
// cron-style schedulers notice partial failures.
func exitOnFailure(res *engine.Result) error {
	if res.Status == engine.StatusError || res.Failed > 0 {
		return NewExitError(ExitSyncFailure, "sync completed with errors")
	}
	return nil
}

// renderResult writes the human-readable form of one direction's result.
func renderResult(w io.Writer, res *engine.Result) {
	if res.Status == engine.StatusError {
		fmt.Fprintf(w, "sync %s: error: %s\n", res.Direction, res.Message)
		return
	}
	fmt.Fprintf(w, "sync %s: %d total, %d synced, %d failed, %d skipped",
		res.Direction, res.Total, res.Synced, res.Failed, res.Skipped)
	if res.Stats.Created+res.Stats.Updated+res.Stats.Submitted > 0 {
		fmt.Fprintf(w, " (created %d, updated %d, submitted %d)",
			res.Stats.Created, res.Stats.Updated, res.Stats.Submitted)
	}
	fmt.Fprintln(w)

	for _, ren := range res.CollisionsRenamed {
		fmt.Fprintf(w, "  renamed %s/%s -> %s\n", ren.RecordType, ren.OriginalID, ren.RenamedTo)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s (attempt %d): %s\n", e.Log, e.Attempt, e.Error)
	}
}

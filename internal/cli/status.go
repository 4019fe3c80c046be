package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/apstic/recsync/internal/engine"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show transaction log status counts",
		Long: `Report how many log entries are pending, failed, synced and
skipped. Counts are read directly from the log, never cached.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			n, err := openNode(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer n.Close()

			report := n.engine.Status(ctx)
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if err := out.Emit(report, func(w io.Writer) { renderStatus(w, report) }); err != nil {
				return err
			}
			if report.Status == engine.StatusError {
				return NewExitError(ExitCommandError, report.Message)
			}
			return nil
		},
	}
}

func renderStatus(w io.Writer, report *engine.StatusReport) {
	if report.Status == engine.StatusError {
		fmt.Fprintf(w, "status: error: %s\n", report.Message)
		return
	}
	fmt.Fprintf(w, "pending: %d\nfailed:  %d\nsynced:  %d\nskipped: %d\n",
		report.Pending, report.Failed, report.Synced, report.Skipped)
}

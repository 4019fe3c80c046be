package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/apstic/recsync/internal/txlog"
)

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	Limit int
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List log entries that have not synced",
		Long: `List pending, failed and skipped entries with their attempt
counts and last error, oldest first.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			n, err := openNode(ctx, opts.RootOptions)
			if err != nil {
				return err
			}
			defer n.Close()

			entries, err := n.engine.PendingLogs(ctx, opts.Limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "list pending entries", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Emit(entries, func(w io.Writer) { renderEntries(w, entries) })
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max entries to list (0 = default)")

	return cmd
}

func renderEntries(w io.Writer, entries []txlog.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no unsynced entries")
		return
	}
	for _, e := range entries {
		ts := time.Unix(0, e.Timestamp).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "%s  %s  %-7s %s/%s  status=%s attempts=%d",
			e.LogID, ts, e.Operation, e.RecordType, e.RecordID, e.SyncStatus, e.AttemptCount)
		if e.ErrorMessage != "" {
			fmt.Fprintf(w, "  error=%s", e.ErrorMessage)
		}
		fmt.Fprintln(w)
	}
}

package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

// RetryOptions holds flags for the retry command.
type RetryOptions struct {
	*RootOptions
	Limit int
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Reset failed entries and push again",
		Long: `Reset failed entries below the attempt ceiling back to pending
and immediately re-run the push. Skipped entries stay skipped.`,
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

			res := n.engine.RetryFailed(ctx, opts.Limit)
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if err := out.Emit(res, func(w io.Writer) { renderResult(w, res) }); err != nil {
				return err
			}
			return exitOnFailure(res)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max entries to retry (0 = default)")

	return cmd
}

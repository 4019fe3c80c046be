package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/apstic/recsync/internal/master"
)

// shutdownGrace bounds how long in-flight requests may run after a
// termination signal.
const shutdownGrace = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the master API server",
		Long: `Run the master's record and transaction-log API.

Only a node configured with role: master can serve. Children
authenticate with the configured api_key/api_secret pair, and every
mutation they apply is captured into the master's log tagged with the
child's device id.

Example:
  recsync serve --config master.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	n, err := openNode(parentCtx, rootOpts)
	if err != nil {
		return err
	}
	defer n.Close()

	if !n.cfg.IsMaster() {
		return NewExitError(ExitCommandError, "serve requires role: master")
	}

	srv := master.New(n.records, n.log, n.cfg.APIKey, n.cfg.APISecret, slog.Default())
	httpSrv := &http.Server{
		Addr:    n.cfg.Listen,
		Handler: srv.Router(),
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
		case <-ctx.Done():
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
		defer done()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	slog.Info("master listening", "addr", n.cfg.Listen, "db", n.cfg.DBPath)
	fmt.Fprintf(cmd.OutOrStdout(), "Master API listening on %s. Press Ctrl-C to stop.\n", n.cfg.Listen)

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitCommandError, "server error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

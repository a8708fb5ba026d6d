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

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/reconciler"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background reconciler until interrupted",
		Long: `Run the reconciler against the configured remote service.

The reconciler replays queued operations whenever connectivity is regained,
an operation is queued, or the periodic interval elapses. Connectivity is
probed in the background unless --offline is set. With --metrics-addr (or
metrics.addr) Prometheus metrics are served on /metrics.

Example:
  fieldsync run --db ./fieldsync.db --remote https://api.example.com
  fieldsync run -c fieldsync.yaml --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")

	return cmd
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	stack, err := openStack(ctx, cfg, reconciler.Events{
		OnPermanent: func(op reconciler.Operation) {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed to sync: op %d %s %s: %s\n", op.ID, op.Kind, op.Key(), op.LastError)
		},
	})
	if err != nil {
		return err
	}
	defer closeStack(stack)

	g, gctx := errgroup.WithContext(ctx)
	if stack.prober != nil {
		g.Go(func() error { return stack.prober.Run(gctx) })
	}
	if cfg.Metrics.Addr != "" {
		serveMetrics(gctx, g, stack, cfg.Metrics.Addr)
	}
	g.Go(func() error { return stack.reconciler.Run(gctx) })

	slog.Info("reconciler starting", "db", cfg.Database.Path, "remote", cfg.Remote.BaseURL, "offline", cfg.Connectivity.Offline)
	fmt.Fprintln(cmd.OutOrStdout(), "Reconciler started. Replaying queued operations...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "reconciler error", err)
	}

	slog.Info("reconciler stopped gracefully")
	return nil
}

// serveMetrics runs the metrics endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, g *errgroup.Group, stack *syncStack, addr string) {
	r := chi.NewRouter()
	r.Handle("/metrics", stack.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

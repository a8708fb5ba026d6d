package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote/fakeremote"
)

// FakeRemoteOptions holds flags for the fake-remote command.
type FakeRemoteOptions struct {
	*RootOptions
	Addr        string
	UniqueEmail bool
}

// NewFakeRemoteCommand creates the fake-remote command.
func NewFakeRemoteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FakeRemoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fake-remote",
		Short: "Serve an in-memory remote service for local testing",
		Long: `Serve an in-memory implementation of the remote API on --addr. It honors
Idempotency-Key headers, assigns sequential ids, and with --unique-email
rejects customers and sales representatives whose email is already taken.

Example:
  fieldsync fake-remote --addr :8080
  fieldsync run --remote http://localhost:8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFakeRemote(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().BoolVar(&opts.UniqueEmail, "unique-email", true, "reject duplicate customer and sales rep emails")

	return cmd
}

func runFakeRemote(opts *FakeRemoteOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fakeOpts := []fakeremote.Option{fakeremote.WithLogger(slog.Default())}
	if opts.UniqueEmail {
		fakeOpts = append(fakeOpts,
			fakeremote.WithValidator(model.EntityCustomer, fakeremote.UniqueField(model.EntityCustomer, "email")),
			fakeremote.WithValidator(model.EntitySalesRep, fakeremote.UniqueField(model.EntitySalesRep, "email")),
		)
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{Handler: fakeremote.New(fakeOpts...), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	fmt.Fprintf(cmd.OutOrStdout(), "Fake remote listening on http://%s\n", ln.Addr())

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "fake remote failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "fake remote shutdown", err)
	}
	slog.Info("fake remote stopped")
	return nil
}

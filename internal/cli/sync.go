package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/reconciler"
)

// SyncResult reports one reconciliation pass.
type SyncResult struct {
	Rounds      int             `json:"rounds"`
	Dispatched  int             `json:"dispatched"`
	Applied     int             `json:"applied"`
	Retried     int             `json:"retried"`
	Permanent   int             `json:"permanent"`
	Deferred    int             `json:"deferred"`
	Interrupted bool            `json:"interrupted"`
	Remaining   int             `json:"remaining"`
	Failed      []FailedOpEntry `json:"failed,omitempty"`
}

// FailedOpEntry is an operation that became permanent during the pass.
type FailedOpEntry struct {
	OpID   int64  `json:"op_id"`
	Entity string `json:"entity"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass and exit",
		Long: `Probe the remote service once and, when it is reachable, replay every
eligible queued operation.

Exit codes:
  0 - Pass completed; nothing became permanent
  1 - Remote unreachable, or at least one operation failed permanently
  2 - Command error (bad configuration, database cannot be opened, etc.)

Examples:
  fieldsync sync --db ./fieldsync.db
  fieldsync sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	var failed []FailedOpEntry
	stack, err := openStack(ctx, opts.Config, reconciler.Events{
		OnPermanent: func(op reconciler.Operation) {
			failed = append(failed, FailedOpEntry{
				OpID:   op.ID,
				Entity: op.Key().String(),
				Kind:   string(op.Kind),
				Error:  op.LastError,
			})
		},
	})
	if err != nil {
		return err
	}
	defer closeStack(stack)

	if !stack.probe(ctx) {
		if err := out.Error(string(model.ErrCodeNetworkUnavailable), "remote service is unreachable", opts.Config.HealthURL()); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "remote service is unreachable")
	}

	stats, err := stack.reconciler.RunOnce(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "reconciliation failed", err)
	}
	remaining, err := stack.queue.Depth(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}

	result := SyncResult{
		Rounds:      stats.Rounds,
		Dispatched:  stats.Dispatched,
		Applied:     stats.Applied,
		Retried:     stats.Retried,
		Permanent:   stats.Permanent,
		Deferred:    stats.Deferred,
		Interrupted: stats.Interrupted,
		Remaining:   remaining,
		Failed:      failed,
	}

	if opts.Format == "json" {
		if err := out.Success(result); err != nil {
			return err
		}
	} else {
		outputSyncText(out, result)
	}

	if result.Permanent > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) failed to sync", result.Permanent))
	}
	return nil
}

func outputSyncText(out *OutputFormatter, r SyncResult) {
	w := out.Writer
	fmt.Fprintf(w, "Sync pass: %d operation(s) dispatched in %d round(s)\n", r.Dispatched, r.Rounds)
	fmt.Fprintf(w, "  Applied:   %d\n", r.Applied)
	fmt.Fprintf(w, "  Retrying:  %d\n", r.Retried)
	fmt.Fprintf(w, "  Failed:    %d\n", r.Permanent)
	if r.Deferred > 0 {
		fmt.Fprintf(w, "  Deferred:  %d\n", r.Deferred)
	}
	fmt.Fprintf(w, "  Remaining: %d\n", r.Remaining)
	for _, f := range r.Failed {
		fmt.Fprintf(w, "  ✗ op %d %s %s: %s\n", f.OpID, f.Kind, f.Entity, f.Error)
	}
	if r.Interrupted {
		fmt.Fprintln(w, "Pass interrupted: connectivity lost")
	}
}

package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/queue"
)

// QueueListOptions holds flags for queue list.
type QueueListOptions struct {
	*RootOptions
	EntityType string
	Permanent  bool
	Limit      int
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued operations",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		Long: `List the operations waiting to be confirmed by the remote service, oldest
first. Operations with status "permanent" failed to sync and wait for
"fieldsync queue retry" or "fieldsync queue discard".

An operation becomes permanent in one of two ways:
  - the remote service rejected it during replay: it is frozen at once,
    RETRIES stays below the retry ceiling and LAST ERROR holds the rejection
  - it kept failing transiently: RETRIES reached the retry ceiling

Examples:
  fieldsync queue list
  fieldsync queue list --permanent --format json
  fieldsync queue list --type customer`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.EntityType, "type", "t", "", "only operations for this entity type")
	cmd.Flags().BoolVar(&opts.Permanent, "permanent", false, "only operations that failed to sync")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of operations (0 = all)")

	return cmd
}

func runQueueList(opts *QueueListOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	stack, err := openStack(ctx, opts.Config, noEvents)
	if err != nil {
		return err
	}
	defer closeStack(stack)

	filter := queue.Filter{EntityType: opts.EntityType, Limit: opts.Limit}
	if opts.Permanent {
		filter.Status = model.OpStatusPermanent
	}
	ops, err := stack.queue.List(ctx, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list operations", err)
	}
	if ops == nil {
		ops = []model.Operation{}
	}

	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		next := "-"
		if !op.NextAttemptAt.IsZero() && op.Status == model.OpStatusPending {
			next = op.NextAttemptAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			strconv.FormatInt(op.ID, 10),
			op.Key().String(),
			string(op.Kind),
			string(op.Status),
			strconv.Itoa(op.RetryCount),
			next,
			op.LastError,
		})
	}
	return opts.formatter(cmd).Table(ops,
		[]string{"OP", "ENTITY", "KIND", "STATUS", "RETRIES", "NEXT ATTEMPT", "LAST ERROR"},
		rows,
	)
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <op-id>",
		Short: "Return a failed operation to automatic replay",
		Long: `Reset the retry count of an operation that failed to sync so the
reconciler dispatches it again.

Example:
  fieldsync queue retry 12`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueAction(rootOpts, cmd, args[0], "retry")
		},
	}
}

func newQueueDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <op-id>",
		Short: "Drop a queued operation and abandon its local change",
		Long: `Remove an operation from the queue. The local change it carried is
abandoned; a create that was never confirmed also loses its cached record.

Example:
  fieldsync queue discard 12`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueAction(rootOpts, cmd, args[0], "discard")
		},
	}
}

func runQueueAction(opts *RootOptions, cmd *cobra.Command, rawID, action string) error {
	opID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid operation id %q", rawID), err)
	}

	ctx := cmd.Context()
	stack, err := openStack(ctx, opts.Config, noEvents)
	if err != nil {
		return err
	}
	defer closeStack(stack)

	switch action {
	case "retry":
		err = stack.coord.RetryFailed(ctx, opID)
	default:
		err = stack.coord.Acknowledge(ctx, opID)
	}
	if err != nil {
		out := opts.formatter(cmd)
		code := string(model.CodeOf(err))
		if code == "" {
			code = "QUEUE"
		}
		if ferr := out.Error(code, err.Error(), nil); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, fmt.Sprintf("failed to %s op %d", action, opID), err)
	}

	out := opts.formatter(cmd)
	if opts.Format == "json" {
		return out.Success(map[string]any{"op_id": opID, "action": action})
	}
	return out.Success(fmt.Sprintf("op %d: %s done", opID, action))
}

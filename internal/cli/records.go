package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/coordinator"
	"github.com/roach88/fieldsync/internal/model"
)

// maxPayloadWidth truncates payloads in text tables.
const maxPayloadWidth = 60

// ResultView is the printable form of a read or write result.
type ResultView struct {
	Kind          string        `json:"kind"`
	FromCache     bool          `json:"from_cache,omitempty"`
	QueuedOffline bool          `json:"queued_offline,omitempty"`
	Message       string        `json:"message,omitempty"`
	Code          string        `json:"code,omitempty"`
	Record        *model.Record `json:"record,omitempty"`
}

func viewOf(res model.Result) ResultView {
	v := ResultView{
		Kind:          res.Kind.String(),
		FromCache:     res.FromCache,
		QueuedOffline: res.QueuedOffline,
		Message:       res.Message,
		Record:        res.Record,
	}
	if res.Err != nil {
		v.Code = string(model.CodeOf(res.Err))
	}
	return v
}

// NewRecordsCommand creates the records command group.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Read and write cached records",
	}
	cmd.AddCommand(newRecordsListCommand(rootOpts))
	cmd.AddCommand(newRecordsGetCommand(rootOpts))
	cmd.AddCommand(newRecordsWriteCommand(rootOpts))
	return cmd
}

func newRecordsListCommand(rootOpts *RootOptions) *cobra.Command {
	var unsynced bool

	cmd := &cobra.Command{
		Use:   "list <entity-type>",
		Short: "List cached records of one entity type",
		Long: `List the locally cached records of an entity type without contacting
the remote service. Records in state "pending_local_change" carry changes
that are still queued.

Examples:
  fieldsync records list customer
  fieldsync records list order --unsynced --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openStack(ctx, rootOpts.Config, noEvents)
			if err != nil {
				return err
			}
			defer closeStack(stack)

			var records []model.Record
			if unsynced {
				records, err = stack.local.ListUnsynced(ctx, args[0])
			} else {
				records, err = stack.local.List(ctx, args[0])
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list records", err)
			}
			if records == nil {
				records = []model.Record{}
			}

			rows := make([][]string, 0, len(records))
			for _, rec := range records {
				rows = append(rows, []string{
					rec.ID,
					string(rec.SyncState),
					rec.UpdatedAt.Local().Format(time.DateTime),
					truncate(string(rec.Payload), maxPayloadWidth),
				})
			}
			return rootOpts.formatter(cmd).Table(records, []string{"ID", "STATE", "UPDATED", "PAYLOAD"}, rows)
		},
	}

	cmd.Flags().BoolVar(&unsynced, "unsynced", false, "only records with unconfirmed local changes")
	return cmd
}

func newRecordsGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity-type> <id>",
		Short: "Read a record through the cache",
		Long: `Read a record the way the application does: the cached value is shown
first, followed by the value fetched from the remote service when it is
reachable. Temporary ids of unconfirmed creates are accepted.

Example:
  fieldsync records get customer 42`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openStack(ctx, rootOpts.Config, noEvents)
			if err != nil {
				return err
			}
			defer closeStack(stack)
			stack.probe(ctx)

			var views []ResultView
			failed := false
			for res := range stack.coord.ReadThrough(ctx, args[0], args[1]) {
				views = append(views, viewOf(res))
				failed = res.IsError()
			}

			out := rootOpts.formatter(cmd)
			if rootOpts.Format == "json" {
				if err := out.Success(views); err != nil {
					return err
				}
			} else {
				for _, v := range views {
					printView(out, v)
				}
			}
			if failed {
				return NewExitError(ExitFailure, fmt.Sprintf("could not read %s/%s", args[0], args[1]))
			}
			return nil
		},
	}
}

func newRecordsWriteCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		kind string
		data string
	)

	cmd := &cobra.Command{
		Use:   "write <entity-type> [id]",
		Short: "Create, update or delete a record",
		Long: `Write a record through the sync coordinator. The remote service is
called directly when it is reachable; otherwise the change is queued and
replayed later. A create without an id receives a temporary id.

Exit codes:
  0 - Applied, or durably queued for later sync
  1 - Rejected (validation failure, conflict)
  2 - Command error

Examples:
  fieldsync records write customer --data '{"name":"Jane"}'
  fieldsync records write customer 42 --kind update --data '{"name":"Jane Doe"}'
  fieldsync records write visit 7 --kind delete`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := coordinator.Mutation{EntityType: args[0], Kind: model.OpKind(kind)}
			if len(args) == 2 {
				m.ID = args[1]
			}
			if m.Kind != model.OpDelete {
				if !json.Valid([]byte(data)) {
					return NewExitError(ExitCommandError, "--data must be a JSON object")
				}
				m.Payload = json.RawMessage(data)
			}

			ctx := cmd.Context()
			stack, err := openStack(ctx, rootOpts.Config, noEvents)
			if err != nil {
				return err
			}
			defer closeStack(stack)
			stack.probe(ctx)

			res, err := stack.coord.WriteThrough(ctx, m)
			if err != nil {
				return WrapExitError(ExitCommandError, "write failed", err)
			}

			out := rootOpts.formatter(cmd)
			v := viewOf(res)
			if rootOpts.Format == "json" {
				if err := out.Success(v); err != nil {
					return err
				}
			} else {
				printView(out, v)
			}
			if res.IsError() {
				return NewExitError(ExitFailure, "write rejected")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", string(model.OpCreate), "mutation kind (create|update|delete)")
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "JSON payload")
	return cmd
}

func printView(out *OutputFormatter, v ResultView) {
	w := out.Writer
	switch {
	case v.Kind == model.ResultLoading.String():
		fmt.Fprintln(w, "loading")
	case v.QueuedOffline:
		fmt.Fprint(w, "queued for sync")
		if v.Record != nil {
			fmt.Fprintf(w, ": %s/%s", v.Record.EntityType, v.Record.ID)
		}
		if v.Code != "" {
			fmt.Fprintf(w, " (%s)", v.Code)
		}
		fmt.Fprintln(w)
	case v.Record != nil && v.Kind == model.ResultSuccess.String():
		source := "remote"
		if v.FromCache {
			source = "cache"
		}
		fmt.Fprintf(w, "%s/%s [%s, %s]\n", v.Record.EntityType, v.Record.ID, source, v.Record.SyncState)
	case v.Kind == model.ResultSuccess.String():
		fmt.Fprintln(w, "ok")
	default:
		fmt.Fprintf(w, "Error [%s]: %s\n", v.Code, v.Message)
	}
	if v.Record != nil && len(v.Record.Payload) > 0 {
		fmt.Fprintf(w, "  %s\n", v.Record.Payload)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

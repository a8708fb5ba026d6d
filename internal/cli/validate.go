package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/schema"
)

// FieldErrorView is one schema violation.
type FieldErrorView struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	EntityType string           `json:"entity_type"`
	Valid      bool             `json:"valid"`
	Errors     []FieldErrorView `json:"errors,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Data string
	File string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <entity-type>",
		Short: "Validate a payload against the entity schema",
		Long: `Validate an entity payload against the embedded CUE schema without
touching the database or the remote service. Writes run the same check and
are rejected before they are sent or queued.

Exit codes:
  0 - Payload is valid
  1 - Payload violates the schema
  2 - Command error (unknown entity type, unreadable input)

Examples:
  fieldsync validate customer --data '{"name":"Jane","email":"jane@example.com"}'
  fieldsync validate order --file order.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "JSON payload")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the JSON payload from a file")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	return cmd
}

func runValidate(opts *ValidateOptions, entityType string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	validator, err := schema.New()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schema", err)
	}
	if !validator.Known(entityType) {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown entity type %q (known: %v)", entityType, model.EntityTypes()))
	}

	payload := []byte(opts.Data)
	if opts.File != "" {
		payload, err = os.ReadFile(opts.File)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read payload", err)
		}
	}
	if len(payload) == 0 {
		return NewExitError(ExitCommandError, "a payload is required (--data or --file)")
	}
	formatter.VerboseLog("Validating %d byte(s) against the %s schema", len(payload), entityType)

	result := ValidationResult{EntityType: entityType, Valid: true}
	if verr := validator.Validate(entityType, model.OpCreate, json.RawMessage(payload)); verr != nil {
		result.Valid = false
		result.Errors = fieldErrorViews(verr)
	}

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		outputValidationText(formatter, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%s payload is invalid", entityType))
	}
	return nil
}

func fieldErrorViews(err error) []FieldErrorView {
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		return []FieldErrorView{{Message: err.Error()}}
	}
	out := make([]FieldErrorView, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		out = append(out, FieldErrorView{Path: f.Path, Message: f.Message})
	}
	return out
}

func outputValidationText(out *OutputFormatter, result ValidationResult) {
	w := out.Writer
	if result.Valid {
		fmt.Fprintf(w, "✓ %s payload is valid\n", result.EntityType)
		return
	}
	fmt.Fprintf(w, "✗ %s payload is invalid:\n", result.EntityType)
	for _, e := range result.Errors {
		if e.Path != "" {
			fmt.Fprintf(w, "  %s: %s\n", e.Path, e.Message)
		} else {
			fmt.Fprintf(w, "  %s\n", e.Message)
		}
	}
}

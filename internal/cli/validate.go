package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaypoint/erpsync/internal/mapping"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <mappings-dir>",
		Short: "Validate CUE mapping profiles",
		Long: `Compile and validate every mapping profile in a directory, reporting
all findings rather than stopping at the first.

Example:
  erpsync validate ./mappings`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(rootOpts *RootOptions, dir string, cmd *cobra.Command) error {
	result, errs := mapping.Load(dir)
	f := formatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if len(errs) == 0 {
		if rootOpts.Format == "json" {
			return f.Success(map[string]any{
				"profiles": len(result.Profiles),
				"files":    result.FileCount,
			})
		}
		return f.Success(fmt.Sprintf("%d profile(s) valid across %d file(s)",
			len(result.Profiles), result.FileCount))
	}

	// Directory-level problems are command errors; profile findings are
	// validation failures.
	code := ExitFailure
	var le *mapping.LoadError
	if errors.As(errs[0], &le) {
		code = ExitCommandError
	}

	if rootOpts.Format == "json" {
		details := make([]string, len(errs))
		for i, e := range errs {
			details[i] = e.Error()
		}
		_ = f.Error("M000", fmt.Sprintf("%d finding(s)", len(errs)), details)
	} else {
		for _, e := range errs {
			fmt.Fprintln(cmd.OutOrStdout(), e.Error())
		}
	}

	return NewExitError(code, fmt.Sprintf("validation failed with %d finding(s)", len(errs)))
}

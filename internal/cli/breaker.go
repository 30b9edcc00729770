package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

// NewBreakerCommand creates the breaker command group.
func NewBreakerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset module circuit breakers",
	}

	cmd.AddCommand(newBreakerStatusCommand(rootOpts))
	cmd.AddCommand(newBreakerResetCommand(rootOpts))

	return cmd
}

// breakerRow is the JSON shape of one open circuit.
type breakerRow struct {
	Module   string `json:"module"`
	Failures int    `json:"failures"`
	OpenedAt string `json:"opened_at"`
}

func newBreakerStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show modules with an open circuit",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			open := a.breaker.OpenModules()
			rows := make([]breakerRow, 0, len(open))
			for module, state := range open {
				rows = append(rows, breakerRow{
					Module:   module,
					Failures: state.Failures,
					OpenedAt: time.Unix(state.OpenedAt, 0).UTC().Format(time.RFC3339),
				})
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].Module < rows[j].Module })

			f := formatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if rootOpts.Format == "json" {
				return f.Success(rows)
			}
			if len(rows) == 0 {
				return f.Success("all circuits closed")
			}
			for _, r := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: open since %s (%d consecutive unhealthy batches)\n",
					r.Module, r.OpenedAt, r.Failures)
			}
			return nil
		},
	}
}

func newBreakerResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "reset <module>",
		Short:         "Clear a module's breaker state",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.breaker.Reset(args[0]); err != nil {
				return WrapExitError(ExitCommandError, "reset failed", err)
			}

			f := formatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if rootOpts.Format == "json" {
				return f.Success(map[string]any{"module": args[0]})
			}
			return f.Success(fmt.Sprintf("breaker reset for %s", args[0]))
		},
	}
}

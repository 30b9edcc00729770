package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaypoint/erpsync/internal/engine"
	"github.com/relaypoint/erpsync/internal/mapping"
	"github.com/relaypoint/erpsync/internal/module"
)

// RunOptions holds flags and injection points for the run command.
type RunOptions struct {
	*RootOptions
	DryRun bool

	// Registry supplies the module handlers. The stock binary runs with an
	// empty registry (every job defers), which is still useful for dry-run
	// previews; embedding applications inject their handlers here.
	Registry *module.Registry

	// RunTokenGenerator overrides the run token generator (for testing).
	RunTokenGenerator engine.RunTokenGenerator
}

// NewRunCommand creates the run command with stock options.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return NewRunCommandWithOptions(&RunOptions{RootOptions: rootOpts})
}

// NewRunCommandWithOptions creates the run command around pre-built options.
// Embedding applications use this to inject their module registry.
func NewRunCommandWithOptions(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one page of due sync jobs",
		Long: `Run one sync pass: claim due jobs, dispatch them to module handlers,
and report how many completed. This is the entry point an external
scheduler invokes on its cadence.

Example:
  erpsync run --config /etc/erpsync/config.yaml
  erpsync run --config config.yaml --dry-run --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "preview routing decisions without syncing")

	return cmd
}

func runSync(opts *RunOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.MappingsDir != "" {
		result, errs := mapping.Load(a.cfg.MappingsDir)
		if len(errs) > 0 {
			return WrapExitError(ExitCommandError, "mapping profiles invalid", errs[0])
		}
		slog.Info("mapping profiles loaded",
			"dir", a.cfg.MappingsDir, "profiles", len(result.Profiles))
	}

	registry := opts.Registry
	if registry == nil {
		registry = module.NewRegistry()
	}

	engineOpts := []engine.Option{
		engine.WithPageSize(a.cfg.PageSize),
		engine.WithDryRun(opts.DryRun),
	}
	if opts.RunTokenGenerator != nil {
		engineOpts = append(engineOpts, engine.WithRunTokenGenerator(opts.RunTokenGenerator))
	}
	eng := engine.New(a.cfg.Tenant, a.queue, a.entities, a.breaker, registry, engineOpts...)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if opts.DryRun {
		plan, err := eng.Preview(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "dry run failed", err)
		}
		f := formatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
		if opts.Format == "json" {
			return f.Success(plan)
		}
		return f.Success(fmt.Sprintf("dry run: %d batch group(s), %d single(s), %d deferred",
			len(plan.Batches), len(plan.Singles), len(plan.Deferred)))
	}

	completed, err := eng.ProcessQueue(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "sync pass failed", err)
	}

	f := formatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Format == "json" {
		return f.Success(map[string]any{"completed": completed})
	}
	return f.Success(fmt.Sprintf("completed %d job(s)", completed))
}

// signalContext derives a context cancelled on SIGINT/SIGTERM from the
// command's context.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, stopping", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

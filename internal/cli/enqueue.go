package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaypoint/erpsync/internal/job"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Module     string
	EntityType string
	Action     string
	Direction  string
	LocalID    int64
	RemoteID   int64
	Payload    string
	Priority   int
}

// NewEnqueueCommand creates the enqueue command. It is the shim that save
// hooks and webhook receivers call to schedule sync work.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Schedule one sync job",
		Long: `Add a sync job to the queue. Enqueueing is idempotent against the
pending backlog: a job that duplicates a still-pending one returns the
existing job id.

Example:
  erpsync enqueue --module catalog --entity product --action create --local-id 42
  erpsync enqueue --module crm --entity contact --action update \
      --direction remote_to_local --remote-id 505`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Module, "module", "", "module key (required)")
	cmd.Flags().StringVar(&opts.EntityType, "entity", "", "entity type (required)")
	cmd.Flags().StringVar(&opts.Action, "action", "", "create|update|delete (required)")
	cmd.Flags().StringVar(&opts.Direction, "direction", string(job.LocalToRemote), "local_to_remote|remote_to_local")
	cmd.Flags().Int64Var(&opts.LocalID, "local-id", 0, "local record id")
	cmd.Flags().Int64Var(&opts.RemoteID, "remote-id", 0, "remote record id")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "serialized record snapshot (JSON)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "higher priority is claimed first")
	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	action := job.Action(opts.Action)
	switch action {
	case job.ActionCreate, job.ActionUpdate, job.ActionDelete:
	default:
		return NewExitError(ExitCommandError,
			fmt.Sprintf("invalid action %q: must be create, update, or delete", opts.Action))
	}

	direction := job.Direction(opts.Direction)
	switch direction {
	case job.LocalToRemote, job.RemoteToLocal:
	default:
		return NewExitError(ExitCommandError,
			fmt.Sprintf("invalid direction %q: must be local_to_remote or remote_to_local", opts.Direction))
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.queue.Enqueue(cmd.Context(), job.Job{
		TenantID:    a.cfg.Tenant,
		Module:      opts.Module,
		EntityType:  opts.EntityType,
		Direction:   direction,
		Action:      action,
		LocalID:     opts.LocalID,
		RemoteID:    opts.RemoteID,
		Payload:     []byte(opts.Payload),
		Priority:    opts.Priority,
		MaxAttempts: a.cfg.MaxAttempts,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "enqueue failed", err)
	}

	f := formatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Format == "json" {
		return f.Success(map[string]any{"id": id})
	}
	return f.Success(fmt.Sprintf("enqueued job %d", id))
}

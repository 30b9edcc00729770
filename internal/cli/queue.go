package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaypoint/erpsync/internal/job"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and operate on the job queue",
	}

	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueRequeueStaleCommand(rootOpts))

	return cmd
}

// jobRow is the JSON shape of one listed job.
type jobRow struct {
	ID         int64  `json:"id"`
	Module     string `json:"module"`
	EntityType string `json:"entity_type"`
	Direction  string `json:"direction"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List jobs, newest first",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				switch job.Status(status) {
				case job.StatusPending, job.StatusProcessing, job.StatusDone,
					job.StatusFailed, job.StatusDead:
				default:
					return NewExitError(ExitCommandError,
						fmt.Sprintf("invalid status %q", status))
				}
			}

			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.queue.List(cmd.Context(), a.cfg.Tenant, job.Status(status), limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "list failed", err)
			}

			rows := make([]jobRow, len(jobs))
			for i, j := range jobs {
				rows[i] = jobRow{
					ID:         j.ID,
					Module:     j.Module,
					EntityType: j.EntityType,
					Direction:  string(j.Direction),
					Action:     string(j.Action),
					Status:     string(j.Status),
					Attempts:   j.Attempts,
					LastError:  j.LastError,
				}
			}

			f := formatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if rootOpts.Format == "json" {
				return f.Success(rows)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMODULE\tENTITY\tACTION\tSTATUS\tATTEMPTS\tERROR")
			for _, r := range rows {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.Module, r.EntityType, r.Action, r.Status, r.Attempts, r.LastError)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")

	return cmd
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "retry <id>...",
		Short:         "Reset failed or dead jobs for an immediate retry",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, len(args))
			for i, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid job id %q", arg))
				}
				ids[i] = id
			}

			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			retried, err := a.queue.Retry(cmd.Context(), ids...)
			if err != nil {
				return WrapExitError(ExitCommandError, "retry failed", err)
			}
			if retried == 0 {
				return NewExitError(ExitFailure, "no failed or dead jobs matched")
			}

			f := formatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if rootOpts.Format == "json" {
				return f.Success(map[string]any{"retried": retried})
			}
			return f.Success(fmt.Sprintf("retried %d job(s)", retried))
		},
	}
}

func newQueueRequeueStaleCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:           "requeue-stale",
		Short:         "Return jobs stuck in processing to pending",
		Long:          "Recovery sweep for jobs claimed by a worker that died mid-pass.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.queue.RequeueStale(cmd.Context(), a.cfg.Tenant, olderThan)
			if err != nil {
				return WrapExitError(ExitCommandError, "requeue failed", err)
			}

			f := formatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if rootOpts.Format == "json" {
				return f.Success(map[string]any{"requeued": n})
			}
			return f.Success(fmt.Sprintf("requeued %d stale job(s)", n))
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "staleness cutoff for processing jobs")

	return cmd
}

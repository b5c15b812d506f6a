package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var batchID string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status [jobID]",
		Short: "Show job, batch, or overall status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if batchID != "" {
				batch, err := client.Batch(cmd.Context(), batchID)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, batch)
				}
				fmt.Fprint(out, renderBatchTable(batch))
				return nil
			}

			if len(args) == 1 {
				job, err := client.Job(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, job)
				}
				fmt.Fprint(out, renderJobTable(job))
				return nil
			}

			jobs, err := client.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs")
				return nil
			}
			fmt.Fprint(out, renderJobListTable(jobs))
			return nil
		},
	}

	cmd.Flags().StringVarP(&batchID, "batch", "b", "", "Show status for a batch instead of a job")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	var batchID string

	cmd := &cobra.Command{
		Use:   "cancel [jobID]",
		Short: "Cancel a job or a whole batch and withdraw queued work",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if batchID != "" {
				if len(args) != 0 {
					return fmt.Errorf("pass a job ID or --batch, not both")
				}
				cancelled, err := client.CancelBatch(cmd.Context(), batchID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch %s: %d jobs cancelled\n", batchID, cancelled)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("a job ID or --batch is required")
			}
			job, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.JobID, job.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&batchID, "batch", "b", "", "Cancel every member of the batch instead of one job")
	return cmd
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <jobID>",
		Short: "Re-run a failed or cancelled job from its first unfinished stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := client.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.JobID, job.Status)
			return nil
		},
	}
}

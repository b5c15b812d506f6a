package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var pipelineFile string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "batch <input>...",
		Short: "Submit a batch of jobs sharing one pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pipelineFile == "" {
				return fmt.Errorf("--pipeline is required for batch submission")
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			stages, kind, err := resolveStages(nil, pipelineFile, "")
			if err != nil {
				return err
			}

			inputs := make([]submitBody, 0, len(args))
			for _, arg := range args {
				input, err := resolveInput(cmd.Context(), client, arg, kind)
				if err != nil {
					return err
				}
				inputs = append(inputs, submitBody{Input: input, InputKind: kind, Stages: stages})
			}

			batchID, jobIDs, err := client.SubmitBatch(cmd.Context(), inputs)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, map[string]any{"batch_id": batchID, "job_ids": jobIDs})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Batch %s submitted with %d jobs\n", batchID, len(jobIDs))
			for _, id := range jobIDs {
				fmt.Fprintf(out, "  %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&pipelineFile, "pipeline", "p", "", "Pipeline definition YAML file")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of a table")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mediamill/internal/pipeline"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var kindFlag string
	var stageFlags []string
	var pipelineFile string
	var wait bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "submit <input>",
		Short: "Submit a transformation job",
		Long: `Submit a transformation job.

The input is either a local file (uploaded before submission) or an
already-stored artifact reference such as local://inputs/abc.mp4.
Stages come from repeated --stage flags or a --pipeline YAML file:

  mediamill submit clip.mp4 --stage convert:format=mp4,crf=20 --stage extract_audio
  mediamill submit clip.mp4 --pipeline podcast.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			stages, kind, err := resolveStages(stageFlags, pipelineFile, kindFlag)
			if err != nil {
				return err
			}

			input, err := resolveInput(cmd.Context(), client, args[0], kind)
			if err != nil {
				return err
			}

			job, err := client.SubmitJob(cmd.Context(), submitBody{
				Input:     input,
				InputKind: kind,
				Stages:    stages,
			})
			if err != nil {
				return err
			}

			if wait {
				job, err = waitForJob(cmd.Context(), client, job.JobID)
				if err != nil {
					return err
				}
			}

			if jsonOut {
				return writeJSON(cmd, job)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %s submitted (%d stages)\n", job.JobID, len(job.Stages))
			fmt.Fprint(out, renderJobTable(job))
			return nil
		},
	}

	cmd.Flags().StringVarP(&kindFlag, "kind", "k", "video", "Input artifact kind (video, audio, text)")
	cmd.Flags().StringArrayVarP(&stageFlags, "stage", "s", nil, "Stage to run, name[:param=value,...], repeatable")
	cmd.Flags().StringVarP(&pipelineFile, "pipeline", "p", "", "Pipeline definition YAML file")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Block until the job reaches a final status")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of a table")
	return cmd
}

// resolveStages merges the --stage flags and --pipeline file into one stage
// list, returning the effective input kind.
func resolveStages(stageFlags []string, pipelineFile, kindFlag string) ([]submitStage, string, error) {
	if pipelineFile != "" && len(stageFlags) > 0 {
		return nil, "", fmt.Errorf("--stage and --pipeline are mutually exclusive")
	}
	if pipelineFile != "" {
		def, err := pipeline.LoadDefinition(pipelineFile)
		if err != nil {
			return nil, "", err
		}
		stages := make([]submitStage, 0, len(def.Stages))
		for _, st := range def.Stages {
			stages = append(stages, submitStage{Name: st.Name, Params: st.Params})
		}
		return stages, string(def.Kind()), nil
	}
	if len(stageFlags) == 0 {
		return nil, "", fmt.Errorf("at least one --stage or a --pipeline file is required")
	}
	stages := make([]submitStage, 0, len(stageFlags))
	for _, raw := range stageFlags {
		stage, err := parseStageFlag(raw)
		if err != nil {
			return nil, "", err
		}
		stages = append(stages, stage)
	}
	return stages, kindFlag, nil
}

// parseStageFlag parses name[:param=value,param=value].
func parseStageFlag(raw string) (submitStage, error) {
	name, rest, hasParams := strings.Cut(strings.TrimSpace(raw), ":")
	if name == "" {
		return submitStage{}, fmt.Errorf("stage flag %q has no stage name", raw)
	}
	stage := submitStage{Name: name}
	if !hasParams || strings.TrimSpace(rest) == "" {
		return stage, nil
	}
	stage.Params = map[string]string{}
	for _, pair := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return submitStage{}, fmt.Errorf("stage flag %q has malformed parameter %q", raw, pair)
		}
		stage.Params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return stage, nil
}

// resolveInput uploads a local file and returns its reference, or passes an
// existing artifact reference through untouched.
func resolveInput(ctx context.Context, client *apiClient, input, kind string) (string, error) {
	if strings.HasPrefix(input, "local://") || strings.HasPrefix(input, "remote://") {
		return input, nil
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return "", fmt.Errorf("read input %s: %w", input, err)
	}
	view, err := client.UploadArtifact(ctx, kind, data)
	if err != nil {
		return "", err
	}
	return view.Artifact, nil
}

func waitForJob(ctx context.Context, client *apiClient, jobID string) (*jobView, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		job, err := client.Job(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case "succeeded", "failed", "cancelled":
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

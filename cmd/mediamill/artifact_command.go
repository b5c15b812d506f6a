package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newArtifactCommand(ctx *commandContext) *cobra.Command {
	artifactCmd := &cobra.Command{
		Use:   "artifact",
		Short: "Artifact utilities",
	}
	artifactCmd.AddCommand(newArtifactUploadCommand(ctx))
	artifactCmd.AddCommand(newArtifactURLCommand(ctx))
	return artifactCmd
}

func newArtifactUploadCommand(ctx *commandContext) *cobra.Command {
	var kindFlag string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file as an input artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			view, err := client.UploadArtifact(cmd.Context(), kindFlag, data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Uploaded %s (%d bytes, checksum %s)\n", view.Artifact, view.Size, view.Checksum)
			return nil
		},
	}

	cmd.Flags().StringVarP(&kindFlag, "kind", "k", "video", "Artifact kind (video, audio, text)")
	return cmd
}

func newArtifactURLCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "url <jobID>",
		Short: "Print a download URL for a job's final artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			ref, url, err := client.FinalArtifactURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Artifact: %s\n", ref)
			fmt.Fprintf(out, "URL:      %s\n", url)
			return nil
		},
	}
}

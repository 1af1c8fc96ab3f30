package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ragindex/internal/domain"
)

func NewIngestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <path|glob|dir>...",
		Short: "Ingest documents into the index",
		Long:  `Chunk, embed and index .txt, .md and .pdf files. Directories are walked recursively.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  makeIngestRunner(a),
	}

	cmd.Flags().Bool("parallel", false, "Ingest documents concurrently on the worker pool")
	cmd.Flags().StringToString("meta", nil, "Extra metadata attached to every chunk (key=value)")
	return cmd
}

func makeIngestRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		meta, _ := cmd.Flags().GetStringToString("meta")
		if cmd.Flags().Changed("parallel") {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			cfg.Ingest.Parallel, _ = cmd.Flags().GetBool("parallel")
		}

		svc, err := a.service(cmd)
		if err != nil {
			return err
		}
		out, err := svc.IngestDocuments(cmd.Context(), args, meta)
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}

		if wantJSON(cmd) {
			if err := writeJSON(cmd, out); err != nil {
				return err
			}
		} else {
			printBatch(cmd, out)
		}
		if out.Failed > 0 {
			return fmt.Errorf("%d of %d documents failed", out.Failed, out.Total)
		}
		return nil
	}
}

func printBatch(cmd *cobra.Command, out domain.BatchOutcome) {
	w := cmd.OutOrStdout()
	for _, r := range out.Results {
		if r.Success {
			fmt.Fprintf(w, "ok    %s (%d chunks)\n", r.Path, r.ChunksCreated)
		} else {
			fmt.Fprintf(w, "fail  %s: %s\n", r.Path, r.Error)
		}
	}
	fmt.Fprintf(w, "%d/%d documents, %d chunks in %s\n",
		out.Succeeded, out.Total, out.TotalChunks, out.Duration.Round(time.Millisecond))
}

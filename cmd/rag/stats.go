package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewStatsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show collection statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			stats := svc.CollectionStats(cmd.Context())
			if wantJSON(cmd) {
				return writeJSON(cmd, stats)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "backend:    %s\n", stats.BackendType)
			fmt.Fprintf(w, "status:     %s\n", stats.Status)
			fmt.Fprintf(w, "documents:  %d\n", stats.TotalDocuments)
			fmt.Fprintf(w, "chunks:     %d\n", stats.TotalChunks)
			fmt.Fprintf(w, "entries:    %d\n", stats.IndexedEntries)
			if !stats.LastUpdated.IsZero() {
				fmt.Fprintf(w, "updated:    %s\n", stats.LastUpdated.Format(time.RFC3339))
			}
			if stats.Error != "" {
				fmt.Fprintf(w, "error:      %s\n", stats.Error)
			}
			return nil
		},
	}

	cmd.AddCommand(newDocumentsCmd(a))
	return cmd
}

func newDocumentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "List recently ingested documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			docs, err := svc.ListDocuments(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return writeJSON(cmd, docs)
			}
			for _, d := range docs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %4d chunks  %s\n",
					d.IngestedAt.Format(time.DateTime), d.Chunks, d.Path)
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "Maximum documents")
	return cmd
}

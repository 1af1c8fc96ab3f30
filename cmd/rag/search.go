package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func NewSearchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE:  makeSearchRunner(a),
	}

	cmd.Flags().IntP("number", "k", 0, "Maximum results (default from config)")
	cmd.Flags().Bool("rerank", false, "Blend similarity with query term density")
	return cmd
}

func makeSearchRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("number")
		rerank, _ := cmd.Flags().GetBool("rerank")
		query := strings.Join(args, " ")

		svc, err := a.service(cmd)
		if err != nil {
			return err
		}
		docs, err := svc.Search(cmd.Context(), query, k, rerank)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}

		if wantJSON(cmd) {
			return writeJSON(cmd, docs)
		}
		w := cmd.OutOrStdout()
		if len(docs) == 0 {
			fmt.Fprintln(w, "no relevant documents")
			return nil
		}
		for _, d := range docs {
			fmt.Fprintf(w, "%2d. %.4f  %s  [%s]\n", d.Rank, d.RelevanceScore, d.ChunkID, d.SourceType)
			fmt.Fprintf(w, "    %s\n", snippet(d.Content, 160))
		}
		return nil
	}
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func NewRootCmd(version string, a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rag",
		Short:         "Document retrieval and vector indexing",
		Long:          `Ingest text and markdown documents into a vector index and search them by meaning.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.Close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgPath, "config", "", "Path to YAML config file (default ./config.yaml, then ~/.config/rag/config.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	rootCmd.AddCommand(
		NewIngestCmd(a),
		NewSearchCmd(a),
		NewStatsCmd(a),
		NewDeleteCmd(a),
		NewServeCmd(a),
		NewWatchCmd(a),
		NewTUICmd(a),
	)
	return rootCmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wantJSON(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}

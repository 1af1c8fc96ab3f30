package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"ragindex/internal/service"
	"ragindex/internal/summarizer"
	"ragindex/internal/tui"
)

func NewTUICmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tui [path|glob|dir]...",
		Short: "Interactive search",
		Long:  `Optionally ingest the given documents, then open an interactive search screen.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, _ := cmd.Flags().GetInt("number")
			sentences, _ := cmd.Flags().GetInt("summary")

			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			summary := ""
			if len(args) > 0 {
				out, err := svc.IngestDocuments(cmd.Context(), args, nil)
				if err != nil {
					return fmt.Errorf("ingest failed: %w", err)
				}
				summary, err = summarize(args, sentences)
				if err != nil {
					return err
				}
				summary = fmt.Sprintf("%d/%d documents ingested. %s", out.Succeeded, out.Total, summary)
			}

			m := tui.New(svc, summary, k, false)
			_, err = tea.NewProgram(m, tea.WithContext(cmd.Context()), tea.WithAltScreen()).Run()
			return err
		},
	}

	cmd.Flags().IntP("number", "k", 10, "Maximum results per query")
	cmd.Flags().Int("summary", summarizer.DefaultSentences, "Sentences in the header summary")
	return cmd
}

// summarize builds an extractive summary over the text of every ingestible
// file named by patterns.
func summarize(patterns []string, sentences int) (string, error) {
	paths, err := service.ExpandPaths(patterns)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		b.Write(data)
		b.WriteString("\n")
	}
	return summarizer.New().Summarize(b.String(), sentences), nil
}

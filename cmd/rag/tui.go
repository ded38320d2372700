package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kxddry/rag-retrieval/internal/tui"
)

func NewTUICmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tui [file ...]",
		Short: "Interactive query interface",
		Long:  `Optionally ingest .txt files, then open an interactive query interface.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			p, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			summary := fmt.Sprintf("Collection %s", p.cfg.VectorStore.Collection)
			if len(args) > 0 {
				res, err := p.service.IngestFiles(cmd.Context(), args)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				summary = fmt.Sprintf("Ingested %d chunks from %d files. %s", res.Inserted, len(res.Files), res.Summary)
			}

			m := tui.New(p.service, summary, limit)
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			return err
		},
	}
	cmd.Flags().IntP("limit", "n", tui.DefaultLimit, "Number of results per query")
	return cmd
}

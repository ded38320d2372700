package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func NewQueryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve the chunks closest to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE:  makeQueryRunner(a),
	}
	cmd.Flags().IntP("limit", "n", 0, "Number of results (default from config)")
	return cmd
}

func makeQueryRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")
		q := strings.Join(args, " ")

		p, err := a.open(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		hits, err := p.service.Query(cmd.Context(), q, limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}

		if asJSON {
			return writeJSON(cmd, hits)
		}
		if len(hits) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no results")
			return nil
		}
		for _, h := range hits {
			fmt.Fprintf(cmd.OutOrStdout(), "%d. [%.4f] %s\n", h.Rank, h.Score, strings.Join(strings.Fields(h.Text), " "))
		}
		return nil
	}
}

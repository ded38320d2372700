package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func NewRootCmd(version string, a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rag",
		Short:         "Semantic retrieval over your documents",
		Long:          `Chunk, embed and index text documents in a vector store, then retrieve the passages closest to a query.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	addPersistentFlags(rootCmd)
	rootCmd.AddCommand(
		NewIngestCmd(a),
		NewQueryCmd(a),
		NewTUICmd(a),
		NewCollectionCmd(a),
	)
	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "Path to YAML config file (default ./config.yaml or ~/.config/rag/config.yaml)")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

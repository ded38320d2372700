package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kxddry/rag-retrieval/internal/service"
)

func NewIngestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [file ...]",
		Short: "Chunk, embed and index documents",
		Long: `Ingest .txt files (glob patterns allowed), literal text given with --text,
or text read from stdin when neither is given.`,
		RunE: makeIngestRunner(a),
	}
	cmd.Flags().String("text", "", "Literal text to ingest")
	return cmd
}

func makeIngestRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		asJSON, _ := cmd.Flags().GetBool("json")

		p, err := a.open(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		var res service.IngestResult
		switch {
		case len(args) > 0:
			res, err = p.service.IngestFiles(cmd.Context(), args)
		case text != "":
			res, err = p.service.IngestDocument(cmd.Context(), text)
		default:
			data, rerr := io.ReadAll(cmd.InOrStdin())
			if rerr != nil {
				return fmt.Errorf("read stdin: %w", rerr)
			}
			res, err = p.service.IngestDocument(cmd.Context(), string(data))
		}
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}

		if asJSON {
			return writeJSON(cmd, res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ingested %d chunks into %s\n", res.Inserted, p.cfg.VectorStore.Collection)
		if res.Summary != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "summary: %s\n", res.Summary)
		}
		return nil
	}
}

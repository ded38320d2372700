package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewCollectionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Manage the vector collection",
	}
	cmd.AddCommand(newCollectionEnsureCmd(a), newCollectionStatusCmd(a))
	return cmd
}

func newCollectionEnsureCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Create the collection if missing and load it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			p, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			name := p.cfg.VectorStore.Collection
			if asJSON {
				return writeJSON(cmd, map[string]any{"collection": name, "created": p.created})
			}
			if p.created {
				fmt.Fprintf(cmd.OutOrStdout(), "created and loaded collection %s\n", name)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "collection %s already exists, loaded\n", name)
			}
			return nil
		},
	}
}

func newCollectionStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show load state and record count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			p, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			st, err := p.manager.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "collection: %s\nstate:      %s\nload state: %s\nrecords:    %d\ndimension:  %d\nmetric:     %s\nindex:      %s\n",
				st.Collection, st.State, st.LoadState, st.Records, st.Dimension, st.Metric, st.Algorithm)
			return nil
		},
	}
}

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/flowforge/corewf/internal/config"
	"github.com/flowforge/corewf/workflow/store"
)

func newStatusCmd(cfg **config.Config, out io.Writer) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a run's status and node states (requires a persisted store driver)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfg)
			if err != nil {
				return err
			}

			run, err := st.GetRun(cmd.Context(), runID)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			printRun(out, run)

			nodes, err := st.NodesForRun(cmd.Context(), runID)
			if err != nil {
				return fmt.Errorf("list nodes: %w", err)
			}
			for _, n := range nodes {
				printNode(out, n)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run to inspect")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func printNode(w io.Writer, n store.NodeRow) {
	fmt.Fprintf(w, "  node %-20s persona=%-12s status=%-10s attempt=%d\n", n.NodeID, n.Persona, n.Status, n.Attempt)
}

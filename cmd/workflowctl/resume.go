package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge/corewf/internal/config"
	"github.com/flowforge/corewf/workflow"
	"github.com/flowforge/corewf/workflow/broadcast"
)

func newResumeCmd(cfg **config.Config, out io.Writer) *cobra.Command {
	var runID, provider string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Rehydrate and resume a non-terminal run from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfg)
			if err != nil {
				return err
			}
			hub := broadcast.NewHub(st)
			registry, err := newRegistry(*cfg, st, hub, provider)
			if err != nil {
				return err
			}

			if _, err := registry.Get(cmd.Context(), runID); err != nil {
				return fmt.Errorf("resume run: %w", err)
			}
			fmt.Fprintf(out, "resuming run %s\n", runID)

			for {
				run, err := st.GetRun(cmd.Context(), runID)
				if err != nil {
					return fmt.Errorf("poll run: %w", err)
				}
				if workflow.RunStatus(run.Status).Terminal() {
					printRun(out, run)
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run to resume")
	cmd.Flags().StringVar(&provider, "provider", "", "chat provider (anthropic, openai, google); empty uses a scripted mock")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/flowforge/corewf/internal/config"
	"github.com/flowforge/corewf/workflow"
	"github.com/flowforge/corewf/workflow/broadcast"
)

func newApproveCmd(cfg **config.Config, out io.Writer) *cobra.Command {
	var runID, approvalID, reason string
	var approved, reject bool

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Resolve a pending approval_requested gate for a live run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if approved == reject {
				return fmt.Errorf("exactly one of --approve or --reject must be set")
			}

			st, err := openStore(*cfg)
			if err != nil {
				return err
			}
			hub := broadcast.NewHub(st)
			registry, err := newRegistry(*cfg, st, hub, "")
			if err != nil {
				return err
			}

			sup, err := registry.Get(cmd.Context(), runID)
			if err != nil {
				return fmt.Errorf("look up run: %w", err)
			}
			sched := sup.Scheduler()
			if sched == nil {
				return fmt.Errorf("run %s has no live scheduler yet; retry shortly", runID)
			}

			decision := workflow.ApprovalDecision{ApprovalID: approvalID, Approved: approved, Feedback: reason}
			if err := sched.RespondApproval(decision); err != nil {
				return fmt.Errorf("respond to approval: %w", err)
			}
			fmt.Fprintf(out, "recorded decision for approval %s on run %s\n", approvalID, runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run the approval belongs to")
	cmd.Flags().StringVar(&approvalID, "approval-id", "", "approval_requested id to resolve")
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason recorded with the decision")
	cmd.Flags().BoolVar(&approved, "approve", false, "approve the gated node")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the gated node")
	_ = cmd.MarkFlagRequired("run-id")
	_ = cmd.MarkFlagRequired("approval-id")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flowforge/corewf/internal/config"
	"github.com/flowforge/corewf/workflow"
	"github.com/flowforge/corewf/workflow/broadcast"
)

// linearPlanner turns a comma-separated persona list into a straight-line
// DAG, one node per persona, for smoke-testing the engine without a real
// LLM-backed planning stage.
type linearPlanner struct {
	personas []string
}

func (p *linearPlanner) Plan(ctx context.Context, task string) (workflow.Plan, error) {
	var plan workflow.Plan
	ids := make([]string, len(p.personas))
	for i, persona := range p.personas {
		id := fmt.Sprintf("node-%d-%s", i, persona)
		ids[i] = id
		plan.Nodes = append(plan.Nodes, workflow.PlannedNode{
			NodeID: id, Label: persona, Type: workflow.NodeTypeAgent,
			Persona: persona, Goal: task,
		})
	}
	for i := 0; i+1 < len(ids); i++ {
		plan.Edges = append(plan.Edges, workflow.PlannedEdge{From: ids[i], To: ids[i+1]})
	}
	return plan, nil
}

func newStartCmd(cfg **config.Config, out io.Writer) *cobra.Command {
	var task, personas, provider, runID string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Plan and start a new run",
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

			if runID == "" {
				runID = uuid.NewString()
			}
			sessionID := uuid.NewString()
			planner := &linearPlanner{personas: strings.Split(personas, ",")}

			if _, err := registry.StartRun(runID, sessionID, planner, task); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
			fmt.Fprintf(out, "started run %s (session %s)\n", runID, sessionID)

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

	cmd.Flags().StringVar(&task, "task", "", "task description handed to the planner")
	cmd.Flags().StringVar(&personas, "personas", "worker", "comma-separated persona list, one DAG node per persona")
	cmd.Flags().StringVar(&provider, "provider", "", "chat provider (anthropic, openai, google); empty uses a scripted mock")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated if omitted)")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

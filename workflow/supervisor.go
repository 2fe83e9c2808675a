package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowforge/corewf/workflow/broadcast"
	"github.com/flowforge/corewf/workflow/capture"
	"github.com/flowforge/corewf/workflow/store"
)

// PlannedNode and PlannedEdge are the planner's output shape: a proposed
// DAG topology for one run, before any node has executed.
type PlannedNode struct {
	NodeID      string
	Label       string
	Type        NodeType
	Persona     string
	Goal        string
	Description string
}

type PlannedEdge struct {
	From, To string
}

// Plan is what a Planner produces for one run.
type Plan struct {
	Nodes []PlannedNode
	Edges []PlannedEdge
}

// Planner is the external collaborator that turns a task description into
// a DAG topology; Supervisor bridges its output into a *DAG, per spec.md
// §4.8. Concrete implementations (an LLM-backed planner, a static
// template) live outside this package.
type Planner interface {
	Plan(ctx context.Context, task string) (Plan, error)
}

// Supervisor is the composition root for one live run: it builds or
// rehydrates the DAG, owns the CostAggregator and heartbeat goroutine, and
// drives a Scheduler to completion. One Supervisor exists per run; the
// Registry (C9) owns their lifecycle.
type Supervisor struct {
	runID, sessionID string
	st               store.Store
	hub              *broadcast.Hub
	cap              *capture.Pipeline
	cost             *CostAggregator

	dag       *DAG
	scheduler *Scheduler

	cancelHeartbeat context.CancelFunc
}

// NewSupervisor wires the ambient components (store, broadcaster, capture
// pipeline) a Supervisor needs regardless of which run it ends up driving.
func NewSupervisor(runID, sessionID string, st store.Store, hub *broadcast.Hub, cap *capture.Pipeline) *Supervisor {
	return &Supervisor{
		runID:     runID,
		sessionID: sessionID,
		st:        st,
		hub:       hub,
		cap:       cap,
		cost:      NewCostAggregator(),
	}
}

// StartNew bridges a planner's output into a fresh DAG, persists the run
// and its topology, walks it through draft -> planning -> executing, and
// starts the Scheduler. task describes the run for the Planner; exec
// drives each dispatched node (typically a *SessionFactory).
func (sup *Supervisor) StartNew(ctx context.Context, planner Planner, task string, exec NodeExecutor, workers int) error {
	plan, err := planner.Plan(ctx, task)
	if err != nil {
		return fmt.Errorf("plan run %s: %w", sup.runID, err)
	}

	dag := NewDAG(sup.runID)
	for _, pn := range plan.Nodes {
		dag.AddNode(&Node{
			NodeID: pn.NodeID, RunID: sup.runID, Label: pn.Label, Type: pn.Type,
			Status: NodeStatusPending, Persona: pn.Persona, Goal: pn.Goal, Description: pn.Description,
		})
	}
	for _, pe := range plan.Edges {
		if err := dag.AddEdge(pe.From, pe.To); err != nil {
			return fmt.Errorf("plan run %s: %w", sup.runID, err)
		}
	}

	if err := sup.st.CreateRun(ctx, store.RunRow{
		ID: sup.runID, SessionID: sup.sessionID, Task: task,
		Status: string(StatusDraft), CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("create run %s: %w", sup.runID, err)
	}
	sup.emitWorkflowStarted(ctx)

	if err := sup.st.UpdateRunState(ctx, sup.runID, StatusDraft, StatusPlanning, time.Now()); err != nil {
		return fmt.Errorf("transition run %s to planning: %w", sup.runID, err)
	}
	sup.emitStateChanged(ctx, StatusDraft, StatusPlanning)

	for _, n := range dag.Nodes() {
		if err := sup.st.UpsertNode(ctx, toNodeRow(n)); err != nil {
			return fmt.Errorf("persist node %s: %w", n.NodeID, err)
		}
	}
	for _, pe := range plan.Edges {
		if err := sup.st.UpsertEdge(ctx, store.EdgeRow{RunID: sup.runID, From: pe.From, To: pe.To}); err != nil {
			return fmt.Errorf("persist edge %s->%s: %w", pe.From, pe.To, err)
		}
	}

	sup.dag = dag
	log.Info().Str("run_id", sup.runID).Int("nodes", len(plan.Nodes)).Msg("run planned, starting scheduler")
	return sup.transitionAndRun(ctx, exec, workers, StatusPlanning)
}

// Resume rehydrates the DAG from the Event Store's durable nodes/edges,
// re-derives the ready set, and restarts the Scheduler, per spec.md §4.8's
// "on startup/resume, rehydrate C4 from C1" contract.
func (sup *Supervisor) Resume(ctx context.Context, exec NodeExecutor, workers int) error {
	run, err := sup.st.GetRun(ctx, sup.runID)
	if err != nil {
		return fmt.Errorf("resume run %s: %w", sup.runID, err)
	}
	if RunStatus(run.Status).Terminal() {
		return fmt.Errorf("resume run %s: already terminal (%s)", sup.runID, run.Status)
	}

	nodeRows, err := sup.st.NodesForRun(ctx, sup.runID)
	if err != nil {
		return fmt.Errorf("resume run %s: %w", sup.runID, err)
	}
	edgeRows, err := sup.st.EdgesForRun(ctx, sup.runID)
	if err != nil {
		return fmt.Errorf("resume run %s: %w", sup.runID, err)
	}

	nodes := make([]*Node, 0, len(nodeRows))
	for _, row := range nodeRows {
		nodes = append(nodes, fromNodeRow(row))
	}
	edges := make([]Edge, 0, len(edgeRows))
	for _, row := range edgeRows {
		edges = append(edges, Edge{RunID: row.RunID, From: row.From, To: row.To})
	}

	dag, err := Deserialize(sup.runID, nodes, edges)
	if err != nil {
		return fmt.Errorf("resume run %s: rebuild dag: %w", sup.runID, err)
	}
	sup.dag = dag

	log.Info().Str("run_id", sup.runID).Int("nodes", len(nodes)).Msg("run rehydrated from store, resuming scheduler")
	return sup.transitionAndRun(ctx, exec, workers, RunStatus(run.Status))
}

func (sup *Supervisor) transitionAndRun(ctx context.Context, exec NodeExecutor, workers int, from RunStatus) error {
	now := time.Now()
	if ValidTransition(from, StatusExecuting) {
		if err := sup.st.UpdateRunState(ctx, sup.runID, from, StatusExecuting, now); err != nil {
			return fmt.Errorf("transition run %s to executing: %w", sup.runID, err)
		}
		sup.emitStateChanged(ctx, from, StatusExecuting)
	}

	sup.scheduler = NewScheduler(sup.runID, sup.sessionID, sup.dag, sup.st, sup.cap, sup.hub, exec, workers)

	hbCtx, cancel := context.WithCancel(context.Background())
	sup.cancelHeartbeat = cancel
	go sup.hub.StartHeartbeat(hbCtx, sup.runID, sup.sessionID)

	err := sup.scheduler.Run(ctx)
	cancel()
	return err
}

// RecordLLMCall prices one LLM call and emits the resulting running total
// as a cost_update event, per spec.md §4.8.
func (sup *Supervisor) RecordLLMCall(ctx context.Context, model string, inputTokens, outputTokens int, nodeID string) {
	delta, total := sup.cost.RecordLLMCall(model, inputTokens, outputTokens, nodeID)
	_, _ = sup.cap.Capture(ctx, capture.Hook{
		RunID: sup.runID, NodeID: nodeID, SessionID: sup.sessionID,
		EventType: "cost_update",
		Meta:      map[string]interface{}{"delta_cost": delta, "running_total": total},
	})
}

// Scheduler exposes the live Scheduler for pause/resume/cancel/approval
// commands issued against this run.
func (sup *Supervisor) Scheduler() *Scheduler { return sup.scheduler }

// Shutdown stops this run's heartbeat goroutine; the Scheduler itself is
// left to finish or be cancelled by its own caller.
func (sup *Supervisor) Shutdown() {
	if sup.cancelHeartbeat != nil {
		sup.cancelHeartbeat()
	}
}

func (sup *Supervisor) emitWorkflowStarted(ctx context.Context) {
	_, _ = sup.cap.Capture(ctx, capture.Hook{
		RunID: sup.runID, SessionID: sup.sessionID,
		EventType: EventWorkflowStarted.String(),
	})
}

func (sup *Supervisor) emitStateChanged(ctx context.Context, from, to RunStatus) {
	_, _ = sup.cap.Capture(ctx, capture.Hook{
		RunID: sup.runID, SessionID: sup.sessionID,
		EventType: EventWorkflowStateChanged.String(),
		Meta:      map[string]interface{}{"from": string(from), "to": string(to)},
	})
}

// fromNodeRow reconstructs a Node from its persisted row, the inverse of
// toNodeRow in scheduler.go.
func fromNodeRow(row store.NodeRow) *Node {
	return &Node{
		NodeID:      row.NodeID,
		RunID:       row.RunID,
		Label:       row.Label,
		Type:        NodeType(row.Type),
		Status:      NodeStatus(row.Status),
		Persona:     row.Persona,
		StepIndex:   row.StepIndex,
		Goal:        row.Goal,
		Summary:     row.Summary,
		Description: row.Description,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
		ErrorMsg:    row.ErrorMsg,
		Retry:       RetryMeta{Attempt: row.Attempt, MaxAttempts: row.MaxAttempts},
	}
}

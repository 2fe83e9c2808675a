package workflow

import (
	"context"
	"testing"

	"github.com/flowforge/corewf/workflow/broadcast"
	"github.com/flowforge/corewf/workflow/capture"
	"github.com/flowforge/corewf/workflow/store"
)

type staticPlanner struct {
	plan Plan
	err  error
}

func (p *staticPlanner) Plan(ctx context.Context, task string) (Plan, error) {
	return p.plan, p.err
}

func linearPlan(ids ...string) Plan {
	var plan Plan
	for _, id := range ids {
		plan.Nodes = append(plan.Nodes, PlannedNode{NodeID: id, Label: id, Type: NodeTypeAgent, Persona: "worker"})
	}
	for i := 0; i+1 < len(ids); i++ {
		plan.Edges = append(plan.Edges, PlannedEdge{From: ids[i], To: ids[i+1]})
	}
	return plan
}

func newTestSupervisor(t *testing.T, runID string) (*Supervisor, store.Store) {
	t.Helper()
	st := store.NewMemStore(StoreTransitionValidator)
	hub := broadcast.NewHub(st)
	v, err := store.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	pipeline := capture.NewPipeline(st, hub, v)
	return NewSupervisor(runID, "session-1", st, hub, pipeline), st
}

func TestSupervisor_StartNewBuildsDAGAndRunsToCompletion(t *testing.T) {
	sup, st := newTestSupervisor(t, "run-sup-1")
	planner := &staticPlanner{plan: linearPlan("a", "b")}
	exec := newFakeExecutor()

	if err := sup.StartNew(context.Background(), planner, "do the thing", exec, 2); err != nil {
		t.Fatalf("StartNew failed: %v", err)
	}

	run, err := st.GetRun(context.Background(), "run-sup-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != string(StatusCompleted) {
		t.Errorf("expected completed, got %s", run.Status)
	}
	if exec.callCount("a") != 1 || exec.callCount("b") != 1 {
		t.Errorf("expected both nodes executed once, got a=%d b=%d", exec.callCount("a"), exec.callCount("b"))
	}
}

func TestSupervisor_ResumeRehydratesDAGFromStore(t *testing.T) {
	sup, st := newTestSupervisor(t, "run-sup-2")
	ctx := context.Background()

	// Simulate a prior process having persisted a run's topology (e.g. via
	// StartNew) but crashing before any node executed.
	if err := st.CreateRun(ctx, store.RunRow{ID: "run-sup-2", Status: string(StatusExecuting)}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := st.UpsertNode(ctx, store.NodeRow{NodeID: id, RunID: "run-sup-2", Status: string(NodeStatusPending)}); err != nil {
			t.Fatalf("UpsertNode(%s) failed: %v", id, err)
		}
	}
	if err := st.UpsertEdge(ctx, store.EdgeRow{RunID: "run-sup-2", From: "a", To: "b"}); err != nil {
		t.Fatalf("UpsertEdge failed: %v", err)
	}

	exec := newFakeExecutor()
	if err := sup.Resume(ctx, exec, 2); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	run, _ := st.GetRun(ctx, "run-sup-2")
	if run.Status != string(StatusCompleted) {
		t.Errorf("expected completed after resume, got %s", run.Status)
	}
	if exec.callCount("a") != 1 || exec.callCount("b") != 1 {
		t.Errorf("expected both rehydrated nodes executed once, got a=%d b=%d", exec.callCount("a"), exec.callCount("b"))
	}
}

func TestSupervisor_RecordLLMCallEmitsCostUpdate(t *testing.T) {
	sup, st := newTestSupervisor(t, "run-sup-3")
	_ = st.CreateRun(context.Background(), store.RunRow{ID: "run-sup-3", Status: string(StatusExecuting)})

	sup.RecordLLMCall(context.Background(), "gpt-4o", 1000, 500, "node-1")

	events, _ := st.EventsForRun(context.Background(), "run-sup-3", store.EventFilters{IncludeInternal: true})
	found := false
	for _, e := range events {
		if e.EventType == "cost_update" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a cost_update event, got %+v", events)
	}
	if sup.cost.TotalCost() <= 0 {
		t.Errorf("expected a positive total cost, got %f", sup.cost.TotalCost())
	}
}

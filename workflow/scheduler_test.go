package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/corewf/workflow/broadcast"
	"github.com/flowforge/corewf/workflow/capture"
	"github.com/flowforge/corewf/workflow/store"
)

// fakeExecutor completes every node immediately unless a per-node behavior
// is registered, mirroring the teacher's test doubles in graph/engine_test.go
// (small scripted Node[S] implementations keyed by node id).
type fakeExecutor struct {
	mu          sync.Mutex
	calls       map[string]int
	behavior    map[string]func(attempt int) (NodeOutcome, error)
	approvalIDs map[string]string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		calls:       make(map[string]int),
		behavior:    make(map[string]func(int) (NodeOutcome, error)),
		approvalIDs: make(map[string]string),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, nc *NodeContext, n *Node) (NodeOutcome, error) {
	f.mu.Lock()
	f.calls[n.NodeID]++
	behavior := f.behavior[n.NodeID]
	f.mu.Unlock()

	if behavior != nil {
		return behavior(nc.Attempt)
	}
	return NodeOutcome{Status: NodeStatusCompleted}, nil
}

func (f *fakeExecutor) callCount(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[nodeID]
}

func newTestScheduler(t *testing.T, dag *DAG, exec NodeExecutor, workers int) (*Scheduler, store.Store) {
	t.Helper()
	st := store.NewMemStore(StoreTransitionValidator)
	hub := broadcast.NewHub(st)
	v, err := store.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	pipeline := capture.NewPipeline(st, hub, v)

	if err := st.CreateRun(context.Background(), store.RunRow{ID: dag.RunID(), Status: string(StatusExecuting)}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	return NewScheduler(dag.RunID(), "session-1", dag, st, pipeline, hub, exec, workers), st
}

func linearDAG(t *testing.T, runID string, ids ...string) *DAG {
	t.Helper()
	d := NewDAG(runID)
	for _, id := range ids {
		d.AddNode(&Node{NodeID: id, RunID: runID, Type: NodeTypeAgent, Status: NodeStatusPending})
	}
	for i := 0; i < len(ids)-1; i++ {
		if err := d.AddEdge(ids[i], ids[i+1]); err != nil {
			t.Fatalf("AddEdge(%s, %s) failed: %v", ids[i], ids[i+1], err)
		}
	}
	return d
}

func TestScheduler_RunsLinearDAGToCompletion(t *testing.T) {
	dag := linearDAG(t, "run-1", "a", "b", "c")
	exec := newFakeExecutor()
	sched, st := newTestScheduler(t, dag, exec, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	run, err := st.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != string(StatusCompleted) {
		t.Errorf("expected run completed, got %s", run.Status)
	}
	for _, id := range []string{"a", "b", "c"} {
		if exec.callCount(id) != 1 {
			t.Errorf("expected node %s executed once, got %d", id, exec.callCount(id))
		}
	}
}

func TestScheduler_ParallelBranchesBothComplete(t *testing.T) {
	runID := "run-parallel"
	d := NewDAG(runID)
	d.AddNode(&Node{NodeID: "root", RunID: runID, Status: NodeStatusPending})
	d.AddNode(&Node{NodeID: "left", RunID: runID, Status: NodeStatusPending})
	d.AddNode(&Node{NodeID: "right", RunID: runID, Status: NodeStatusPending})
	d.AddNode(&Node{NodeID: "join", RunID: runID, Status: NodeStatusPending})
	_ = d.AddEdge("root", "left")
	_ = d.AddEdge("root", "right")
	_ = d.AddEdge("left", "join")
	_ = d.AddEdge("right", "join")

	exec := newFakeExecutor()
	sched, st := newTestScheduler(t, d, exec, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	run, _ := st.GetRun(ctx, runID)
	if run.Status != string(StatusCompleted) {
		t.Errorf("expected completed, got %s", run.Status)
	}
	for _, id := range []string{"root", "left", "right", "join"} {
		if exec.callCount(id) != 1 {
			t.Errorf("expected %s executed once, got %d", id, exec.callCount(id))
		}
	}
}

func TestScheduler_RetriesTransientFailureThenSucceeds(t *testing.T) {
	dag := linearDAG(t, "run-retry", "only")
	exec := newFakeExecutor()
	exec.behavior["only"] = func(attempt int) (NodeOutcome, error) {
		if attempt == 0 {
			return NodeOutcome{}, NewWorkflowError(KindTransient, "TRANSIENT", "flaky", nil)
		}
		return NodeOutcome{Status: NodeStatusCompleted}, nil
	}

	sched, _ := newTestScheduler(t, dag, exec, 1)
	sched.SetRetryPolicy(NodeTypeAgent, RetryPolicy{
		MaxAttempts: 3, BackoffInitial: time.Millisecond, BackoffMultiplier: 1.0, BackoffMax: 5 * time.Millisecond, Classifier: Classify,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if exec.callCount("only") != 2 {
		t.Errorf("expected 2 attempts (1 failure + 1 success), got %d", exec.callCount("only"))
	}
}

func TestScheduler_PerNodeTimeoutCountsAsAttemptFailure(t *testing.T) {
	dag := linearDAG(t, "run-timeout", "only")
	exec := newFakeExecutor()
	exec.behavior["only"] = func(attempt int) (NodeOutcome, error) {
		if attempt == 0 {
			time.Sleep(30 * time.Millisecond)
		}
		return NodeOutcome{Status: NodeStatusCompleted}, nil
	}

	sched, st := newTestScheduler(t, dag, exec, 1)
	sched.SetRetryPolicy(NodeTypeAgent, RetryPolicy{
		MaxAttempts: 3, BackoffInitial: time.Millisecond, BackoffMultiplier: 1.0, BackoffMax: 5 * time.Millisecond,
		Classifier: Classify, Timeout: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if exec.callCount("only") != 2 {
		t.Errorf("expected the first attempt to exceed its timeout and a second attempt to succeed, got %d calls", exec.callCount("only"))
	}
	run, _ := st.GetRun(ctx, "run-timeout")
	if run.Status != string(StatusCompleted) {
		t.Errorf("expected run completed after retrying past the timeout, got %s", run.Status)
	}
}

func TestScheduler_NonRetryableFailureFailsRun(t *testing.T) {
	dag := linearDAG(t, "run-fatal", "a", "b")
	exec := newFakeExecutor()
	exec.behavior["a"] = func(attempt int) (NodeOutcome, error) {
		return NodeOutcome{}, NewWorkflowError(KindFatal, "BOOM", "unrecoverable", nil)
	}

	sched, st := newTestScheduler(t, dag, exec, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	run, _ := st.GetRun(ctx, "run-fatal")
	if run.Status != string(StatusFailed) {
		t.Errorf("expected run failed, got %s", run.Status)
	}
	if exec.callCount("b") != 0 {
		t.Errorf("downstream node b should never execute after a's fatal failure, got %d calls", exec.callCount("b"))
	}

	nodeB, err := st.GetNode(ctx, "b", "run-fatal")
	if err != nil {
		t.Fatalf("GetNode(b) failed: %v", err)
	}
	if nodeB.Status != string(NodeStatusSkipped) {
		t.Errorf("expected b skipped, got %s", nodeB.Status)
	}
}

func TestScheduler_ApprovalGateSuspendsAndResumes(t *testing.T) {
	dag := linearDAG(t, "run-approval", "gate")
	resumed := make(chan struct{})
	customExec := &approvalExecutor{resumed: resumed}

	sched, st := newTestScheduler(t, dag, customExec, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	// Wait until the node is waiting on approval.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := st.GetNode(ctx, "gate", "run-approval")
		if err == nil && n.Status == string(NodeStatusWaitingApproval) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for node to reach waiting_approval")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sched.RespondApproval(ApprovalDecision{ApprovalID: "approve-1", Approved: true}); err != nil {
		t.Fatalf("RespondApproval failed: %v", err)
	}

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("executor never observed resumption")
	}

	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	run, _ := st.GetRun(ctx, "run-approval")
	if run.Status != string(StatusCompleted) {
		t.Errorf("expected completed after approval, got %s", run.Status)
	}
}

// approvalExecutor blocks the single node on an approval gate once, then
// completes once resumed.
type approvalExecutor struct {
	resumed chan struct{}
}

func (a *approvalExecutor) Execute(ctx context.Context, nc *NodeContext, n *Node) (NodeOutcome, error) {
	if nc.Attempt == 0 {
		_, err := nc.AwaitApproval(ctx, "approve-1")
		if err != nil {
			return NodeOutcome{}, err
		}
		close(a.resumed)
	}
	return NodeOutcome{Status: NodeStatusCompleted}, nil
}

func TestScheduler_CancelSkipsRemainingNodes(t *testing.T) {
	dag := linearDAG(t, "run-cancel", "a", "b")
	exec := newFakeExecutor()
	blockA := make(chan struct{})
	exec.behavior["a"] = func(attempt int) (NodeOutcome, error) {
		<-blockA
		return NodeOutcome{}, context.Canceled
	}

	sched, st := newTestScheduler(t, dag, exec, 1)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	sched.Cancel()
	close(blockA)

	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	run, _ := st.GetRun(ctx, "run-cancel")
	if run.Status != string(StatusCancelled) {
		t.Errorf("expected cancelled, got %s", run.Status)
	}
	nodeB, _ := st.GetNode(ctx, "b", "run-cancel")
	if nodeB.Status != string(NodeStatusSkipped) {
		t.Errorf("expected b skipped after cancel, got %s", nodeB.Status)
	}
}

func TestScheduler_ListResumableNodes(t *testing.T) {
	dag := linearDAG(t, "run-resume", "a", "b", "c")
	exec := newFakeExecutor()
	exec.behavior["b"] = func(attempt int) (NodeOutcome, error) {
		return NodeOutcome{}, NewWorkflowError(KindFatal, "BOOM", "dead", nil)
	}
	sched, _ := newTestScheduler(t, dag, exec, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	resumable := sched.ListResumableNodes()
	if len(resumable) != 2 {
		t.Fatalf("expected 2 resumable nodes (a completed, b failed), got %d: %v", len(resumable), resumable)
	}
}

func TestScheduler_PlayFromNodeClonesAndResetsDownstream(t *testing.T) {
	dag := linearDAG(t, "run-src", "a", "b", "c")
	exec := newFakeExecutor()
	sched, st := newTestScheduler(t, dag, exec, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	copied, err := PlayFromNode(ctx, st, "run-src", "b", "run-fork")
	if err != nil {
		t.Fatalf("PlayFromNode failed: %v", err)
	}
	if copied == 0 {
		t.Error("expected at least one event copied")
	}

	forkC, err := st.GetNode(ctx, "c", "run-fork")
	if err != nil {
		t.Fatalf("GetNode(c, run-fork) failed: %v", err)
	}
	if forkC.Status != string(NodeStatusPending) {
		t.Errorf("expected downstream node reset to pending, got %s", forkC.Status)
	}

	srcC, err := st.GetNode(ctx, "c", "run-src")
	if err != nil {
		t.Fatalf("GetNode(c, run-src) failed: %v", err)
	}
	if srcC.Status != string(NodeStatusCompleted) {
		t.Errorf("source run must be unmodified, got %s", srcC.Status)
	}
}

func TestScheduler_PlayFromNodeRejectsNonTerminalPivot(t *testing.T) {
	st := store.NewMemStore(StoreTransitionValidator)
	_ = st.CreateRun(context.Background(), store.RunRow{ID: "run-live", Status: string(StatusExecuting)})
	_ = st.UpsertNode(context.Background(), store.NodeRow{RunID: "run-live", NodeID: "b", Status: string(NodeStatusPending)})

	_, err := PlayFromNode(context.Background(), st, "run-live", "b", "run-live-fork")
	if !errors.Is(err, ErrNotResumable) {
		t.Errorf("expected ErrNotResumable for a pending pivot, got %v", err)
	}
}

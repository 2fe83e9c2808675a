package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowforge/corewf/workflow/broadcast"
	"github.com/flowforge/corewf/workflow/capture"
	"github.com/flowforge/corewf/workflow/store"
)

// NodeOutcome is what a NodeExecutor reports back to the Scheduler once a
// node's work concludes. Status must be NodeStatusCompleted or
// NodeStatusFailed; any other value is a programmer error.
type NodeOutcome struct {
	Status   NodeStatus
	Summary  string
	ErrorMsg string
	Payload  map[string]interface{}
}

// NodeContext is the Scheduler-provided handle an executor uses to cooperate
// with scheduling concerns it doesn't own directly: approval gates and
// cancellation. It generalizes the teacher's plain context.Context node
// argument into a small capability object, the way trpc-agent-go's
// GraphInterrupt/ResumeCommand separate "interrupt now" from "resume later"
// without the node author managing channels itself.
type NodeContext struct {
	s       *Scheduler
	nodeID  string
	Attempt int
}

// AwaitApproval blocks until approvalID is resolved via RespondApproval,
// transitioning the node to waiting_approval and releasing its worker slot
// back to the pool for the duration of the wait, per spec.md §4.6.
func (nc *NodeContext) AwaitApproval(ctx context.Context, approvalID string) (ApprovalDecision, error) {
	return nc.s.awaitApproval(ctx, nc.nodeID, approvalID)
}

// NodeExecutor runs one DAG node to completion or failure. It generalizes
// the teacher's Node[S] interface (Run(ctx, state) NodeResult[S]) by
// dropping the typed state parameter — state lives in the Event Store, not
// in a value threaded through the graph — and adding the NodeContext
// capability object for approval gates.
type NodeExecutor interface {
	Execute(ctx context.Context, nc *NodeContext, n *Node) (NodeOutcome, error)
}

// RetryPolicy configures a node's retry behavior on transient failure,
// mirroring spec.md §4.6's {max_attempts, backoff_initial, backoff_multiplier,
// backoff_max, error_classifier} contract.
type RetryPolicy struct {
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	Classifier        func(error) ErrorKind

	// Timeout bounds a single execution attempt; zero means unlimited. A
	// timed-out attempt surfaces as its context's error (classified like
	// any other error, so it is retried up to MaxAttempts unless a
	// Classifier says otherwise).
	Timeout time.Duration
}

// DefaultRetryPolicy matches spec.md's suggested defaults: three attempts,
// one-second initial backoff doubling up to thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BackoffInitial:    time.Second,
		BackoffMultiplier: 2.0,
		BackoffMax:        30 * time.Second,
		Classifier:        Classify,
	}
}

// delay computes the backoff duration before the given (0-based) retry
// attempt, using cenkalti/backoff's exponential calculator stepped by
// attempt count rather than wall-clock elapsed time, with a ±20%
// randomization applied to each step (so the result is jittered) —
// this replaces the teacher's hand-rolled sha256-seeded computeBackoff with
// the ecosystem's standard exponential-backoff implementation.
func (p RetryPolicy) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffInitial
	b.Multiplier = p.BackoffMultiplier
	b.MaxInterval = p.BackoffMax
	b.RandomizationFactor = 0.2
	b.Reset()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	if d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

func (p RetryPolicy) classify(err error) ErrorKind {
	if p.Classifier != nil {
		return p.Classifier(err)
	}
	return Classify(err)
}

// ApprovalDecision is the resolution of an approval_requested gate.
type ApprovalDecision struct {
	ApprovalID string
	Approved   bool
	Feedback   string
}

type nodeResult struct {
	nodeID string
	err    error
}

// Scheduler is the Scheduler (C6): ready-set computation, bounded-concurrency
// dispatch, retry with backoff, approval gates, pause/resume/cancel and
// play-from-node. It owns the only *dagHandle for its run's DAG, realizing
// the single-writer discipline documented on DAG.
type Scheduler struct {
	runID     string
	sessionID string

	dag     *DAG
	handle  *dagHandle
	st      store.Store
	capture *capture.Pipeline
	hub     *broadcast.Hub
	exec    NodeExecutor

	workers int
	sem     chan struct{}

	defaultPolicy RetryPolicy
	nodePolicies  map[string]RetryPolicy // keyed by NodeType

	mu        sync.Mutex
	paused    bool
	cancelled bool
	failed    bool
	inFlight  map[string]context.CancelFunc
	approvals map[string]chan ApprovalDecision
}

// NewScheduler constructs a Scheduler for one run. workers bounds concurrent
// node dispatch (spec.md's `W`).
func NewScheduler(runID, sessionID string, dag *DAG, st store.Store, cap *capture.Pipeline, hub *broadcast.Hub, exec NodeExecutor, workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		runID:         runID,
		sessionID:     sessionID,
		dag:           dag,
		handle:        newDAGHandle(dag),
		st:            st,
		capture:       cap,
		hub:           hub,
		exec:          exec,
		workers:       workers,
		sem:           make(chan struct{}, workers),
		defaultPolicy: DefaultRetryPolicy(),
		nodePolicies:  make(map[string]RetryPolicy),
		inFlight:      make(map[string]context.CancelFunc),
		approvals:     make(map[string]chan ApprovalDecision),
	}
}

// SetRetryPolicy overrides the retry policy for a given NodeType.
func (s *Scheduler) SetRetryPolicy(t NodeType, p RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodePolicies[string(t)] = p
}

func (s *Scheduler) retryPolicyFor(n *Node) RetryPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.nodePolicies[string(n.Type)]; ok {
		return p
	}
	return s.defaultPolicy
}

// Run drives the scheduling loop to completion: repeatedly dispatching the
// ready set, bounded by `workers`, until the run reaches a terminal state.
func (s *Scheduler) Run(ctx context.Context) error {
	results := make(chan nodeResult, s.workers*2)
	inFlight := 0

	dispatch := func() {
		if s.isPaused() || s.isCancelled() {
			return
		}
		for _, n := range s.dag.ReadySet() {
			select {
			case s.sem <- struct{}{}:
			default:
				return
			}
			inFlight++
			s.startNode(ctx, n, results)
		}
	}

	dispatch()

	for {
		if s.dag.AllTerminal() {
			if s.failed {
				return s.terminate(ctx, StatusFailed)
			}
			return s.terminate(ctx, StatusCompleted)
		}

		if inFlight > 0 {
			select {
			case <-ctx.Done():
				s.Cancel()
			case res := <-results:
				inFlight--
				<-s.sem
				if res.err != nil {
					s.failed = true
				}
				dispatch()
			}
			continue
		}

		// Nothing in flight and the run isn't terminal yet.
		if s.isCancelled() {
			s.skipRemaining(ctx)
			return s.terminate(ctx, StatusCancelled)
		}
		if s.isPaused() {
			select {
			case <-ctx.Done():
				s.Cancel()
			case <-time.After(50 * time.Millisecond):
				dispatch()
			}
			continue
		}
		if ready := s.dag.ReadySet(); len(ready) > 0 {
			// dispatch() had room (inFlight was 0, so the semaphore was
			// empty) but somehow left work undispatched; retry once rather
			// than spin-looping forever.
			dispatch()
			continue
		}
		// No in-flight work, nothing ready, not cancelled, not paused: the
		// remaining pending nodes are unreachable because a predecessor
		// failed without retry budget. Skip them and fail the run.
		s.skipRemaining(ctx)
		s.failed = true
	}
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Pause requests the scheduler stop dispatching new ready nodes. In-flight
// work is left to finish. Checked at every safe point per spec.md §4.6.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.emit(context.Background(), "", EventWorkflowPaused.String(), "", nil)
}

// Resume clears the pause flag so the loop resumes dispatching.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.emit(context.Background(), "", EventWorkflowResumed.String(), "", nil)
}

// Cancel is a one-way latch: in-flight node contexts are cancelled, no new
// node is ever dispatched again.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	cancels := make([]context.CancelFunc, 0, len(s.inFlight))
	for _, c := range s.inFlight {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// setStatus mutates the in-memory DAG (the only writer, per the dagHandle
// discipline) and mirrors the result into the store so list_resumable_nodes
// and play-from-node see up-to-date node rows without a separate rehydrate
// pass after every step.
func (s *Scheduler) setStatus(ctx context.Context, nodeID string, status NodeStatus, mutate func(*Node)) {
	s.handle.SetStatus(nodeID, status, mutate)
	if n := s.dag.Node(nodeID); n != nil {
		_ = s.st.UpsertNode(ctx, toNodeRow(n))
	}
}

func toNodeRow(n *Node) store.NodeRow {
	payload, err := json.Marshal(n.Payload)
	if err != nil || len(payload) == 0 {
		payload = []byte("{}")
	}
	return store.NodeRow{
		NodeID:      n.NodeID,
		RunID:       n.RunID,
		Label:       n.Label,
		Type:        string(n.Type),
		Status:      string(n.Status),
		Persona:     n.Persona,
		StepIndex:   n.StepIndex,
		Goal:        n.Goal,
		Summary:     n.Summary,
		Description: n.Description,
		StartedAt:   n.StartedAt,
		CompletedAt: n.CompletedAt,
		ErrorMsg:    n.ErrorMsg,
		Attempt:     n.Retry.Attempt,
		MaxAttempts: n.Retry.MaxAttempts,
		Payload:     payload,
	}
}

// skipRemaining marks every still-pending node skipped, used once no
// further progress is possible (cancellation, or a failed node whose
// downstream work can never become ready).
func (s *Scheduler) skipRemaining(ctx context.Context) {
	for _, n := range s.dag.Nodes() {
		if n.Status == NodeStatusPending {
			s.setStatus(ctx, n.NodeID, NodeStatusSkipped, nil)
		}
	}
}

// RespondApproval resolves a pending approval gate. Returns ErrNotResumable
// if approvalID has no pending waiter (already resolved, timed out, or never
// requested).
func (s *Scheduler) RespondApproval(d ApprovalDecision) error {
	s.mu.Lock()
	ch, ok := s.approvals[d.ApprovalID]
	if ok {
		delete(s.approvals, d.ApprovalID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval %s: %w", d.ApprovalID, ErrNotResumable)
	}
	ch <- d
	return nil
}

func (s *Scheduler) awaitApproval(ctx context.Context, nodeID, approvalID string) (ApprovalDecision, error) {
	ch := make(chan ApprovalDecision, 1)
	s.mu.Lock()
	s.approvals[approvalID] = ch
	s.mu.Unlock()

	s.setStatus(ctx, nodeID, NodeStatusWaitingApproval, nil)
	// Give the worker slot back to the pool for the duration of the wait.
	<-s.sem

	select {
	case d := <-ch:
		s.sem <- struct{}{}
		status := NodeStatusRunning
		s.setStatus(ctx, nodeID, status, nil)
		if !d.Approved {
			return d, NewWorkflowError(KindUserRejected, "USER_REJECTED", "approval rejected: "+d.Feedback, nil)
		}
		return d, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.approvals, approvalID)
		s.mu.Unlock()
		s.sem <- struct{}{}
		return ApprovalDecision{}, ctx.Err()
	}
}

// ListResumableNodes returns node IDs in {completed, failed}, each eligible
// as a play-from-node pivot per spec.md §4.6.
func (s *Scheduler) ListResumableNodes() []string {
	var out []string
	for _, n := range s.dag.Nodes() {
		if n.Status == NodeStatusCompleted || n.Status == NodeStatusFailed {
			out = append(out, n.NodeID)
		}
	}
	return out
}

// PlayFromNode forks runID at nodeID into a brand-new run: verifies the
// pivot is terminal or skipped, clones the DAG/events prefix via the store,
// and leaves the source run untouched. Returns the number of events copied
// into newRunID; the new run is not started and no Branch record is
// created.
func PlayFromNode(ctx context.Context, st store.Store, runID, nodeID, newRunID string) (int, error) {
	node, err := st.GetNode(ctx, nodeID, runID)
	if err != nil {
		return 0, err
	}
	ns := NodeStatus(node.Status)
	if !ns.Terminal() {
		return 0, ErrNotResumable
	}
	return st.CloneRunPrefix(ctx, runID, newRunID, nodeID)
}

// startNode dispatches one ready node: transitions it to running, emits
// node_started, then runs the executor with retry-on-transient-failure
// until it succeeds, fails permanently, or the node's context is cancelled.
func (s *Scheduler) startNode(ctx context.Context, n *Node, results chan<- nodeResult) {
	nodeCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.inFlight[n.NodeID] = cancel
	s.mu.Unlock()

	now := time.Now()
	s.setStatus(ctx, n.NodeID, NodeStatusRunning, func(nd *Node) {
		nd.StartedAt = &now
	})
	s.emit(nodeCtx, n.NodeID, EventNodeStarted.String(), "", nil)
	inflightNodes.WithLabelValues(s.runID).Inc()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, n.NodeID)
			s.mu.Unlock()
			cancel()
			inflightNodes.WithLabelValues(s.runID).Dec()
		}()

		policy := s.retryPolicyFor(n)
		attempt := 0
		for {
			nc := &NodeContext{s: s, nodeID: n.NodeID, Attempt: attempt}
			outcome, err := s.executeAttempt(nodeCtx, nc, n, policy.Timeout)
			if err == nil {
				nodeLatency.WithLabelValues(s.runID, n.NodeID, "success").Observe(float64(time.Since(now).Milliseconds()))
				s.completeNode(nodeCtx, n, outcome, attempt)
				results <- nodeResult{nodeID: n.NodeID}
				return
			}

			kind := policy.classify(err)
			retryable := kind == KindTransient || kind == KindRateLimited || (kind == KindLogic && attempt == 0)
			if !retryable || attempt+1 >= policy.MaxAttempts {
				if attempt > 0 {
					s.emit(nodeCtx, n.NodeID, EventStepRetryExhausted.String(), "", map[string]interface{}{
						"attempt": attempt, "error": err.Error(),
					})
				}
				nodeLatency.WithLabelValues(s.runID, n.NodeID, "failed").Observe(float64(time.Since(now).Milliseconds()))
				s.failNode(nodeCtx, n, err, kind)
				results <- nodeResult{nodeID: n.NodeID, err: err}
				return
			}

			nodeRetries.WithLabelValues(s.runID, n.NodeID, string(kind)).Inc()
			delay := policy.delay(attempt)
			s.setStatus(nodeCtx, n.NodeID, NodeStatusRetrying, nil)
			s.emit(nodeCtx, n.NodeID, EventStepRetryBackoff.String(), "", map[string]interface{}{
				"attempt": attempt, "delay_ms": delay.Milliseconds(), "error": err.Error(),
			})

			select {
			case <-time.After(delay):
			case <-nodeCtx.Done():
				nodeLatency.WithLabelValues(s.runID, n.NodeID, "failed").Observe(float64(time.Since(now).Milliseconds()))
				s.failNode(nodeCtx, n, nodeCtx.Err(), KindFatal)
				results <- nodeResult{nodeID: n.NodeID, err: nodeCtx.Err()}
				return
			}

			attempt++
			s.setStatus(nodeCtx, n.NodeID, NodeStatusRunning, nil)
			s.emit(nodeCtx, n.NodeID, EventStepRetryStarted.String(), "", map[string]interface{}{"attempt": attempt})
		}
	}()
}

// executeAttempt runs one executor attempt, bounding it by timeout when the
// node's policy sets one, per the teacher's timeout-precedence helper:
// a per-node-type override (via SetRetryPolicy) beats no limit at all.
func (s *Scheduler) executeAttempt(ctx context.Context, nc *NodeContext, n *Node, timeout time.Duration) (NodeOutcome, error) {
	if timeout <= 0 {
		return s.exec.Execute(ctx, nc, n)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	outcome, err := s.exec.Execute(attemptCtx, nc, n)
	if err == nil && attemptCtx.Err() == context.DeadlineExceeded {
		return outcome, fmt.Errorf("node %s exceeded timeout of %s: %w", n.NodeID, timeout, attemptCtx.Err())
	}
	return outcome, err
}

func (s *Scheduler) completeNode(ctx context.Context, n *Node, outcome NodeOutcome, attempt int) {
	now := time.Now()
	status := outcome.Status
	if status == "" {
		status = NodeStatusCompleted
	}
	s.setStatus(ctx, n.NodeID, status, func(nd *Node) {
		nd.CompletedAt = &now
		nd.Summary = outcome.Summary
	})
	if attempt > 0 {
		s.emit(ctx, n.NodeID, EventStepRetrySucceeded.String(), "", map[string]interface{}{"attempt": attempt})
	}
	s.emit(ctx, n.NodeID, EventNodeCompleted.String(), "", map[string]interface{}{
		"status": string(status), "summary": outcome.Summary,
	})
}

func (s *Scheduler) failNode(ctx context.Context, n *Node, err error, kind ErrorKind) {
	now := time.Now()
	s.setStatus(ctx, n.NodeID, NodeStatusFailed, func(nd *Node) {
		nd.CompletedAt = &now
		nd.ErrorMsg = err.Error()
	})
	s.emit(ctx, n.NodeID, EventErrorOccurred.String(), "", map[string]interface{}{
		"kind": string(kind), "message": err.Error(),
	})
	s.emit(ctx, n.NodeID, EventNodeCompleted.String(), "", map[string]interface{}{
		"status": string(NodeStatusFailed), "error": err.Error(),
	})
}

func (s *Scheduler) emit(ctx context.Context, nodeID, eventType, subtype string, meta map[string]interface{}) {
	if s.capture == nil {
		return
	}
	_, _ = s.capture.Capture(ctx, capture.Hook{
		RunID:        s.runID,
		NodeID:       nodeID,
		SessionID:    s.sessionID,
		EventType:    eventType,
		EventSubtype: subtype,
		Meta:         meta,
	})
}

// terminate performs the run-level state transition the scheduling loop
// concluded with, recording it via the store's compare-and-set and emitting
// the matching terminal event.
func (s *Scheduler) terminate(ctx context.Context, target RunStatus) error {
	// Detach from ctx's cancellation: a run that terminates *because* its
	// context was cancelled must still persist its final state and terminal
	// event (spec.md §5: "partial progress is always persisted").
	ctx = context.WithoutCancel(ctx)

	run, err := s.st.GetRun(ctx, s.runID)
	if err != nil {
		return err
	}
	from := RunStatus(run.Status)
	if from == target {
		return nil
	}
	if err := ValidateTransition(from, target); err != nil {
		return err
	}
	now := time.Now()
	if err := s.st.UpdateRunState(ctx, s.runID, store.RunStatus(from), store.RunStatus(target), now); err != nil {
		return err
	}

	eventType := ""
	switch target {
	case StatusFailed:
		eventType = EventWorkflowFailed.String()
	case StatusCancelled:
		eventType = EventWorkflowCancelled.String()
	case StatusCompleted:
		eventType = EventWorkflowCompleted.String()
	default:
		eventType = EventWorkflowStateChanged.String()
	}
	s.emit(ctx, "", eventType, "", map[string]interface{}{"from": string(from), "to": string(target)})
	if s.hub != nil {
		s.hub.CloseRun(s.runID)
	}
	return nil
}

// Package workflow implements the Workflow Execution Core: the lifecycle
// state machine, DAG model, scheduler, agent session, run supervisor and
// registry that together drive one multi-agent run from plan to terminal
// state.
package workflow

import "time"

// RunMode selects the execution strategy a Run follows.
type RunMode string

const (
	ModeOneShot         RunMode = "one_shot"
	ModePlanningControl RunMode = "planning_control"
	ModeChat            RunMode = "chat"
	ModeIdeaGeneration  RunMode = "idea_generation"
)

// RunStatus is a Run's lifecycle state. See lifecycle.go for the legal
// transition table.
type RunStatus string

const (
	StatusDraft            RunStatus = "draft"
	StatusPlanning         RunStatus = "planning"
	StatusExecuting        RunStatus = "executing"
	StatusPaused           RunStatus = "paused"
	StatusWaitingApproval  RunStatus = "waiting_approval"
	StatusCompleted        RunStatus = "completed"
	StatusFailed           RunStatus = "failed"
	StatusCancelled        RunStatus = "cancelled"
)

// Terminal reports whether status has no outgoing edges.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// NodeType classifies a DAG node's role.
type NodeType string

const (
	NodeTypePlanning   NodeType = "planning"
	NodeTypeControl    NodeType = "control"
	NodeTypeAgent      NodeType = "agent"
	NodeTypeApproval   NodeType = "approval"
	NodeTypeParallel   NodeType = "parallel"
	NodeTypeTerminator NodeType = "terminator"
)

// NodeStatus is a DAG node's execution state.
type NodeStatus string

const (
	NodeStatusPending          NodeStatus = "pending"
	NodeStatusRunning          NodeStatus = "running"
	NodeStatusCompleted        NodeStatus = "completed"
	NodeStatusFailed           NodeStatus = "failed"
	NodeStatusPaused           NodeStatus = "paused"
	NodeStatusWaitingApproval  NodeStatus = "waiting_approval"
	NodeStatusRetrying         NodeStatus = "retrying"
	NodeStatusSkipped          NodeStatus = "skipped"
)

// Terminal reports whether the node status admits no further scheduler
// transitions.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped:
		return true
	default:
		return false
	}
}

// Session is a user-scoped namespace holding many Runs.
type Session struct {
	ID             string
	Name           string
	CreatedAt      time.Time
	LastActiveAt   time.Time
	RunCount       int
	AggregatedCost float64
}

// Run is one end-to-end execution of a task (a.k.a. WorkflowRun).
type Run struct {
	ID              string
	SessionID       string
	Task            string
	Mode            RunMode
	PreferredAgent  string
	PreferredModel  string
	Status          RunStatus
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	AggregateCost   float64
	LastHeartbeatAt time.Time
	ModeConfig      map[string]interface{}

	// ParentBranchID is non-empty when this run is a branch of another run.
	ParentBranchID string
}

// RetryMeta tracks a node's retry progress.
type RetryMeta struct {
	Attempt     int
	MaxAttempts int
}

// Node is a DAG node. Composite identity is (NodeID, RunID) — NodeID alone
// is not unique across runs.
type Node struct {
	NodeID      string
	RunID       string
	Label       string
	Type        NodeType
	Status      NodeStatus
	Persona     string
	StepIndex   int
	Goal        string
	Summary     string
	Description string
	StartedAt   *time.Time
	CompletedAt *time.Time
	ErrorMsg    string
	Retry       RetryMeta
	Payload     map[string]interface{}
}

// Edge is a directed, run-scoped connection between two nodes.
type Edge struct {
	RunID  string
	From   string
	To     string
}

// EventType enumerates the kinds of Execution Event. The wire string tag is
// derived by String(), per the capture pipeline's sum-type redesign.
type EventType int

const (
	EventAgentCall EventType = iota
	EventToolCall
	EventCodeExec
	EventHandoff
	EventFileGen
	EventNodeStarted
	EventNodeCompleted
	EventWorkflowStarted
	EventWorkflowStateChanged
	EventCostUpdate
	EventApprovalRequested
	EventApprovalReceived
	EventErrorOccurred
	EventHeartbeat
	EventStepRetryStarted
	EventStepRetryBackoff
	EventStepRetrySucceeded
	EventStepRetryExhausted
	EventWorkflowFailed
	EventWorkflowCancelled
	EventWorkflowCompleted
	EventWorkflowPaused
	EventWorkflowResumed
)

// String returns the wire tag for an EventType.
func (t EventType) String() string {
	switch t {
	case EventAgentCall:
		return "agent_call"
	case EventToolCall:
		return "tool_call"
	case EventCodeExec:
		return "code_exec"
	case EventHandoff:
		return "handoff"
	case EventFileGen:
		return "file_gen"
	case EventNodeStarted:
		return "node_started"
	case EventNodeCompleted:
		return "node_completed"
	case EventWorkflowStarted:
		return "workflow_started"
	case EventWorkflowStateChanged:
		return "workflow_state_changed"
	case EventCostUpdate:
		return "cost_update"
	case EventApprovalRequested:
		return "approval_requested"
	case EventApprovalReceived:
		return "approval_received"
	case EventErrorOccurred:
		return "error_occurred"
	case EventHeartbeat:
		return "heartbeat"
	case EventStepRetryStarted:
		return "step_retry_started"
	case EventStepRetryBackoff:
		return "step_retry_backoff"
	case EventStepRetrySucceeded:
		return "step_retry_succeeded"
	case EventStepRetryExhausted:
		return "step_retry_exhausted"
	case EventWorkflowFailed:
		return "workflow_failed"
	case EventWorkflowCancelled:
		return "workflow_cancelled"
	case EventWorkflowCompleted:
		return "workflow_completed"
	case EventWorkflowPaused:
		return "workflow_paused"
	case EventWorkflowResumed:
		return "workflow_resumed"
	default:
		return "unknown"
	}
}

// EventSubtype qualifies an Execution Event within its type.
type EventSubtype string

const (
	SubtypeStart     EventSubtype = "start"
	SubtypeComplete  EventSubtype = "complete"
	SubtypeExecution EventSubtype = "execution"
	SubtypeMessage   EventSubtype = "message"
)

// Pivot names a (run, node) pair usable as a play-from-node fork point or
// a stable pointer for external callers, modeled after a checkpoint
// reference: cheap to persist and round-trip.
type Pivot struct {
	RunID  string
	NodeID string
}

// Branch records a run forked from another run at a specific node.
type Branch struct {
	ID             string
	ParentRunID    string
	ParentBranchID string
	ForkNodeID     string
	Hypothesis     string
	Name           string
	CreatedAt      time.Time
	Status         RunStatus
}

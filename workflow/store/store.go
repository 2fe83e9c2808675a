// Package store provides append-only persistence for the Workflow Execution
// Core: events, nodes, edges, runs, sessions and branches. It generalizes
// the teacher's graph/store.Store[S] (step/checkpoint persistence for a
// single typed state) into a full event/graph store scoped to many
// concurrent runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run/session/event/checkpoint id
// does not exist, kept from the teacher's store.ErrNotFound.
var ErrNotFound = errors.New("not found")

// ErrCycle is returned by UpsertEdge when the edge would create a cycle.
// Callers at the workflow layer reclassify this as
// WorkflowError{Kind: KindInvalidTopology}.
var ErrCycle = errors.New("edge would create a cycle")

// ErrConflict is returned by UpdateRunState on a failed compare-and-set
// against the caller-observed current status. Callers at the workflow layer
// reclassify this as WorkflowError{Kind: KindConflict}.
var ErrConflict = errors.New("stale run status supplied to UpdateRunState")

// Event is the persisted form of an Execution Event (spec.md §3). Meta,
// Inputs and Outputs are kept as opaque json.RawMessage at the persistence
// boundary per §9's "heavy JSON blobs" guidance — decoded lazily by
// consumers instead of being typed in the store.
type Event struct {
	ID             string
	RunID          string
	NodeID         string // empty for run-level events
	SessionID      string
	ExecutionOrder int64
	Timestamp      time.Time
	EventType      string
	EventSubtype   string
	ParentEventID  string
	AgentName      string
	DurationMS     int64
	Status         string
	Inputs         json.RawMessage
	Outputs        json.RawMessage
	Meta           json.RawMessage
	ErrorMessage   string
}

// NodeRow is the persisted form of a DAG node.
type NodeRow struct {
	NodeID      string
	RunID       string
	Label       string
	Type        string
	Status      string
	Persona     string
	StepIndex   int
	Goal        string
	Summary     string
	Description string
	StartedAt   *time.Time
	CompletedAt *time.Time
	ErrorMsg    string
	Attempt     int
	MaxAttempts int
	Payload     json.RawMessage
}

// EdgeRow is the persisted form of a DAG edge.
type EdgeRow struct {
	RunID string
	From  string
	To    string
}

// RunRow is the persisted form of a Run.
type RunRow struct {
	ID              string
	SessionID       string
	Task            string
	Mode            string
	PreferredAgent  string
	PreferredModel  string
	Status          string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	AggregateCost   float64
	LastHeartbeatAt time.Time
	ModeConfig      json.RawMessage
	ParentBranchID  string
}

// SessionRow is the persisted form of a Session.
type SessionRow struct {
	ID             string
	Name           string
	CreatedAt      time.Time
	LastActiveAt   time.Time
	RunCount       int
	AggregatedCost float64
}

// BranchRow is the persisted form of a Branch.
type BranchRow struct {
	ID             string
	ParentRunID    string
	ParentBranchID string
	ForkNodeID     string
	Hypothesis     string
	Name           string
	CreatedAt      time.Time
	Status         string
}

// EventFilters narrows events_for_run/events_for_node queries.
type EventFilters struct {
	EventType       string // empty = all types
	IncludeInternal bool   // see default filter policy below
	Since           int64  // execution_order strictly greater than this
	Limit           int
}

// Pagination bounds list_runs/list_sessions queries.
type Pagination struct {
	Offset int
	Limit  int
}

// RunFilters narrows list_runs queries.
type RunFilters struct {
	Status RunStatusFilter
}

// RunStatusFilter optionally restricts list_runs to one status; empty
// string means no restriction.
type RunStatusFilter string

// SessionFilters narrows list_sessions queries.
type SessionFilters struct {
	NamePrefix string
}

// internalOnlyTypes are hidden by the default event filter: the
// agent_call:start subtype and the internal lifecycle bookkeeping events,
// per spec.md §4.1 and §9's "start+complete event doubling" redesign flag.
// This policy lives here, once, so callers can never double-count the
// start/complete pair.
var internalOnlyEventTypes = map[string]bool{
	"node_started":   true,
	"node_completed": true,
}

// ApplyDefaultFilter removes events suitable only for internal/causal
// reconstruction: the agent_call start subtype and node_started/
// node_completed, unless filters.IncludeInternal is set. It is idempotent:
// ApplyDefaultFilter(ApplyDefaultFilter(es)) == ApplyDefaultFilter(es).
func ApplyDefaultFilter(events []Event, includeInternal bool) []Event {
	if includeInternal {
		return events
	}
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if internalOnlyEventTypes[e.EventType] {
			continue
		}
		if e.EventType == "agent_call" && e.EventSubtype == "start" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Store is the Event Store contract (C1). Three backends implement it:
// Memory (testing), SQLite and MySQL.
type Store interface {
	// AppendEvent assigns execution_order under the run's append lock and
	// persists atomically. Returns ErrStoreUnavailable-classified errors on
	// transient failure, ErrConflict on stale caller-supplied ordering.
	AppendEvent(ctx context.Context, e Event) (id string, executionOrder int64, err error)

	// UpsertNode is idempotent by (node_id, run_id).
	UpsertNode(ctx context.Context, n NodeRow) error

	// UpsertEdge is idempotent by (source, target, run_id); rejects
	// cycle-creating edges with ErrCycle.
	UpsertEdge(ctx context.Context, e EdgeRow) error

	// UpdateRunState enforces legal transitions via lifecycle.ValidateTransition
	// and performs an optimistic compare-and-set against the caller-observed
	// current status.
	UpdateRunState(ctx context.Context, runID string, from, to RunStatus, ts time.Time) error

	// EventsForRun and EventsForNode are the only node/event query paths;
	// node_id queries MUST include run_id (enforced by the NodeID/RunID
	// pair being required arguments, not optional).
	EventsForRun(ctx context.Context, runID string, filters EventFilters) ([]Event, error)
	EventsForNode(ctx context.Context, nodeID, runID string, filters EventFilters) ([]Event, error)
	FilesForRun(ctx context.Context, runID string) ([]FileView, error)

	GetNode(ctx context.Context, nodeID, runID string) (NodeRow, error)
	NodesForRun(ctx context.Context, runID string) ([]NodeRow, error)
	EdgesForRun(ctx context.Context, runID string) ([]EdgeRow, error)

	CreateRun(ctx context.Context, r RunRow) error
	GetRun(ctx context.Context, runID string) (RunRow, error)
	ListRuns(ctx context.Context, sessionID string, filters RunFilters, page Pagination) ([]RunRow, error)

	CreateSession(ctx context.Context, s SessionRow) error
	GetSession(ctx context.Context, sessionID string) (SessionRow, error)
	ListSessions(ctx context.Context, filters SessionFilters, page Pagination) ([]SessionRow, error)
	DeleteSession(ctx context.Context, sessionID string) error

	CreateBranch(ctx context.Context, b BranchRow) error
	GetBranch(ctx context.Context, branchID string) (BranchRow, error)

	// CloneRunPrefix copies a source run's nodes/edges/events up to and
	// including pivotNodeID into a brand-new run newRunID, resetting all
	// downstream nodes to pending. Used by play-from-node (§4.6). Returns
	// the number of events copied.
	CloneRunPrefix(ctx context.Context, srcRunID, newRunID, pivotNodeID string) (int, error)

	Close() error
}

// RunStatusType is an alias kept local to avoid importing the workflow
// package from store (store must not depend on workflow to avoid a cycle;
// workflow depends on store). Status strings are validated by the workflow
// package's lifecycle table before UpdateRunState is called.
type RunStatusType = RunStatus

// RunStatus mirrors workflow.RunStatus as a plain string type so the store
// package has no import-cycle dependency on workflow.
type RunStatus string

// FileView is the projected File Artifact view over a file_gen event, per
// spec.md §3: "not a separate entity in principle ... the query layer
// exposes it as if it were."
type FileView struct {
	EventID       string
	RunID         string
	NodeID        string
	Path          string
	InferredType  string
	SizeBytes     int64
	Content       string // empty unless embedded (<=5KB, textual, <=1MB file)
	ExternalURI   string // set only when a blob-storage sink is configured; see DESIGN.md Open Question 2
	CreatingAgent string
	TriggerEventID string
	CreatedAt     time.Time
}

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store implementation, grounded on the teacher's
// MemStore[S] (same map-of-slices-under-a-mutex shape), generalized from
// step/checkpoint records to full event/node/edge/run/session rows.
//
// Intended for tests and short-lived local runs; all data is lost on
// process exit.
type MemStore struct {
	mu sync.Mutex

	runLocks map[string]*sync.Mutex // per-run append lock (spec.md §5)
	orderCtr map[string]int64       // runID -> next execution_order

	events   map[string][]Event // runID -> events in append order
	nodes    map[string]map[string]NodeRow
	edges    map[string][]EdgeRow
	runs     map[string]RunRow
	sessions map[string]SessionRow
	branches map[string]BranchRow

	validateTransition func(from, to RunStatus) error
}

// NewMemStore creates an empty in-memory store. validateTransition enforces
// spec.md §4.5's legal-edge table against every UpdateRunState call, per the
// Store contract's "the store, not individual callers, enforces transitions"
// guarantee; pass nil to skip (store cannot import workflow's lifecycle
// table directly, so callers inject it — mirrors capture.Pipeline's nil-
// skippable validator).
func NewMemStore(validateTransition func(from, to RunStatus) error) *MemStore {
	return &MemStore{
		runLocks:           make(map[string]*sync.Mutex),
		orderCtr:           make(map[string]int64),
		events:             make(map[string][]Event),
		nodes:              make(map[string]map[string]NodeRow),
		edges:              make(map[string][]EdgeRow),
		runs:               make(map[string]RunRow),
		sessions:           make(map[string]SessionRow),
		branches:           make(map[string]BranchRow),
		validateTransition: validateTransition,
	}
}

func (m *MemStore) runLock(runID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		m.runLocks[runID] = l
	}
	return l
}

func (m *MemStore) AppendEvent(_ context.Context, e Event) (string, int64, error) {
	lock := m.runLock(e.RunID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	m.orderCtr[e.RunID]++
	order := m.orderCtr[e.RunID]
	m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.ExecutionOrder = order
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.events[e.RunID] = append(m.events[e.RunID], e)
	m.mu.Unlock()

	return e.ID, order, nil
}

func (m *MemStore) UpsertNode(_ context.Context, n NodeRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRun, ok := m.nodes[n.RunID]
	if !ok {
		byRun = make(map[string]NodeRow)
		m.nodes[n.RunID] = byRun
	}
	byRun[n.NodeID] = n
	return nil
}

func (m *MemStore) UpsertEdge(_ context.Context, e EdgeRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.edges[e.RunID] {
		if existing.From == e.From && existing.To == e.To {
			return nil // idempotent no-op
		}
	}
	if m.reachableLocked(e.RunID, e.To, e.From) || e.From == e.To {
		return ErrCycle
	}
	m.edges[e.RunID] = append(m.edges[e.RunID], e)
	return nil
}

// reachableLocked reports whether target is reachable from start following
// forward edges of runID. Caller must hold m.mu.
func (m *MemStore) reachableLocked(runID, start, target string) bool {
	if start == target {
		return true
	}
	adj := make(map[string][]string)
	for _, e := range m.edges[runID] {
		adj[e.From] = append(adj[e.From], e.To)
	}
	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[n] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (m *MemStore) UpdateRunState(_ context.Context, runID string, from, to RunStatus, ts time.Time) error {
	if m.validateTransition != nil {
		if err := m.validateTransition(from, to); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if RunStatus(run.Status) != from {
		return ErrConflict // stale compare-and-set, spec.md §4.5
	}
	run.Status = string(to)
	if to == "executing" && run.StartedAt == nil {
		t := ts
		run.StartedAt = &t
	}
	if to == "completed" || to == "failed" || to == "cancelled" {
		t := ts
		run.CompletedAt = &t
	}
	m.runs[runID] = run
	return nil
}

func (m *MemStore) EventsForRun(_ context.Context, runID string, filters EventFilters) ([]Event, error) {
	m.mu.Lock()
	all := append([]Event(nil), m.events[runID]...)
	m.mu.Unlock()
	return filterEvents(all, filters), nil
}

func (m *MemStore) EventsForNode(_ context.Context, nodeID, runID string, filters EventFilters) ([]Event, error) {
	m.mu.Lock()
	all := m.events[runID]
	var out []Event
	for _, e := range all {
		if e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	m.mu.Unlock()
	return filterEvents(out, filters), nil
}

func filterEvents(events []Event, filters EventFilters) []Event {
	out := ApplyDefaultFilter(events, filters.IncludeInternal)
	var result []Event
	for _, e := range out {
		if filters.EventType != "" && e.EventType != filters.EventType {
			continue
		}
		if e.ExecutionOrder <= filters.Since {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExecutionOrder < result[j].ExecutionOrder })
	if filters.Limit > 0 && len(result) > filters.Limit {
		result = result[:filters.Limit]
	}
	return result
}

func (m *MemStore) FilesForRun(_ context.Context, runID string) ([]FileView, error) {
	m.mu.Lock()
	events := append([]Event(nil), m.events[runID]...)
	m.mu.Unlock()

	var out []FileView
	for _, e := range events {
		if e.EventType != "file_gen" {
			continue
		}
		out = append(out, fileViewFromEvent(e))
	}
	return out, nil
}

func (m *MemStore) GetNode(_ context.Context, nodeID, runID string) (NodeRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[runID][nodeID]
	if !ok {
		return NodeRow{}, ErrNotFound
	}
	return n, nil
}

func (m *MemStore) NodesForRun(_ context.Context, runID string) ([]NodeRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeRow, 0, len(m.nodes[runID]))
	for _, n := range m.nodes[runID] {
		out = append(out, n)
	}
	return out, nil
}

func (m *MemStore) EdgesForRun(_ context.Context, runID string) ([]EdgeRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EdgeRow(nil), m.edges[runID]...), nil
}

func (m *MemStore) CreateRun(_ context.Context, r RunRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *MemStore) GetRun(_ context.Context, runID string) (RunRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return RunRow{}, ErrNotFound
	}
	return r, nil
}

func (m *MemStore) ListRuns(_ context.Context, sessionID string, filters RunFilters, page Pagination) ([]RunRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []RunRow
	for _, r := range m.runs {
		if sessionID != "" && r.SessionID != sessionID {
			continue
		}
		if filters.Status != "" && r.Status != string(filters.Status) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginateRuns(out, page), nil
}

func paginateRuns(rows []RunRow, page Pagination) []RunRow {
	if page.Offset >= len(rows) {
		return nil
	}
	end := len(rows)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return rows[page.Offset:end]
}

func (m *MemStore) CreateSession(_ context.Context, s SessionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemStore) GetSession(_ context.Context, sessionID string) (SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return SessionRow{}, ErrNotFound
	}
	return s, nil
}

func (m *MemStore) ListSessions(_ context.Context, filters SessionFilters, page Pagination) ([]SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SessionRow
	for _, s := range m.sessions {
		if filters.NamePrefix != "" && !hasPrefix(s.Name, filters.NamePrefix) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if page.Offset >= len(out) {
		return nil, nil
	}
	end := len(out)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return out[page.Offset:end], nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (m *MemStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	for runID, r := range m.runs {
		if r.SessionID == sessionID {
			delete(m.runs, runID)
			delete(m.nodes, runID)
			delete(m.edges, runID)
			delete(m.events, runID)
		}
	}
	return nil
}

func (m *MemStore) CreateBranch(_ context.Context, b BranchRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[b.ID] = b
	return nil
}

func (m *MemStore) GetBranch(_ context.Context, branchID string) (BranchRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[branchID]
	if !ok {
		return BranchRow{}, ErrNotFound
	}
	return b, nil
}

// CloneRunPrefix implements play-from-node's non-destructive fork (spec.md
// §4.6, property 9): copies nodes/edges/events up to and including
// pivotNodeID into newRunID, resetting downstream nodes to pending. The
// source run (srcRunID) is never mutated.
func (m *MemStore) CloneRunPrefix(_ context.Context, srcRunID, newRunID, pivotNodeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	srcNodes, ok := m.nodes[srcRunID]
	if !ok {
		return 0, ErrNotFound
	}
	if _, ok := srcNodes[pivotNodeID]; !ok {
		return 0, ErrNotFound
	}

	// Copy nodes, resetting anything not on the completed-prefix path.
	newNodes := make(map[string]NodeRow, len(srcNodes))
	for id, n := range srcNodes {
		cp := n
		cp.RunID = newRunID
		newNodes[id] = cp
	}
	m.nodes[newRunID] = newNodes

	newEdges := make([]EdgeRow, 0, len(m.edges[srcRunID]))
	for _, e := range m.edges[srcRunID] {
		newEdges = append(newEdges, EdgeRow{RunID: newRunID, From: e.From, To: e.To})
	}
	m.edges[newRunID] = newEdges

	// Copy events up to and including the node_completed event for the pivot.
	var copied []Event
	for _, e := range m.events[srcRunID] {
		copied = append(copied, e)
		if e.NodeID == pivotNodeID && e.EventType == "node_completed" {
			break
		}
	}
	cloned := make([]Event, len(copied))
	for i, e := range copied {
		cp := e
		cp.ID = uuid.NewString()
		cp.RunID = newRunID
		cloned[i] = cp
	}
	m.events[newRunID] = cloned
	m.orderCtr[newRunID] = int64(len(cloned))

	// Reset downstream nodes (everything reachable forward from pivot) to
	// pending in the new run.
	adj := make(map[string][]string)
	for _, e := range newEdges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	visited := map[string]bool{}
	stack := append([]string{}, adj[pivotNodeID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		n := newNodes[id]
		n.Status = "pending"
		n.StartedAt = nil
		n.CompletedAt = nil
		n.ErrorMsg = ""
		n.Attempt = 0
		newNodes[id] = n
		stack = append(stack, adj[id]...)
	}

	return len(cloned), nil
}

func (m *MemStore) Close() error { return nil }

func fileViewFromEvent(e Event) FileView {
	// Expects conventional metadata keys populated by the capture pipeline:
	// path, inferred_type, size_bytes, content and external_uri (both
	// optional); the triggering event id is the event's parent_event_id.
	fv := FileView{
		EventID:        e.ID,
		RunID:          e.RunID,
		NodeID:         e.NodeID,
		CreatingAgent:  e.AgentName,
		TriggerEventID: e.ParentEventID,
		CreatedAt:      e.Timestamp,
	}
	var meta map[string]interface{}
	if len(e.Meta) > 0 {
		_ = json.Unmarshal(e.Meta, &meta)
	}
	if meta != nil {
		if v, ok := meta["path"].(string); ok {
			fv.Path = v
		}
		if v, ok := meta["inferred_type"].(string); ok {
			fv.InferredType = v
		}
		if v, ok := meta["size_bytes"].(float64); ok {
			fv.SizeBytes = int64(v)
		}
		if v, ok := meta["content"].(string); ok {
			fv.Content = v
		}
		if v, ok := meta["external_uri"].(string); ok {
			fv.ExternalURI = v
		}
	}
	return fv
}

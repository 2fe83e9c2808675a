package workflow

import "sync"

// DAG is the in-memory mirror of a run's persisted graph: nodes, their
// forward/reverse adjacency and per-node indegree counters (ReadySet does
// not consult the counters; see its doc). It generalizes the teacher's Engine-internal
// nodes/edges/evaluateEdges bookkeeping from a single typed-state graph
// builder into a standalone, run-scoped structure.
//
// Single-writer discipline: only the Scheduler holding a *dagHandle mutates
// node status; every other caller gets read-only access through the
// exported methods.
type DAG struct {
	mu       sync.RWMutex
	runID    string
	nodes    map[string]*Node
	forward  map[string][]string // node_id -> successor node_ids
	reverse  map[string][]string // node_id -> predecessor node_ids
	indegree map[string]int
}

// NewDAG creates an empty DAG scoped to runID.
func NewDAG(runID string) *DAG {
	return &DAG{
		runID:    runID,
		nodes:    make(map[string]*Node),
		forward:  make(map[string][]string),
		reverse:  make(map[string][]string),
		indegree: make(map[string]int),
	}
}

// RunID returns the owning run's identifier.
func (d *DAG) RunID() string { return d.runID }

// AddNode inserts or replaces a node's static definition. Created once when
// the DAG is built/extended; status is always left at whatever the caller
// supplies (normally NodeStatusPending for a fresh node).
func (d *DAG) AddNode(n *Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.nodes[n.NodeID]; !exists {
		d.indegree[n.NodeID] = 0
	}
	d.nodes[n.NodeID] = n
}

// AddEdge inserts a directed edge, rejecting it with ErrInvalidTopology if
// it would create a cycle. Cycle detection is a DFS reachability check from
// `to` back to `from`, mirroring the teacher's edge-evaluation style
// generalized into an explicit acyclicity guard.
func (d *DAG) AddEdge(from, to string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodes[from]; !ok {
		return ErrNodeNotFound
	}
	if _, ok := d.nodes[to]; !ok {
		return ErrNodeNotFound
	}
	if from == to || d.reachableLocked(to, from) {
		return ErrInvalidTopology
	}

	d.forward[from] = append(d.forward[from], to)
	d.reverse[to] = append(d.reverse[to], from)
	d.indegree[to]++
	return nil
}

// reachableLocked reports whether target is reachable from start by
// following forward edges. Caller must hold d.mu.
func (d *DAG) reachableLocked(start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range d.forward[n] {
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

// Node returns a copy of the named node, or nil if absent.
func (d *DAG) Node(nodeID string) *Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *n
	return &cp
}

// Nodes returns a snapshot of all nodes.
func (d *DAG) Nodes() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// Predecessors returns the direct predecessor node IDs of nodeID.
func (d *DAG) Predecessors(nodeID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.reverse[nodeID]))
	copy(out, d.reverse[nodeID])
	return out
}

// Successors returns the direct successor node IDs of nodeID.
func (d *DAG) Successors(nodeID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.forward[nodeID]))
	copy(out, d.forward[nodeID])
	return out
}

// ReadySet returns the pending nodes all of whose predecessors are
// completed or skipped. Each call scans every node and its predecessor
// list, so its cost is O(nodes + edges), not O(|ready|).
func (d *DAG) ReadySet() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []*Node
	for id, n := range d.nodes {
		if n.Status != NodeStatusPending {
			continue
		}
		allDone := true
		for _, pred := range d.reverse[id] {
			ps := d.nodes[pred].Status
			if ps != NodeStatusCompleted && ps != NodeStatusSkipped {
				allDone = false
				break
			}
		}
		if allDone {
			cp := *n
			ready = append(ready, &cp)
		}
	}
	return ready
}

// AllTerminal reports whether every node has reached a terminal status.
func (d *DAG) AllTerminal() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, n := range d.nodes {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

// dagHandle is the scheduler-only mutation capability over a DAG. Only
// Scheduler code holds one, realizing the single-writer discipline spec.md
// §4.4 requires for Node.Status.
type dagHandle struct {
	d *DAG
}

func newDAGHandle(d *DAG) *dagHandle { return &dagHandle{d: d} }

// SetStatus mutates a node's status and timestamps. Only reachable through
// a dagHandle, which only the Scheduler constructs.
func (h *dagHandle) SetStatus(nodeID string, status NodeStatus, mutate func(*Node)) {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	n, ok := h.d.nodes[nodeID]
	if !ok {
		return
	}
	n.Status = status
	if mutate != nil {
		mutate(n)
	}
}

// ResetDownstream marks every node reachable from nodeID (exclusive) back
// to pending, used by play-from-node to prepare a cloned DAG for fresh
// execution from the pivot's successors.
func (h *dagHandle) ResetDownstream(nodeID string) {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()

	visited := map[string]bool{}
	stack := append([]string{}, h.d.forward[nodeID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		if n, ok := h.d.nodes[id]; ok {
			n.Status = NodeStatusPending
			n.StartedAt = nil
			n.CompletedAt = nil
			n.ErrorMsg = ""
			n.Retry = RetryMeta{}
		}
		stack = append(stack, h.d.forward[id]...)
	}
}

// TopoLayers returns nodes grouped into layers by Kahn's algorithm: layer i
// contains every node whose predecessors are all in layers < i. Used for UI
// layout and for computing parallel dispatch batches, generalizing the
// teacher's single Route.Many fan-out into full-DAG layering.
func (d *DAG) TopoLayers() ([][]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	indeg := make(map[string]int, len(d.indegree))
	for id, v := range d.indegree {
		indeg[id] = v
	}

	var layers [][]string
	remaining := len(d.nodes)
	for remaining > 0 {
		var layer []string
		for id := range d.nodes {
			if indeg[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, ErrInvalidTopology
		}
		for _, id := range layer {
			indeg[id] = -1 // remove from further consideration
			for _, next := range d.forward[id] {
				if indeg[next] > 0 {
					indeg[next]--
				}
			}
			remaining--
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// Serialize projects the DAG into plain Node/Edge rows for persistence,
// mirroring the teacher's SaveCheckpointV2 round-trip shape.
func (d *DAG) Serialize() ([]*Node, []Edge) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	nodes := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		cp := *n
		nodes = append(nodes, &cp)
	}
	var edges []Edge
	for from, tos := range d.forward {
		for _, to := range tos {
			edges = append(edges, Edge{RunID: d.runID, From: from, To: to})
		}
	}
	return nodes, edges
}

// Deserialize rebuilds a DAG from persisted rows, used by the Supervisor to
// rehydrate on resume.
func Deserialize(runID string, nodes []*Node, edges []Edge) (*DAG, error) {
	d := NewDAG(runID)
	for _, n := range nodes {
		d.AddNode(n)
	}
	for _, e := range edges {
		if err := d.AddEdge(e.From, e.To); err != nil {
			return nil, err
		}
	}
	return d, nil
}

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// newTestSQLiteStore opens an in-memory SQLiteStore, grounded on the
// teacher's sqlite_test.go helper of the same name and purpose.
func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Construction(t *testing.T) {
	t.Run("construct and satisfy Store", func(t *testing.T) {
		s := newTestSQLiteStore(t)
		var _ Store = s
	})

	t.Run("Path reports the opened path", func(t *testing.T) {
		s := newTestSQLiteStore(t)
		if s.Path() != ":memory:" {
			t.Errorf("expected :memory:, got %q", s.Path())
		}
	})

	t.Run("double Close is a no-op", func(t *testing.T) {
		s := newTestSQLiteStore(t)
		if err := s.Close(); err != nil {
			t.Fatalf("first Close failed: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close should be a no-op, got %v", err)
		}
	})

	t.Run("operations fail once closed", func(t *testing.T) {
		s, err := NewSQLiteStore(":memory:", nil)
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		_, _, err = s.AppendEvent(context.Background(), Event{RunID: "run-1", EventType: "heartbeat"})
		if err == nil {
			t.Error("expected AppendEvent on a closed store to fail")
		}
	})
}

func TestSQLiteStore_AppendEventAndExecutionOrder(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := s.AppendEvent(ctx, Event{RunID: "run-1", EventType: "heartbeat"}); err != nil {
			t.Fatalf("AppendEvent %d failed: %v", i, err)
		}
	}

	events, err := s.EventsForRun(ctx, "run-1", EventFilters{IncludeInternal: true})
	if err != nil {
		t.Fatalf("EventsForRun failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.ExecutionOrder != int64(i+1) {
			t.Errorf("event %d: expected execution_order %d, got %d", i, i+1, e.ExecutionOrder)
		}
	}
}

func TestSQLiteStore_AppendEvent_Concurrent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.AppendEvent(ctx, Event{RunID: "run-1", EventType: "heartbeat"}); err != nil {
				t.Errorf("AppendEvent failed: %v", err)
			}
		}()
	}
	wg.Wait()

	events, err := s.EventsForRun(ctx, "run-1", EventFilters{IncludeInternal: true})
	if err != nil {
		t.Fatalf("EventsForRun failed: %v", err)
	}
	if len(events) != 20 {
		t.Fatalf("expected 20 events, got %d", len(events))
	}
}

func TestSQLiteStore_DefaultEventFilter(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, _, _ = s.AppendEvent(ctx, Event{RunID: "run-1", NodeID: "n1", EventType: "node_started"})
	_, _, _ = s.AppendEvent(ctx, Event{RunID: "run-1", NodeID: "n1", EventType: "agent_call", EventSubtype: "start"})
	_, _, _ = s.AppendEvent(ctx, Event{RunID: "run-1", NodeID: "n1", EventType: "agent_call", EventSubtype: "complete"})
	_, _, _ = s.AppendEvent(ctx, Event{RunID: "run-1", NodeID: "n1", EventType: "node_completed"})

	visible, err := s.EventsForRun(ctx, "run-1", EventFilters{})
	if err != nil {
		t.Fatalf("EventsForRun failed: %v", err)
	}
	if len(visible) != 1 || visible[0].EventType != "agent_call" || visible[0].EventSubtype != "complete" {
		t.Fatalf("expected only agent_call:complete visible by default, got %+v", visible)
	}

	all, err := s.EventsForRun(ctx, "run-1", EventFilters{IncludeInternal: true})
	if err != nil {
		t.Fatalf("EventsForRun(IncludeInternal) failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected all 4 events with IncludeInternal, got %d", len(all))
	}
}

func TestSQLiteStore_UpsertNodeAndGetNode(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.UpsertNode(ctx, NodeRow{RunID: "run-1", NodeID: "n1", Status: "pending", Label: "first"}); err != nil {
		t.Fatalf("UpsertNode failed: %v", err)
	}
	if err := s.UpsertNode(ctx, NodeRow{RunID: "run-1", NodeID: "n1", Status: "completed", Label: "first"}); err != nil {
		t.Fatalf("UpsertNode (update) failed: %v", err)
	}

	n, err := s.GetNode(ctx, "n1", "run-1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if n.Status != "completed" {
		t.Errorf("expected status completed after upsert-update, got %s", n.Status)
	}

	if _, err := s.GetNode(ctx, "missing", "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing node, got %v", err)
	}
}

func TestSQLiteStore_UpsertEdge_RejectsCycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.UpsertEdge(ctx, EdgeRow{RunID: "run-1", From: "a", To: "b"}); err != nil {
		t.Fatalf("a->b should succeed: %v", err)
	}
	if err := s.UpsertEdge(ctx, EdgeRow{RunID: "run-1", From: "b", To: "c"}); err != nil {
		t.Fatalf("b->c should succeed: %v", err)
	}
	if err := s.UpsertEdge(ctx, EdgeRow{RunID: "run-1", From: "c", To: "a"}); !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle for c->a, got %v", err)
	}
	if err := s.UpsertEdge(ctx, EdgeRow{RunID: "run-1", From: "a", To: "a"}); !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle for self-loop, got %v", err)
	}

	edges, err := s.EdgesForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("EdgesForRun failed: %v", err)
	}
	if len(edges) != 2 {
		t.Errorf("expected 2 surviving edges, got %d", len(edges))
	}
}

func TestSQLiteStore_UpdateRunState_CompareAndSet(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, RunRow{ID: "run-1", Status: "draft", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := s.UpdateRunState(ctx, "run-1", "draft", "planning", time.Now()); err != nil {
		t.Fatalf("expected transition to succeed: %v", err)
	}

	if err := s.UpdateRunState(ctx, "run-1", "draft", "executing", time.Now()); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on stale compare-and-set, got %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != "planning" {
		t.Errorf("expected status planning, got %s", run.Status)
	}
}

func TestSQLiteStore_ListRunsAndSessions(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, SessionRow{ID: "sess-1", Name: "demo", CreatedAt: time.Now(), LastActiveAt: time.Now()}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		id := "run-" + string(rune('a'+i))
		if err := s.CreateRun(ctx, RunRow{ID: id, SessionID: "sess-1", Status: "completed", CreatedAt: time.Now()}); err != nil {
			t.Fatalf("CreateRun(%s) failed: %v", id, err)
		}
	}

	runs, err := s.ListRuns(ctx, "sess-1", RunFilters{}, Pagination{Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}

	sessions, err := s.ListSessions(ctx, SessionFilters{}, Pagination{Limit: 10})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
}

func TestSQLiteStore_CloneRunPrefix(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_ = s.UpsertNode(ctx, NodeRow{RunID: "src", NodeID: "n1", Status: "completed"})
	_ = s.UpsertNode(ctx, NodeRow{RunID: "src", NodeID: "n2", Status: "completed"})
	_ = s.UpsertNode(ctx, NodeRow{RunID: "src", NodeID: "n3", Status: "failed", ErrorMsg: "boom"})
	_ = s.UpsertEdge(ctx, EdgeRow{RunID: "src", From: "n1", To: "n2"})
	_ = s.UpsertEdge(ctx, EdgeRow{RunID: "src", From: "n2", To: "n3"})

	_, _, _ = s.AppendEvent(ctx, Event{RunID: "src", NodeID: "n1", EventType: "node_started"})
	_, _, _ = s.AppendEvent(ctx, Event{RunID: "src", NodeID: "n1", EventType: "node_completed"})
	_, _, _ = s.AppendEvent(ctx, Event{RunID: "src", NodeID: "n2", EventType: "node_started"})
	_, _, _ = s.AppendEvent(ctx, Event{RunID: "src", NodeID: "n2", EventType: "node_completed"})
	_, _, _ = s.AppendEvent(ctx, Event{RunID: "src", NodeID: "n3", EventType: "node_started"})

	copied, err := s.CloneRunPrefix(ctx, "src", "fork-1", "n2")
	if err != nil {
		t.Fatalf("CloneRunPrefix failed: %v", err)
	}
	if copied != 4 {
		t.Errorf("expected 4 events copied up to n2's completion, got %d", copied)
	}

	n3, err := s.GetNode(ctx, "n3", "fork-1")
	if err != nil {
		t.Fatalf("GetNode(n3, fork-1) failed: %v", err)
	}
	if n3.Status != "pending" || n3.ErrorMsg != "" {
		t.Errorf("expected downstream node n3 reset to pending with no error, got status=%s err=%s", n3.Status, n3.ErrorMsg)
	}

	srcN3, err := s.GetNode(ctx, "n3", "src")
	if err != nil {
		t.Fatalf("GetNode(n3, src) failed: %v", err)
	}
	if srcN3.Status != "failed" {
		t.Errorf("source node status unexpectedly changed to %s", srcN3.Status)
	}
}

func TestSQLiteStore_BranchCRUD(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	b := BranchRow{ID: "branch-1", ParentRunID: "src", ForkNodeID: "n2", Hypothesis: "try alt prompt", Status: "active", CreatedAt: time.Now()}
	if err := s.CreateBranch(ctx, b); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}

	got, err := s.GetBranch(ctx, "branch-1")
	if err != nil {
		t.Fatalf("GetBranch failed: %v", err)
	}
	if got.Hypothesis != "try alt prompt" {
		t.Errorf("expected hypothesis to round-trip, got %q", got.Hypothesis)
	}
}

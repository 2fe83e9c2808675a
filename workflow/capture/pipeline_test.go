package capture

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/flowforge/corewf/workflow/broadcast"
	"github.com/flowforge/corewf/workflow/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, store.Store) {
	t.Helper()
	st := store.NewMemStore(nil)
	hub := broadcast.NewHub(st)
	v, err := store.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	return NewPipeline(st, hub, v), st
}

func TestPipeline_Capture_PersistsAndAssignsOrder(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	e, err := p.Capture(ctx, Hook{
		RunID:     "run-1",
		NodeID:    "n1",
		EventType: "cost_update",
		Meta:      map[string]interface{}{"delta_cost": 0.5, "running_total": 0.5},
	})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if e.ID == "" {
		t.Error("expected an assigned event id")
	}
	if e.ExecutionOrder != 1 {
		t.Errorf("expected execution_order 1, got %d", e.ExecutionOrder)
	}

	stored, err := st.EventsForRun(ctx, "run-1", store.EventFilters{IncludeInternal: true})
	if err != nil {
		t.Fatalf("EventsForRun failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(stored))
	}
}

func TestPipeline_Capture_RejectsInvalidPayload(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Capture(ctx, Hook{
		RunID:     "run-1",
		EventType: "tool_call",
		Meta:      map[string]interface{}{"arguments": map[string]interface{}{}}, // missing required tool_name
	})
	if err == nil {
		t.Fatal("expected schema validation error for missing tool_name")
	}
}

func TestPipeline_Capture_NestsParentEventIDAcrossStartComplete(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	start, err := p.Capture(ctx, Hook{
		RunID: "run-1", NodeID: "n1",
		EventType: "agent_call", EventSubtype: "start",
	})
	if err != nil {
		t.Fatalf("start capture failed: %v", err)
	}

	nested, err := p.Capture(ctx, Hook{
		RunID: "run-1", NodeID: "n1",
		EventType: "tool_call", EventSubtype: "start",
		Meta: map[string]interface{}{"tool_name": "search"},
	})
	if err != nil {
		t.Fatalf("nested capture failed: %v", err)
	}
	if nested.ParentEventID != start.ID {
		t.Errorf("expected nested event's parent to be %s, got %s", start.ID, nested.ParentEventID)
	}

	nestedComplete, err := p.Capture(ctx, Hook{
		RunID: "run-1", NodeID: "n1",
		EventType: "tool_call", EventSubtype: "complete",
		Meta: map[string]interface{}{"tool_name": "search"},
	})
	if err != nil {
		t.Fatalf("nested complete capture failed: %v", err)
	}
	if nestedComplete.ParentEventID != start.ID {
		t.Errorf("expected nested complete's parent still %s, got %s", start.ID, nestedComplete.ParentEventID)
	}

	complete, err := p.Capture(ctx, Hook{
		RunID: "run-1", NodeID: "n1",
		EventType: "agent_call", EventSubtype: "complete",
	})
	if err != nil {
		t.Fatalf("complete capture failed: %v", err)
	}
	if complete.ParentEventID != "" {
		t.Errorf("expected top-level complete to have no parent, got %s", complete.ParentEventID)
	}

	after, err := p.Capture(ctx, Hook{RunID: "run-1", NodeID: "n1", EventType: "cost_update"})
	if err != nil {
		t.Fatalf("post-close capture failed: %v", err)
	}
	if after.ParentEventID != "" {
		t.Errorf("expected event after the stack unwound to have no parent, got %s", after.ParentEventID)
	}
}

func TestExtractFileRefs(t *testing.T) {
	t.Run("saved to phrase", func(t *testing.T) {
		refs := extractFileRefs("I saved the output to report.md for you.")
		if len(refs) != 1 || refs[0].Path != "report.md" {
			t.Errorf("unexpected refs: %+v", refs)
		}
		if refs[0].InferredType != "text" {
			t.Errorf("expected text type for .md, got %s", refs[0].InferredType)
		}
	})

	t.Run("bare recognized extension path", func(t *testing.T) {
		refs := extractFileRefs("Take a look at internal/handler.go when you get a chance.")
		if len(refs) != 1 || refs[0].Path != "internal/handler.go" {
			t.Errorf("unexpected refs: %+v", refs)
		}
	})

	t.Run("deduplicates repeated paths", func(t *testing.T) {
		refs := extractFileRefs("Written to out.csv. Also see out.csv again.")
		if len(refs) != 1 {
			t.Errorf("expected deduped single ref, got %d: %+v", len(refs), refs)
		}
	})

	t.Run("unrecognized extension is ignored", func(t *testing.T) {
		refs := extractFileRefs("The binary lives at build/app.bin")
		if len(refs) != 0 {
			t.Errorf("expected no refs for unrecognized extension, got %+v", refs)
		}
	})
}

func TestExtractImports(t *testing.T) {
	t.Run("go imports", func(t *testing.T) {
		code := "package main\n\nimport \"fmt\"\nimport \"github.com/foo/bar\"\n"
		got := extractImports(code, "go")
		if len(got) != 2 || got[0] != "fmt" || got[1] != "github.com/foo/bar" {
			t.Errorf("unexpected imports: %v", got)
		}
	})

	t.Run("python from-import", func(t *testing.T) {
		code := "from numpy import array\nimport pandas\n"
		got := extractImports(code, "python")
		if len(got) != 2 {
			t.Errorf("expected 2 hints, got %v", got)
		}
	})

	t.Run("no code has no imports", func(t *testing.T) {
		got := extractImports("print('hello')\n", "python")
		if len(got) != 0 {
			t.Errorf("expected no imports, got %v", got)
		}
	})
}

func TestEmbedContent(t *testing.T) {
	t.Run("embeds small textual content in full", func(t *testing.T) {
		got := EmbedContent(true, 10, "hello")
		if got != "hello" {
			t.Errorf("expected full content embedded, got %q", got)
		}
	})

	t.Run("truncates textual content over 5KB", func(t *testing.T) {
		big := strings.Repeat("x", 6*1024)
		got := EmbedContent(true, int64(len(big)), big)
		if len(got) != maxEmbeddedContent {
			t.Errorf("expected truncation to %d bytes, got %d", maxEmbeddedContent, len(got))
		}
	})

	t.Run("refuses binary content", func(t *testing.T) {
		got := EmbedContent(false, 10, "\x00\x01")
		if got != "" {
			t.Errorf("expected no embedding for binary content, got %q", got)
		}
	})

	t.Run("refuses content over 1MB even if textual", func(t *testing.T) {
		got := EmbedContent(true, maxEmbeddedFileSize+1, "small snippet")
		if got != "" {
			t.Errorf("expected no embedding for oversized file, got %q", got)
		}
	})
}

func TestPipeline_Capture_AttachesDiscoveredFilesAndImports(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	e, err := p.Capture(ctx, Hook{
		RunID:     "run-1",
		NodeID:    "n1",
		EventType: "code_exec",
		Text:      "Ran the script and saved results to output.json.",
		Code:      "import json\nprint(json.dumps({}))\n",
		Language:  "python",
	})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	events, _ := st.EventsForRun(ctx, "run-1", store.EventFilters{IncludeInternal: true})
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events))
	}

	var meta map[string]interface{}
	if err := json.Unmarshal(events[0].Meta, &meta); err != nil {
		t.Fatalf("unmarshal meta failed: %v", err)
	}
	if _, ok := meta["discovered_files"]; !ok {
		t.Error("expected discovered_files in persisted meta")
	}
	if _, ok := meta["imports"]; !ok {
		t.Error("expected imports in persisted meta")
	}
	if e.EventType != "code_exec" {
		t.Errorf("unexpected event type %s", e.EventType)
	}
}

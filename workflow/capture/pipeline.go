// Package capture implements the Capture Pipeline (C3): it turns in-process
// hooks emitted by an Agent Session into normalized, persisted, broadcast
// Execution Events.
//
// Grounded on the teacher's emit.Emitter (Emit/EmitBatch/Flush) for the
// persist-then-publish shape, generalized from a single log sink into the
// full Event Store + Broadcaster pipeline, and on trpc-agent-go's
// codeexecutor.ExtractCodeBlock for the code-block/import scanning idiom.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowforge/corewf/workflow/broadcast"
	"github.com/flowforge/corewf/workflow/store"
)

// Pipeline normalizes hooks into events, persists them, and broadcasts them,
// preserving causal nesting via an open-event stack per run.
type Pipeline struct {
	store     store.Store
	hub       *broadcast.Hub
	validator *store.Validator
	tracer    trace.Tracer

	mu   sync.Mutex
	open map[string][]string // runID -> stack of open event IDs, innermost last
}

// NewPipeline wires a Capture Pipeline over st (durability) and hub
// (broadcast). validator may be nil to skip schema validation (tests). Every
// Capture call opens an OpenTelemetry span on the "corewf/capture" tracer;
// that tracer is a no-op until a process registers a real TracerProvider
// (cmd/workflowctl does, via otel.SetTracerProvider), so tests and
// unconfigured embedders pay no cost for it.
func NewPipeline(st store.Store, hub *broadcast.Hub, validator *store.Validator) *Pipeline {
	return &Pipeline{
		store:     st,
		hub:       hub,
		validator: validator,
		tracer:    otel.Tracer("corewf/capture"),
		open:      make(map[string][]string),
	}
}

// Hook is the normalized-input contract every C7 call site builds before
// handing it to the pipeline; EventType/EventSubtype select the wire tags,
// Meta/Inputs/Outputs carry the hook-specific payload.
type Hook struct {
	RunID        string
	NodeID       string
	SessionID    string
	EventType    string
	EventSubtype string
	AgentName    string
	DurationMS   int64
	Status       string
	Inputs       map[string]interface{}
	Outputs      map[string]interface{}
	Meta         map[string]interface{}
	ErrorMessage string
	// Text is free-form content (agent message, tool output, code) scanned
	// for file references; Code/Language additionally trigger import
	// extraction when EventType is code_exec.
	Text     string
	Code     string
	Language string
}

// currentParent returns the innermost open event id for runID, or "" if
// none is open.
func (p *Pipeline) currentParent(runID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	stack := p.open[runID]
	if len(stack) == 0 {
		return ""
	}
	return stack[len(stack)-1]
}

func (p *Pipeline) pushOpen(runID, eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open[runID] = append(p.open[runID], eventID)
}

func (p *Pipeline) popOpen(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stack := p.open[runID]
	if len(stack) == 0 {
		return
	}
	p.open[runID] = stack[:len(stack)-1]
}

// Capture normalizes h, extracts file/import metadata, persists it and then
// broadcasts it. Start-subtype events are pushed onto the run's open-event
// stack so subsequent events in the same call nest under them via
// parent_event_id; complete-subtype events pop the matching frame.
//
// Capture runs synchronously on the caller's goroutine: no event creation is
// deferred, so a panic or cancellation in the caller can never observe a
// torn in-flight event.
func (p *Pipeline) Capture(ctx context.Context, h Hook) (store.Event, error) {
	ctx, span := p.tracer.Start(ctx, h.EventType+"."+h.EventSubtype, trace.WithAttributes(
		attribute.String("run_id", h.RunID),
		attribute.String("node_id", h.NodeID),
		attribute.String("agent_name", h.AgentName),
	))
	defer span.End()

	e, err := p.capture(ctx, h)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e, err
	}
	span.SetAttributes(attribute.String("status", e.Status))
	return e, nil
}

func (p *Pipeline) capture(ctx context.Context, h Hook) (store.Event, error) {
	if h.Meta == nil {
		h.Meta = map[string]interface{}{}
	}

	var refs []fileRef
	if h.Text != "" {
		refs = extractFileRefs(h.Text)
	}
	if len(refs) > 0 {
		h.Meta["discovered_files"] = refs
	}

	if h.EventType == "code_exec" && h.Code != "" {
		imports := extractImports(h.Code, h.Language)
		if len(imports) > 0 {
			h.Meta["imports"] = imports
		}
	}

	parent := p.currentParent(h.RunID)
	if h.EventSubtype == "complete" {
		// The top frame is this event's own start; a complete event shares
		// that start's parent.
		p.mu.Lock()
		parent = ""
		if stack := p.open[h.RunID]; len(stack) > 1 {
			parent = stack[len(stack)-2]
		}
		p.mu.Unlock()
	}

	inputs, err := marshalOrEmpty(h.Inputs)
	if err != nil {
		return store.Event{}, fmt.Errorf("marshal inputs: %w", err)
	}
	outputs, err := marshalOrEmpty(h.Outputs)
	if err != nil {
		return store.Event{}, fmt.Errorf("marshal outputs: %w", err)
	}
	meta, err := marshalOrEmpty(h.Meta)
	if err != nil {
		return store.Event{}, fmt.Errorf("marshal meta: %w", err)
	}

	if p.validator != nil {
		if err := p.validator.ValidatePayload(ctx, h.EventType, meta); err != nil {
			return store.Event{}, err
		}
	}

	e := store.Event{
		ID:            uuid.NewString(),
		RunID:         h.RunID,
		NodeID:        h.NodeID,
		SessionID:     h.SessionID,
		Timestamp:     time.Now(),
		EventType:     h.EventType,
		EventSubtype:  h.EventSubtype,
		ParentEventID: parent,
		AgentName:     h.AgentName,
		DurationMS:    h.DurationMS,
		Status:        h.Status,
		Inputs:        inputs,
		Outputs:       outputs,
		Meta:          meta,
		ErrorMessage:  h.ErrorMessage,
	}

	id, order, err := p.store.AppendEvent(ctx, e)
	if err != nil {
		return store.Event{}, fmt.Errorf("persist event: %w", err)
	}
	e.ID = id
	e.ExecutionOrder = order

	if h.EventSubtype == "start" {
		p.pushOpen(h.RunID, e.ID)
	} else if h.EventSubtype == "complete" {
		p.popOpen(h.RunID)
	}

	p.publishWithRetry(e)

	return e, nil
}

// publishWithRetry implements spec.md §4.3's "persist first, broadcast
// second... a publish failure after a successful persist is retried
// at-most-once and then dropped" policy. The in-process Hub.Publish cannot
// itself fail, but a panic inside a Prometheus collector or a future
// networked broadcaster is still guarded against here so the retry policy
// has somewhere to live.
func (p *Pipeline) publishWithRetry(e store.Event) {
	attempt := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("run_id", e.RunID).Msg("broadcast publish panicked")
				ok = false
			}
		}()
		p.hub.Publish(e)
		return true
	}
	if attempt() {
		return
	}
	if !attempt() {
		log.Warn().Str("event_id", e.ID).Str("run_id", e.RunID).
			Msg("broadcast publish failed twice, event remains durable and replayable from the store")
	}
}

func marshalOrEmpty(v map[string]interface{}) (json.RawMessage, error) {
	if len(v) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(v)
}

// fileRef is a discovered file reference attached to discovered_files meta.
type fileRef struct {
	Path         string `json:"path"`
	InferredType string `json:"inferred_type"`
	SizeBytes    int64  `json:"size_bytes"`
	Content      string `json:"content,omitempty"`
}

var (
	savedToPattern   = regexp.MustCompile(`(?i)(?:saved|written|created)(?:\s+(?:to|as|file))?\s*[:\-]?\s*([./\w-]+\.[A-Za-z0-9]{1,8})`)
	barePathPattern  = regexp.MustCompile(`\b([\w./-]+\.(?:go|py|js|ts|tsx|jsx|md|txt|json|yaml|yml|toml|csv|html|css|sh))\b`)
	textualExtension = map[string]bool{
		"go": true, "py": true, "js": true, "ts": true, "tsx": true, "jsx": true,
		"md": true, "txt": true, "json": true, "yaml": true, "yml": true,
		"toml": true, "csv": true, "html": true, "css": true, "sh": true,
	}
	maxEmbeddedFileSize = int64(1 << 20) // 1 MB
	maxEmbeddedContent  = 5 * 1024       // 5 KB
)

// extractFileRefs scans text for path-producing patterns: explicit
// "saved to"/"written to"/"created file" phrases and bare recognized-
// extension paths, per spec.md §4.3 step 2.
func extractFileRefs(text string) []fileRef {
	seen := map[string]bool{}
	var out []fileRef

	addPath := func(path string) {
		if seen[path] {
			return
		}
		seen[path] = true
		ext := extOf(path)
		out = append(out, fileRef{
			Path:         path,
			InferredType: inferredType(ext),
			SizeBytes:    int64(len(path)), // unknown without filesystem access; caller may overwrite
		})
	}

	for _, m := range savedToPattern.FindAllStringSubmatch(text, -1) {
		addPath(m[1])
	}
	for _, m := range barePathPattern.FindAllStringSubmatch(text, -1) {
		addPath(m[1])
	}
	return out
}

func extOf(path string) string {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(path[i+1:])
}

func inferredType(ext string) string {
	if textualExtension[ext] {
		return "text"
	}
	return "binary"
}

// EmbedContent decides whether content should be embedded in a file_gen
// event per spec.md §4.3: textual, <=1MB, first 5KB only.
func EmbedContent(isText bool, sizeBytes int64, content string) string {
	if !isText || sizeBytes > maxEmbeddedFileSize {
		return ""
	}
	if len(content) > maxEmbeddedContent {
		return content[:maxEmbeddedContent]
	}
	return content
}

// importPattern captures Go/Python/JS-style single-line imports; it is
// deliberately permissive rather than exhaustive, mirroring
// codeexecutor.ExtractCodeBlock's tolerant-regex approach over a full parser.
var importPattern = regexp.MustCompile(`(?m)^\s*(?:import\s+["']?([\w./-]+)["']?|from\s+([\w.]+)\s+import|require\(["']([\w./-]+)["']\))`)

// extractImports pulls import-style dependency hints out of a code block,
// per spec.md §4.3 step 3. language is currently unused for dispatch since
// importPattern already covers the common Go/Python/JS forms, but is kept
// in the signature so provider-specific extraction can be added later
// without changing call sites.
func extractImports(code, _ string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range importPattern.FindAllStringSubmatch(code, -1) {
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	return out
}

package main

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// zerologSpanExporter logs each finished span as a structured line, so an
// operator running workflowctl sees the same trace data the Capture
// Pipeline's "corewf/capture" spans carry without standing up a collector.
type zerologSpanExporter struct {
	logger zerolog.Logger
}

func newZerologSpanExporter(out io.Writer) *zerologSpanExporter {
	return &zerologSpanExporter{logger: zerolog.New(out).With().Timestamp().Logger()}
}

func (e *zerologSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		evt := e.logger.Debug().
			Str("span", s.Name()).
			Dur("duration", s.EndTime().Sub(s.StartTime())).
			Str("trace_id", s.SpanContext().TraceID().String())
		for _, attr := range s.Attributes() {
			evt = evt.Str(string(attr.Key), attr.Value.Emit())
		}
		evt.Msg("span")
	}
	return nil
}

func (e *zerologSpanExporter) Shutdown(ctx context.Context) error { return nil }

// newTracerProvider wires an SDK TracerProvider that exports every span
// synchronously to out via zerolog; workflowctl registers it globally so
// workflow/capture.Pipeline's otel.Tracer("corewf/capture") stops being a
// no-op for the life of the process.
func newTracerProvider(out io.Writer) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(newZerologSpanExporter(out)))
}

package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_RequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for missing service name")
	}
}

func TestSpanHelpers(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, shutdown, err := newTracerProviderWithExporter(exporter, Config{ServiceName: "crucible-test"})
	if err != nil {
		t.Fatal(err)
	}
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, sessSpan := StartSessionSpan(context.Background(), "sess-1")
	_, attSpan := StartAttemptSpan(ctx, "sess-1", "schema", 1)
	attSpan.End()
	sessSpan.End()

	// flush before reading: the exporter drops its stored spans on shutdown
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	spans := exporter.GetSpans()
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name] = true
	}
	if !names["crucible.attempt"] || !names["crucible.session"] {
		t.Fatalf("unexpected span names: %v", names)
	}
	// attempt span must be a child of the session span
	for _, s := range spans {
		if s.Name == "crucible.attempt" {
			if !s.Parent.IsValid() {
				t.Fatal("attempt span should have a parent")
			}
		}
	}
}

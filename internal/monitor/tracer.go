package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "jssandbox"

// Tracer wraps OpenTelemetry tracing for executions and AST phases.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("jssandbox.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for tracing.
var (
	AttrExecID     = attribute.Key("jssandbox.execution.id")
	AttrKind       = attribute.Key("jssandbox.kind")
	AttrCodeHash   = attribute.Key("jssandbox.code_hash")
	AttrExitCode   = attribute.Key("jssandbox.exit_code")
	AttrStatus     = attribute.Key("jssandbox.status")
	AttrDurationMS = attribute.Key("jssandbox.duration_ms")
	AttrASTPhase   = attribute.Key("jssandbox.ast.phase")
)

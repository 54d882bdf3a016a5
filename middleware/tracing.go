package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/scope"
)

// tracerName is the instrumentation scope name for loom tracing.
const tracerName = "github.com/loomworks/loom"

// Tracing returns middleware that wraps command execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a pass-through
// with zero overhead.
//
// Span attributes include: loom.command, loom.workflow.id, loom.step.id,
// loom.agent.id. On error, the span status is set to codes.Error with
// the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, cmd *Command, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("loom.command", cmd.Name),
			attribute.String("loom.workflow.id", cmd.WorkflowID.String()),
		}
		if cmd.StepID != "" {
			attrs = append(attrs, attribute.String("loom.step.id", cmd.StepID))
		}
		if agent := scope.Agent(ctx); agent != "" {
			attrs = append(attrs, attribute.String("loom.agent.id", agent))
		}

		ctx, span := tracer.Start(ctx, "loom.command."+cmd.Name,
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}

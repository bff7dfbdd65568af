package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware wraps the whole run, and each step, in an
// OpenTelemetry span.
type TracingMiddleware struct {
	NoopMiddleware
	Tracer trace.Tracer
}

// NewTracingMiddleware builds a TracingMiddleware from the global tracer
// provider under the given instrumentation name.
func NewTracingMiddleware(instrumentationName string) *TracingMiddleware {
	return &TracingMiddleware{Tracer: otel.Tracer(instrumentationName)}
}

func (m *TracingMiddleware) WrapRun(ctx context.Context, info RunInfo, next func(context.Context) (*Result, error)) (*Result, error) {
	ctx, span := m.Tracer.Start(ctx, "run "+info.FunctionID)
	defer span.End()
	span.SetAttributes(
		attribute.String("inngest.function_id", info.FunctionID),
		attribute.String("inngest.run_id", info.RunID),
		attribute.Int("inngest.attempt", info.Attempt),
	)
	return next(ctx)
}

func (m *TracingMiddleware) WrapStep(ctx context.Context, info StepInfo, next func(context.Context) ([]byte, error)) ([]byte, error) {
	ctx, span := m.Tracer.Start(ctx, "step "+info.ID)
	defer span.End()
	span.SetAttributes(
		attribute.String("inngest.step_id", info.ID),
		attribute.String("inngest.step_op", string(info.Op)),
	)
	return next(ctx)
}

var _ Middleware = (*TracingMiddleware)(nil)

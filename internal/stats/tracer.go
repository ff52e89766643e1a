package stats

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"zuul/internal/model"
)

// NewTracerProvider builds an OTLP/HTTP-exporting TracerProvider for
// correlating a BuildSet/Build's lifecycle across result events
// (spec §4.K "every BuildSet and Build carries a span context").
// Callers are expected to call Shutdown on the returned provider.
func NewTracerProvider(ctx context.Context, otlpEndpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(otlpEndpoint))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	return tp, nil
}

var tracer = otel.Tracer("zuul/pipeline")

// StartBuildSpan opens a span for one job's Build, tagged with the
// identifiers a reporter or operator would correlate against (tenant,
// pipeline, project, job, build UUID), and records the span's ID on
// build.TraceSpanID. The span itself is returned to the caller, which must
// keep it to pass to EndBuildSpan; the recorded ID alone cannot reopen it.
func StartBuildSpan(ctx context.Context, tenant, pipelineName, project, jobName string, build *model.Build) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "zuul.build",
		trace.WithAttributes(
			attribute.String("zuul.tenant", tenant),
			attribute.String("zuul.pipeline", pipelineName),
			attribute.String("zuul.project", project),
			attribute.String("zuul.job", jobName),
			attribute.String("zuul.build_uuid", build.UUID.String()),
		),
	)
	build.TraceSpanID = span.SpanContext().SpanID().String()
	return ctx, span
}

// EndBuildSpan records build's final result and ends span. Nothing in
// this tree calls it yet from result-event processing.
func EndBuildSpan(span trace.Span, build *model.Build) {
	span.SetAttributes(
		attribute.String("zuul.result", string(build.Result)),
		attribute.Bool("zuul.canceled", build.Canceled),
	)
	span.End()
}

// SPDX-License-Identifier: Apache-2.0

package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "brokerage-agent"

// Init installs a global tracer provider exporting over OTLP/HTTP. With an
// empty endpoint nothing is installed and spans are no-ops.
func Init(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	var opts []otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func StartStepSpan(ctx context.Context, accountID, workflowID, step string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "closure.step",
		trace.WithAttributes(
			attribute.String("closure.account_id", accountID),
			attribute.String("closure.workflow_id", workflowID),
			attribute.String("closure.step", step),
		),
	)
}

func StartRelaySpan(ctx context.Context, threadID, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.relay",
		trace.WithAttributes(
			attribute.String("agent.thread_id", threadID),
			attribute.String("agent.run_id", runID),
		),
	)
}

func StartResumeSpan(ctx context.Context, threadID, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.resume",
		trace.WithAttributes(
			attribute.String("agent.thread_id", threadID),
			attribute.String("agent.run_id", runID),
		),
	)
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

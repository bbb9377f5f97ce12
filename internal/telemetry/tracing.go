/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the cadence engine.
//
// Custom span attributes use the `cadence.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/marcus-qen/cadence"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("cadence"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartTickSpan creates the parent span for one scheduler pass.
func StartTickSpan(ctx context.Context, scopes int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "scheduler.tick",
		trace.WithAttributes(
			attribute.Int("cadence.scopes", scopes),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartScopeSpan creates a child span for evaluating one scope.
func StartScopeSpan(ctx context.Context, scope string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "scheduler.scope",
		trace.WithAttributes(
			attribute.String("cadence.scope", scope),
		),
	)
}

// StartDispatchSpan creates a child span for a single rule dispatch.
func StartDispatchSpan(ctx context.Context, scope, ruleID, action string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "rule.dispatch",
		trace.WithAttributes(
			attribute.String("cadence.scope", scope),
			attribute.String("cadence.rule_id", ruleID),
			attribute.String("cadence.action", action),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndDispatchSpan records the dispatch outcome and ends the span.
func EndDispatchSpan(span trace.Span, completed bool, err error) {
	span.SetAttributes(attribute.Bool("cadence.completed", completed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartNudgeSpan creates a span for one nudge engine pass.
func StartNudgeSpan(ctx context.Context, loop string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "nudge.evaluate",
		trace.WithAttributes(
			attribute.String("cadence.nudge_loop", loop),
		),
	)
}

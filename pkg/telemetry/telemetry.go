// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry configures logging, tracing and the security metrics
// of the agent core.
package telemetry

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const (
	spanBatchTimeout = time.Second
	metricInterval   = time.Minute
)

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

// Config selects where spans and security metrics go. An empty Exporter
// means stdout.
type Config struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

// Init installs stdout exporters.
func Init(serviceName, version string) (ShutdownFunc, error) {
	return InitWithConfig(serviceName, version, Config{Exporter: ExporterStdout})
}

// InitWithConfig installs global tracer and meter providers for cfg. With
// the none exporter nothing is installed and the returned shutdown is a
// no-op.
func InitWithConfig(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if kind == "" {
		kind = ExporterStdout
	}
	if kind == ExporterNone {
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()
	spans, readings, err := newExporters(ctx, kind, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, berrors.New(berrors.CodeInternal, "telemetry resource", err).
			WithContext("service", serviceName)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(spans, trace.WithBatchTimeout(spanBatchTimeout)),
		trace.WithResource(res),
	)
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(readings, metric.WithInterval(metricInterval))),
		metric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// newExporters builds the span and metric exporters for kind. The span
// exporter is released again when the metric exporter cannot be built.
func newExporters(ctx context.Context, kind string, cfg Config) (trace.SpanExporter, metric.Exporter, error) {
	var (
		spans    trace.SpanExporter
		readings metric.Exporter
		err      error
	)
	switch kind {
	case ExporterStdout:
		if spans, err = stdouttrace.New(stdouttrace.WithPrettyPrint()); err != nil {
			return nil, nil, exporterError(kind, "span", err)
		}
		readings, err = stdoutmetric.New()
	case ExporterOTLP:
		if cfg.OTLPEndpoint == "" {
			return nil, nil, berrors.New(berrors.CodeInvalidArgument, "otlp exporter needs an endpoint", nil)
		}
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}
		if spans, err = otlptracegrpc.New(ctx, traceOpts...); err != nil {
			return nil, nil, exporterError(kind, "span", err).WithContext("endpoint", cfg.OTLPEndpoint)
		}
		readings, err = otlpmetricgrpc.New(ctx, metricOpts...)
	default:
		return nil, nil, berrors.New(berrors.CodeInvalidArgument, "unknown telemetry exporter", nil).
			WithContext("exporter", cfg.Exporter)
	}
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, nil, exporterError(kind, "metric", err)
	}
	return spans, readings, nil
}

func exporterError(kind, signal string, cause error) *berrors.BastionError {
	return berrors.New(berrors.CodeInternal, signal+" exporter", cause).
		WithContext("exporter", kind)
}

//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package metric provides OpenTelemetry metrics for threadgraph.
package metric

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	noopm "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	itelemetry "trpc.group/trpc-go/threadgraph/internal/telemetry"
)

var (
	// Meter is the global OpenTelemetry meter for threadgraph.
	Meter metric.Meter = noopm.Meter{}
)

// Start installs an OTLP metric exporter and replaces the global Meter.
// OTEL_EXPORTER_OTLP_METRICS_ENDPOINT and OTEL_EXPORTER_OTLP_ENDPOINT are
// used when no endpoint option is given.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	o := &options{
		serviceName: itelemetry.ServiceName,
		protocol:    itelemetry.ProtocolGRPC,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.endpoint == "" {
		o.endpoint = metricsEndpoint(o.protocol)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace(itelemetry.ServiceNamespace),
			semconv.ServiceName(o.serviceName),
			semconv.ServiceVersion(itelemetry.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := newExporter(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	Meter = meterProvider.Meter(itelemetry.InstrumentName)
	return func() error {
		if err := meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown MeterProvider: %w", err)
		}
		return nil
	}, nil
}

func newExporter(ctx context.Context, o *options) (sdkmetric.Exporter, error) {
	switch o.protocol {
	case itelemetry.ProtocolHTTP:
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(o.endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case itelemetry.ProtocolGRPC, "":
		conn, err := itelemetry.NewGRPCConn(o.endpoint)
		if err != nil {
			return nil, err
		}
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	default:
		return nil, fmt.Errorf("unsupported protocol %q", o.protocol)
	}
}

func metricsEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if protocol == itelemetry.ProtocolHTTP {
		return "localhost:4318"
	}
	return "localhost:4317"
}

// Option is a function that configures meter options.
type Option func(*options)

type options struct {
	endpoint    string
	protocol    string
	serviceName string
}

// WithEndpoint sets the metrics endpoint (host and port) of the collector.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithProtocol sets the protocol, "grpc" (default) or "http".
func WithProtocol(protocol string) Option {
	return func(o *options) {
		o.protocol = protocol
	}
}

// WithServiceName overrides the reported service name.
func WithServiceName(name string) Option {
	return func(o *options) {
		o.serviceName = name
	}
}

// GraphInstruments are the instruments recorded by the executor.
type GraphInstruments struct {
	Steps        metric.Int64Counter
	ToolCalls    metric.Int64Counter
	Runs         metric.Int64Counter
	NodeDuration metric.Float64Histogram
}

// NewGraphInstruments creates the executor instruments on m. Instruments
// that cannot be created fall back to noop ones.
func NewGraphInstruments(m metric.Meter) *GraphInstruments {
	if m == nil {
		m = Meter
	}
	noop := noopm.Meter{}
	gi := &GraphInstruments{}
	var err error
	if gi.Steps, err = m.Int64Counter(itelemetry.MetricSteps,
		metric.WithDescription("Completed graph steps.")); err != nil {
		gi.Steps, _ = noop.Int64Counter(itelemetry.MetricSteps)
	}
	if gi.ToolCalls, err = m.Int64Counter(itelemetry.MetricToolCalls,
		metric.WithDescription("Dispatched tool calls.")); err != nil {
		gi.ToolCalls, _ = noop.Int64Counter(itelemetry.MetricToolCalls)
	}
	if gi.Runs, err = m.Int64Counter(itelemetry.MetricRuns,
		metric.WithDescription("Finished runs by outcome.")); err != nil {
		gi.Runs, _ = noop.Int64Counter(itelemetry.MetricRuns)
	}
	if gi.NodeDuration, err = m.Float64Histogram(itelemetry.MetricNodeDuration,
		metric.WithDescription("Node execution time."), metric.WithUnit("s")); err != nil {
		gi.NodeDuration, _ = noop.Float64Histogram(itelemetry.MetricNodeDuration)
	}
	return gi
}

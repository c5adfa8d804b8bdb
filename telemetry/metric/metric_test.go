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

package metric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	itelemetry "trpc.group/trpc-go/threadgraph/internal/telemetry"
)

// TestMetricsEndpoint validates metrics endpoint precedence rules.
func TestMetricsEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	assert.Equal(t, "localhost:4317", metricsEndpoint("grpc"))
	assert.Equal(t, "localhost:4318", metricsEndpoint("http"))

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "generic-endpoint:4318")
	assert.Equal(t, "generic-endpoint:4318", metricsEndpoint("grpc"))

	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "custom-metric:4318")
	assert.Equal(t, "custom-metric:4318", metricsEndpoint("grpc"))
}

func TestGraphInstrumentsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	gi := NewGraphInstruments(provider.Meter("test"))

	ctx := context.Background()
	gi.Steps.Add(ctx, 2)
	gi.ToolCalls.Add(ctx, 1)
	gi.NodeDuration.Record(ctx, 0.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names[itelemetry.MetricSteps])
	assert.True(t, names[itelemetry.MetricToolCalls])
	assert.True(t, names[itelemetry.MetricNodeDuration])
}

func TestNewGraphInstrumentsDefaultsToGlobalMeter(t *testing.T) {
	gi := NewGraphInstruments(nil)
	require.NotNil(t, gi.Steps)
	gi.Runs.Add(context.Background(), 1)
}

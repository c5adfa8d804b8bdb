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

// Package telemetry holds the span names, attribute keys and helpers shared
// by the tracing and metrics packages.
package telemetry

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"trpc.group/trpc-go/threadgraph/model"
)

// telemetry service constants.
const (
	ServiceName      = "threadgraph"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go"
	InstrumentName   = "trpc.go.threadgraph"

	SpanNameExecuteGraph      = "execute_graph"
	SpanNamePrefixExecuteNode = "execute_node"
	SpanNamePrefixExecuteTool = "execute_tool"
	SpanNameCallLLM           = "call_llm"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// telemetry attributes constants.
var (
	KeyThreadID     = "trpc.go.threadgraph.thread_id"
	KeyStep         = "trpc.go.threadgraph.step"
	KeyNodeID       = "trpc.go.threadgraph.node_id"
	KeyNodeType     = "trpc.go.threadgraph.node_type"
	KeyNextNode     = "trpc.go.threadgraph.next_node"
	KeyCheckpointID = "trpc.go.threadgraph.checkpoint_id"
	KeyToolName     = "trpc.go.threadgraph.tool_name"
	KeyToolCallID   = "trpc.go.threadgraph.tool_call_id"
	KeyToolArgs     = "trpc.go.threadgraph.tool_call_args"
	KeyToolResponse = "trpc.go.threadgraph.tool_response"
	KeyLLMRequest   = "trpc.go.threadgraph.llm_request"
	KeyLLMResponse  = "trpc.go.threadgraph.llm_response"
	KeyError        = "trpc.go.threadgraph.error"
)

// Metric names.
const (
	MetricSteps        = "threadgraph.steps"
	MetricToolCalls    = "threadgraph.tool_calls"
	MetricNodeDuration = "threadgraph.node.duration"
	MetricRuns         = "threadgraph.runs"
)

// NewExecuteNodeSpanName returns the span name of a node step.
func NewExecuteNodeSpanName(node string) string {
	return fmt.Sprintf("%s %s", SpanNamePrefixExecuteNode, node)
}

// NewExecuteToolSpanName returns the span name of a tool call.
func NewExecuteToolSpanName(tool string) string {
	return fmt.Sprintf("%s %s", SpanNamePrefixExecuteTool, tool)
}

// TraceToolCall records a finished tool call on span.
func TraceToolCall(span trace.Span, name, callID string, args []byte, content string) {
	span.SetAttributes(
		attribute.String("gen_ai.system", "trpc.go.threadgraph"),
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String("gen_ai.tool.name", name),
		attribute.String(KeyToolName, name),
		attribute.String(KeyToolCallID, callID),
		attribute.String(KeyToolArgs, string(args)),
		attribute.String(KeyToolResponse, content),
	)
}

// TraceCallLLM records a model call on span.
func TraceCallLLM(span trace.Span, modelName string, req *model.Request, rsp model.Message) {
	span.SetAttributes(
		attribute.String("gen_ai.system", "trpc.go.threadgraph"),
		attribute.String("gen_ai.request.model", modelName),
	)
	if bts, err := json.Marshal(req); err == nil {
		span.SetAttributes(attribute.String(KeyLLMRequest, string(bts)))
	} else {
		span.SetAttributes(attribute.String(KeyLLMRequest, "<not json serializable>"))
	}
	if bts, err := json.Marshal(rsp); err == nil {
		span.SetAttributes(attribute.String(KeyLLMResponse, string(bts)))
	} else {
		span.SetAttributes(attribute.String(KeyLLMResponse, "<not json serializable>"))
	}
}

// TraceError marks span with err.
func TraceError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.SetAttributes(attribute.String(KeyError, err.Error()))
}

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// Note the use of insecure transport here. TLS is recommended in production.
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}

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

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	itelemetry "trpc.group/trpc-go/threadgraph/internal/telemetry"
	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/telemetry/trace"
	"trpc.group/trpc-go/threadgraph/tool"
)

// ToolErrorPrefix starts the content of every failed tool message.
const ToolErrorPrefix = "error: "

// ToolsOption configures a tools node.
type ToolsOption func(*toolsNodeOptions)

type toolsNodeOptions struct {
	timeout time.Duration
}

// WithToolTimeout bounds every single tool call of the node.
func WithToolTimeout(d time.Duration) ToolsOption {
	return func(o *toolsNodeOptions) {
		o.timeout = d
	}
}

// NewToolsNodeFunc creates a NodeFunc dispatching the tool calls of the
// last assistant message. Calls run sequentially in request order and
// yield exactly one tool message each, carrying the originating call id.
// Tool failures become message content and never fail the node. When the
// last message requests no tool calls the update is empty.
func NewToolsNodeFunc(tools *tool.Set, opts ...ToolsOption) NodeFunc {
	o := &toolsNodeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return func(ctx context.Context, state State) (State, error) {
		last, ok := LastMessage(state)
		if !ok || !last.HasToolCalls() {
			return State{}, nil
		}
		info := ExecutionInfoFrom(ctx)
		results := make([]model.Message, 0, len(last.ToolCalls))
		for _, call := range last.ToolCalls {
			results = append(results, dispatchTool(ctx, tools, call, o.timeout, info))
		}
		return State{StateKeyMessages: results}, nil
	}
}

func dispatchTool(
	ctx context.Context,
	tools *tool.Set,
	call model.ToolCall,
	timeout time.Duration,
	info *ExecutionInfo,
) model.Message {
	name := call.Function.Name
	ctx, span := trace.Tracer.Start(ctx, itelemetry.NewExecuteToolSpanName(name))
	defer span.End()

	start := time.Now()
	content, err := invokeTool(ctx, tools, call, timeout)
	if err != nil {
		err = &ToolExecutionError{Tool: name, CallID: call.ID, Err: err}
		content = ToolErrorPrefix + errors.Unwrap(err).Error()
		span.SetAttributes(attribute.String(itelemetry.KeyError, content))
	}
	itelemetry.TraceToolCall(span, name, call.ID, call.Function.Arguments, content)

	if info != nil {
		info.Callbacks.RunAfterTool(ctx, &ToolCallbackContext{
			ThreadID: info.ThreadID,
			Step:     info.Step,
			Tool:     name,
			CallID:   call.ID,
			Duration: time.Since(start),
		}, err)
	}
	return model.NewToolMessage(call.ID, name, content)
}

func invokeTool(ctx context.Context, tools *tool.Set, call model.ToolCall, timeout time.Duration) (string, error) {
	name := call.Function.Name
	t, ok := tools.Get(name)
	if !ok {
		return "", fmt.Errorf("tool %q not found", name)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", name, r)}
			}
		}()
		result, err := t.Call(ctx, call.Function.Arguments)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && timeout > 0 {
			return "", fmt.Errorf("tool %s timed out after %s", name, timeout)
		}
		return "", ctx.Err()
	case out := <-done:
		if out.err != nil {
			return "", out.err
		}
		return renderToolResult(out.result)
	}
}

func renderToolResult(result any) (string, error) {
	switch v := result.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", nil
	}
	bts, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return string(bts), nil
}

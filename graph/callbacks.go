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
	"time"
)

// NodeCallbackContext provides context information for node callbacks.
type NodeCallbackContext struct {
	// ThreadID is the conversation thread being advanced.
	ThreadID string
	// NodeID is the ID of the node being executed.
	NodeID string
	// NodeName is the name of the node being executed.
	NodeName string
	// NodeType is the type of the node being executed.
	NodeType NodeType
	// Step is the step number the node result will be checkpointed under.
	Step int
	// StartTime is when the node execution started.
	StartTime time.Time
}

// ToolCallbackContext describes a finished tool call.
type ToolCallbackContext struct {
	ThreadID string
	Step     int
	Tool     string
	CallID   string
	Duration time.Duration
}

// BeforeNodeCallback is called before a node is executed.
// A non-nil update skips the node and is merged in its place.
// A non-nil error fails the step.
type BeforeNodeCallback func(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
) (State, error)

// AfterNodeCallback is called after a node returned, successfully or not.
// A non-nil update replaces the node's update.
type AfterNodeCallback func(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	update State,
	nodeErr error,
) (State, error)

// OnNodeErrorCallback is called when a node fails after all retries.
// It cannot change the error.
type OnNodeErrorCallback func(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	err error,
)

// AfterToolCallback is called after every tool call of a tools node.
// err is the tool failure rendered into the tool message, if any.
type AfterToolCallback func(
	ctx context.Context,
	callbackCtx *ToolCallbackContext,
	err error,
)

// RunEndCallback is called once when a run finishes.
type RunEndCallback func(
	ctx context.Context,
	result *Result,
	err error,
)

// Callbacks holds the observers of an executor.
type Callbacks struct {
	BeforeNode  []BeforeNodeCallback
	AfterNode   []AfterNodeCallback
	OnNodeError []OnNodeErrorCallback
	AfterTool   []AfterToolCallback
	OnRunEnd    []RunEndCallback
}

// NewCallbacks creates an empty Callbacks.
func NewCallbacks() *Callbacks {
	return &Callbacks{}
}

// RegisterBeforeNode registers a before node callback.
func (c *Callbacks) RegisterBeforeNode(cb BeforeNodeCallback) *Callbacks {
	c.BeforeNode = append(c.BeforeNode, cb)
	return c
}

// RegisterAfterNode registers an after node callback.
func (c *Callbacks) RegisterAfterNode(cb AfterNodeCallback) *Callbacks {
	c.AfterNode = append(c.AfterNode, cb)
	return c
}

// RegisterOnNodeError registers an on node error callback.
func (c *Callbacks) RegisterOnNodeError(cb OnNodeErrorCallback) *Callbacks {
	c.OnNodeError = append(c.OnNodeError, cb)
	return c
}

// RegisterAfterTool registers an after tool callback.
func (c *Callbacks) RegisterAfterTool(cb AfterToolCallback) *Callbacks {
	c.AfterTool = append(c.AfterTool, cb)
	return c
}

// RegisterOnRunEnd registers a run end callback.
func (c *Callbacks) RegisterOnRunEnd(cb RunEndCallback) *Callbacks {
	c.OnRunEnd = append(c.OnRunEnd, cb)
	return c
}

// Merge appends the callbacks of other to c.
func (c *Callbacks) Merge(other *Callbacks) *Callbacks {
	if other == nil {
		return c
	}
	c.BeforeNode = append(c.BeforeNode, other.BeforeNode...)
	c.AfterNode = append(c.AfterNode, other.AfterNode...)
	c.OnNodeError = append(c.OnNodeError, other.OnNodeError...)
	c.AfterTool = append(c.AfterTool, other.AfterTool...)
	c.OnRunEnd = append(c.OnRunEnd, other.OnRunEnd...)
	return c
}

// RunBeforeNode runs all before node callbacks in order.
// The first callback returning an update or an error stops the chain.
func (c *Callbacks) RunBeforeNode(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
) (State, error) {
	if c == nil {
		return nil, nil
	}
	for _, cb := range c.BeforeNode {
		update, err := cb(ctx, callbackCtx, state)
		if err != nil {
			return nil, err
		}
		if update != nil {
			return update, nil
		}
	}
	return nil, nil
}

// RunAfterNode runs all after node callbacks in order, threading the
// possibly replaced update through the chain.
func (c *Callbacks) RunAfterNode(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	update State,
	nodeErr error,
) (State, error) {
	if c == nil {
		return update, nil
	}
	current := update
	for _, cb := range c.AfterNode {
		replaced, err := cb(ctx, callbackCtx, current, nodeErr)
		if err != nil {
			return nil, err
		}
		if replaced != nil {
			current = replaced
		}
	}
	return current, nil
}

// RunOnNodeError runs all on node error callbacks in order.
func (c *Callbacks) RunOnNodeError(ctx context.Context, callbackCtx *NodeCallbackContext, err error) {
	if c == nil {
		return
	}
	for _, cb := range c.OnNodeError {
		cb(ctx, callbackCtx, err)
	}
}

// RunAfterTool runs all after tool callbacks in order.
func (c *Callbacks) RunAfterTool(ctx context.Context, callbackCtx *ToolCallbackContext, err error) {
	if c == nil {
		return
	}
	for _, cb := range c.AfterTool {
		cb(ctx, callbackCtx, err)
	}
}

// RunOnRunEnd runs all run end callbacks in order.
func (c *Callbacks) RunOnRunEnd(ctx context.Context, result *Result, err error) {
	if c == nil {
		return
	}
	for _, cb := range c.OnRunEnd {
		cb(ctx, result, err)
	}
}

type execInfoKey struct{}

// ExecutionInfo identifies the step a node is running in.
type ExecutionInfo struct {
	ThreadID  string
	Step      int
	NodeID    string
	Callbacks *Callbacks
}

// withExecutionInfo stores info in ctx for the node being invoked.
func withExecutionInfo(ctx context.Context, info *ExecutionInfo) context.Context {
	return context.WithValue(ctx, execInfoKey{}, info)
}

// ExecutionInfoFrom returns the execution info of the running node, or
// nil outside of an executor.
func ExecutionInfoFrom(ctx context.Context) *ExecutionInfo {
	info, _ := ctx.Value(execInfoKey{}).(*ExecutionInfo)
	return info
}

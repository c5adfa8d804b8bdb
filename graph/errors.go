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
	"errors"
	"fmt"
	"strings"

	"trpc.group/trpc-go/threadgraph/model"
)

// Errors.
var (
	ErrThreadIDRequired   = errors.New("thread_id is required")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrMaxStepsExceeded   = errors.New("maximum number of steps exceeded")
	ErrNoCheckpointSaver  = errors.New("no checkpoint saver configured")
	// ErrStepConflict is returned by savers when the thread already holds
	// a checkpoint with the same step.
	ErrStepConflict = errors.New("checkpoint step already exists")
	// ErrInvalidCheckpoint is returned by savers for a nil checkpoint or
	// one without a thread id.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
)

// ModelInvocationError is the error a reasoning node returns when the
// model call failed or timed out.
type ModelInvocationError = model.InvocationError

// GraphConfigError lists every problem found while compiling a graph.
type GraphConfigError struct {
	Problems []string
}

// Error implements the error interface.
func (e *GraphConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid graph: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid graph: %d problems: %s",
		len(e.Problems), strings.Join(e.Problems, "; "))
}

// UnknownFieldError is returned when an update carries a field that has
// no registered reducer.
type UnknownFieldError struct {
	Field string
}

// Error implements the error interface.
func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown state field %q: no reducer registered", e.Field)
}

// FieldTypeError is returned when an update value does not match the
// registered type of its field.
type FieldTypeError struct {
	Field string
	Want  string
	Got   string
}

// Error implements the error interface.
func (e *FieldTypeError) Error() string {
	return fmt.Sprintf("state field %q expects %s, got %s", e.Field, e.Want, e.Got)
}

// ToolExecutionError describes a failed tool call. It never aborts a run:
// the tools node renders it as the content of the tool message.
type ToolExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s (call %s): %v", e.Tool, e.CallID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// ToolLoopExceededError is returned when a run routes into a tool node
// more often than the configured cap.
type ToolLoopExceededError struct {
	ThreadID string
	Step     int
	Hops     int
	Max      int
}

// Error implements the error interface.
func (e *ToolLoopExceededError) Error() string {
	return fmt.Sprintf("thread %s: tool hop cap exceeded at step %d (%d hops, max %d)",
		e.ThreadID, e.Step, e.Hops, e.Max)
}

// PersistenceError reports a failed checkpoint read or write.
type PersistenceError struct {
	ThreadID string
	Step     int
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("thread %s: checkpoint %s failed at step %d: %v",
		e.ThreadID, e.Op, e.Step, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// StepError reports a step that aborted the run.
type StepError struct {
	ThreadID string
	Step     int
	Node     string
	Err      error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("thread %s: step %d (node %s): %v", e.ThreadID, e.Step, e.Node, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StepError) Unwrap() error {
	return e.Err
}

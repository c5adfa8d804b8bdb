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

// Package schema defines the JSON payloads of the HTTP server.
// These types are internal, they only exist to facilitate request and
// response marshalling.
package schema

import (
	"time"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/snapshot"
)

// MessageRequest is the body of a message post.
type MessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// RunResponse is the outcome of a completed run.
type RunResponse struct {
	ThreadID     string            `json:"thread_id"`
	Step         int               `json:"step"`
	Steps        int               `json:"steps"`
	ToolHops     int               `json:"tool_hops"`
	Inconsistent bool              `json:"inconsistent,omitempty"`
	Reply        string            `json:"reply"`
	State        snapshot.Document `json:"state"`
}

// NewRunResponse converts a run result.
func NewRunResponse(r *graph.Result) RunResponse {
	return RunResponse{
		ThreadID:     r.ThreadID,
		Step:         r.Step,
		Steps:        r.Steps,
		ToolHops:     r.ToolHops,
		Inconsistent: r.Inconsistent,
		Reply:        r.LastResponse(),
		State:        snapshot.Build(r.State),
	}
}

// StepEvent is the data of one server-sent event.
type StepEvent struct {
	ThreadID     string            `json:"thread_id"`
	Step         int               `json:"step"`
	Node         string            `json:"node,omitempty"`
	Source       string            `json:"source,omitempty"`
	Next         string            `json:"next,omitempty"`
	CheckpointID string            `json:"checkpoint_id,omitempty"`
	Timestamp    time.Time         `json:"ts"`
	Update       snapshot.Document `json:"update,omitempty"`
	Done         bool              `json:"done,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// NewStepEvent converts a step update.
func NewStepEvent(u *graph.StepUpdate) StepEvent {
	ev := StepEvent{
		ThreadID:     u.ThreadID,
		Step:         u.Step,
		Node:         u.Node,
		Source:       u.Source,
		Next:         u.Next,
		CheckpointID: u.CheckpointID,
		Timestamp:    u.Timestamp,
		Done:         u.Done,
		Error:        u.Error,
	}
	if len(u.Update) > 0 {
		ev.Update = snapshot.Build(u.Update)
	}
	if ev.Error == "" && u.Err != nil {
		ev.Error = u.Err.Error()
	}
	return ev
}

// Event names of the stream.
const (
	EventStep  = "step"
	EventDone  = "done"
	EventError = "error"
)

// CheckpointSummary describes a stored checkpoint without its state.
type CheckpointSummary struct {
	ID        string    `json:"id"`
	Step      int       `json:"step"`
	Source    string    `json:"source"`
	Node      string    `json:"node,omitempty"`
	Next      string    `json:"next,omitempty"`
	ToolHops  int       `json:"tool_hops,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// NewCheckpointSummary converts a checkpoint.
func NewCheckpointSummary(cp *graph.Checkpoint) CheckpointSummary {
	return CheckpointSummary{
		ID:        cp.ID,
		Step:      cp.Step,
		Source:    cp.Source,
		Node:      cp.Node,
		Next:      cp.Next,
		ToolHops:  cp.ToolHops,
		Timestamp: cp.Timestamp,
	}
}

// ThreadList lists the known threads.
type ThreadList struct {
	Threads []string `json:"threads"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

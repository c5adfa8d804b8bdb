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
	"time"

	"trpc.group/trpc-go/threadgraph/model"
)

// StepUpdate is surfaced after every completed step in streaming mode.
// The final update of a run has Done set; when the run failed Err is set
// and State holds the last merged state.
type StepUpdate struct {
	ThreadID     string    `json:"thread_id"`
	Step         int       `json:"step"`
	Node         string    `json:"node,omitempty"`
	Source       string    `json:"source,omitempty"`
	Update       State     `json:"update,omitempty"`
	State        State     `json:"-"`
	Next         string    `json:"next,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Timestamp    time.Time `json:"ts"`
	Done         bool      `json:"done,omitempty"`
	// Err is a non fatal persistence failure on an intermediate update,
	// or the error that ended the run on the final one.
	Err error `json:"-"`
	// Error mirrors Err for serialized updates.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a run.
type Result struct {
	ThreadID string
	// State is the final merged state.
	State State
	// Step is the step number of the last completed step.
	Step int
	// Steps is the number of steps executed by this run, inputs included.
	Steps int
	// ToolHops is the number of tool dispatches of this run.
	ToolHops int
	// Inconsistent is set when a checkpoint write failed and the run was
	// allowed to continue in memory. Resume is not guaranteed afterwards.
	Inconsistent bool
	// PersistenceErrors lists the failed checkpoint writes.
	PersistenceErrors []error
}

// Messages returns the final conversation history.
func (r *Result) Messages() []model.Message {
	if r == nil {
		return nil
	}
	return GetMessages(r.State)
}

// LastResponse returns the content of the final assistant message.
func (r *Result) LastResponse() string {
	if r == nil {
		return ""
	}
	if s := GetString(r.State, StateKeyLastResponse); s != "" {
		return s
	}
	msgs := r.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}

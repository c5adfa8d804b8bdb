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
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Checkpoint constants.
const (
	// CheckpointVersion is the current checkpoint format version.
	CheckpointVersion = 1
	// CheckpointSourceInput marks a checkpoint holding a merged user input.
	CheckpointSourceInput = "input"
	// CheckpointSourceLoop marks a checkpoint written after a node step.
	CheckpointSourceLoop = "loop"
	// DefaultMaxCheckpointsPerThread bounds the history savers keep.
	DefaultMaxCheckpointsPerThread = 100
)

// Checkpoint is the durable snapshot of a thread after a step. It is a
// plain value: State holds the encoded state so a saver only moves bytes.
type Checkpoint struct {
	// Version is the checkpoint format version.
	Version int `json:"v"`
	// ID is the unique identifier of the checkpoint.
	ID string `json:"id"`
	// ThreadID is the conversation the checkpoint belongs to.
	ThreadID string `json:"thread_id"`
	// Step is the per thread, monotonically increasing step number.
	Step int `json:"step"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
	// Source is CheckpointSourceInput or CheckpointSourceLoop.
	Source string `json:"source"`
	// Node is the node whose update produced the state, empty for inputs.
	Node string `json:"node,omitempty"`
	// Next is the node routing selected after the step.
	Next string `json:"next,omitempty"`
	// ToolHops is the number of tool dispatches of the current run.
	ToolHops int `json:"tool_hops,omitempty"`
	// State is the encoded state.
	State json.RawMessage `json:"state"`
}

// NewCheckpoint creates a checkpoint with a fresh id and timestamp.
func NewCheckpoint(threadID string, step int, source string, state json.RawMessage) *Checkpoint {
	return &Checkpoint{
		Version:   CheckpointVersion,
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Step:      step,
		Timestamp: time.Now().UTC(),
		Source:    source,
		State:     state,
	}
}

// Copy returns a copy that shares nothing with c.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.State = append(json.RawMessage(nil), c.State...)
	return &cp
}

// Validate reports ErrInvalidCheckpoint for checkpoints a saver must not
// store.
func (c *Checkpoint) Validate() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidCheckpoint)
	case c.ThreadID == "":
		return fmt.Errorf("%w: %v", ErrInvalidCheckpoint, ErrThreadIDRequired)
	case c.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidCheckpoint)
	}
	return nil
}

// CheckpointSaver persists checkpoints. Implementations must write a
// checkpoint all-or-nothing and must be safe for concurrent use.
type CheckpointSaver interface {
	// Put stores the checkpoint and makes it the latest of its thread.
	Put(ctx context.Context, cp *Checkpoint) error
	// Latest returns the latest checkpoint of the thread, or nil, nil when
	// the thread has none.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)
	// List returns up to limit checkpoints of the thread, newest first.
	// A limit <= 0 returns all retained checkpoints.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)
	// Threads returns the ids of all threads with checkpoints.
	Threads(ctx context.Context) ([]string, error)
	// DeleteThread removes all checkpoints of the thread.
	DeleteThread(ctx context.Context, threadID string) error
	// Close releases resources held by the saver.
	Close() error
}

// CheckpointMeta describes the step a checkpoint is saved for.
type CheckpointMeta struct {
	Source   string
	Node     string
	Next     string
	ToolHops int
}

// CheckpointManager saves and loads typed states through a saver.
type CheckpointManager struct {
	saver  CheckpointSaver
	schema *StateSchema
}

// NewCheckpointManager creates a manager for the given saver and schema.
func NewCheckpointManager(saver CheckpointSaver, schema *StateSchema) *CheckpointManager {
	return &CheckpointManager{saver: saver, schema: schema}
}

// Saver returns the underlying saver.
func (m *CheckpointManager) Saver() CheckpointSaver {
	return m.saver
}

// Save encodes state and stores it as the checkpoint of step.
func (m *CheckpointManager) Save(
	ctx context.Context,
	threadID string,
	state State,
	step int,
	meta CheckpointMeta,
) (*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	data, err := EncodeState(state)
	if err != nil {
		return nil, err
	}
	cp := NewCheckpoint(threadID, step, meta.Source, data)
	cp.Node = meta.Node
	cp.Next = meta.Next
	cp.ToolHops = meta.ToolHops
	if err := m.saver.Put(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Load returns the latest checkpoint of the thread and its decoded state.
// Both are nil when the thread has no checkpoint.
func (m *CheckpointManager) Load(ctx context.Context, threadID string) (state State, cp *Checkpoint, err error) {
	if threadID == "" {
		return nil, nil, ErrThreadIDRequired
	}
	cp, err = m.saver.Latest(ctx, threadID)
	if err != nil || cp == nil {
		return nil, nil, err
	}
	state, err = DecodeState(m.schema, cp.State)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint %s: %w", cp.ID, err)
	}
	return state, cp, nil
}

// History returns up to limit checkpoints of the thread, newest first.
func (m *CheckpointManager) History(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	return m.saver.List(ctx, threadID, limit)
}

// Delete removes all checkpoints of the thread.
func (m *CheckpointManager) Delete(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrThreadIDRequired
	}
	return m.saver.DeleteThread(ctx, threadID)
}

// EncodeState serializes a state to JSON.
func EncodeState(state State) (json.RawMessage, error) {
	if state == nil {
		state = State{}
	}
	data, err := json.Marshal(map[string]any(state))
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// DecodeState deserializes a state. Fields registered with a Type are
// decoded into that type, so messages come back as []model.Message with
// their tool call metadata. Other fields decode as generic JSON values.
func DecodeState(schema *StateSchema, data []byte) (State, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	state := make(State, len(raw))
	for key, value := range raw {
		var field StateField
		var ok bool
		if schema != nil {
			field, ok = schema.Field(key)
		}
		if !ok || field.Type == nil || string(value) == "null" {
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				return nil, fmt.Errorf("decode state field %q: %w", key, err)
			}
			state[key] = v
			continue
		}
		ptr := reflect.New(field.Type)
		if err := json.Unmarshal(value, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("decode state field %q: %w", key, err)
		}
		state[key] = ptr.Elem().Interface()
	}
	return state, nil
}

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
	"fmt"
	"reflect"
	"sort"
	"sync"

	"trpc.group/trpc-go/threadgraph/model"
)

const (
	// StateKeyMessages is the key of the conversation history.
	// It is appended to by reasoning and tool nodes.
	StateKeyMessages = "messages"
	// StateKeyCurrentSentiment is the key of the latest sentiment label.
	StateKeyCurrentSentiment = "current_sentiment"
	// StateKeyLastResponse is the key of the last assistant text.
	StateKeyLastResponse = "last_response"
	// StateKeyMetadata is the key of free-form run metadata.
	StateKeyMetadata = "metadata"
	// StateKeyError is the key of an error-bearing update produced by a
	// node that degraded gracefully instead of failing the step.
	StateKeyError = "error"
)

// State represents the state that flows through the graph.
// Nodes never mutate it in place; they return a partial update that the
// schema merges into a new State.
type State map[string]any

// Clone returns a copy of the state. Message slices and metadata maps are
// copied so the clone never aliases the original.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	clone := make(State, len(s))
	for k, v := range s {
		switch val := v.(type) {
		case []model.Message:
			clone[k] = cloneMessages(val)
		case map[string]any:
			m := make(map[string]any, len(val))
			for mk, mv := range val {
				m[mk] = mv
			}
			clone[k] = m
		default:
			clone[k] = v
		}
	}
	return clone
}

// Keys returns the state keys in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StateReducer determines how an update for a field is combined with the
// existing value. Reducers must be pure and must not modify their inputs.
type StateReducer func(existing, update any) any

// StateField defines a registered field of the state.
type StateField struct {
	// Type is the Go type of values held by the field. When set, updates
	// are type checked and checkpoints decode the field back into it.
	Type reflect.Type
	// Reducer merges updates. Defaults to OverwriteReducer.
	Reducer StateReducer
	// Default produces the initial value for a fresh thread.
	Default func() any
}

// StateSchema is the reducer registry of a graph.
type StateSchema struct {
	mu     sync.RWMutex
	fields map[string]StateField
}

// NewStateSchema creates an empty state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{fields: make(map[string]StateField)}
}

// AddField registers a field and its reducer.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if field.Reducer == nil {
		field.Reducer = OverwriteReducer
	}
	s.fields[name] = field
	return s
}

// Clone returns an independent schema with the same fields.
func (s *StateSchema) Clone() *StateSchema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &StateSchema{fields: make(map[string]StateField, len(s.fields))}
	for name, f := range s.fields {
		c.fields[name] = f
	}
	return c
}

// Field returns the registered field with the given name.
func (s *StateSchema) Field(name string) (StateField, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fields[name]
	return f, ok
}

// Has reports whether the field is registered.
func (s *StateSchema) Has(name string) bool {
	_, ok := s.Field(name)
	return ok
}

// FieldNames returns the registered field names in sorted order.
func (s *StateSchema) FieldNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns a state holding the default value of every field that
// declares one.
func (s *StateSchema) Defaults() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := make(State)
	for name, f := range s.fields {
		if f.Default != nil {
			state[name] = f.Default()
		}
	}
	return state
}

// ApplyUpdate merges update into state and returns the new state.
// Fields absent from update are left unchanged. The whole update is
// validated before anything is merged: an unregistered field yields
// *UnknownFieldError, a value of the wrong type yields *FieldTypeError,
// and in both cases the returned state is nil and state is untouched.
func (s *StateSchema) ApplyUpdate(state, update State) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := update.Keys()
	for _, key := range keys {
		field, ok := s.fields[key]
		if !ok {
			return nil, &UnknownFieldError{Field: key}
		}
		if err := checkType(key, field, update[key]); err != nil {
			return nil, err
		}
	}

	result := state.Clone()
	if result == nil {
		result = make(State, len(update))
	}
	for _, key := range keys {
		result[key] = s.fields[key].Reducer(result[key], update[key])
	}
	return result, nil
}

func checkType(key string, field StateField, value any) error {
	if field.Type == nil || value == nil {
		return nil
	}
	got := reflect.TypeOf(value)
	if got.AssignableTo(field.Type) {
		return nil
	}
	return &FieldTypeError{Field: key, Want: field.Type.String(), Got: got.String()}
}

// OverwriteReducer replaces the existing value with the update.
func OverwriteReducer(existing, update any) any {
	return update
}

// AppendReducer concatenates two slices of the same type, preserving
// order. The result is always a fresh slice.
func AppendReducer(existing, update any) any {
	if update == nil {
		return existing
	}
	uv := reflect.ValueOf(update)
	if uv.Kind() != reflect.Slice {
		return update
	}
	if existing == nil {
		out := reflect.MakeSlice(uv.Type(), 0, uv.Len())
		return reflect.AppendSlice(out, uv).Interface()
	}
	ev := reflect.ValueOf(existing)
	if ev.Kind() != reflect.Slice || ev.Type() != uv.Type() {
		return update
	}
	out := reflect.MakeSlice(ev.Type(), 0, ev.Len()+uv.Len())
	out = reflect.AppendSlice(out, ev)
	out = reflect.AppendSlice(out, uv)
	return out.Interface()
}

// MessageReducer appends messages to the conversation history without
// sharing backing arrays with either input.
func MessageReducer(existing, update any) any {
	old, _ := existing.([]model.Message)
	msgs, ok := update.([]model.Message)
	if !ok {
		if update == nil {
			return cloneMessages(old)
		}
		return update
	}
	out := make([]model.Message, 0, len(old)+len(msgs))
	out = append(out, old...)
	out = append(out, msgs...)
	return out
}

// MergeReducer merges two maps, update keys winning.
func MergeReducer(existing, update any) any {
	upd, ok := update.(map[string]any)
	if !ok {
		return update
	}
	out := make(map[string]any)
	if old, ok := existing.(map[string]any); ok {
		for k, v := range old {
			out[k] = v
		}
	}
	for k, v := range upd {
		out[k] = v
	}
	return out
}

// MessagesStateSchema returns the schema of a conversation thread.
func MessagesStateSchema() *StateSchema {
	schema := NewStateSchema()
	schema.AddField(StateKeyMessages, StateField{
		Type:    reflect.TypeOf([]model.Message{}),
		Reducer: MessageReducer,
		Default: func() any { return []model.Message{} },
	})
	schema.AddField(StateKeyCurrentSentiment, StateField{
		Type:    reflect.TypeOf(""),
		Reducer: OverwriteReducer,
	})
	schema.AddField(StateKeyLastResponse, StateField{
		Type:    reflect.TypeOf(""),
		Reducer: OverwriteReducer,
	})
	schema.AddField(StateKeyMetadata, StateField{
		Type:    reflect.TypeOf(map[string]any{}),
		Reducer: MergeReducer,
	})
	schema.AddField(StateKeyError, StateField{
		Type:    reflect.TypeOf(""),
		Reducer: OverwriteReducer,
	})
	return schema
}

// GetMessages returns the conversation history held by the state.
func GetMessages(state State) []model.Message {
	msgs, _ := state[StateKeyMessages].([]model.Message)
	return msgs
}

// LastMessage returns the most recent message of the state.
func LastMessage(state State) (model.Message, bool) {
	msgs := GetMessages(state)
	if len(msgs) == 0 {
		return model.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// GetString returns the string value of key, or "" when absent.
func GetString(state State, key string) string {
	v, ok := state[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func cloneMessages(msgs []model.Message) []model.Message {
	if msgs == nil {
		return nil
	}
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

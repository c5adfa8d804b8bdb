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

package model

import (
	"encoding/json"
	"fmt"

	"trpc.group/trpc-go/threadgraph/tool"
)

// Role represents the role of a message author.
type Role string

// Role constants for message authors.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is one of the defined constants.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Message represents a single message in a conversation.
// Messages are values: code receiving a Message must not mutate slices
// reachable from it.
type Message struct {
	Role      Role       `json:"role"`                   // The role of the message author
	Content   string     `json:"content"`                // The message content
	ToolID    string     `json:"tool_call_id,omitempty"` // Call id answered by a tool message
	ToolName  string     `json:"name,omitempty"`         // Tool name answered by a tool message
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`   // Optional tool calls for the message
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{
		Role:    RoleSystem,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{
		Role:    RoleUser,
		Content: content,
	}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{
		Role:    RoleAssistant,
		Content: content,
	}
}

// NewToolCallMessage creates an assistant message requesting tool calls.
func NewToolCallMessage(content string, calls ...ToolCall) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	}
}

// NewToolMessage creates the result message answering the tool call id.
func NewToolMessage(toolID, toolName, content string) Message {
	return Message{
		Role:     RoleTool,
		ToolID:   toolID,
		ToolName: toolName,
		Content:  content,
	}
}

// Clone returns a copy of the message that shares no slices with m.
func (m Message) Clone() Message {
	if m.ToolCalls == nil {
		return m
	}
	calls := make([]ToolCall, len(m.ToolCalls))
	for i, c := range m.ToolCalls {
		calls[i] = c
		if c.Function.Arguments != nil {
			calls[i].Function.Arguments = append([]byte(nil), c.Function.Arguments...)
		}
	}
	m.ToolCalls = calls
	return m
}

// HasToolCalls reports whether the message is an assistant message
// carrying at least one tool call.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// GenerationConfig contains configuration for text generation.
type GenerationConfig struct {
	// MaxTokens is the maximum number of tokens to generate.
	MaxTokens *int `json:"max_tokens,omitempty"`
	// Temperature controls randomness (0.0 to 2.0).
	Temperature *float64 `json:"temperature,omitempty"`
	// TopP controls nucleus sampling (0.0 to 1.0).
	TopP *float64 `json:"top_p,omitempty"`
	// Stream indicates whether to stream the response.
	Stream bool `json:"stream"`
	// Stop sequences where the API will stop generating further tokens.
	Stop []string `json:"stop,omitempty"`
}

// StructuredOutput asks the model to answer with a JSON document that
// conforms to Schema.
type StructuredOutput struct {
	// Name identifies the schema for providers that require one.
	Name string `json:"name"`
	// Description is passed through to the provider.
	Description string `json:"description,omitempty"`
	// Schema is a JSON schema object.
	Schema map[string]any `json:"schema"`
	// Strict enables strict schema adherence where supported.
	Strict bool `json:"strict,omitempty"`
}

// Request is the request to the model.
type Request struct {
	// Messages is the conversation history.
	Messages []Message `json:"messages"`
	// GenerationConfig contains the generation parameters.
	GenerationConfig `json:",inline"`
	// StructuredOutput requests a schema constrained JSON answer.
	StructuredOutput *StructuredOutput `json:"structured_output,omitempty"`

	Tools map[string]tool.Tool `json:"-"` // Tools are not serialized, handled separately
}

// ToolCall represents a call to a tool (function) in the model response.
type ToolCall struct {
	// Type of the tool. Currently, only `function` is supported.
	Type string `json:"type"`
	// Function definition for the tool
	Function FunctionDefinitionParam `json:"function,omitempty"`
	// The ID of the tool call returned by the model.
	ID string `json:"id,omitempty"`
	// Index is the index of the tool call in the message for streaming responses.
	Index *int `json:"index,omitempty"`
}

// NewToolCall builds a function tool call with JSON encoded arguments.
func NewToolCall(id, name string, args map[string]any) (ToolCall, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return ToolCall{}, fmt.Errorf("marshal arguments for %s: %w", name, err)
	}
	return ToolCall{
		Type: "function",
		ID:   id,
		Function: FunctionDefinitionParam{
			Name:      name,
			Arguments: raw,
		},
	}, nil
}

// Args decodes the call arguments into a mapping. Empty arguments decode
// to an empty map.
func (c ToolCall) Args() (map[string]any, error) {
	out := map[string]any{}
	if len(c.Function.Arguments) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(c.Function.Arguments, &out); err != nil {
		return nil, fmt.Errorf("decode arguments of %s: %w", c.Function.Name, err)
	}
	return out, nil
}

// FunctionDefinitionParam names the function a tool call invokes.
type FunctionDefinitionParam struct {
	// The name of the function to be called. Must be a-z, A-Z, 0-9, or contain
	// underscores and dashes, with a maximum length of 64.
	Name string `json:"name"`
	// A description of what the function does, used by the model to choose when and
	// how to call the function.
	Description string `json:"description,omitempty"`
	// Optional arguments to pass to the function, json-encoded.
	Arguments []byte `json:"arguments,omitempty"`
}

// MarshalJSON emits Arguments as a JSON string, the shape used by chat
// completion APIs, instead of base64.
func (f FunctionDefinitionParam) MarshalJSON() ([]byte, error) {
	type alias struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Arguments   string `json:"arguments,omitempty"`
	}
	return json.Marshal(alias{Name: f.Name, Description: f.Description, Arguments: string(f.Arguments)})
}

// UnmarshalJSON accepts Arguments as a JSON string.
func (f *FunctionDefinitionParam) UnmarshalJSON(data []byte) error {
	var a struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Arguments   string `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	f.Name = a.Name
	f.Description = a.Description
	f.Arguments = nil
	if a.Arguments != "" {
		f.Arguments = []byte(a.Arguments)
	}
	return nil
}

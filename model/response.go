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
	"time"
)

// Error type constants for ResponseError.Type field.
const (
	ErrorTypeStreamError = "stream_error"
	ErrorTypeAPIError    = "api_error"
)

// Object type constants for Response.Object field.
const (
	ObjectTypeError               = "error"
	ObjectTypeChatCompletionChunk = "chat.completion.chunk"
	ObjectTypeChatCompletion      = "chat.completion"
)

// Choice represents a single completion choice.
type Choice struct {
	// Index is the index of the choice.
	Index int `json:"index"`
	// Message is the message content.
	Message Message `json:"message,omitempty"`
	// Delta is the delta message content.
	Delta Message `json:"delta,omitempty"`
	// FinishReason is the reason the choice was finished.
	// "stop", "length", "content_filter", etc.
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the response from the model.
//
// Error holds API level failures reported after the request reached the
// model service. Failures that prevent communication are returned by
// GenerateContent instead.
type Response struct {
	// ID is the unique identifier for this response.
	ID string `json:"id"`
	// Object describes the type of object returned (e.g., "chat.completion").
	Object string `json:"object"`
	// Created is the Unix timestamp when the response was created.
	Created int64 `json:"created"`
	// Model is the model used to generate the response.
	Model string `json:"model"`
	// Choices contains the completion choices.
	Choices []Choice `json:"choices"`
	// Usage contains token usage information (may be nil for streaming responses).
	Usage *Usage `json:"usage,omitempty"`
	// Error contains API-level error information if the request failed.
	Error *ResponseError `json:"error,omitempty"`
	// Timestamp when this response chunk was received (for streaming).
	Timestamp time.Time `json:"timestamp"`
	// Done indicates the final chunk of the response.
	Done bool `json:"done"`
	// IsPartial indicates if this is a partial response.
	IsPartial bool `json:"is_partial"`
}

// IsToolCallResponse checks if the response is related to tool calls.
func (rsp *Response) IsToolCallResponse() bool {
	return rsp != nil && len(rsp.Choices) > 0 && len(rsp.Choices[0].Message.ToolCalls) > 0
}

// GetToolCallIDs gets the IDs of tool calls from the response.
func (rsp *Response) GetToolCallIDs() []string {
	ids := make([]string, 0)
	if rsp == nil || len(rsp.Choices) <= 0 {
		return ids
	}
	for _, choice := range rsp.Choices {
		for _, toolCall := range choice.Message.ToolCalls {
			ids = append(ids, toolCall.ID)
		}
	}
	return ids
}

// NewMessageResponse wraps a complete message in a final response.
func NewMessageResponse(modelName string, msg Message) *Response {
	return &Response{
		Object:    ObjectTypeChatCompletion,
		Model:     modelName,
		Created:   time.Now().Unix(),
		Timestamp: time.Now(),
		Choices:   []Choice{{Index: 0, Message: msg}},
		Done:      true,
	}
}

// NewErrorResponse builds a final response carrying an API level error.
func NewErrorResponse(modelName, errType, message string) *Response {
	return &Response{
		Object:    ObjectTypeError,
		Model:     modelName,
		Timestamp: time.Now(),
		Error:     &ResponseError{Type: errType, Message: message},
		Done:      true,
	}
}

// ResponseError represents an error response from the API.
type ResponseError struct {
	// Message is the error message.
	Message string `json:"message"`

	// Type is the type of error.
	Type string `json:"type"`

	// Param is the parameter that caused the error.
	Param *string `json:"param,omitempty"`

	// Code is the error code.
	Code *string `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

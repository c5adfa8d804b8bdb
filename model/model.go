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

// Package model provides the message types and the reasoning model
// capability used by graph nodes.
package model

import "context"

// Model is the interface for all language models.
//
// Errors come in two layers. A returned error means the request never
// reached the model (nil request, transport failure, invalid parameters).
// Response.Error carries failures reported by the model service itself,
// such as rate limiting or content filtering.
//
//	responseChan, err := m.GenerateContent(ctx, request)
//	if err != nil {
//	    return fmt.Errorf("failed to generate content: %w", err)
//	}
//	for response := range responseChan {
//	    if response.Error != nil {
//	        return fmt.Errorf("API error: %s", response.Error.Message)
//	    }
//	}
type Model interface {
	// GenerateContent generates content from the given request.
	GenerateContent(ctx context.Context, request *Request) (<-chan *Response, error)
	// Info returns basic information about the model.
	Info() Info
}

// Info contains basic information about a Model.
type Info struct {
	Name string
}

// Collect drains the response channel of a single GenerateContent call and
// returns the final message. API level errors are converted into a
// *InvocationError. Partial chunks are concatenated when no complete
// message is delivered.
func Collect(ctx context.Context, m Model, req *Request) (Message, error) {
	name := m.Info().Name
	ch, err := m.GenerateContent(ctx, req)
	if err != nil {
		return Message{}, &InvocationError{Model: name, Err: err}
	}
	var (
		final   *Message
		partial Message
	)
	for {
		select {
		case <-ctx.Done():
			return Message{}, &InvocationError{Model: name, Err: ctx.Err()}
		case rsp, ok := <-ch:
			if !ok {
				if final != nil {
					return *final, nil
				}
				if partial.Content == "" && len(partial.ToolCalls) == 0 {
					return Message{}, &InvocationError{Model: name, Err: ErrEmptyResponse}
				}
				partial.Role = RoleAssistant
				return partial, nil
			}
			if rsp == nil {
				continue
			}
			if rsp.Error != nil {
				return Message{}, &InvocationError{Model: name, Err: rsp.Error}
			}
			if len(rsp.Choices) == 0 {
				continue
			}
			choice := rsp.Choices[0]
			if rsp.IsPartial {
				partial.Content += choice.Delta.Content
				partial.ToolCalls = append(partial.ToolCalls, choice.Delta.ToolCalls...)
				continue
			}
			msg := choice.Message
			if msg.Role == "" {
				msg.Role = RoleAssistant
			}
			final = &msg
		}
	}
}

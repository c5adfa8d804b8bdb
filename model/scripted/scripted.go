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

// Package scripted provides a deterministic model.Model that answers from
// a fixed script or a function. It backs offline runs and tests.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trpc.group/trpc-go/threadgraph/model"
)

// ErrScriptExhausted is returned once every scripted reply was consumed.
var ErrScriptExhausted = errors.New("script exhausted")

// Reply is one scripted answer.
type Reply struct {
	Message model.Message
	Err     error
	// Delay postpones the answer. A cancelled context cuts it short.
	Delay time.Duration
}

// Text returns a reply with a plain assistant message.
func Text(content string) Reply {
	return Reply{Message: model.NewAssistantMessage(content)}
}

// ToolCall returns a reply requesting a single tool call.
func ToolCall(id, name string, args map[string]any) Reply {
	call, err := model.NewToolCall(id, name, args)
	if err != nil {
		return Reply{Err: err}
	}
	return Reply{Message: model.NewToolCallMessage("", call)}
}

// ToolCalls returns a reply requesting several tool calls at once.
func ToolCalls(calls ...model.ToolCall) Reply {
	return Reply{Message: model.NewToolCallMessage("", calls...)}
}

// Fail returns a reply failing with err.
func Fail(err error) Reply {
	return Reply{Err: err}
}

// Responder computes a reply from the request.
type Responder func(ctx context.Context, req *model.Request) (model.Message, error)

// Model is a scripted model. It is safe for concurrent use.
type Model struct {
	name    string
	respond Responder
	loop    bool

	mu       sync.Mutex
	replies  []Reply
	next     int
	requests []*model.Request
}

// Option configures a Model.
type Option func(*Model)

// WithLoop replays the script from the start once exhausted.
func WithLoop() Option {
	return func(m *Model) {
		m.loop = true
	}
}

// New creates a model answering with replies in order.
func New(name string, replies []Reply, opts ...Option) *Model {
	m := &Model{name: name, replies: append([]Reply(nil), replies...)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewFunc creates a model answering through fn.
func NewFunc(name string, fn Responder) *Model {
	return &Model{name: name, respond: fn}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.name}
}

// GenerateContent implements model.Model. The answer is delivered as a
// single non partial response.
func (m *Model) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	reply, err := m.take(ctx, req)
	if err != nil {
		return nil, err
	}
	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	ch := make(chan *model.Response, 1)
	msg := reply.Message.Clone()
	if msg.Role == "" {
		msg.Role = model.RoleAssistant
	}
	ch <- model.NewMessageResponse(m.name, msg)
	close(ch)
	return ch, nil
}

func (m *Model) take(ctx context.Context, req *model.Request) (Reply, error) {
	m.mu.Lock()
	m.requests = append(m.requests, cloneRequest(req))
	if m.respond != nil {
		m.mu.Unlock()
		msg, err := m.respond(ctx, req)
		return Reply{Message: msg, Err: err}, nil
	}
	defer m.mu.Unlock()
	if m.next >= len(m.replies) {
		if !m.loop || len(m.replies) == 0 {
			return Reply{}, fmt.Errorf("scripted model %s: %w after %d replies", m.name, ErrScriptExhausted, len(m.replies))
		}
		m.next = 0
	}
	r := m.replies[m.next]
	m.next++
	return r, nil
}

// Calls returns the number of requests received.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns copies of the requests received, oldest first.
func (m *Model) Requests() []*model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func cloneRequest(req *model.Request) *model.Request {
	cp := *req
	cp.Messages = make([]model.Message, len(req.Messages))
	for i, msg := range req.Messages {
		cp.Messages[i] = msg.Clone()
	}
	return &cp
}

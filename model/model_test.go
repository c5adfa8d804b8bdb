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
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanModel struct {
	responses []*Response
	err       error
}

func (m *chanModel) GenerateContent(ctx context.Context, req *Request) (<-chan *Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan *Response, len(m.responses))
	for _, r := range m.responses {
		ch <- r
	}
	close(ch)
	return ch, nil
}

func (m *chanModel) Info() Info { return Info{Name: "chan"} }

func TestRoleIsValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		assert.True(t, r.IsValid(), r)
	}
	assert.False(t, Role("robot").IsValid())
}

func TestMessageCloneDoesNotAlias(t *testing.T) {
	call, err := NewToolCall("c1", "get_weather", map[string]any{"city": "Madrid"})
	require.NoError(t, err)
	orig := NewToolCallMessage("", call)

	cp := orig.Clone()
	cp.ToolCalls[0].ID = "changed"
	cp.ToolCalls[0].Function.Arguments[0] = 'X'

	assert.Equal(t, "c1", orig.ToolCalls[0].ID)
	assert.Equal(t, byte('{'), orig.ToolCalls[0].Function.Arguments[0])
	assert.True(t, orig.HasToolCalls())
	assert.False(t, NewUserMessage("hi").HasToolCalls())
}

func TestToolCallArgs(t *testing.T) {
	call, err := NewToolCall("c1", "get_weather", map[string]any{"city": "Madrid"})
	require.NoError(t, err)
	args, err := call.Args()
	require.NoError(t, err)
	assert.Equal(t, "Madrid", args["city"])

	empty := ToolCall{Function: FunctionDefinitionParam{Name: "noop"}}
	args, err = empty.Args()
	require.NoError(t, err)
	assert.Empty(t, args)

	bad := ToolCall{Function: FunctionDefinitionParam{Name: "bad", Arguments: []byte("{")}}
	_, err = bad.Args()
	assert.Error(t, err)
}

func TestMessageJSONShape(t *testing.T) {
	call, err := NewToolCall("c1", "get_weather", map[string]any{"city": "Madrid"})
	require.NoError(t, err)
	raw, err := json.Marshal(NewToolCallMessage("", call))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"arguments":"{\"city\":\"Madrid\"}"`)

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, call.Function.Arguments, back.ToolCalls[0].Function.Arguments)

	raw, err = json.Marshal(NewToolMessage("c1", "get_weather", "Sunny, 25°C"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"tool_call_id":"c1"`)
}

func TestCollect(t *testing.T) {
	ctx := context.Background()

	t.Run("final message", func(t *testing.T) {
		m := &chanModel{responses: []*Response{NewMessageResponse("chan", NewAssistantMessage("hello"))}}
		msg, err := Collect(ctx, m, &Request{})
		require.NoError(t, err)
		assert.Equal(t, RoleAssistant, msg.Role)
		assert.Equal(t, "hello", msg.Content)
	})

	t.Run("partial chunks", func(t *testing.T) {
		m := &chanModel{responses: []*Response{
			{IsPartial: true, Choices: []Choice{{Delta: Message{Content: "hel"}}}},
			{IsPartial: true, Choices: []Choice{{Delta: Message{Content: "lo"}}}},
		}}
		msg, err := Collect(ctx, m, &Request{})
		require.NoError(t, err)
		assert.Equal(t, "hello", msg.Content)
	})

	t.Run("api error", func(t *testing.T) {
		m := &chanModel{responses: []*Response{NewErrorResponse("chan", ErrorTypeAPIError, "rate limited")}}
		_, err := Collect(ctx, m, &Request{})
		require.Error(t, err)
		assert.True(t, IsInvocationError(err))
		assert.Contains(t, err.Error(), "rate limited")
	})

	t.Run("transport error", func(t *testing.T) {
		boom := errors.New("dial failed")
		_, err := Collect(ctx, &chanModel{err: boom}, &Request{})
		assert.ErrorIs(t, err, boom)
		assert.True(t, IsInvocationError(err))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Collect(ctx, &chanModel{}, &Request{})
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})
}

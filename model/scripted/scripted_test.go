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

package scripted

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/threadgraph/model"
)

func userRequest(text string) *model.Request {
	return &model.Request{Messages: []model.Message{model.NewUserMessage(text)}}
}

func TestModelRepliesInOrder(t *testing.T) {
	m := New("script", []Reply{
		ToolCall("call_1", "get_weather", map[string]any{"city": "Madrid"}),
		Text("It is sunny in Madrid."),
	})
	ctx := context.Background()

	first, err := model.Collect(ctx, m, userRequest("weather in Madrid"))
	require.NoError(t, err)
	require.Len(t, first.ToolCalls, 1)
	assert.Equal(t, "get_weather", first.ToolCalls[0].Function.Name)
	assert.Equal(t, "call_1", first.ToolCalls[0].ID)

	second, err := model.Collect(ctx, m, userRequest("again"))
	require.NoError(t, err)
	assert.Equal(t, "It is sunny in Madrid.", second.Content)
	assert.Equal(t, model.RoleAssistant, second.Role)

	_, err = model.Collect(ctx, m, userRequest("more"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScriptExhausted))
	assert.True(t, model.IsInvocationError(err))
	assert.Equal(t, 3, m.Calls())
}

func TestModelLoop(t *testing.T) {
	m := New("loop", []Reply{Text("a"), Text("b")}, WithLoop())
	ctx := context.Background()
	var got []string
	for i := 0; i < 3; i++ {
		msg, err := model.Collect(ctx, m, userRequest("x"))
		require.NoError(t, err)
		got = append(got, msg.Content)
	}
	assert.Equal(t, []string{"a", "b", "a"}, got)
}

func TestModelFailAndDelay(t *testing.T) {
	boom := errors.New("boom")
	m := New("fail", []Reply{Fail(boom), {Message: model.NewAssistantMessage("late"), Delay: time.Second}})

	_, err := model.Collect(context.Background(), m, userRequest("x"))
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = model.Collect(ctx, m, userRequest("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewFuncRecordsRequests(t *testing.T) {
	m := NewFunc("echo", func(_ context.Context, req *model.Request) (model.Message, error) {
		last := req.Messages[len(req.Messages)-1]
		return model.NewAssistantMessage("echo: " + last.Content), nil
	})
	req := userRequest("hello")
	msg, err := model.Collect(context.Background(), m, req)
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", msg.Content)

	req.Messages[0].Content = "mutated"
	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "hello", reqs[0].Messages[0].Content)
	assert.Equal(t, "echo", m.Info().Name)
}

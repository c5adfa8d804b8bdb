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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/model/scripted"
	"trpc.group/trpc-go/threadgraph/tool"
	"trpc.group/trpc-go/threadgraph/tool/weather"
)

func TestLLMNodeAppendsReply(t *testing.T) {
	llm := scripted.New("m", []scripted.Reply{scripted.Text("It is sunny.")})
	tools := tool.MustNewSet(weather.New())
	node := NewLLMNodeFunc(llm, "You are helpful.", tools)

	state := State{StateKeyMessages: []model.Message{model.NewUserMessage("weather?")}}
	update, err := node(context.Background(), state)
	require.NoError(t, err)

	msgs := update[StateKeyMessages].([]model.Message)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "It is sunny.", update[StateKeyLastResponse])

	reqs := llm.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, model.RoleSystem, reqs[0].Messages[0].Role)
	assert.Equal(t, "You are helpful.", reqs[0].Messages[0].Content)
	assert.Contains(t, reqs[0].Tools, weather.Name)
}

func TestLLMNodeKeepsExistingSystemPrompt(t *testing.T) {
	llm := scripted.New("m", []scripted.Reply{scripted.Text("ok")})
	node := NewLLMNodeFunc(llm, "ignored", nil)
	state := State{StateKeyMessages: []model.Message{
		model.NewSystemMessage("custom"),
		model.NewUserMessage("hi"),
	}}
	_, err := node(context.Background(), state)
	require.NoError(t, err)
	msgs := llm.Requests()[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "custom", msgs[0].Content)
	assert.Empty(t, llm.Requests()[0].Tools)
}

func TestLLMNodeFailure(t *testing.T) {
	llm := scripted.New("m", []scripted.Reply{scripted.Fail(errors.New("503"))})
	node := NewLLMNodeFunc(llm, "", nil)
	_, err := node(context.Background(), State{})
	require.Error(t, err)
	assert.True(t, model.IsInvocationError(err))
}

func TestLLMNodeModelRetry(t *testing.T) {
	llm := scripted.New("m", []scripted.Reply{
		scripted.Fail(errors.New("503")),
		scripted.Text("recovered"),
	})
	node := NewLLMNodeFunc(llm, "", nil, WithModelRetry(fastPolicy(3, ModelInvocationCondition())))
	update, err := node(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", update[StateKeyLastResponse])
	assert.Equal(t, 2, llm.Calls())
}

func TestLLMNodeErrorAsMessage(t *testing.T) {
	llm := scripted.New("m", []scripted.Reply{scripted.Fail(errors.New("503"))})
	node := NewLLMNodeFunc(llm, "", nil, WithErrorAsMessage("Sorry, try again later."))
	update, err := node(context.Background(), State{})
	require.NoError(t, err)
	msgs := update[StateKeyMessages].([]model.Message)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Sorry, try again later.", msgs[0].Content)
	assert.Equal(t, "Sorry, try again later.", update[StateKeyLastResponse])
	assert.Contains(t, update[StateKeyError], "503")

	_, err = MessagesStateSchema().ApplyUpdate(State{}, update)
	assert.NoError(t, err)
}

var sentiments = []string{"very negative", "negative", "neutral", "positive"}

func TestClassifierNode(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"json", `{"label":"negative"}`, "negative"},
		{"fenced json", "```json\n{\"label\": \"Very Negative\"}\n```", "very negative"},
		{"plain text", " positive ", "positive"},
		{"unknown label", `{"label":"furious"}`, "neutral"},
		{"garbage", "I cannot tell", "neutral"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := scripted.New("m", []scripted.Reply{scripted.Text(tt.reply)})
			node := NewClassifierNodeFunc(llm, "Classify the sentiment.", StateKeyCurrentSentiment, sentiments, "neutral")
			state := State{StateKeyMessages: []model.Message{
				model.NewUserMessage("first"),
				model.NewAssistantMessage("answer"),
				model.NewUserMessage("second"),
			}}
			update, err := node(context.Background(), state)
			require.NoError(t, err)
			assert.Equal(t, State{StateKeyCurrentSentiment: tt.want}, update)

			req := llm.Requests()[0]
			require.Len(t, req.Messages, 2)
			assert.Equal(t, "second", req.Messages[1].Content)
			require.NotNil(t, req.StructuredOutput)
			assert.Equal(t, StateKeyCurrentSentiment, req.StructuredOutput.Name)
		})
	}
}

func TestClassifierNodeModelError(t *testing.T) {
	llm := scripted.New("m", nil)
	node := NewClassifierNodeFunc(llm, "x", StateKeyCurrentSentiment, sentiments, "neutral")
	_, err := node(context.Background(), State{})
	assert.ErrorIs(t, err, scripted.ErrScriptExhausted)
}

func TestStaticMessageNode(t *testing.T) {
	update, err := NewStaticMessageNodeFunc("A human will contact you.")(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, "A human will contact you.", update[StateKeyLastResponse])
	msgs := update[StateKeyMessages].([]model.Message)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleAssistant, msgs[0].Role)
}

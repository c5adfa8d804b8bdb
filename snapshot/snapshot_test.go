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

package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/model"
)

func weatherState(t *testing.T) graph.State {
	t.Helper()
	call, err := model.NewToolCall("call_1", "get_weather", map[string]any{"city": "Madrid"})
	require.NoError(t, err)
	return graph.State{
		graph.StateKeyMessages: []model.Message{
			model.NewUserMessage("What's the weather in Madrid?"),
			model.NewToolCallMessage("", call),
			model.NewToolMessage("call_1", "get_weather", "Sunny, 25°C"),
			model.NewAssistantMessage("It is sunny in Madrid."),
		},
		graph.StateKeyCurrentSentiment: "neutral",
		"__internal":                   true,
	}
}

func TestBuild(t *testing.T) {
	doc := Build(weatherState(t))

	assert.NotContains(t, doc, "__internal")
	assert.Equal(t, "neutral", doc[graph.StateKeyCurrentSentiment])

	msgs := doc.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, MessageEntry{Role: "user", Content: "What's the weather in Madrid?"}, msgs[0])
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, ToolCallEntry{
		ID:   "call_1",
		Name: "get_weather",
		Args: map[string]any{"city": "Madrid"},
	}, msgs[1].ToolCalls[0])
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Equal(t, "get_weather", msgs[2].Name)
	assert.Equal(t, "assistant", msgs[3].Role)
}

func TestBuildKeepsUndecodableArguments(t *testing.T) {
	state := graph.State{graph.StateKeyMessages: []model.Message{{
		Role: model.RoleAssistant,
		ToolCalls: []model.ToolCall{{
			ID:       "c1",
			Type:     "function",
			Function: model.FunctionDefinitionParam{Name: "echo", Arguments: []byte("{not json")},
		}},
	}}}
	msgs := Build(state).Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]any{"_raw": "{not json"}, msgs[0].ToolCalls[0].Args)
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", DefaultFileName)
	w := NewFileWriter(path)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, "t1", Build(weatherState(t))))
	require.NoError(t, w.Write(ctx, "t1", Document{"last_response": "bye"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, map[string]any{"last_response": "bye"}, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileWriterDefaultPath(t *testing.T) {
	assert.Equal(t, DefaultFileName, NewFileWriter("").Path)
}

func TestFileWriterJSONShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, NewFileWriter(path).Write(context.Background(), "t1", Build(weatherState(t))))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got struct {
		Messages []struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				Name string         `json:"name"`
				Args map[string]any `json:"args"`
			} `json:"tool_calls"`
		} `json:"messages"`
		Sentiment string `json:"current_sentiment"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "get_weather", got.Messages[1].ToolCalls[0].Name)
	assert.Equal(t, "Madrid", got.Messages[1].ToolCalls[0].Args["city"])
	assert.Equal(t, "neutral", got.Sentiment)
}

func TestRenderHTML(t *testing.T) {
	state := weatherState(t)
	state[graph.StateKeyMessages] = append(graph.GetMessages(state),
		model.NewUserMessage("<script>alert(1)</script>"))

	out, err := RenderHTML("thread 1", Build(state))
	require.NoError(t, err)
	page := string(out)

	assert.Contains(t, page, "<title>thread 1</title>")
	assert.Contains(t, page, "<h3>user</h3>")
	assert.Contains(t, page, "<h3>tool (get_weather)</h3>")
	assert.Contains(t, page, "<code>get_weather</code>")
	assert.Contains(t, page, "<td>current_sentiment</td>")
	assert.NotContains(t, page, "<script>")
}

func TestMarkdownWithoutExtraFields(t *testing.T) {
	doc := Document{graph.StateKeyMessages: []MessageEntry{{Role: "user", Content: "hi"}}}
	assert.Equal(t, "# t\n\n### user\n\nhi\n\n", Markdown("t", doc))
}

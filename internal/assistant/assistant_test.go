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

package assistant

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/threadgraph/config"
	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/graph/checkpoint/inmemory"
	"trpc.group/trpc-go/threadgraph/log"
	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/model/breaker"
	"trpc.group/trpc-go/threadgraph/model/scripted"
	"trpc.group/trpc-go/threadgraph/tool"
	"trpc.group/trpc-go/threadgraph/tool/weather"
)

var quietLogger = log.New(io.Discard)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), "state.json")
	return cfg
}

func TestMadridWeatherScenario(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	app, err := Build(ctx, cfg, WithOffline(true), WithLogger(quietLogger))
	require.NoError(t, err)
	defer app.Close()

	result, err := app.Runner.Run(ctx, "1", "What's the weather like in Madrid?")
	require.NoError(t, err)

	msgs := result.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, weather.Name, msgs[1].ToolCalls[0].Function.Name)
	assert.Equal(t, model.RoleTool, msgs[2].Role)
	assert.Equal(t, "Sunny, 25°C", msgs[2].Content)
	assert.Equal(t, msgs[1].ToolCalls[0].ID, msgs[2].ToolID)
	assert.Equal(t, model.RoleAssistant, msgs[3].Role)
	assert.Contains(t, msgs[3].Content, "Sunny, 25°C")
	assert.Equal(t, 1, result.ToolHops)

	data, err := os.ReadFile(cfg.Snapshot.Path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Len(t, doc[graph.StateKeyMessages], 4)

	// A follow-up turn continues the same thread.
	result, err = app.Runner.Run(ctx, "1", "And what about London?")
	require.NoError(t, err)
	assert.Len(t, result.Messages(), 6)
	assert.Equal(t, "You said: And what about London?", result.LastResponse())
}

func TestVeryNegativeSentimentEscalates(t *testing.T) {
	ctx := context.Background()
	chatbot := scripted.New("chatbot", nil)
	classifier := scripted.New("classifier", []scripted.Reply{scripted.Text(`{"label":"very negative"}`)})
	g, err := NewGraph(GraphConfig{
		LLM:        chatbot,
		Classifier: classifier,
		Tools:      tool.MustNewSet(weather.New()),
		Sentiment:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, NodeClassify, g.EntryPoint())

	e, err := graph.NewExecutor(g, graph.WithCheckpointSaver(inmemory.NewSaver()), graph.WithLogger(quietLogger))
	require.NoError(t, err)
	result, err := e.Invoke(ctx, "angry", graph.State{
		graph.StateKeyMessages: []model.Message{model.NewUserMessage("This is the worst service ever!")},
	})
	require.NoError(t, err)

	assert.Equal(t, SentimentVeryNegative, graph.GetString(result.State, graph.StateKeyCurrentSentiment))
	msgs := result.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, HandoffMessage, msgs[1].Content)
	assert.Equal(t, 0, chatbot.Calls())
	assert.Equal(t, 1, classifier.Calls())
}

func TestSentimentRouting(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Engine.Sentiment = true
	app, err := Build(ctx, cfg, WithOffline(true), WithLogger(quietLogger))
	require.NoError(t, err)
	defer app.Close()

	tests := []struct {
		thread    string
		text      string
		sentiment string
		last      string
	}{
		{"a", "I hate this, it is terrible", SentimentVeryNegative, HandoffMessage},
		{"b", "The app is slow", SentimentNegative, "You said: The app is slow"},
		{"c", "Hello there", SentimentNeutral, "You said: Hello there"},
		{"d", "Thanks, what's the weather in London?", SentimentPositive, "The current weather is: Rainy, 15°C."},
	}
	for _, tt := range tests {
		t.Run(tt.sentiment, func(t *testing.T) {
			result, err := app.Runner.Run(ctx, tt.thread, tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.sentiment, graph.GetString(result.State, graph.StateKeyCurrentSentiment))
			assert.Equal(t, tt.last, result.LastResponse())
		})
	}
}

func TestNewGraphWithoutSentiment(t *testing.T) {
	g, err := NewGraph(GraphConfig{LLM: NewOfflineModel(), Tools: tool.MustNewSet(weather.New())})
	require.NoError(t, err)
	assert.Equal(t, NodeChatbot, g.EntryPoint())
	_, ok := g.Node(NodeClassify)
	assert.False(t, ok)

	_, err = NewGraph(GraphConfig{})
	assert.Error(t, err)
}

func TestErrorAsMessage(t *testing.T) {
	llm := scripted.New("broken", []scripted.Reply{scripted.Fail(assert.AnError)})
	g, err := NewGraph(GraphConfig{LLM: llm, ErrorAsMessage: true})
	require.NoError(t, err)
	e, err := graph.NewExecutor(g, graph.WithLogger(quietLogger), graph.WithRetryPolicy(graph.NoRetry()))
	require.NoError(t, err)

	result, err := e.Invoke(context.Background(), "t", graph.State{
		graph.StateKeyMessages: []model.Message{model.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, modelErrorReply, result.LastResponse())
	assert.NotEmpty(t, graph.GetString(result.State, graph.StateKeyError))
}

func TestExtractCity(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"What's the weather like in Madrid?", "Madrid"},
		{"weather in New York today", "New York"},
		{"How is the weather for São Paulo right now?", "São Paulo"},
		{"Tell me the weather at London.", "London"},
		{"Is it raining?", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractCity(tt.text), tt.text)
	}
}

func TestOfflineModelClassifies(t *testing.T) {
	req := &model.Request{
		Messages:         []model.Message{model.NewUserMessage("You are awesome")},
		StructuredOutput: &model.StructuredOutput{Name: "label"},
	}
	reply, err := offlineReply(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"label":"positive"}`, reply.Content)
}

func TestOfflineModelWithoutTools(t *testing.T) {
	// Without the weather tool on offer the model never asks for it.
	req := &model.Request{Messages: []model.Message{model.NewUserMessage("weather in Madrid")}}
	reply, err := offlineReply(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, reply.ToolCalls)
	assert.Equal(t, "You said: weather in Madrid", reply.Content)
}

func TestNewSaver(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	tests := []config.CheckpointConfig{
		{Backend: config.BackendMemory, MaxPerThread: 3},
		{Backend: config.BackendSQLite, Path: filepath.Join(dir, "cp.db")},
		{Backend: config.BackendFile, Path: filepath.Join(dir, "cp")},
		{Backend: config.BackendRedis, RedisURL: "redis://" + mr.Addr(), Prefix: "test:"},
		{Backend: config.BackendDynamoDB, Table: "checkpoints", Region: "us-east-1", Endpoint: "http://127.0.0.1:8000"},
	}
	for _, cfg := range tests {
		t.Run(cfg.Backend, func(t *testing.T) {
			s, err := NewSaver(ctx, cfg)
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}

	_, err := NewSaver(ctx, config.CheckpointConfig{Backend: "tape"})
	assert.Error(t, err)
}

func TestNewModel(t *testing.T) {
	ctx := context.Background()

	m, err := NewModel(ctx, config.ModelConfig{Provider: config.ProviderOpenAI, Name: "gpt-4o-mini", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", m.Info().Name)

	m, err = NewModel(ctx, config.ModelConfig{Provider: config.ProviderGemini, Name: "gemini-2.0-flash", APIKey: "key"})
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", m.Info().Name)

	m, err = NewModel(ctx, config.ModelConfig{
		Provider: config.ProviderScripted,
		Name:     OfflineModelName,
		Breaker:  config.BreakerConfig{Enabled: true, FailureThreshold: 0.5},
	})
	require.NoError(t, err)
	assert.IsType(t, &breaker.Model{}, m)

	_, err = NewModel(ctx, config.ModelConfig{Provider: "oracle"})
	assert.Error(t, err)
}

func TestBuildWithRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Checkpoint = config.CheckpointConfig{Backend: config.BackendRedis, RedisURL: "redis://" + mr.Addr(), Prefix: "tg:"}
	cfg.Lock = config.LockConfig{Backend: config.LockRedis, RedisURL: "redis://" + mr.Addr()}
	app, err := Build(ctx, cfg, WithOffline(true), WithLogger(quietLogger))
	require.NoError(t, err)
	defer app.Close()

	_, err = app.Runner.Run(ctx, "r1", "weather in London")
	require.NoError(t, err)

	state, err := app.Runner.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, graph.GetMessages(state), 4)
	threads, err := app.Runner.Threads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, threads)
	// The distributed lock is released after the run.
	assert.False(t, mr.Exists("threadgraph:lock:r1"))
}

func TestBuildMetrics(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	app, err := Build(ctx, cfg, WithOffline(true), WithLogger(quietLogger), WithSaver(inmemory.NewSaver()))
	require.NoError(t, err)
	defer app.Close()
	require.NotNil(t, app.Metrics)

	_, err = app.Runner.Run(ctx, "m", "hello")
	require.NoError(t, err)
	families, err := app.Metrics.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "threadgraph_runs_total")
	assert.Contains(t, names, "threadgraph_node_visits_total")
}

func TestCOSWriterNotConfigured(t *testing.T) {
	app := &App{Config: config.Default()}
	_, err := app.COSWriter()
	assert.Error(t, err)

	app.Config.Snapshot.COSBucketURL = "https://bucket-1250000000.cos.ap-guangzhou.myqcloud.com"
	w, err := app.COSWriter()
	require.NoError(t, err)
	assert.NotNil(t, w)
}

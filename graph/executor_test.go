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

package graph_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/graph/checkpoint/inmemory"
	itelemetry "trpc.group/trpc-go/threadgraph/internal/telemetry"
	"trpc.group/trpc-go/threadgraph/log"
	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/model/scripted"
	"trpc.group/trpc-go/threadgraph/tool"
	"trpc.group/trpc-go/threadgraph/tool/weather"
)

var quietLogger = log.New(io.Discard)

func userInput(content string) graph.State {
	return graph.State{graph.StateKeyMessages: []model.Message{model.NewUserMessage(content)}}
}

func weatherGraph(t *testing.T, llm model.Model) *graph.Graph {
	t.Helper()
	tools := tool.MustNewSet(weather.New())
	g, err := graph.NewStateGraph(graph.MessagesStateSchema()).
		AddLLMNode("agent", llm, "You are a weather assistant.", tools).
		AddToolsNode("tools", tools, "agent").
		AddToolsConditionalEdges("agent", "tools", graph.End).
		SetEntryPoint("agent").
		Compile()
	require.NoError(t, err)
	return g
}

func newExecutor(t *testing.T, g *graph.Graph, opts ...graph.ExecutorOption) *graph.Executor {
	t.Helper()
	opts = append([]graph.ExecutorOption{graph.WithLogger(quietLogger)}, opts...)
	e, err := graph.NewExecutor(g, opts...)
	require.NoError(t, err)
	return e
}

func madridModel() *scripted.Model {
	return scripted.New("scripted", []scripted.Reply{
		scripted.ToolCall("call-1", weather.Name, map[string]any{"city": "Madrid"}),
		scripted.Text("It is sunny and 25°C in Madrid."),
	})
}

func TestInvokeWeatherRoundTrip(t *testing.T) {
	ctx := context.Background()
	saver := inmemory.NewSaver()
	llm := madridModel()
	e := newExecutor(t, weatherGraph(t, llm), graph.WithCheckpointSaver(saver))

	result, err := e.Invoke(ctx, "madrid", userInput("What's the weather in Madrid?"))
	require.NoError(t, err)

	msgs := result.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	require.True(t, msgs[1].HasToolCalls())
	assert.Equal(t, weather.Name, msgs[1].ToolCalls[0].Function.Name)
	assert.Equal(t, model.RoleTool, msgs[2].Role)
	assert.Equal(t, "call-1", msgs[2].ToolID)
	assert.Equal(t, "Sunny, 25°C", msgs[2].Content)
	assert.Equal(t, model.RoleAssistant, msgs[3].Role)
	assert.Equal(t, "It is sunny and 25°C in Madrid.", result.LastResponse())

	assert.Equal(t, 4, result.Step)
	assert.Equal(t, 4, result.Steps)
	assert.Equal(t, 1, result.ToolHops)
	assert.False(t, result.Inconsistent)

	// The second model call sees the tool result.
	reqs := llm.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 4)
	assert.Equal(t, model.RoleSystem, reqs[1].Messages[0].Role)
	assert.Equal(t, "Sunny, 25°C", reqs[1].Messages[3].Content)

	history, err := saver.List(ctx, "madrid", 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	wantNodes := []string{"agent", "tools", "agent", ""}
	wantNext := []string{graph.End, "agent", "tools", "agent"}
	for i, cp := range history {
		assert.Equal(t, 4-i, cp.Step)
		assert.Equal(t, wantNodes[i], cp.Node, "step %d", cp.Step)
		assert.Equal(t, wantNext[i], cp.Next, "step %d", cp.Step)
	}
	assert.Equal(t, graph.CheckpointSourceInput, history[3].Source)
	assert.Equal(t, graph.CheckpointSourceLoop, history[0].Source)
	assert.Equal(t, 1, history[1].ToolHops)

	state, err := graph.DecodeState(graph.MessagesStateSchema(), history[0].State)
	require.NoError(t, err)
	assert.Equal(t, msgs, graph.GetMessages(state))
}

func TestInvokeWithoutSaver(t *testing.T) {
	e := newExecutor(t, weatherGraph(t, madridModel()))
	assert.Nil(t, e.Checkpoints())
	result, err := e.Invoke(context.Background(), "t", userInput("Madrid?"))
	require.NoError(t, err)
	assert.Len(t, result.Messages(), 4)
}

func TestInvokeRequiresThreadID(t *testing.T) {
	e := newExecutor(t, weatherGraph(t, madridModel()))
	_, err := e.Invoke(context.Background(), "", userInput("x"))
	assert.ErrorIs(t, err, graph.ErrThreadIDRequired)
	_, err = e.Stream(context.Background(), "", userInput("x"))
	assert.ErrorIs(t, err, graph.ErrThreadIDRequired)
}

func TestNewExecutorValidation(t *testing.T) {
	_, err := graph.NewExecutor(nil)
	assert.Error(t, err)
	g := weatherGraph(t, madridModel())
	_, err = graph.NewExecutor(g, graph.WithMaxSteps(0))
	assert.Error(t, err)
	_, err = graph.NewExecutor(g, graph.WithMaxToolHops(-1))
	assert.Error(t, err)
}

func TestToolHopCap(t *testing.T) {
	ctx := context.Background()
	saver := inmemory.NewSaver()
	llm := scripted.New("loop", []scripted.Reply{
		scripted.ToolCall("c", weather.Name, map[string]any{"city": "Madrid"}),
	}, scripted.WithLoop())
	e := newExecutor(t, weatherGraph(t, llm), graph.WithCheckpointSaver(saver), graph.WithMaxToolHops(2))

	result, err := e.Invoke(ctx, "loop", userInput("weather forever"))
	var loopErr *graph.ToolLoopExceededError
	require.ErrorAs(t, err, &loopErr)
	assert.Equal(t, 3, loopErr.Hops)
	assert.Equal(t, 2, loopErr.Max)
	assert.Equal(t, 7, loopErr.Step)

	require.NotNil(t, result)
	assert.Equal(t, 6, result.Step)
	assert.Equal(t, 2, result.ToolHops)
	assert.Equal(t, 3, llm.Calls())

	latest, err := saver.Latest(ctx, "loop")
	require.NoError(t, err)
	assert.Equal(t, 6, latest.Step)
	assert.Equal(t, "tools", latest.Next)
}

func TestToolFailureDoesNotAbort(t *testing.T) {
	llm := scripted.New("m", []scripted.Reply{
		scripted.ToolCall("c1", "teleport", nil),
		scripted.Text("I cannot teleport."),
	})
	e := newExecutor(t, weatherGraph(t, llm))
	result, err := e.Invoke(context.Background(), "t", userInput("beam me up"))
	require.NoError(t, err)
	msgs := result.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, `error: tool "teleport" not found`, msgs[2].Content)
	assert.Equal(t, "I cannot teleport.", result.LastResponse())
}

func TestThreadContinuityAcrossExecutors(t *testing.T) {
	ctx := context.Background()

	single := inmemory.NewSaver()
	one := newExecutor(t, weatherGraph(t, scripted.New("m", []scripted.Reply{
		scripted.Text("a1"), scripted.Text("a2"),
	})), graph.WithCheckpointSaver(single))
	_, err := one.Invoke(ctx, "t", userInput("q1"))
	require.NoError(t, err)
	want, err := one.Invoke(ctx, "t", userInput("q2"))
	require.NoError(t, err)

	shared := inmemory.NewSaver()
	first := newExecutor(t, weatherGraph(t, scripted.New("m", []scripted.Reply{scripted.Text("a1")})),
		graph.WithCheckpointSaver(shared))
	_, err = first.Invoke(ctx, "t", userInput("q1"))
	require.NoError(t, err)
	second := newExecutor(t, weatherGraph(t, scripted.New("m", []scripted.Reply{scripted.Text("a2")})),
		graph.WithCheckpointSaver(shared))
	got, err := second.Invoke(ctx, "t", userInput("q2"))
	require.NoError(t, err)

	assert.Equal(t, want.Messages(), got.Messages())
	assert.Equal(t, want.Step, got.Step)
	assert.Equal(t, 4, got.Step)
	assert.Equal(t, 2, got.Steps)

	contents := make([]string, 0, 4)
	for _, m := range got.Messages() {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"q1", "a1", "q2", "a2"}, contents)
}

func TestResumeAfterFailedStep(t *testing.T) {
	ctx := context.Background()
	saver := inmemory.NewSaver()
	broken := scripted.New("m", []scripted.Reply{scripted.Fail(errors.New("503 service unavailable"))})
	e := newExecutor(t, weatherGraph(t, broken),
		graph.WithCheckpointSaver(saver), graph.WithRetryPolicy(graph.NoRetry()))

	_, err := e.Invoke(ctx, "t", userInput("Madrid?"))
	var stepErr *graph.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "agent", stepErr.Node)
	assert.Equal(t, 2, stepErr.Step)
	assert.True(t, model.IsInvocationError(err))

	latest, err := saver.Latest(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Step)
	assert.Equal(t, graph.CheckpointSourceInput, latest.Source)

	restarted := newExecutor(t, weatherGraph(t, madridModel()), graph.WithCheckpointSaver(saver))
	result, err := restarted.Invoke(ctx, "t", nil)
	require.NoError(t, err)
	msgs := result.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "Madrid?", msgs[0].Content)
	assert.Equal(t, 4, result.Step)
}

func TestResumeContinuesInterruptedRun(t *testing.T) {
	ctx := context.Background()
	saver := inmemory.NewSaver()
	aRuns := 0
	pipeline := func(bFails bool) *graph.Graph {
		return graph.NewStateGraph(graph.MessagesStateSchema()).
			AddNode("a", func(ctx context.Context, s graph.State) (graph.State, error) {
				aRuns++
				return graph.State{graph.StateKeyMessages: []model.Message{model.NewAssistantMessage("from a")}}, nil
			}).
			AddNode("b", func(ctx context.Context, s graph.State) (graph.State, error) {
				if bFails {
					return nil, errors.New("process died")
				}
				return graph.State{graph.StateKeyMessages: []model.Message{model.NewAssistantMessage("from b")}}, nil
			}).
			AddEdge("a", "b").
			SetEntryPoint("a").
			SetFinishPoint("b").
			MustCompile()
	}

	first := newExecutor(t, pipeline(true), graph.WithCheckpointSaver(saver), graph.WithRetryPolicy(graph.NoRetry()))
	_, err := first.Invoke(ctx, "t", userInput("hi"))
	require.Error(t, err)
	latest, err := saver.Latest(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Step)
	assert.Equal(t, "a", latest.Node)
	assert.Equal(t, "b", latest.Next)

	second := newExecutor(t, pipeline(false), graph.WithCheckpointSaver(saver))
	result, err := second.Invoke(ctx, "t", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, aRuns)
	assert.Equal(t, 3, result.Step)
	assert.Equal(t, 1, result.Steps)

	contents := make([]string, 0, 3)
	for _, m := range result.Messages() {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"hi", "from a", "from b"}, contents)
}

func TestResumeRestoresToolHops(t *testing.T) {
	ctx := context.Background()
	saver := inmemory.NewSaver()
	looping := scripted.New("loop", []scripted.Reply{
		scripted.ToolCall("c", weather.Name, map[string]any{"city": "Madrid"}),
	}, scripted.WithLoop())
	e := newExecutor(t, weatherGraph(t, looping), graph.WithCheckpointSaver(saver), graph.WithMaxToolHops(2))
	_, err := e.Invoke(ctx, "loop", userInput("weather forever"))
	var loopErr *graph.ToolLoopExceededError
	require.ErrorAs(t, err, &loopErr)

	idle := scripted.New("idle", nil)
	restarted := newExecutor(t, weatherGraph(t, idle), graph.WithCheckpointSaver(saver), graph.WithMaxToolHops(2))
	_, err = restarted.Invoke(ctx, "loop", nil)
	require.ErrorAs(t, err, &loopErr)
	assert.Equal(t, 3, loopErr.Hops)
	assert.Equal(t, 0, idle.Calls())
}

func TestNewInputAnswersPendingToolCalls(t *testing.T) {
	ctx := context.Background()
	saver := inmemory.NewSaver()
	looping := scripted.New("loop", []scripted.Reply{
		scripted.ToolCall("c", weather.Name, map[string]any{"city": "Madrid"}),
	}, scripted.WithLoop())
	e := newExecutor(t, weatherGraph(t, looping), graph.WithCheckpointSaver(saver), graph.WithMaxToolHops(2))
	_, err := e.Invoke(ctx, "loop", userInput("weather forever"))
	var loopErr *graph.ToolLoopExceededError
	require.ErrorAs(t, err, &loopErr)

	llm := scripted.New("m", []scripted.Reply{scripted.Text("Stopped.")})
	next := newExecutor(t, weatherGraph(t, llm), graph.WithCheckpointSaver(saver), graph.WithMaxToolHops(2))
	result, err := next.Invoke(ctx, "loop", userInput("stop"))
	require.NoError(t, err)
	assert.Equal(t, 1, llm.Calls())

	msgs := result.Messages()
	require.Len(t, msgs, 9)
	assert.Equal(t, model.RoleAssistant, msgs[5].Role)
	require.Len(t, msgs[5].ToolCalls, 1)
	assert.Equal(t, model.RoleTool, msgs[6].Role)
	assert.Equal(t, msgs[5].ToolCalls[0].ID, msgs[6].ToolID)
	assert.Equal(t, "stop", msgs[7].Content)
	assert.Equal(t, "Stopped.", result.LastResponse())

	for i, m := range msgs {
		if m.Role != model.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		require.Less(t, i+1, len(msgs))
		assert.Equal(t, model.RoleTool, msgs[i+1].Role, "tool call at %d has no result", i)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	errFlaky := errors.New("flaky")
	var mu sync.Mutex
	attempts := 0
	g := graph.NewStateGraph(graph.MessagesStateSchema()).
		AddNode("flaky", func(ctx context.Context, s graph.State) (graph.State, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return nil, errFlaky
			}
			return graph.State{graph.StateKeyLastResponse: "ok"}, nil
		}).
		SetFinishPoint("flaky").
		SetEntryPoint("flaky").
		MustCompile()
	e := newExecutor(t, g, graph.WithRetryPolicy(graph.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		RetryOn:         []graph.RetryCondition{graph.RetryOnErrors(errFlaky)},
	}))
	result, err := e.Invoke(context.Background(), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "ok", result.LastResponse())
	assert.Equal(t, 1, result.Step)
}

func TestNodeErrorCallbacks(t *testing.T) {
	boom := errors.New("boom")
	var (
		nodeErrs []error
		endErr   error
		ended    *graph.Result
	)
	cbs := graph.NewCallbacks().
		RegisterOnNodeError(func(ctx context.Context, cb *graph.NodeCallbackContext, err error) {
			assert.Equal(t, "fail", cb.NodeID)
			nodeErrs = append(nodeErrs, err)
		}).
		RegisterOnRunEnd(func(ctx context.Context, r *graph.Result, err error) {
			ended, endErr = r, err
		})
	g := graph.NewStateGraph(graph.MessagesStateSchema()).
		AddNode("fail", func(ctx context.Context, s graph.State) (graph.State, error) { return nil, boom }).
		SetFinishPoint("fail").
		SetEntryPoint("fail").
		MustCompile()
	e := newExecutor(t, g, graph.WithCallbacks(cbs))
	_, err := e.Invoke(context.Background(), "t", userInput("x"))
	assert.ErrorIs(t, err, boom)
	require.Len(t, nodeErrs, 1)
	assert.ErrorIs(t, endErr, boom)
	require.NotNil(t, ended)
	assert.Equal(t, 1, ended.Step)
}

func TestPanickingNodeFailsStep(t *testing.T) {
	g := graph.NewStateGraph(nil).
		AddNode("panic", func(ctx context.Context, s graph.State) (graph.State, error) { panic("oops") }).
		SetFinishPoint("panic").
		SetEntryPoint("panic").
		MustCompile()
	e := newExecutor(t, g, graph.WithRetryPolicy(graph.NoRetry()))
	_, err := e.Invoke(context.Background(), "t", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node panic panicked: oops")
}

func TestBeforeAndAfterNodeCallbacks(t *testing.T) {
	llm := scripted.New("m", nil)
	var after []string
	cbs := graph.NewCallbacks().
		RegisterBeforeNode(func(ctx context.Context, cb *graph.NodeCallbackContext, s graph.State) (graph.State, error) {
			if cb.NodeID != "agent" {
				return nil, nil
			}
			return graph.State{graph.StateKeyMessages: []model.Message{model.NewAssistantMessage("cached")}}, nil
		}).
		RegisterAfterNode(func(ctx context.Context, cb *graph.NodeCallbackContext, update graph.State, err error) (graph.State, error) {
			after = append(after, cb.NodeID)
			return nil, nil
		})
	e := newExecutor(t, weatherGraph(t, llm), graph.WithCallbacks(cbs))
	result, err := e.Invoke(context.Background(), "t", userInput("hi"))
	require.NoError(t, err)
	assert.Equal(t, 0, llm.Calls())
	assert.Equal(t, "cached", result.LastResponse())
	// A short-circuited node skips the after hooks.
	assert.Empty(t, after)
}

func TestAfterNodeReplacesUpdate(t *testing.T) {
	cbs := graph.NewCallbacks().RegisterAfterNode(
		func(ctx context.Context, cb *graph.NodeCallbackContext, update graph.State, err error) (graph.State, error) {
			out := graph.State{}
			for k, v := range update {
				out[k] = v
			}
			out[graph.StateKeyLastResponse] = "patched"
			return out, nil
		})
	e := newExecutor(t, weatherGraph(t, scripted.New("m", []scripted.Reply{scripted.Text("orig")})), graph.WithCallbacks(cbs))
	result, err := e.Invoke(context.Background(), "t", userInput("hi"))
	require.NoError(t, err)
	assert.Equal(t, "patched", result.LastResponse())
}

func TestUnknownFieldUpdateAbortsStep(t *testing.T) {
	ctx := context.Background()
	saver := inmemory.NewSaver()
	g := graph.NewStateGraph(graph.MessagesStateSchema()).
		AddNode("bad", func(ctx context.Context, s graph.State) (graph.State, error) {
			return graph.State{"mood": "sad"}, nil
		}).
		SetFinishPoint("bad").
		SetEntryPoint("bad").
		MustCompile()
	e := newExecutor(t, g, graph.WithCheckpointSaver(saver))
	result, err := e.Invoke(ctx, "t", userInput("hi"))
	var unknown *graph.UnknownFieldError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "mood", unknown.Field)
	assert.Equal(t, 1, result.Step)
	assert.Len(t, result.Messages(), 1)

	latest, err := saver.Latest(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Step)
}

func TestInvalidInputIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	saver := inmemory.NewSaver()
	e := newExecutor(t, weatherGraph(t, madridModel()), graph.WithCheckpointSaver(saver))
	_, err := e.Invoke(ctx, "t", graph.State{"mood": "sad"})
	var unknown *graph.UnknownFieldError
	require.ErrorAs(t, err, &unknown)
	threads, err := saver.Threads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestMaxSteps(t *testing.T) {
	g := graph.NewStateGraph(nil).
		AddNode("spin", func(ctx context.Context, s graph.State) (graph.State, error) { return nil, nil }).
		AddEdge("spin", "spin").
		SetEntryPoint("spin").
		MustCompile()
	e := newExecutor(t, g, graph.WithMaxSteps(5))
	result, err := e.Invoke(context.Background(), "t", nil)
	assert.ErrorIs(t, err, graph.ErrMaxStepsExceeded)
	assert.Equal(t, 5, result.Steps)
}

func TestCancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	saver := inmemory.NewSaver()
	secondRan := false
	g := graph.NewStateGraph(graph.MessagesStateSchema()).
		AddNode("first", func(nodeCtx context.Context, s graph.State) (graph.State, error) {
			cancel()
			// The in-flight node is not interrupted.
			assert.NoError(t, nodeCtx.Err())
			return graph.State{graph.StateKeyLastResponse: "first"}, nil
		}).
		AddNode("second", func(ctx context.Context, s graph.State) (graph.State, error) {
			secondRan = true
			return nil, nil
		}).
		AddEdge("first", "second").
		SetFinishPoint("second").
		SetEntryPoint("first").
		MustCompile()
	e := newExecutor(t, g, graph.WithCheckpointSaver(saver))

	result, err := e.Invoke(ctx, "t", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, secondRan)
	assert.Equal(t, 1, result.Step)

	latest, err := saver.Latest(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Step)
	assert.Equal(t, "second", latest.Next)
}

func TestNodeTimeout(t *testing.T) {
	g := graph.NewStateGraph(nil).
		AddNode("slow", func(ctx context.Context, s graph.State) (graph.State, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, graph.WithTimeout(10*time.Millisecond)).
		SetFinishPoint("slow").
		SetEntryPoint("slow").
		MustCompile()
	e := newExecutor(t, g, graph.WithRetryPolicy(graph.NoRetry()))
	_, err := e.Invoke(context.Background(), "t", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// failingSaver fails Put calls after the first okPuts succeed.
type failingSaver struct {
	*inmemory.Saver
	mu        sync.Mutex
	okPuts    int
	puts      int
	latestErr error
}

func (s *failingSaver) Put(ctx context.Context, cp *graph.Checkpoint) error {
	s.mu.Lock()
	s.puts++
	fail := s.puts > s.okPuts
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Saver.Put(ctx, cp)
}

func (s *failingSaver) Latest(ctx context.Context, threadID string) (*graph.Checkpoint, error) {
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	return s.Saver.Latest(ctx, threadID)
}

func TestPersistenceFailureAborts(t *testing.T) {
	saver := &failingSaver{Saver: inmemory.NewSaver(), okPuts: 1}
	llm := madridModel()
	e := newExecutor(t, weatherGraph(t, llm), graph.WithCheckpointSaver(saver))
	result, err := e.Invoke(context.Background(), "t", userInput("Madrid?"))

	var persErr *graph.PersistenceError
	require.ErrorAs(t, err, &persErr)
	assert.Equal(t, "save", persErr.Op)
	assert.Equal(t, 2, persErr.Step)
	assert.Equal(t, 1, result.Step)
	assert.Equal(t, 1, llm.Calls())
}

func TestPersistenceFailureFlagged(t *testing.T) {
	saver := &failingSaver{Saver: inmemory.NewSaver(), okPuts: 2}
	e := newExecutor(t, weatherGraph(t, madridModel()),
		graph.WithCheckpointSaver(saver), graph.WithContinueOnPersistenceError(true))
	result, err := e.Invoke(context.Background(), "t", userInput("Madrid?"))
	require.NoError(t, err)
	assert.True(t, result.Inconsistent)
	assert.Len(t, result.PersistenceErrors, 2)
	assert.Equal(t, 4, result.Step)
	assert.Len(t, result.Messages(), 4)
}

func TestLoadFailure(t *testing.T) {
	saver := &failingSaver{Saver: inmemory.NewSaver(), okPuts: 10, latestErr: errors.New("connection refused")}
	e := newExecutor(t, weatherGraph(t, madridModel()), graph.WithCheckpointSaver(saver))
	result, err := e.Invoke(context.Background(), "t", userInput("x"))
	assert.Nil(t, result)
	var persErr *graph.PersistenceError
	require.ErrorAs(t, err, &persErr)
	assert.Equal(t, "load", persErr.Op)
}

func TestStream(t *testing.T) {
	saver := inmemory.NewSaver()
	e := newExecutor(t, weatherGraph(t, madridModel()), graph.WithCheckpointSaver(saver))
	updates, err := e.Stream(context.Background(), "t", userInput("Madrid?"))
	require.NoError(t, err)

	var got []*graph.StepUpdate
	for u := range updates {
		got = append(got, u)
	}
	require.Len(t, got, 5)
	for i, u := range got[:4] {
		assert.Equal(t, i+1, u.Step)
		assert.False(t, u.Done)
		assert.NotEmpty(t, u.CheckpointID)
		assert.NoError(t, u.Err)
	}
	assert.Equal(t, graph.CheckpointSourceInput, got[0].Source)
	assert.Equal(t, "agent", got[1].Node)
	assert.Equal(t, "tools", got[1].Next)
	assert.Equal(t, "tools", got[2].Node)
	assert.Len(t, got[2].Update[graph.StateKeyMessages], 1)

	final := got[4]
	assert.True(t, final.Done)
	assert.NoError(t, final.Err)
	assert.Equal(t, 4, final.Step)
	assert.Len(t, graph.GetMessages(final.State), 4)
}

func TestStreamReportsFailure(t *testing.T) {
	llm := scripted.New("m", []scripted.Reply{scripted.Fail(errors.New("down"))})
	e := newExecutor(t, weatherGraph(t, llm), graph.WithRetryPolicy(graph.NoRetry()))
	updates, err := e.Stream(context.Background(), "t", userInput("x"))
	require.NoError(t, err)
	var last *graph.StepUpdate
	for u := range updates {
		last = u
	}
	require.NotNil(t, last)
	assert.True(t, last.Done)
	require.Error(t, last.Err)
	assert.Contains(t, last.Error, "down")
}

func sentimentGraph(t *testing.T, classifier, agent model.Model) *graph.Graph {
	t.Helper()
	labels := []string{"very negative", "negative", "neutral", "positive"}
	g, err := graph.NewStateGraph(graph.MessagesStateSchema()).
		AddNode("classify", graph.NewClassifierNodeFunc(classifier, "Classify the user's sentiment.",
			graph.StateKeyCurrentSentiment, labels, "neutral"), graph.WithNodeType(graph.NodeTypeRouter)).
		AddNode("escalate", graph.NewStaticMessageNodeFunc("Connecting you with a human agent.")).
		AddLLMNode("agent", agent, "Be helpful.", nil).
		AddConditionalEdges("classify", []graph.Branch{{
			Label: "very negative",
			Predicate: func(s graph.State) bool {
				return graph.GetString(s, graph.StateKeyCurrentSentiment) == "very negative"
			},
			To: "escalate",
		}}, "agent").
		SetFinishPoint("escalate").
		SetFinishPoint("agent").
		SetEntryPoint("classify").
		Compile()
	require.NoError(t, err)
	return g
}

func TestSentimentEscalation(t *testing.T) {
	classifier := scripted.New("clf", []scripted.Reply{scripted.Text(`{"label":"very negative"}`)})
	agent := scripted.New("agent", nil)
	e := newExecutor(t, sentimentGraph(t, classifier, agent))
	result, err := e.Invoke(context.Background(), "t", userInput("This is the worst service ever!"))
	require.NoError(t, err)
	assert.Equal(t, "very negative", graph.GetString(result.State, graph.StateKeyCurrentSentiment))
	assert.Equal(t, "Connecting you with a human agent.", result.LastResponse())
	assert.Equal(t, 0, agent.Calls())
}

func TestSentimentNeutralGoesToAgent(t *testing.T) {
	classifier := scripted.New("clf", []scripted.Reply{scripted.Text(`{"label":"neutral"}`)})
	agent := scripted.New("agent", []scripted.Reply{scripted.Text("Happy to help.")})
	e := newExecutor(t, sentimentGraph(t, classifier, agent))
	result, err := e.Invoke(context.Background(), "t", userInput("Can you help me?"))
	require.NoError(t, err)
	assert.Equal(t, "neutral", graph.GetString(result.State, graph.StateKeyCurrentSentiment))
	assert.Equal(t, "Happy to help.", result.LastResponse())
	assert.Equal(t, 3, result.Step)
}

func TestExecutorMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	e := newExecutor(t, weatherGraph(t, madridModel()), graph.WithMeter(provider.Meter("test")))
	_, err := e.Invoke(context.Background(), "t", userInput("Madrid?"))
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(4), sums[itelemetry.MetricSteps])
	assert.Equal(t, int64(1), sums[itelemetry.MetricToolCalls])
	assert.Equal(t, int64(1), sums[itelemetry.MetricRuns])
}

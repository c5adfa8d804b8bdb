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

// Package checkpointtest holds a conformance suite shared by the
// checkpoint saver implementations.
package checkpointtest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/model"
)

// Factory creates an empty saver retaining at most max checkpoints per
// thread. A max <= 0 selects the saver default.
type Factory func(t *testing.T, max int) graph.CheckpointSaver

// Checkpoint builds a checkpoint at step holding a small message state.
func Checkpoint(t *testing.T, threadID string, step int) *graph.Checkpoint {
	t.Helper()
	call, err := model.NewToolCall(fmt.Sprintf("call-%d", step), "get_weather", map[string]any{"city": "Madrid"})
	require.NoError(t, err)
	state, err := graph.EncodeState(graph.State{
		graph.StateKeyMessages: []model.Message{
			model.NewUserMessage(fmt.Sprintf("message %d", step)),
			model.NewToolCallMessage("", call),
		},
		graph.StateKeyCurrentSentiment: "neutral",
	})
	require.NoError(t, err)
	cp := graph.NewCheckpoint(threadID, step, graph.CheckpointSourceLoop, state)
	cp.Node = "agent"
	cp.Next = "tools"
	cp.ToolHops = step % 3
	return cp
}

// Run runs the conformance suite against savers produced by newSaver.
func Run(t *testing.T, newSaver Factory) {
	t.Run("latest of unknown thread", func(t *testing.T) {
		s := newSaver(t, 0)
		cp, err := s.Latest(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Nil(t, cp)
		list, err := s.List(context.Background(), "nobody", 0)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("put then latest round trips", func(t *testing.T) {
		ctx := context.Background()
		s := newSaver(t, 0)
		want := Checkpoint(t, "t1", 1)
		require.NoError(t, s.Put(ctx, want))

		got, err := s.Latest(ctx, "t1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assertSameCheckpoint(t, want, got)

		schema := graph.MessagesStateSchema()
		state, err := graph.DecodeState(schema, got.State)
		require.NoError(t, err)
		msgs := graph.GetMessages(state)
		require.Len(t, msgs, 2)
		require.Len(t, msgs[1].ToolCalls, 1)
		args, err := msgs[1].ToolCalls[0].Args()
		require.NoError(t, err)
		assert.Equal(t, "Madrid", args["city"])
	})

	t.Run("latest is the highest step", func(t *testing.T) {
		ctx := context.Background()
		s := newSaver(t, 0)
		for step := 1; step <= 5; step++ {
			require.NoError(t, s.Put(ctx, Checkpoint(t, "t1", step)))
		}
		require.NoError(t, s.Put(ctx, Checkpoint(t, "t2", 9)))

		got, err := s.Latest(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 5, got.Step)

		list, err := s.List(ctx, "t1", 0)
		require.NoError(t, err)
		require.Len(t, list, 5)
		for i, cp := range list {
			assert.Equal(t, 5-i, cp.Step)
		}
		limited, err := s.List(ctx, "t1", 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, 5, limited[0].Step)
		assert.Equal(t, 4, limited[1].Step)
	})

	t.Run("duplicate step is rejected", func(t *testing.T) {
		ctx := context.Background()
		s := newSaver(t, 0)
		first := Checkpoint(t, "t1", 1)
		require.NoError(t, s.Put(ctx, first))
		err := s.Put(ctx, Checkpoint(t, "t1", 1))
		assert.ErrorIs(t, err, graph.ErrStepConflict)

		got, err := s.Latest(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("invalid checkpoint is rejected", func(t *testing.T) {
		s := newSaver(t, 0)
		assert.ErrorIs(t, s.Put(context.Background(), nil), graph.ErrInvalidCheckpoint)
		assert.ErrorIs(t, s.Put(context.Background(), Checkpoint(t, "", 1)), graph.ErrInvalidCheckpoint)
	})

	t.Run("history is bounded", func(t *testing.T) {
		ctx := context.Background()
		s := newSaver(t, 3)
		for step := 1; step <= 6; step++ {
			require.NoError(t, s.Put(ctx, Checkpoint(t, "t1", step)))
		}
		list, err := s.List(ctx, "t1", 0)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, 6, list[0].Step)
		assert.Equal(t, 4, list[2].Step)
	})

	t.Run("threads and delete", func(t *testing.T) {
		ctx := context.Background()
		s := newSaver(t, 0)
		require.NoError(t, s.Put(ctx, Checkpoint(t, "b", 1)))
		require.NoError(t, s.Put(ctx, Checkpoint(t, "a", 1)))
		require.NoError(t, s.Put(ctx, Checkpoint(t, "a", 2)))

		threads, err := s.Threads(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, threads)

		require.NoError(t, s.DeleteThread(ctx, "a"))
		cp, err := s.Latest(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, cp)
		threads, err = s.Threads(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, threads)

		require.NoError(t, s.DeleteThread(ctx, "missing"))
	})

	t.Run("returned checkpoints are copies", func(t *testing.T) {
		ctx := context.Background()
		s := newSaver(t, 0)
		cp := Checkpoint(t, "t1", 1)
		require.NoError(t, s.Put(ctx, cp))
		cp.Node = "mutated"

		got, err := s.Latest(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "agent", got.Node)
		got.Next = "mutated"

		again, err := s.Latest(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "tools", again.Next)
	})
}

func assertSameCheckpoint(t *testing.T, want, got *graph.Checkpoint) {
	t.Helper()
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.ThreadID, got.ThreadID)
	assert.Equal(t, want.Step, got.Step)
	assert.Equal(t, want.Source, got.Source)
	assert.Equal(t, want.Node, got.Node)
	assert.Equal(t, want.Next, got.Next)
	assert.Equal(t, want.ToolHops, got.ToolHops)
	assert.WithinDuration(t, want.Timestamp, got.Timestamp, time.Millisecond)
	assert.JSONEq(t, string(want.State), string(got.State))
	assert.True(t, json.Valid(got.State))
}

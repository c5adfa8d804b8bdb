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

package inmemory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/graph/checkpoint/checkpointtest"
)

var _ graph.CheckpointSaver = (*Saver)(nil)

func TestSaverConformance(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T, max int) graph.CheckpointSaver {
		s := NewSaver()
		if max > 0 {
			s.WithMaxCheckpointsPerThread(max)
		}
		return s
	})
}

func TestSaverOutOfOrderPut(t *testing.T) {
	ctx := context.Background()
	s := NewSaver()
	require.NoError(t, s.Put(ctx, checkpointtest.Checkpoint(t, "t1", 3)))
	require.NoError(t, s.Put(ctx, checkpointtest.Checkpoint(t, "t1", 1)))

	latest, err := s.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Step)
}

func TestSaverConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	s := NewSaver()
	cps := make([]*graph.Checkpoint, 0, 50)
	for step := 1; step <= 50; step++ {
		cps = append(cps, checkpointtest.Checkpoint(t, "t1", step))
	}
	var wg sync.WaitGroup
	for _, cp := range cps {
		wg.Add(1)
		go func(cp *graph.Checkpoint) {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, cp))
		}(cp)
	}
	wg.Wait()

	list, err := s.List(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, list, 50)
	assert.Equal(t, 50, list[0].Step)
}

func TestSaverClose(t *testing.T) {
	ctx := context.Background()
	s := NewSaver()
	require.NoError(t, s.Put(ctx, checkpointtest.Checkpoint(t, "t1", 1)))
	require.NoError(t, s.Close())
	threads, err := s.Threads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)

	_, err = s.Latest(ctx, "")
	assert.ErrorIs(t, err, graph.ErrThreadIDRequired)
}
